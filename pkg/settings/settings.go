package settings

import (
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ApiType identifies an upstream wire protocol. One adapter exists per
// type; selection happens in the engine factory.
type ApiType string

const (
	ApiTypeOpenAI ApiType = "openai"
	ApiTypeClaude ApiType = "claude"
	ApiTypeGemini ApiType = "gemini"
)

// ChatSettings are the sampling parameters of one inference call.
type ChatSettings struct {
	ApiType           ApiType  `yaml:"api_type" mapstructure:"api_type"`
	Model             string   `yaml:"model" mapstructure:"model"`
	Temperature       *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP              *float64 `yaml:"top_p,omitempty" mapstructure:"top_p"`
	MaxResponseTokens *int     `yaml:"max_response_tokens,omitempty" mapstructure:"max_response_tokens"`
	Stop              []string `yaml:"stop,omitempty" mapstructure:"stop"`
	// ReasoningEffort maps onto each provider's thinking intensity knob.
	ReasoningEffort string `yaml:"reasoning_effort,omitempty" mapstructure:"reasoning_effort"`
	// EnableSearch turns on the provider's built-in web search where the
	// adapter supports it.
	EnableSearch bool `yaml:"enable_search,omitempty" mapstructure:"enable_search"`
}

// ProviderSettings hold credentials and endpoint overrides per provider id.
type ProviderSettings struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

type PersistenceSettings struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// StreamCacheTTL bounds how long an in-flight snapshot survives a
	// crashed turn.
	StreamCacheTTL time.Duration `yaml:"stream_cache_ttl" mapstructure:"stream_cache_ttl"`
	// DebounceWindow is the coalescing window of session-metadata writes.
	DebounceWindow time.Duration `yaml:"debounce_window" mapstructure:"debounce_window"`
	// DurableEvery writes every Nth progress snapshot to the durable store;
	// the cache still sees every snapshot.
	DurableEvery int `yaml:"durable_every" mapstructure:"durable_every"`
}

type CompressionSettings struct {
	// MaxMessages is the conversation length above which compression kicks in.
	MaxMessages int `yaml:"max_messages" mapstructure:"max_messages"`
	// TailRatio is the share of MaxMessages always kept verbatim by the
	// truncation fallback.
	TailRatio float64 `yaml:"tail_ratio" mapstructure:"tail_ratio"`
	// SummaryModel overrides the chat model for summarization calls.
	SummaryModel string `yaml:"summary_model,omitempty" mapstructure:"summary_model"`
}

type Settings struct {
	Chat        ChatSettings                 `yaml:"chat" mapstructure:"chat"`
	Providers   map[ApiType]ProviderSettings `yaml:"providers" mapstructure:"providers"`
	Persistence PersistenceSettings          `yaml:"persistence" mapstructure:"persistence"`
	Compression CompressionSettings          `yaml:"compression" mapstructure:"compression"`
}

func NewSettings() *Settings {
	return &Settings{
		Chat: ChatSettings{
			ApiType: ApiTypeOpenAI,
		},
		Providers: map[ApiType]ProviderSettings{},
		Persistence: PersistenceSettings{
			DSN:            "tangle.db",
			StreamCacheTTL: 10 * time.Minute,
			DebounceWindow: 10 * time.Second,
			DurableEvery:   10,
		},
		Compression: CompressionSettings{
			MaxMessages: 40,
			TailRatio:   0.7,
		},
	}
}

// Load reads settings from the given config file through viper, layered on
// top of defaults.
func Load(path string) (*Settings, error) {
	s := NewSettings()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TANGLE")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "unmarshal settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.Chat.Model == "" {
		return errors.New("chat.model must be set")
	}
	if s.Compression.MaxMessages <= 0 {
		return errors.New("compression.max_messages must be positive")
	}
	if s.Compression.TailRatio <= 0 || s.Compression.TailRatio > 1 {
		return errors.New("compression.tail_ratio must be in (0, 1]")
	}
	if s.Persistence.DurableEvery <= 0 {
		return errors.New("persistence.durable_every must be positive")
	}
	return nil
}

// Provider returns the credentials for the given api type.
func (s *Settings) Provider(apiType ApiType) (ProviderSettings, bool) {
	p, ok := s.Providers[apiType]
	return p, ok
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// WithOverride returns a clone with per-request provider/model overrides
// applied. Empty arguments leave the corresponding field untouched.
func (s *Settings) WithOverride(apiType ApiType, model string) *Settings {
	out := s.Clone()
	if apiType != "" {
		out.Chat.ApiType = apiType
	}
	if model != "" {
		out.Chat.Model = model
	}
	return out
}
