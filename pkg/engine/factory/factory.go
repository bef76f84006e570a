package factory

import (
	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/engine/claude"
	"github.com/tanglechat/tangle/pkg/engine/gemini"
	"github.com/tanglechat/tangle/pkg/engine/openai"
	"github.com/tanglechat/tangle/pkg/settings"
)

// ErrProviderSelection means no usable provider adapter could be created
// for the requested configuration. The orchestrator rejects the turn before
// any persistence happens when it sees this.
var ErrProviderSelection = errors.New("no usable provider configured")

// EngineFactory creates provider adapters from settings. The api type in
// the settings decides which adapter is built; call sites never branch on
// provider themselves.
type EngineFactory interface {
	CreateEngine(s *settings.Settings, options ...engine.Option) (engine.Engine, error)
	SupportedProviders() []settings.ApiType
}

type StandardEngineFactory struct{}

func NewStandardEngineFactory() *StandardEngineFactory {
	return &StandardEngineFactory{}
}

func (f *StandardEngineFactory) CreateEngine(s *settings.Settings, options ...engine.Option) (engine.Engine, error) {
	if s == nil {
		return nil, errors.Wrap(ErrProviderSelection, "settings are nil")
	}
	apiType := s.Chat.ApiType
	provider, ok := s.Provider(apiType)
	if !ok || provider.APIKey == "" {
		return nil, errors.Wrapf(ErrProviderSelection, "no credentials for provider %s", apiType)
	}

	switch apiType {
	case settings.ApiTypeOpenAI:
		return openai.NewEngine(s, options...)
	case settings.ApiTypeClaude:
		return claude.NewEngine(s, options...)
	case settings.ApiTypeGemini:
		return gemini.NewEngine(s, options...)
	default:
		return nil, errors.Wrapf(ErrProviderSelection, "unknown provider %s", apiType)
	}
}

func (f *StandardEngineFactory) SupportedProviders() []settings.ApiType {
	return []settings.ApiType{
		settings.ApiTypeOpenAI,
		settings.ApiTypeClaude,
		settings.ApiTypeGemini,
	}
}

var _ EngineFactory = (*StandardEngineFactory)(nil)
