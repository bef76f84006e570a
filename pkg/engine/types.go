package engine

import (
	"time"

	"github.com/invopop/jsonschema"
)

// ToolDefinition declares one tool the model may call. Parameters is a
// JSON schema the adapters translate into their provider's format.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ToolConfig specifies how tools are used during a turn.
type ToolConfig struct {
	Enabled          bool          `json:"enabled"`
	ToolChoice       ToolChoice    `json:"tool_choice"`
	MaxHops          int           `json:"max_hops"`
	MaxParallelTools int           `json:"max_parallel_tools"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	AllowedTools     []string      `json:"allowed_tools"`
	Retry            RetryConfig   `json:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	BackoffBase   time.Duration `json:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor"`
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Enabled:          true,
		ToolChoice:       ToolChoiceAuto,
		MaxHops:          8,
		MaxParallelTools: 4,
		ExecutionTimeout: 30 * time.Second,
	}
}

// IsToolAllowed reports whether a tool may be executed under this config.
// An empty allow list means every registered tool is allowed.
func (c ToolConfig) IsToolAllowed(name string) bool {
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range c.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
