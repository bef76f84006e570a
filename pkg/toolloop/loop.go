package toolloop

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/tools"
)

// ErrMaxHops is returned when the model keeps requesting tools past the
// configured hop cap. The turn accumulated so far is still returned.
var ErrMaxHops = errors.New("max tool hops reached")

// Loop drives the recursive inference cycle: run the engine, execute any
// requested tools, feed results back, repeat until the model produces a
// plain answer or the hop cap is hit.
type Loop struct {
	engine   engine.Engine
	registry tools.Registry
	executor tools.Executor
	config   engine.ToolConfig
}

type Option func(*Loop)

func WithExecutor(executor tools.Executor) Option {
	return func(l *Loop) {
		l.executor = executor
	}
}

func WithToolConfig(config engine.ToolConfig) Option {
	return func(l *Loop) {
		l.config = config
	}
}

func NewLoop(eng engine.Engine, registry tools.Registry, options ...Option) *Loop {
	l := &Loop{
		engine:   eng,
		registry: registry,
		config:   engine.DefaultToolConfig(),
	}
	for _, opt := range options {
		opt(l)
	}
	if l.executor == nil {
		l.executor = tools.NewDefaultExecutor(l.config)
	}
	return l
}

// Run executes the loop on the given turn. Blocks accumulate on the one
// turn across hops and usage is summed, so the returned turn reflects
// the whole exchange.
func (l *Loop) Run(ctx context.Context, t *engine.Turn) (*engine.Turn, error) {
	if t == nil {
		t = engine.NewTurn(uuid.NewString())
	}
	if l.registry != nil {
		t.Tools = l.registry.Definitions()
	}
	t.ToolConfig = l.config

	md := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: t.SessionID,
		TurnID:    t.ID,
	}

	for hop := 0; hop < l.config.MaxHops; hop++ {
		log.Debug().Int("hop", hop+1).Int("blocks", len(t.Blocks)).
			Str("turn_id", t.ID).Msg("tool loop: engine step")

		updated, err := l.engine.RunInference(ctx, t)
		if err != nil {
			return updated, err
		}
		t = updated

		pending := t.PendingToolCalls()
		if len(pending) == 0 {
			return t, nil
		}

		calls := make([]tools.Call, 0, len(pending))
		for _, block := range pending {
			calls = append(calls, tools.Call{ID: block.ToolID, Name: block.ToolName, Arguments: block.Args})
		}

		results, err := l.executor.ExecuteCalls(ctx, md, calls, l.registry)
		if err != nil {
			return t, err
		}
		for i, result := range results {
			if result == nil {
				t.AppendBlock(engine.NewToolResultBlock(calls[i].ID, "no result returned", true))
				continue
			}
			if result.Error != "" {
				t.AppendBlock(engine.NewToolResultBlock(result.ID, result.Error, true))
				continue
			}
			t.AppendBlock(engine.NewToolResultBlock(result.ID, result.ValueJSON(), false))
		}
	}

	log.Warn().Int("max_hops", l.config.MaxHops).Str("turn_id", t.ID).
		Msg("tool loop: hop cap reached")
	return t, errors.Wrapf(ErrMaxHops, "%d hops", l.config.MaxHops)
}
