package engine

import (
	"context"

	"github.com/tanglechat/tangle/pkg/events"
)

// Engine is the provider adapter contract: one implementation per upstream
// wire protocol. RunInference translates the Turn into the provider's
// request format, consumes the provider's native stream, publishes unified
// events to the configured sinks as they arrive, and returns the Turn with
// the assistant response blocks appended.
//
// Adapters are selected by configuration through the factory package, never
// branched inline at call sites.
type Engine interface {
	RunInference(ctx context.Context, t *Turn) (*Turn, error)
}

// Config carries cross-adapter wiring, currently just event sinks.
type Config struct {
	Sinks []events.EventSink
}

func NewConfig() *Config {
	return &Config{}
}

type Option func(*Config) error

func WithSink(sink events.EventSink) Option {
	return func(c *Config) error {
		c.Sinks = append(c.Sinks, sink)
		return nil
	}
}

func ApplyOptions(c *Config, options ...Option) error {
	for _, opt := range options {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// PublishEvent sends an event to the adapter's configured sinks and to any
// sinks registered on the context.
func (c *Config) PublishEvent(ctx context.Context, event events.Event) {
	for _, sink := range c.Sinks {
		_ = sink.PublishEvent(event)
	}
	events.PublishEventToContext(ctx, event)
}
