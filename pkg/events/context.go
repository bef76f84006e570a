package events

import (
	"context"
)

type ctxKey int

const ctxKeyEventSinks ctxKey = iota

// WithEventSinks attaches sinks to the context so code deep inside the
// adapters and tool executor can publish without holding configuration.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	combined := append([]EventSink{}, GetEventSinks(ctx)...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

func GetEventSinks(ctx context.Context) []EventSink {
	if v := ctx.Value(ctxKeyEventSinks); v != nil {
		if sinks, ok := v.([]EventSink); ok {
			return sinks
		}
	}
	return nil
}

// PublishEventToContext publishes to all sinks on the context, best effort.
func PublishEventToContext(ctx context.Context, event Event) {
	for _, sink := range GetEventSinks(ctx) {
		_ = sink.PublishEvent(event)
	}
}
