package events

// EventSink is a destination for streaming events. Implementations publish
// to a watermill bus, invoke callbacks, or feed persistence.
type EventSink interface {
	PublishEvent(event Event) error
}

// CallbackSink adapts a plain function into an EventSink.
type CallbackSink struct {
	fn func(Event) error
}

func NewCallbackSink(fn func(Event) error) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) PublishEvent(event Event) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(event)
}

var _ EventSink = (*CallbackSink)(nil)

// TeeSink fans one event out to several sinks, best effort: a failing sink
// does not keep the event from the others.
type TeeSink struct {
	sinks []EventSink
}

func NewTeeSink(sinks ...EventSink) *TeeSink {
	return &TeeSink{sinks: sinks}
}

func (s *TeeSink) PublishEvent(event Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.PublishEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ EventSink = (*TeeSink)(nil)
