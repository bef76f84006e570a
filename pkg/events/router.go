package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// EventRouter wires an in-process gochannel pubsub behind a watermill
// router. The orchestrator publishes through a WatermillSink; transport
// handlers subscribe here to frame events to clients.
type EventRouter struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	logger watermill.LoggerAdapter
	router *message.Router
}

type EventRouterOption func(*EventRouter)

func WithRouterLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) { r.logger = logger }
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{logger: watermill.NopLogger{}}
	for _, o := range options {
		o(ret)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = pubSub
	ret.Subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router
	return ret, nil
}

// AddHandler registers a consumer for one topic. The handler receives the
// decoded event; undecodable payloads are logged and skipped rather than
// poisoning the subscription.
func (e *EventRouter) AddHandler(name, topic string, f func(ctx context.Context, ev Event) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, func(msg *message.Message) error {
		ev, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("handler", name).Msg("failed to decode event payload")
			return nil
		}
		return f(msg.Context(), ev)
	})
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Close() error {
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close publisher")
	}
	return e.router.Close()
}
