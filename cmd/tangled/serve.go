package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/orchestrator"
	"github.com/tanglechat/tangle/pkg/persist"
	"github.com/tanglechat/tangle/pkg/settings"
	"github.com/tanglechat/tangle/pkg/tools"
)

// chatTopic is the watermill topic every turn's events are mirrored onto.
const chatTopic = "chat.events"

func newServeCommand() *cobra.Command {
	var (
		addr string
		dsn  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if dsn != "" {
				s.Persistence.DSN = dsn
			}
			return runServe(cmd.Context(), s, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8321", "HTTP listen address")
	cmd.Flags().StringVar(&dsn, "dsn", "", "SQLite database path override")
	return cmd
}

func runServe(ctx context.Context, s *settings.Settings, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persist.NewSQLiteStore(s.Persistence.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	cache := persist.NewStreamCache(persist.WithCacheTTL(s.Persistence.StreamCacheTTL))
	defer cache.Close()
	recorder := persist.NewRecorder(store, cache,
		persist.WithDurableEvery(s.Persistence.DurableEvery))
	debouncer := persist.NewDebouncer(s.Persistence.DebounceWindow, orchestrator.SessionWriter(store))
	defer debouncer.Close()

	builtins, err := builtinToolRegistry()
	if err != nil {
		return err
	}
	registry := tools.NewInMemoryRegistry().Merge(builtins)
	log.Debug().Int("tools", registry.Count()).Msg("tool registry ready")

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	defer func() {
		if err := router.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event router")
		}
	}()
	router.AddHandler("usage-log", chatTopic, logUsage)

	orch := orchestrator.NewOrchestrator(store, recorder, debouncer, s,
		orchestrator.WithToolRegistry(registry))

	server := newServer(orch, store, events.NewWatermillSink(router.Publisher, chatTopic))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return router.Run(ctx)
	})
	group.Go(func() error {
		<-router.Running()
		log.Info().Str("addr", addr).Str("dsn", s.Persistence.DSN).Msg("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// logUsage records per-turn token usage off the event bus, away from the
// request path.
func logUsage(_ context.Context, ev events.Event) error {
	usage, ok := ev.(*events.EventUsage)
	if !ok {
		return nil
	}
	log.Info().
		Str("session_id", usage.Metadata().SessionID).
		Str("message_id", usage.Metadata().MessageID).
		Int("input_tokens", usage.Usage.InputTokens).
		Int("output_tokens", usage.Usage.OutputTokens).
		Float64("cost", usage.Cost).
		Msg("turn usage")
	return nil
}

type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name, defaults to UTC"`
}

// builtinToolRegistry holds the tools every session gets; deployments
// merge their own registries on top.
func builtinToolRegistry() (*tools.InMemoryRegistry, error) {
	registry := tools.NewInMemoryRegistry()
	currentTime, err := tools.NewToolFromFunc("current_time",
		"Returns the current date and time",
		func(input currentTimeInput) (string, error) {
			loc := time.UTC
			if input.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(input.Timezone)
				if err != nil {
					return "", errors.Wrapf(err, "unknown timezone %q", input.Timezone)
				}
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(currentTime); err != nil {
		return nil, err
	}
	return registry, nil
}
