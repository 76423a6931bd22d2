package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkove/focusdeck/go/internal/focus"
	"github.com/mkove/focusdeck/go/internal/focus/gateway"
	"github.com/mkove/focusdeck/go/internal/focus/localbus"
	"github.com/mkove/focusdeck/go/internal/focus/natskv"
	"github.com/mkove/focusdeck/go/internal/focus/pgchannel"
	"github.com/mkove/focusdeck/go/internal/notify"
	"github.com/mkove/focusdeck/go/internal/progress"
	"github.com/rs/zerolog/log"
)

// App bundles the long-running pieces of the agent.
type App struct {
	Coordinator *focus.Coordinator
	Hub         *gateway.Hub
	Gateway     *gateway.Service

	pool *pgxpool.Pool
	nats *natskv.Channel
}

// Close releases the mode-specific resources.
func (a *App) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// setupApp composes channel, bus, collaborators, coordinator, and gateway
// for the configured mode.
func setupApp(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{}
	opts := cfg.timerOptions()

	if cfg.Agent.WebhookURL != "" {
		opts.Notifier = notify.NewWebhookNotifier(cfg.Agent.WebhookURL)
	} else {
		opts.Notifier = notify.LogNotifier{}
	}

	var channel focus.RemoteSessionChannel
	switch cfg.mode() {
	case ModePostgres:
		pool, dbCfg, err := setupDatabase(ctx)
		if err != nil {
			return nil, err
		}
		app.pool = pool

		pgch := pgchannel.New(pool, pgchannel.DefaultConfig(dbCfg.DSN()))
		if err := pgch.EnsureSchema(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to ensure session schema: %w", err)
		}

		store := progress.NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to ensure progress schema: %w", err)
		}
		opts.Progress = store
		opts.SessionLog = store
		channel = pgch

	case ModeNATS:
		natsCfg := natskv.DefaultConfig(cfg.natsURL())
		if cfg.NATS.Bucket != "" {
			natsCfg.Bucket = cfg.NATS.Bucket
		}
		ch, err := natskv.Connect(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect session channel: %w", err)
		}
		app.nats = ch
		channel = ch

	case ModeStandalone:
		channel = focus.NewMemChannel()

	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.mode())
	}

	bus := localbus.New()
	app.Coordinator = focus.New(channel, bus, opts)

	app.Hub = gateway.NewHub(gateway.DefaultConfig())
	app.Coordinator.OnState(app.Hub.ForwardState)
	app.Gateway = gateway.NewService(app.Hub, app.Coordinator)

	log.Info().
		Str("mode", cfg.mode()).
		Bool("webhook", cfg.Agent.WebhookURL != "").
		Msg("agent composed")
	return app, nil
}
