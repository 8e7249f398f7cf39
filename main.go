package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"scoutrag/backend/internal/app"
	"scoutrag/backend/internal/config"
	"scoutrag/backend/internal/logger"
	"scoutrag/backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Level())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	components := app.Components{
		DB:          deps.DB,
		VectorStore: deps.VectorStore,
		Embedder:    deps.Embedder,
		Generator:   deps.Generator,
	}
	if deps.NSQProducer != nil {
		components.Publisher = deps.NSQProducer
	}

	a, err := app.New(cfg, components, log)
	if err != nil {
		return err
	}

	if cfg.NSQEnabled {
		consumer, err := worker.Subscribe(config.TopicScrapeTrigger, cfg.NSQLookupd, cfg.NSQDHost, a.TriggerConsumer, log)
		if err != nil {
			return err
		}
		defer consumer.Stop()
	}

	return a.Run(ctx)
}
