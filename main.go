package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/romangrechin/rss-aggregator/aggregator"
	"github.com/romangrechin/rss-aggregator/config"
	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
	"github.com/romangrechin/rss-aggregator/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *db.DB
	fetcher *fetcher.Fetcher
	agg     *aggregator.Aggregator
}

func newLogger(format, level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path, newLogger(config.DefaultLogFormat, config.DefaultLogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("CONFIG ERROR: %w", err)
	}
	return cfg, newLogger(cfg.LogFormat, cfg.LogLevel), nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	database, err := db.Connect(ctx, cfg.DbUrl, cfg.DBMaxConns, log.With("component", "db"))
	if err != nil {
		return nil, fmt.Errorf("DB ERROR: %w", err)
	}

	p, err := parser.New(parser.Options{ContentFormat: parser.ContentFormat(cfg.ContentFormat)})
	if err != nil {
		database.Close()
		return nil, err
	}

	f := fetcher.New(fetcher.Options{
		Timeout:         cfg.SourceTimeout,
		UserAgent:       cfg.UserAgent,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
	})

	agg := aggregator.New(database, f, p, aggregator.Options{
		Threads:       cfg.Threads,
		TickInterval:  cfg.TickInterval,
		FetchInterval: cfg.FetchInterval,
		DueBatch:      cfg.DueBatch,
		Backoff: aggregator.Backoff{
			Base:            cfg.BackoffBase,
			Max:             cfg.BackoffMax,
			PermanentFactor: cfg.PermanentBackoffFactor,
		},
	}, log.With("component", "aggregator"))

	return &app{
		cfg:     cfg,
		log:     log,
		db:      database,
		fetcher: f,
		agg:     agg,
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()

	if err := a.agg.Stop(ctx); err != nil {
		a.log.Warn("Aggregator stopped with error", "error", err)
	}
	a.fetcher.Close()
	a.db.Close()
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) error {
	if migrate {
		if err := db.Migrate(cfg.DbUrl, log); err != nil {
			return fmt.Errorf("DB ERROR: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.agg.OnOutcome(func(o aggregator.Outcome) {
		if o.Status.Failed() && o.ConsecutiveFailures >= 3 {
			log.Warn("Feed keeps failing",
				"feedID", o.FeedID,
				"url", o.URL,
				"consecutiveFailures", o.ConsecutiveFailures,
				"reason", o.Reason)
		}
	})

	server, err := web.NewServer(cfg.Address, a.agg, a.db, cfg.SourceTimeout, log.With("component", "http"))
	if err != nil {
		return fmt.Errorf("HTTP ERROR: %w", err)
	}

	if err = a.agg.Run(); err != nil {
		return err
	}
	if err = server.Serve(); err != nil {
		return fmt.Errorf("HTTP ERROR: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err = server.Close(shutdownCtx); err != nil {
		log.Warn("HTTP server stopped with error", "error", err)
	}
	log.Info("HTTP server stopped")
	return nil
}
