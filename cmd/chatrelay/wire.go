package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/config"
	"github.com/hpungsan/chatrelay/internal/db"
	"github.com/hpungsan/chatrelay/internal/prompt"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/relay"
	"github.com/hpungsan/chatrelay/internal/session"
	"github.com/hpungsan/chatrelay/internal/sweep"
	"github.com/hpungsan/chatrelay/internal/upstream"
)

// app is a fully wired relay: stores, sweepers, error log and service.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	svc      *relay.Service
	sweepers []*sweep.Sweeper
}

// newLogger returns a JSON logger in production and a text logger otherwise.
// Logs go to w (stderr in practice; stdout belongs to the MCP transport).
func newLogger(environment string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// limiterConfigs converts configured limiters to ratelimit configs.
func limiterConfigs(cfg *config.Config) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(cfg.Limiters))
	for name, l := range cfg.Limiters {
		out[name] = ratelimit.Config{Capacity: l.Capacity, Window: ms(l.WindowMs)}
	}
	return out
}

// sessionConfig converts the session section to a session store config.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		MaxHistory:    cfg.Session.MaxHistory,
		IdleTimeout:   ms(cfg.Session.IdleTimeoutMs),
		SweepInterval: ms(cfg.Session.SweepIntervalMs),
	}
}

// wireApp builds the relay from cfg. A nil provider uses the OpenAI adapter
// configured by cfg.Upstream and cfg.APIKey.
func wireApp(baseDir string, cfg *config.Config, logger *slog.Logger, provider upstream.Provider) (*app, error) {
	clk := clock.System()

	limiters, err := ratelimit.NewSet(limiterConfigs(cfg), clk)
	if err != nil {
		return nil, fmt.Errorf("wire limiters: %w", err)
	}
	sessCfg := sessionConfig(cfg)
	sessions, err := session.New(sessCfg, clk)
	if err != nil {
		return nil, fmt.Errorf("wire session store: %w", err)
	}
	prompts, err := prompt.LoadFile(cfg.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("wire prompts: %w", err)
	}

	if provider == nil {
		provider = upstream.NewOpenAI(upstream.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.Upstream.BaseURL,
			Model:   cfg.Upstream.Model,
			Timeout: ms(cfg.Upstream.TimeoutMs),
		})
	}

	limiterSweep, err := sweep.New("limiters", ms(cfg.LimiterSweepIntervalMs), limiters, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("wire limiter sweeper: %w", err)
	}
	sessionSweep, err := sweep.New("sessions", sessCfg.SweepInterval, sessions, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("wire session sweeper: %w", err)
	}

	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("wire error log: %w", err)
	}

	svc, err := relay.New(relay.Deps{
		Limiters: limiters,
		Sessions: sessions,
		Provider: provider,
		Prompts:  prompts,
		ErrorLog: db.NewErrorLog(database, cfg.Environment, clk.Now),
		Clock:    clk,
		Logger:   logger,
	}, relay.Options{
		HistoryLimit:    cfg.Session.HistoryLimit,
		MaxMessageChars: cfg.MaxMessageChars,
		Model:           cfg.Upstream.Model,
		MaxTokens:       cfg.Upstream.MaxTokens,
		Temperature:     cfg.Upstream.Temperature,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		svc:      svc,
		sweepers: []*sweep.Sweeper{limiterSweep, sessionSweep},
	}, nil
}

// start launches the sweepers. They stop when ctx is cancelled or close is called.
func (a *app) start(ctx context.Context) {
	for _, s := range a.sweepers {
		s.Start(ctx)
	}
}

// close stops the sweepers and closes the error log database.
func (a *app) close() {
	for _, s := range a.sweepers {
		s.Stop()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}
