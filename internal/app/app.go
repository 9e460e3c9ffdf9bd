// Package app is the composition root: it wires configuration, storage,
// model providers, and the HTTP server into a runnable application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/postgres"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
)

// Generation starts are capped per process to protect provider quotas.
const (
	generateRate  = rate.Limit(5)
	generateBurst = 10
)

// App holds the wired application.
type App struct {
	Config       *config.Config
	Logger       log.Logger
	Pool         *pgxpool.Pool
	Store        *session.Store
	Cache        *agent.Cache
	Orchestrator *agent.Orchestrator
	Server       *api.Server
}

// Setup runs migrations, connects the database, initializes the model
// providers, and builds the server. Call Close to release everything.
func Setup(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := provider.NewClient(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing providers: %w", err)
	}

	store := session.NewStore(postgres.New(pool), pool, logger,
		session.WithCaseSensitiveSearch(cfg.SearchCaseSensitive))

	cache := agent.NewCache(client.ResponderFactory(), logger)
	orchestrator := agent.NewOrchestrator(cache, logger,
		agent.WithRateLimit(generateRate, generateBurst))

	server, err := api.NewServer(api.ServerConfig{
		Addr:                cfg.ServerAddr,
		Store:               store,
		Generator:           orchestrator,
		Evictor:             cache,
		Pool:                pool,
		Logger:              logger,
		DefaultModel:        cfg.DefaultModel,
		DefaultSystemPrompt: cfg.SystemPrompt,
		DefaultTemperature:  cfg.Temperature,
		DefaultMaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building server: %w", err)
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Pool:         pool,
		Store:        store,
		Cache:        cache,
		Orchestrator: orchestrator,
		Server:       server,
	}, nil
}

// Run serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx)
}

// Close releases cached responders and the database pool.
func (a *App) Close() {
	a.Cache.EvictAll()
	a.Pool.Close()
	a.Logger.Info("application stopped")
}

func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
