package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bellwether-tech/rfi-cli/internal/chunk"
	"github.com/bellwether-tech/rfi-cli/internal/extract"
	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/pipeline"
	"github.com/bellwether-tech/rfi-cli/internal/plan"
	"github.com/bellwether-tech/rfi-cli/internal/registry"
	"github.com/bellwether-tech/rfi-cli/internal/resilience"
	"github.com/bellwether-tech/rfi-cli/internal/store"
	anthropicpkg "github.com/bellwether-tech/rfi-cli/pkg/anthropic"
	"github.com/bellwether-tech/rfi-cli/pkg/fireflies"
	"github.com/bellwether-tech/rfi-cli/pkg/hubspot"
)

// extractEnv holds the initialized store, clients, and coordinator
// shared by the extract/retry/serve commands.
type extractEnv struct {
	Store       store.Store
	Coordinator *pipeline.Coordinator
	Registry    *model.FieldRegistry
	HubSpot     hubspot.Client // nil without a token
	Fireflies   fireflies.Client
}

// Close releases resources held by the environment.
func (e *extractEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "rfi.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, field registry, API clients, and the run
// coordinator. Callers should defer env.Close().
func initEnv(ctx context.Context) (*extractEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (RFI_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := registry.Load(cfg.Fields.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	pool := extract.NewPool(client, extract.Options{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         int64(cfg.Anthropic.MaxTokens),
		Concurrency:       cfg.Extraction.Concurrency,
		JobTimeout:        time.Duration(cfg.Extraction.JobTimeoutSecs) * time.Second,
		RequestsPerMinute: cfg.Extraction.RequestsPerMinute,
	})

	env := &extractEnv{
		Store:    st,
		Registry: reg,
		Coordinator: pipeline.NewCoordinator(st, pool,
			plan.New(cfg.Extraction.InputBudget),
			chunk.New(cfg.Extraction.MaxChunkChars),
			reg),
	}
	if cfg.HubSpot.Token != "" {
		env.HubSpot = hubspot.NewClient(cfg.HubSpot.Token,
			hubspot.WithBaseURL(cfg.HubSpot.BaseURL),
			hubspot.WithRetry(extractionRetry()),
			hubspot.WithBreaker(extractionBreaker()))
	}
	if cfg.Fireflies.Key != "" {
		env.Fireflies = fireflies.NewClient(cfg.Fireflies.Key,
			fireflies.WithEndpoint(cfg.Fireflies.BaseURL),
			fireflies.WithRetry(extractionRetry()),
			fireflies.WithBreaker(extractionBreaker()))
	}
	return env, nil
}

func extractionRetry() resilience.RetryConfig {
	return resilience.FromRetryConfig(
		cfg.Extraction.RetryAttempts,
		cfg.Extraction.RetryBackoffMs,
		cfg.Extraction.RetryMaxBackoffMs,
		cfg.Extraction.RetryMultiplier,
		-1,
	)
}

func extractionBreaker() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(
		cfg.Extraction.BreakerThreshold,
		cfg.Extraction.BreakerResetSecs,
	)
}
