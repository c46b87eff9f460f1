package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/buildinfo"
	"github.com/nugget/pacer/internal/cache"
	"github.com/nugget/pacer/internal/config"
	"github.com/nugget/pacer/internal/connwatch"
	"github.com/nugget/pacer/internal/httpkit"
	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/llm"
	"github.com/nugget/pacer/internal/opstate"
	"github.com/nugget/pacer/internal/quota"
	"github.com/nugget/pacer/internal/rank"
	"github.com/nugget/pacer/internal/segments"
	"github.com/nugget/pacer/internal/strava"
	"github.com/nugget/pacer/internal/tools"
	"github.com/nugget/pacer/internal/usage"
)

// app is the fully wired object graph shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	gov      *quota.Governor
	strava   *strava.Client
	cache    *cache.Cache
	engine   *hydrate.Engine
	segments *segments.Store
	state    *opstate.Store
	registry *tools.Registry
	llm      *llm.MultiClient
	usage    *usage.Store
	loop     *agent.Loop

	// stravaWatch is set by serve once health watching starts. The engine
	// reports every upstream outcome to it.
	stravaWatch atomic.Pointer[connwatch.Watcher]
}

// newApp builds every component from cfg. Close releases the databases.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	loc := cfg.Location()

	st, err := opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.state = st

	// --- Quota and upstream ---
	a.gov = quota.New(quota.Config{
		Window:      time.Duration(cfg.Quota.WindowMinutes) * time.Minute,
		WindowLimit: cfg.Quota.WindowLimit,
		DayLimit:    cfg.Quota.DayLimit,
		Location:    loc,
	})

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(config.Seconds(cfg.Strava.TimeoutSec)),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	tokens, err := a.stravaTokens(httpClient)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.strava = strava.New(cfg.Strava.BaseURL, tokens,
		strava.WithHTTPClient(httpClient),
		strava.WithRateLimitHook(func(rl strava.RateLimit) {
			a.gov.Observe(rl.WindowUsage, rl.DayUsage)
		}),
		strava.WithLogger(logger),
	)

	// --- Cache, segment index, hydration ---
	a.cache = cache.New(cache.Config{
		SummaryTTL: time.Duration(cfg.Cache.SummaryTTLMinutes) * time.Minute,
	}, logger)

	segs, err := segments.Open(filepath.Join(cfg.DataDir, "segments.db"), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open segment store: %w", err)
	}
	a.segments = segs

	a.engine = hydrate.New(a.strava, a.gov, a.cache, hydrate.Config{
		Cap:      cfg.Hydration.Cap,
		PerPage:  cfg.Strava.PerPage,
		MaxPages: cfg.Hydration.MaxPages,
		Retry: hydrate.RetryPolicy{
			InitialDelay: config.Millis(cfg.Hydration.InitialBackoffMs),
			MaxDelay:     config.Millis(cfg.Hydration.MaxBackoffMs),
			Multiplier:   cfg.Hydration.BackoffFactor,
			MaxRetries:   cfg.Hydration.MaxRetries,
		},
	},
		hydrate.WithLogger(logger),
		hydrate.WithOnEnriched(segs.Observe),
		hydrate.WithCallObserver(a.observeUpstream),
	)

	a.registry = tools.NewRegistry(a.engine, a.gov,
		tools.WithSegments(segs),
		tools.WithLocation(loc),
		tools.WithLogger(logger),
	)

	// --- Model providers, ledger, agent ---
	a.llm = newLLMClient(cfg, logger)

	u, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		segs.Close()
		st.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.usage = u

	a.loop = agent.NewLoop(a.llm, a.registry, agent.Config{
		Model:         cfg.Models.Default,
		MaxTurns:      cfg.Agent.MaxTurns,
		QueryBudget:   config.Seconds(cfg.Agent.QueryBudgetSec),
		MaxQuotaWaits: cfg.Hydration.MaxQuotaWaits,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Policy:        rankingPolicy(cfg.Ranking),
		Location:      loc,
		Pricing:       pricing(cfg.Models),
	},
		agent.WithUsage(u),
		agent.WithProviderLookup(a.llm.Provider),
		agent.WithLogger(logger),
	)

	return a, nil
}

// Close releases the stores.
func (a *app) Close() error {
	return errors.Join(a.usage.Close(), a.segments.Close(), a.state.Close())
}

// observeUpstream feeds hydration outcomes to the passive strava
// watcher. Rate limiting and permanent errors (missing activity, bad
// argument) say nothing about reachability.
func (a *app) observeUpstream(err error) {
	w := a.stravaWatch.Load()
	if w == nil {
		return
	}
	if strava.Classify(err) == strava.ClassTransient {
		w.Observe(err)
		return
	}
	w.Observe(nil)
}

// watch starts health watchers: a passive one for the activity API, which
// must not be probed because probes cost quota, and active ones for each
// model provider.
func (a *app) watch(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger)
	a.stravaWatch.Store(m.Watch(ctx, connwatch.WatcherConfig{Name: "strava"}))

	for _, name := range a.llm.Providers() {
		client := a.llm.Client(name)
		m.Watch(ctx, connwatch.WatcherConfig{
			Name:  name,
			Probe: client.Ping,
			Backoff: connwatch.BackoffConfig{
				MaxRetries:   3,
				PollInterval: 5 * time.Minute,
			},
			OnDown: func(err error) {
				a.logger.Warn("model provider unreachable", "provider", name, "error", err)
			},
		})
	}
	return m
}

const (
	stateNamespace = "strava"
	keyRefresh     = "refresh_token"
	keyRefreshSeed = "refresh_seed" // the configured token the saved one descends from
)

// stravaTokens picks the token source. The provider rotates refresh
// tokens and invalidates the old one, so the latest is kept in the state
// store. A changed token in the config means the athlete re-authorized
// and takes precedence over the saved chain.
func (a *app) stravaTokens(httpClient *http.Client) (strava.TokenSource, error) {
	cfg := a.cfg.Strava
	if cfg.RefreshToken == "" {
		return strava.StaticToken(cfg.AccessToken), nil
	}

	ctx := context.Background()
	refresh := cfg.RefreshToken
	seed, _, err := a.state.Get(ctx, stateNamespace, keyRefreshSeed)
	if err != nil {
		return nil, err
	}
	if seed.Value == cfg.RefreshToken {
		if saved, ok, err := a.state.Get(ctx, stateNamespace, keyRefresh); err != nil {
			return nil, err
		} else if ok {
			refresh = saved.Value
		}
	} else {
		if err := a.state.Delete(ctx, stateNamespace, keyRefresh); err != nil {
			return nil, err
		}
		if err := a.state.Set(ctx, stateNamespace, keyRefreshSeed, cfg.RefreshToken); err != nil {
			return nil, err
		}
	}

	return &strava.RefreshToken{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Refresh:      refresh,
		HTTP:         httpClient,
		OnRotate: func(r string) {
			if err := a.state.Set(context.Background(), stateNamespace, keyRefresh, r); err != nil {
				a.logger.Error("failed to save rotated refresh token", "error", err)
			}
		},
	}, nil
}

// newLLMClient registers a provider for each credential present and routes
// every declared model to its provider.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	multi := llm.NewMultiClient(cfg.Provider(cfg.Models.Default))

	if cfg.Anthropic.APIKey != "" {
		var opts []llm.AnthropicOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, llm.WithAnthropicBaseURL(cfg.Anthropic.BaseURL))
		}
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, opts...))
		logger.Info("anthropic provider configured")
	}
	if cfg.OpenRouter.APIKey != "" {
		multi.AddProvider("openrouter", llm.NewOpenAIClient("openrouter", cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, logger))
		logger.Info("openrouter provider configured", "base_url", cfg.OpenRouter.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

func rankingPolicy(rc config.RankingConfig) rank.Policy {
	return rank.DefaultPolicy().Merge(rank.Policy{
		Longest:       rc.Longest,
		DurationTerms: rc.DurationTerms,
		Fastest:       rc.Fastest,
		Recent:        rc.Recent,
		Earliest:      rc.Earliest,
		Climbing:      rc.Climbing,
	})
}

func pricing(mc config.ModelsConfig) map[string]usage.Pricing {
	out := make(map[string]usage.Pricing, len(mc.Available))
	for _, m := range mc.Available {
		out[m.Name] = usage.Pricing{InputPerMillion: m.InputPrice, OutputPerMillion: m.OutputPrice}
	}
	return out
}
