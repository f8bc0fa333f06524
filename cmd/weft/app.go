package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/weftworks/weft/bus"
	"github.com/weftworks/weft/config"
	"github.com/weftworks/weft/connector"
	"github.com/weftworks/weft/ingress"
	"github.com/weftworks/weft/llm"
	"github.com/weftworks/weft/llm/providers"
	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/runtime"
	"github.com/weftworks/weft/server"
	"github.com/weftworks/weft/webhook"
)

// App wires the platform together for the serve command.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

// Run assembles every component and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	registry := connector.NewRegistry(a.cfg.Connectors.Dir, connector.WithLogger(a.logger))
	stats, err := registry.Load()
	if err != nil {
		return &exitError{exitRegistry, fmt.Errorf("load connectors from %s: %w", a.cfg.Connectors.Dir, err)}
	}
	// A directory whose definitions are all malformed is a deployment
	// mistake, not a platform with fewer apps.
	if stats.Loaded == 0 && stats.Skipped > 0 {
		return &exitError{exitRegistry, fmt.Errorf(
			"no valid connector definitions in %s (%d skipped)", a.cfg.Connectors.Dir, stats.Skipped)}
	}
	if stats.Loaded == 0 {
		a.logger.Warn("no connector definitions found, only the core connector is available",
			"dir", a.cfg.Connectors.Dir)
	}

	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	shell := a.buildShell(stores.cache)

	invoker := runtime.NewHTTPInvoker(a.cfg.Connectors.Services,
		runtime.WithInvokerLogger(a.logger))

	rt := runtime.New(stores.workflows, stores.runs, registry, invoker, shell,
		runtime.WithMaxParallelExecutions(a.cfg.Runtime.MaxParallelExecutions),
		runtime.WithMaxParallelNodes(a.cfg.Runtime.MaxParallelNodesPerExecution),
		runtime.WithNodeTimeout(time.Duration(a.cfg.Runtime.DefaultNodeTimeoutMs)*time.Millisecond),
		runtime.WithDefaultRetryPolicy(retryPolicy(a.cfg.Retry.DefaultPolicy)),
		runtime.WithRuntimeLogger(a.logger))
	defer rt.Shutdown()

	verifier := webhook.NewVerifier(webhook.WithTimestampTolerance(
		time.Duration(a.cfg.Webhook.SignatureTimestampToleranceSec) * time.Second))
	intake := ingress.NewWebhookIntake(stores.triggers, verifier, rt,
		ingress.WithDedupeWindow(a.cfg.Webhook.DedupeWindow),
		ingress.WithIntakeLogger(a.logger))
	intake.Start(ctx)
	defer intake.Stop()

	poller := runtime.ConnectorPoller(invoker, runtime.StaticCredentials{})
	scheduler := ingress.NewPollScheduler(stores.triggers, poller, rt,
		ingress.WithMinPollInterval(time.Duration(a.cfg.Polling.MinIntervalSec)*time.Second),
		ingress.WithSchedulerLogger(a.logger))
	if err := scheduler.Start(ctx); err != nil {
		return &exitError{exitStore, fmt.Errorf("start poll scheduler: %w", err)}
	}
	defer scheduler.Stop()

	if a.cfg.Connectors.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("connector watch stopped", "error", err)
			}
		}()
	}

	a.logger.Info("weft ready",
		"version", Version,
		"addr", a.cfg.Server.Addr,
		"connectors", stats.Loaded)

	srv := server.New(intake, scheduler, rt, stores.runs, server.WithLogger(a.logger))
	if err := srv.Run(ctx, a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// appStores bundles the persistence backends, NATS-backed or in-memory.
type appStores struct {
	runs      runlog.Store
	workflows runtime.WorkflowStore
	triggers  ingress.TriggerStore
	cache     llm.ResponseCache
}

// openStores connects to NATS when configured; otherwise everything runs on
// in-memory stores and state is lost on restart. A configured but
// unreachable store is a startup failure.
func (a *App) openStores(ctx context.Context) (*appStores, func(), error) {
	if a.cfg.NATS.URL == "" {
		a.logger.Warn("no NATS URL configured, using in-memory stores")
		return &appStores{
			runs:      runlog.NewMemoryStore(),
			workflows: runtime.NewMemoryWorkflowStore(),
			triggers:  ingress.NewMemoryTriggerStore(),
			cache:     llm.NewMemoryCache(),
		}, func() {}, nil
	}

	conn, err := bus.Connect(a.cfg.NATS.URL, bus.WithName(appName), bus.WithLogger(a.logger))
	if err != nil {
		return nil, nil, &exitError{exitStore, err}
	}

	runs, err := runlog.NewNATSStore(ctx, conn.JS, runlog.WithStoreLogger(a.logger))
	if err != nil {
		conn.Close()
		return nil, nil, &exitError{exitStore, fmt.Errorf("open run log store: %w", err)}
	}
	workflows, err := runtime.NewNATSWorkflowStore(ctx, conn.JS)
	if err != nil {
		conn.Close()
		return nil, nil, &exitError{exitStore, fmt.Errorf("open workflow store: %w", err)}
	}
	triggers, err := ingress.NewNATSTriggerStore(ctx, conn.JS)
	if err != nil {
		conn.Close()
		return nil, nil, &exitError{exitStore, fmt.Errorf("open trigger store: %w", err)}
	}
	cache, err := llm.NewNATSCache(ctx, conn.JS,
		time.Duration(a.cfg.LLM.Cache.DefaultTTLSec)*time.Second)
	if err != nil {
		conn.Close()
		return nil, nil, &exitError{exitStore, fmt.Errorf("open llm cache: %w", err)}
	}

	return &appStores{
		runs:      runs,
		workflows: workflows,
		triggers:  triggers,
		cache:     cache,
	}, conn.Close, nil
}

// buildShell assembles the LLM call shell from configured endpoints,
// fallback chains, cache, and budget.
func (a *App) buildShell(cache llm.ResponseCache) *llm.Shell {
	endpoints := llm.NewEndpointRegistry()
	byKey := make(map[string]llm.Endpoint, len(a.cfg.LLM.Endpoints))
	for _, ep := range a.cfg.LLM.Endpoints {
		e := llm.Endpoint{Provider: ep.Provider, Model: ep.Model, BaseURL: ep.BaseURL}
		endpoints.Register(e)
		byKey[e.Key()] = e
		if ep.APIKeyEnv != "" && os.Getenv(ep.APIKeyEnv) == "" {
			a.logger.Warn("api key environment variable is not set",
				"endpoint", e.Key(),
				"env", ep.APIKeyEnv)
		}
	}
	for _, ep := range a.cfg.LLM.Endpoints {
		if len(ep.Fallbacks) == 0 {
			continue
		}
		primary := byKey[ep.Provider+"/"+ep.Model]
		fallbacks := make([]llm.Endpoint, 0, len(ep.Fallbacks))
		for _, key := range ep.Fallbacks {
			fb, ok := byKey[key]
			if !ok {
				a.logger.Warn("fallback endpoint is not registered",
					"endpoint", primary.Key(),
					"fallback", key)
				continue
			}
			fallbacks = append(fallbacks, fb)
		}
		endpoints.SetFallbacks(primary, fallbacks...)
	}

	client := llm.NewClient(endpoints,
		llm.WithProviders(providers.All()...),
		llm.WithLogger(a.logger))
	opts := []llm.ShellOption{
		llm.WithCache(cache),
		llm.WithShellLogger(a.logger),
	}
	if a.cfg.LLM.Budget.DailyPerUserUSD > 0 || a.cfg.LLM.Budget.DailyGlobalUSD > 0 {
		opts = append(opts, llm.WithBudget(
			llm.NewDailyBudget(a.cfg.LLM.Budget.DailyPerUserUSD, a.cfg.LLM.Budget.DailyGlobalUSD)))
	}
	return llm.NewShell(client, opts...)
}

// retryPolicy converts the config shape to the runtime's policy.
func retryPolicy(cfg config.RetryPolicyConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.BackoffMultiplier > 0 {
		p.BackoffMultiplier = cfg.BackoffMultiplier
	}
	if cfg.Jitter != "" {
		p.Jitter = cfg.Jitter
	}
	return p
}
