package yblocker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long Run waits for the proxy to drain.
const shutdownTimeout = 5 * time.Second

// App owns every long-lived component of a running instance. Create it with
// NewApp, start it with Run and release it with Close.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Store    *HistoryStore
	Engine   *FilterEngine
	Rules    *CustomRules
	Table    *CorrelationTable
	Mediator *Mediator
	Proxy    *Interceptor
	Metrics  *Metrics
	Health   *HealthChecker
	Upstream *UpstreamTransport

	// Syncer is nil when no sync endpoint is configured.
	Syncer *Syncer

	closeOnce sync.Once
	closeErr  error
}

// NewApp loads the store, the base filter lists, the custom rules and the
// CA, and wires them into a proxy. Store corruption and a missing CA are
// fatal. Base lists that cannot be fetched are skipped.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
		Health:  NewHealthChecker(),
	}

	store, err := OpenHistoryStore(cfg.Store.Path, WithIndent(cfg.Store.Development), WithStoreLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	a.Store = store
	hist, pending := store.Counts()
	a.Metrics.SetPending(pending)
	logger.Info("history store loaded", "path", cfg.Store.Path, "histories", hist, "pending", pending)

	cm, err := NewCertManager(cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load CA (run \"yblocker gen-ca\" to create one): %w", err)
	}

	a.Upstream, err = NewUpstreamTransport(cfg.Upstream)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("upstream transport: %w", err)
	}

	a.Engine = a.loadEngine(ctx)

	a.Rules = NewCustomRules(cfg.CustomRules.Path, a.Engine)
	a.Rules.Metrics = a.Metrics
	a.Rules.Logger = logger
	if err := a.Rules.Reload(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load custom rules: %w", err)
	}
	a.Metrics.SetRuleCount(a.Engine.Count())

	a.Table = NewCorrelationTable(cfg.Correlation.TTL)

	a.Mediator = NewMediator(a.Engine, a.Table, store)
	a.Mediator.MaxBodySize = cfg.Annotate.MaxBodySize
	a.Mediator.Metrics = a.Metrics
	a.Mediator.Logger = logger
	if cfg.Console {
		a.Mediator.Console = NewConsole(os.Stdout)
	}

	if cfg.Sync.Endpoint != "" {
		client := NewSyncClient(cfg.Sync.Endpoint, cfg.Sync.Token)
		client.Client = &http.Client{Timeout: cfg.Sync.Timeout}

		a.Syncer = NewSyncer(store, client, cfg.PollingInterval())
		a.Syncer.Retry = NewRetryPolicy(cfg.Sync.Attempts, nil)
		a.Syncer.Rules = a.Rules
		a.Syncer.Metrics = a.Metrics
		a.Syncer.Logger = logger
	}

	a.Health.AddCheck("rules", func() error {
		if a.Engine.Count() == 0 {
			return errors.New("no rules loaded")
		}
		return nil
	})
	a.Health.AddCheck("store", store.Check)

	a.Proxy = NewInterceptor(cfg.Server.Addr, cm, a.Mediator)
	a.Proxy.Logger = logger
	a.Proxy.Transport = a.Upstream
	a.Proxy.IdleTimeout = cfg.Server.IdleTimeout
	a.Proxy.HealthChecker = a.Health
	a.Proxy.AccessLog = NewAccessLogger(logger)
	if cfg.Server.Metrics {
		a.Proxy.Metrics = a.Metrics
	}
	if cfg.Server.Admin {
		admin := NewAdminAPI(store, a.Engine, a.Rules, a.Syncer)
		admin.Health = a.Health
		admin.Logger = logger
		a.Proxy.Admin = admin
	}

	return a, nil
}

// loadEngine fetches the base filter lists. Failing lists are logged and
// skipped; if none load the engine starts empty.
func (a *App) loadEngine(ctx context.Context) *FilterEngine {
	loader := NewSourcesLoader(a.Config.FilterLists, &http.Client{Timeout: time.Minute})
	loader.ContinueOnError = true
	loader.OnError = func(i int, err error) {
		a.Logger.Warn("filter list failed", "source", a.Config.FilterLists[i], "error", err)
	}

	start := time.Now()
	engine, err := LoadEngine(ctx, loader)
	if err != nil {
		a.Logger.Error("base filter lists unavailable, starting with custom rules only", "error", err)
		engine = NewFilterEngine()
	}
	engine.Logger = a.Logger
	a.Logger.Info("filter lists loaded",
		"sources", len(a.Config.FilterLists),
		"rules", engine.Count(),
		"skipped", engine.Skipped(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return engine
}

// Run serves the proxy and drives the background tasks until ctx is done
// or one of them fails. It does not close the store; call Close after Run
// returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Health.SetAlive(true)

	g.Go(func() error {
		if err := a.Proxy.ListenAndServe(); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Proxy.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		addr, err := a.Proxy.ListenAddr(ctx)
		if err != nil {
			return nil
		}
		a.Health.SetReady(true)
		a.Logger.Info("configure your system proxy to use this address", "addr", addr.String())
		a.Mediator.Console.Notice("proxy listening on %s", addr)
		return nil
	})

	g.Go(func() error {
		a.Table.StartJanitor(ctx, a.Config.Correlation.SweepInterval, func(evicted, remaining int) {
			a.Metrics.RecordCorrelationEvictions(evicted)
			a.Metrics.SetCorrelationSize(remaining)
			if evicted > 0 {
				a.Logger.Debug("expired exchanges evicted", "evicted", evicted, "remaining", remaining)
			}
		})
		return nil
	})

	if a.Syncer != nil {
		g.Go(func() error {
			return a.Syncer.Run(ctx)
		})
	} else {
		a.Logger.Info("sync endpoint not configured, history stays local")
	}

	if a.Config.CustomRules.Watch {
		g.Go(func() error {
			if err := a.Rules.Watch(ctx, DefaultWatchDebounce); err != nil {
				a.Logger.Warn("custom rule watch disabled", "path", a.Rules.Path(), "error", err)
			}
			return nil
		})
	}

	reloader := WatchSIGHUP(ctx, a.Rules.Reload, a.Logger)
	err := g.Wait()
	reloader.Wait()
	return err
}

// Close flushes the history store and releases its lock. It is safe to
// call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.Health.SetAlive(false)
		if a.Upstream != nil {
			a.Upstream.CloseIdleConnections()
			a.Logger.Debug("upstream transport closed", "requests", a.Upstream.Stats().TotalRequests)
		}
		if a.Store == nil {
			return
		}
		if err := a.Store.Close(); err != nil {
			a.closeErr = fmt.Errorf("close history store: %w", err)
			return
		}
		a.Logger.Info("history store flushed", "path", a.Store.Path())
	})
	return a.closeErr
}
