package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"inbox-triage/internal/cache"
	"inbox-triage/internal/capability"
	"inbox-triage/internal/config"
	"inbox-triage/internal/database"
	"inbox-triage/internal/handler"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/orchestrator"
	"inbox-triage/internal/repository"
	"inbox-triage/internal/resilience"
	"inbox-triage/internal/router"
	"inbox-triage/internal/scheduler"
	"inbox-triage/internal/secrets"
	"inbox-triage/internal/source"
	"inbox-triage/internal/triage"
)

// App is the wired service.
type App struct {
	cfg       *config.Config
	loader    *config.Loader
	log       *logrus.Entry
	db        *gorm.DB
	redis     *redis.Client
	orch      *orchestrator.Orchestrator
	scheduler *scheduler.Scheduler
	server    *http.Server
}

// New loads configuration from path and wires every component. Nothing is
// started yet.
func New(path string) (*App, error) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logrus.SetLevel(cfg.Log.LogLevel())
	log := logrus.WithField("service", "inbox-triage")

	a := &App{cfg: cfg, loader: loader, log: log}

	a.db, err = database.InitDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	repo := repository.New(a.db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	respCache := cache.New(cfg.Cache.TTL)
	respCache.OnLookup(func(hit bool) {
		result := "miss"
		if hit {
			result = "hit"
		}
		m.CacheLookups.WithLabelValues(result).Inc()
	})

	stack := resilience.NewStack(
		resilience.NewRateLimiter(cfg.Limits()),
		resilience.NewBreakers(cfg.BreakerSettings()),
		cfg.RetryPolicy(), m, log)

	backends, err := a.secretBackends()
	if err != nil {
		return nil, err
	}
	creds := secrets.NewProvider(
		secrets.NewChain(backends, cfg.SecretRetryPolicy(), log),
		respCache, cfg.Cache.CredentialsTTL, m)

	var (
		classifier triage.Classifier
		generator  orchestrator.Generator = capability.NoGenerator{}
	)
	if cfg.Capability.Endpoint != "" {
		client := capability.New(cfg.Capability.Endpoint, os.Getenv(cfg.Capability.APIKeyEnv), cfg.Capability.Timeout)
		classifier, generator = client, client
	} else {
		log.Warn("No capability endpoint configured; unmatched messages fall back to notify and drafts cannot be generated")
	}

	sources := source.NewRouter(map[string]source.MessageSource{
		model.SourceGmail: source.NewGmailSource(log),
		model.SourceIMAP:  source.NewIMAPSource(log),
	})

	accounts := cfg.ToAccounts()
	a.orch = orchestrator.New(orchestrator.Deps{
		Store:       repo,
		Triage:      triage.NewEngine(classifier, stack, respCache, cfg.Cache.TTL, m, log),
		Generator:   generator,
		Sender:      sources,
		Credentials: creds,
		Stack:       stack,
		Metrics:     m,
		Log:         log,
	}, cfg.Orchestrator.DraftFailureAction)
	a.orch.SetAccounts(accounts)

	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		CycleTimeout:    cfg.Scheduler.CycleTimeout,
		InitialLookback: cfg.Scheduler.InitialLookback,
		SweepInterval:   cfg.Cache.SweepInterval,
	}, scheduler.Deps{
		Source:      sources,
		Handler:     a.orch,
		Credentials: creds,
		Store:       repo,
		Stack:       stack,
		Cache:       respCache,
		Metrics:     m,
		Log:         log,
	}, accounts)

	h := handler.NewHandlers(a.db, repo, a.orch, a.scheduler, stack.Breakers(),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.server = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.WithFields(logrus.Fields{
		"accounts": len(accounts),
		"secrets":  cfg.Secrets.Chain,
		"config":   loader.ConfigFile(),
	}).Info("Service wired")
	return a, nil
}

func (a *App) secretBackends() ([]secrets.Backend, error) {
	var backends []secrets.Backend
	for _, name := range a.cfg.Secrets.Chain {
		switch name {
		case "env":
			backends = append(backends, secrets.NewEnvBackend())
		case "dotenv":
			backends = append(backends, secrets.NewDotenvBackend(a.cfg.Secrets.DotenvPath))
		case "file":
			backends = append(backends, secrets.NewFileBackend(a.cfg.Secrets.FilePath))
		case "redis":
			rc := a.cfg.Secrets.Redis
			a.redis = redis.NewClient(&redis.Options{
				Addr:     rc.Addr,
				Password: rc.Password,
				DB:       rc.DB,
			})
			backends = append(backends, secrets.NewRedisBackend(a.redis, rc.KeyPrefix))
		default:
			return nil, fmt.Errorf("unknown secret backend %q", name)
		}
	}
	return backends, nil
}

// reload applies a changed configuration file. Only the account set is
// hot-swapped; everything else needs a restart.
func (a *App) reload(cfg *config.Config, err error) {
	if err != nil {
		a.log.WithError(err).Error("Ignoring invalid configuration change")
		return
	}
	accounts := cfg.ToAccounts()
	a.orch.SetAccounts(accounts)
	if err := a.scheduler.ReplaceAccounts(accounts); err != nil {
		a.log.WithError(err).Error("Failed to reschedule accounts")
		return
	}
	a.log.WithField("accounts", len(accounts)).Info("Accounts reloaded")
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orch.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted approvals: %w", err)
	}

	if a.cfg.Scheduler.Autostart {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if a.loader.ConfigFile() != "" {
		a.loader.Watch(a.reload)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("Starting HTTP server on port %s", a.cfg.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.log.WithError(serveErr).Error("HTTP server error")
	}

	a.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.scheduler.Stop(); err != nil {
		a.log.Errorf("Failed to stop scheduler: %v", err)
	}
	a.scheduler.Wait()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Errorf("HTTP server shutdown error: %v", err)
	}
	a.Close()

	a.log.Info("Server stopped gracefully")
	return serveErr
}

// Close releases connections held by the app.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Errorf("Failed to close redis client: %v", err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
