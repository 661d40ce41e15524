// Command server runs the payment orchestration platform: HTTP edge,
// orchestrator, agents and the configured storage backends.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/acc"
	"github.com/settleline/payflow/internal/api"
	"github.com/settleline/payflow/internal/arl"
	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/config"
	"github.com/settleline/payflow/internal/crrak"
	"github.com/settleline/payflow/internal/events"
	"github.com/settleline/payflow/internal/ingest"
	"github.com/settleline/payflow/internal/intent"
	"github.com/settleline/payflow/internal/orchestrator"
	"github.com/settleline/payflow/internal/pdr"
	"github.com/settleline/payflow/internal/rails"
	"github.com/settleline/payflow/internal/rca"
	"github.com/settleline/payflow/internal/store"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.LoadWithDotenv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if cfg.Server.Env == "development" {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStore(cfg)
	objects := buildObjectStore(ctx, cfg)

	// The in-memory bus always feeds the websocket stream; an external
	// backend publishes in addition, not instead.
	wsBus := events.NewBus()
	var bus events.Emitter = wsBus
	if external := buildExternalBus(cfg); external != nil {
		bus = teeEmitter{wsBus, external}
	}

	auditLog := audit.NewLog(st)

	classifier, err := intent.NewClassifier(4096)
	if err != nil {
		log.WithError(err).Fatal("classifier init failed")
	}
	adapter := acc.NewAdapter(acc.NewPolicyClient(cfg.Policy.EvaluatorURL, cfg.Policy.Timeout))
	adapter.SetRiskThresholds(cfg.Policy.RiskFailThreshold, cfg.Policy.RiskHoldThreshold)

	registry := rails.NewDefaultRegistry()
	if cfg.Redis.Addr != "" {
		limits, err := rails.NewRedisLimitStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.WithError(err).Fatal("redis limit store init failed")
		}
		registry.WithLimitStore(limits)
		log.WithField("addr", cfg.Redis.Addr).Info("daily limits backed by redis")
	}
	registry.StartDailyReset(ctx)

	tracker := rails.NewTracker(st, registry)
	engine := pdr.NewEngine(registry, tracker)

	bank := rails.NewExecutor(registry, cfg.Rails.DeterministicSeed)
	if cfg.Rails.RetryPenalty > 0 || cfg.Rails.LargeAmountFactor > 0 {
		bank.SetPenalties(cfg.Rails.RetryPenalty, cfg.Rails.LargeAmountFactor)
	}
	for name, rate := range cfg.Rails.BaselineSuccess {
		bank.SetBaseline(name, rate)
	}
	executor := pdr.NewExecutor(bank, registry, tracker, st)
	executor.SetAuditLog(auditLog)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:      st,
		Objects:    objects,
		Bus:        bus,
		Audit:      auditLog,
		Classifier: classifier,
		Compliance: adapter,
		Engine:     engine,
		Executor:   executor,
		Reconciler: arl.NewReconciler(st),
		Analyzer:   rca.NewAnalyzer(st),
		Composer:   crrak.NewComposer(objects),
	})

	srv := api.NewServer(cfg, orch, st, objects, ingest.NewIngestor(st), wsBus)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	log.Info("server stopped")
}

func buildStore(cfg *config.Config) store.Store {
	switch cfg.Database.Backend {
	case "postgres":
		st, err := store.NewPostgresStore(cfg.Database.PostgresURL)
		if err != nil {
			log.WithError(err).Fatal("postgres init failed")
		}
		log.Info("store: postgres")
		return st
	case "supabase":
		st, err := store.NewSupabaseStore(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
		if err != nil {
			log.WithError(err).Fatal("supabase init failed")
		}
		log.Info("store: supabase")
		return st
	default:
		log.Info("store: memory")
		return store.NewMemoryStore()
	}
}

func buildObjectStore(ctx context.Context, cfg *config.Config) store.ObjectStore {
	if cfg.ObjectStore.Backend == "s3" {
		os, err := store.NewS3ObjectStore(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.Region)
		if err != nil {
			log.WithError(err).Fatal("s3 init failed")
		}
		log.WithField("bucket", cfg.ObjectStore.Bucket).Info("object store: s3")
		return os
	}
	log.Info("object store: memory")
	return store.NewMemoryObjectStore()
}

func buildExternalBus(cfg *config.Config) events.Emitter {
	if cfg.Events.Backend != "pubsub" {
		log.Info("events: memory")
		return nil
	}
	bus, err := events.NewPubSubBus(cfg.Events.ProjectID, cfg.Events.TopicID)
	if err != nil {
		log.WithError(err).Fatal("pubsub init failed")
	}
	log.WithField("topic", cfg.Events.TopicID).Info("events: memory + pubsub")
	return bus
}

// teeEmitter fans one Emit out to every backend.
type teeEmitter []events.Emitter

func (t teeEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	for _, e := range t {
		e.Emit(eventType, source, subject, data)
	}
}
