package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/bootstrap"
	"crowdchain/escrow-backend/internal/config"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/reconciliation"
)

// ReconciliationWorker runs the scheduled drift sweep and the ledger event
// watcher
type ReconciliationWorker struct {
	service *reconciliation.Service
	events  *ledger.EventStream
	cron    *cron.Cron
	logger  *zap.Logger
	config  ReconciliationWorkerConfig

	mu       sync.Mutex
	sweeping bool
}

// ReconciliationWorkerConfig configuration for the reconciliation worker
type ReconciliationWorkerConfig struct {
	Schedule     string
	AutoResync   bool
	WatchEvents  bool
	PollInterval time.Duration
	SweepTimeout time.Duration
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(service *reconciliation.Service, events *ledger.EventStream, logger *zap.Logger, config ReconciliationWorkerConfig) *ReconciliationWorker {
	return &ReconciliationWorker{
		service: service,
		events:  events,
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		config:  config,
	}
}

// Start schedules the sweep and blocks in the event watcher (or until ctx
// is done when watching is disabled)
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker",
		zap.String("schedule", w.config.Schedule),
		zap.Bool("auto_resync", w.config.AutoResync),
		zap.Bool("watch_events", w.config.WatchEvents))

	if _, err := w.cron.AddFunc(w.config.Schedule, func() { w.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.config.Schedule, err)
	}
	w.cron.Start()
	defer func() {
		<-w.cron.Stop().Done()
	}()

	// Sweep once right away
	go w.sweep(ctx)

	if !w.config.WatchEvents {
		<-ctx.Done()
		return nil
	}
	if err := w.service.Watch(ctx, w.events, w.config.PollInterval); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// sweep skips a run while the previous one is still going
func (w *ReconciliationWorker) sweep(ctx context.Context) {
	w.mu.Lock()
	if w.sweeping {
		w.mu.Unlock()
		w.logger.Warn("Previous drift sweep still running, skipping")
		return
	}
	w.sweeping = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.sweeping = false
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, w.config.SweepTimeout)
	defer cancel()

	if _, err := w.service.Sweep(ctx, w.config.AutoResync); err != nil {
		w.logger.Error("Drift sweep failed", zap.Error(err))
	}
}

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeMirror, err := bootstrap.OpenMirror(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Fatal("Failed to open mirror", zap.Error(err))
	}
	defer closeMirror()

	gov, closeGov, err := bootstrap.OpenGovernance(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open governance store", zap.Error(err))
	}
	defer closeGov()

	ledgerClient, _, err := bootstrap.DialLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("Failed to connect to ledger", zap.Error(err))
	}
	defer ledgerClient.Close()

	// The worker only detects drift and resyncs amounts; redeploys stay an
	// explicit API action, so no coordinator is wired here.
	service := reconciliation.NewService(reconciliation.Deps{
		Repo:       repo,
		Ledger:     ledgerClient,
		Authorizer: gov.Authorizer,
		Audit:      gov.Audit,
		Logger:     logger,
	})

	worker := NewReconciliationWorker(service, ledger.NewEventStream(ledgerClient, cfg.Ledger.StartBlock), logger, ReconciliationWorkerConfig{
		Schedule:     cfg.Reconciliation.SweepSchedule,
		AutoResync:   cfg.Reconciliation.AutoResync,
		WatchEvents:  cfg.Reconciliation.WatchEvents,
		PollInterval: cfg.Ledger.PollInterval,
		SweepTimeout: 5 * time.Minute,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	logger.Info("Reconciliation worker starting")
	if err := worker.Start(ctx); err != nil {
		logger.Error("Worker error", zap.Error(err))
	}

	logger.Info("Reconciliation worker stopped")
}
