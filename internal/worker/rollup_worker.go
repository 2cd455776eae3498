package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"budgetbase/internal/amqp"
	"budgetbase/internal/core"
	"budgetbase/internal/log"
	"budgetbase/internal/rollup"
)

// Reconciler recomputes every derived amount from the stored records.
type Reconciler interface {
	Reconcile(ctx context.Context) (rollup.Result, error)
}

// Config holds configuration for the rollup worker
type Config struct {
	// PollInterval is how often pending record events are folded into a
	// reconciliation (default: 5s)
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// RollupWorker reconciles derived amounts after record-change events. Events
// only mark the worker dirty; the loop runs at most one reconciliation per
// poll interval.
type RollupWorker struct {
	reconciler Reconciler
	config     Config
	logger     *log.Logger
	dirty      atomic.Bool
	runs       atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRollupWorker(r Reconciler, config Config, logger *log.Logger) *RollupWorker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &RollupWorker{
		reconciler: r,
		config:     config,
		logger:     logger.WithComponent(log.ComponentWorker),
	}
}

// affectsRollup reports whether a write to kind can move a derived amount.
func affectsRollup(kind core.Kind) bool {
	switch kind {
	case core.KindGrant, core.KindBudgetLine, core.KindSubBudgetLine, core.KindEngagement, core.KindBankAccount:
		return true
	}
	return false
}

// HandleRecordEvent processes a single record-change message from AMQP
func (w *RollupWorker) HandleRecordEvent(ctx context.Context, msg *amqp.RecordEventMessage) error {
	ev := msg.Event
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown record kind %q", ev.Kind)
	}
	if !affectsRollup(ev.Kind) {
		return nil
	}
	w.dirty.Store(true)
	w.logger.DebugContext(ctx, "Record change queued for reconciliation",
		log.FieldKind, string(ev.Kind), log.FieldRecordID, ev.ID, log.FieldOperation, ev.Op)
	return nil
}

// Flush reconciles if an event arrived since the last run. It reports
// whether a reconciliation ran.
func (w *RollupWorker) Flush(ctx context.Context) (bool, error) {
	if !w.dirty.Swap(false) {
		return false, nil
	}
	if err := w.reconcile(ctx); err != nil {
		w.dirty.Store(true)
		return true, err
	}
	return true, nil
}

// StartupCheck runs a full reconciliation before consuming events, to recover
// from writes made while the worker was down.
func (w *RollupWorker) StartupCheck(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Performing startup reconciliation")
	return w.reconcile(ctx)
}

func (w *RollupWorker) reconcile(ctx context.Context) error {
	start := time.Now()
	res, err := w.reconciler.Reconcile(ctx)
	w.runs.Add(1)
	if err != nil {
		w.logger.ErrorContext(ctx, "Reconciliation failed", log.FieldError, err)
		return fmt.Errorf("reconcile: %w", err)
	}
	w.logger.InfoContext(ctx, "Reconciliation complete",
		"sub_lines", res.SubLines, "lines", res.Lines, "grants", res.Grants, "bank_snapshots", res.Snapshots,
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// Runs returns how many reconciliations were attempted.
func (w *RollupWorker) Runs() int64 { return w.runs.Load() }

// Start begins the processing loop. Returns an error if already running.
func (w *RollupWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("rollup worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.runLoop(ctx)

	w.logger.InfoContext(ctx, "Rollup worker started", "poll_interval", w.config.PollInterval)
	return nil
}

// Stop gracefully stops the worker and waits for the loop to exit.
func (w *RollupWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.InfoContext(ctx, "Rollup worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "Rollup worker stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker loop is running
func (w *RollupWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *RollupWorker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged by reconcile and retried on the next tick.
			_, _ = w.Flush(ctx)
		}
	}
}
