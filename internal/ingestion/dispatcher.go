package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunListener is notified about dispatch outcomes. Implementations must not block.
// RunSkipped fires only when the source lock is held elsewhere.
type RunListener interface {
	RunSkipped(sourceID string)
	RunFinished(ctx context.Context, run Run)
}

// LockErrorListener is optionally implemented by a RunListener that wants to
// hear about lock acquisition failures separately from contention skips.
type LockErrorListener interface {
	LockFailed(sourceID string, err error)
}

// Outcome is what happened to one source during a cycle. A source whose lock
// could not be acquired is Skipped; LockError is set when that was an error
// rather than contention.
type Outcome struct {
	SourceID  string `json:"sourceId"`
	Skipped   bool   `json:"skipped"`
	LockError string `json:"lockError,omitempty"`
	Run       *Run   `json:"run,omitempty"`
}

// Dispatcher runs registered plugins, one at a time, under a per-source lock
// and records every attempt in the run ledger.
type Dispatcher struct {
	registry  *Registry
	ledger    RunLedger
	locker    Locker
	stores    Stores
	clock     Clock
	listeners []RunListener
	logger    *zap.Logger
}

// DispatcherConfig bundles the dispatcher's collaborators.
type DispatcherConfig struct {
	Registry  *Registry
	Ledger    RunLedger
	Locker    Locker
	Stores    Stores
	Clock     Clock
	Listeners []RunListener
	Logger    *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		ledger:    cfg.Ledger,
		locker:    cfg.Locker,
		stores:    cfg.Stores,
		clock:     clock,
		listeners: cfg.Listeners,
		logger:    logger,
	}
}

// Registry exposes the plugin registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// DispatchCycle runs every registered plugin sequentially. Failures are
// recorded per source and never stop the cycle.
func (d *Dispatcher) DispatchCycle(ctx context.Context) []Outcome {
	plugins := d.registry.Plugins()
	if len(plugins) == 0 {
		d.logger.Warn("ingestion dispatcher has no source plugins registered")
		return nil
	}

	ids := make([]string, 0, len(plugins))
	for _, p := range plugins {
		ids = append(ids, p.SourceID())
	}
	d.logger.Info("dispatching ingestion", zap.Int("plugins", len(plugins)), zap.Strings("sources", ids))

	outcomes := make([]Outcome, 0, len(plugins))
	for _, p := range plugins {
		outcomes = append(outcomes, d.dispatch(ctx, p))
	}
	return outcomes
}

// RunAll is the manual trigger for a full cycle.
func (d *Dispatcher) RunAll(ctx context.Context) []Outcome {
	return d.DispatchCycle(ctx)
}

// RunSource dispatches a single source by id.
func (d *Dispatcher) RunSource(ctx context.Context, sourceID string) (Outcome, error) {
	p, ok := d.registry.Lookup(sourceID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	return d.dispatch(ctx, p), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p Plugin) Outcome {
	sourceID := p.SourceID()
	out := Outcome{SourceID: sourceID}

	ran, err := d.withSourceLock(ctx, sourceID, func() {
		d.logger.Info("running ingestion", zap.String("source", sourceID))
		run, ok := d.runIngestion(ctx, p)
		if ok {
			out.Run = &run
		}
	})
	switch {
	case err != nil:
		out.Skipped = true
		out.LockError = err.Error()
		for _, l := range d.listeners {
			if el, ok := l.(LockErrorListener); ok {
				el.LockFailed(sourceID, err)
			}
		}
	case !ran:
		out.Skipped = true
		for _, l := range d.listeners {
			l.RunSkipped(sourceID)
		}
	}
	return out
}

// withSourceLock runs fn while holding the named lock for sourceID. It
// reports false when the lock is held elsewhere, and an error when the lock
// could not be attempted. The lock is released on every exit path, including
// a panic in fn.
func (d *Dispatcher) withSourceLock(ctx context.Context, sourceID string, fn func()) (bool, error) {
	release, acquired, err := d.locker.TryLock(ctx, lockKey(sourceID))
	if err != nil {
		d.logger.Error("failed to acquire ingestion lock", zap.String("source", sourceID), zap.Error(err))
		return false, err
	}
	if !acquired {
		d.logger.Warn("skipped ingestion because lock is held", zap.String("source", sourceID))
		return false, nil
	}
	defer func() {
		// Release with a fresh context so a cancelled cycle still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			d.logger.Warn("failed to release ingestion lock", zap.String("source", sourceID), zap.Error(err))
		}
	}()
	fn()
	return true, nil
}

// lockKey is the bare source id, so Postgres locks on hashtext(sourceID) and
// other deployments locking the same source exclude each other.
func lockKey(sourceID string) string {
	return sourceID
}

// runIngestion performs one attempt and returns the finalized run. ok is false
// when the RUNNING row could not be written.
func (d *Dispatcher) runIngestion(ctx context.Context, p Plugin) (run Run, ok bool) {
	now := d.clock.Now()
	run = NewRun(p.SourceID(), now)
	if err := d.ledger.Insert(ctx, run); err != nil {
		d.logger.Error("failed to record ingestion run", zap.String("source", run.SourceID), zap.Error(err))
		return run, false
	}

	sc := SourceContext{Now: now, Clock: d.clock, Stores: d.stores}
	status, rows, err := d.invoke(ctx, p, sc)

	summary := ""
	if err != nil {
		status = RunStatusFailed
		rows = 0
		summary = err.Error()
		d.logger.Error("ingestion failed", zap.String("source", run.SourceID), zap.Error(err))
	}
	if ferr := run.Finish(status, rows, summary, d.clock.Now()); ferr != nil {
		d.logger.Error("invalid run transition", zap.String("run_id", run.ID.String()), zap.Error(ferr))
	}

	// Persist with a fresh context so the outcome is recorded even if ctx was cancelled mid-run.
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.ledger.Finish(fctx, run); err != nil {
		d.logger.Error("failed to finalize ingestion run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	d.logger.Info("ingestion run finished",
		zap.String("source", run.SourceID),
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Int("rows_upserted", run.RowsUpserted),
		zap.Duration("duration", run.EndedAt.Sub(run.StartedAt)),
	)
	for _, l := range d.listeners {
		l.RunFinished(ctx, run)
	}
	return run, true
}

// invoke calls the plugin and maps its results to a run status. A panic in
// the plugin is converted to an error.
func (d *Dispatcher) invoke(ctx context.Context, p Plugin, sc SourceContext) (status RunStatus, rows int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", p.SourceID(), r)
		}
	}()

	check, err := p.CheckForUpdates(ctx, sc)
	if err != nil {
		return RunStatusFailed, 0, err
	}
	if !check.HasUpdates {
		return RunStatusNoChange, 0, nil
	}

	res, err := p.Ingest(ctx, sc, check)
	if err != nil {
		return RunStatusFailed, 0, err
	}
	if res.NoChange {
		return RunStatusNoChange, res.RowsUpserted, nil
	}
	return RunStatusSuccess, res.RowsUpserted, nil
}
