// Package syncer drives ingestion: it pulls feed records in batches, applies
// them through the reconciler in one transaction per batch and advances the
// watermark of the stream inside that same transaction.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/normalize"
	"github.com/padraicbc/racesync/store"
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateBulkLoading      State = "bulk-loading"
	StateReady            State = "ready"
	StateIncrementalizing State = "incrementalizing"
	StateError            State = "error"
)

var (
	ErrInvalidKind = errors.New("invalid sync kind")
	ErrBusy        = errors.New("sync engine busy")
	ErrNotReady    = errors.New("sync engine not ready")
)

// Metrics receives engine measurements. metrics.Collector implements it.
type Metrics interface {
	SetState(state string)
	BatchCommitted(kind string, records, deadLetters, oddsInserted int, took time.Duration)
	BatchFailed(kind string)
	SetWatermark(kind string, cursor int64)
	RunFinished(kind, status string)
}

// Alerter tells an operator that ingestion stopped.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// CommitHook runs after a batch commits.
type CommitHook func(ctx context.Context, kind models.SyncKind, b *normalize.Batch)

// Config tunes batching and scheduling.
type Config struct {
	BatchSize          int
	StructuralInterval time.Duration
	RealtimeInterval   time.Duration
	Retry              RetryPolicy
}

// Deps are the collaborators of an Engine. Store and Feed are required.
type Deps struct {
	Store   store.Store
	Feed    feed.Client
	Logger  *zap.Logger
	Metrics Metrics
	Alerter Alerter
	Hooks   []CommitHook
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Engine is the single writer of the store.
type Engine struct {
	cfg     Config
	store   store.Store
	feed    feed.Client
	log     *zap.Logger
	metrics Metrics
	alerter Alerter
	hooks   []CommitHook
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	trigger chan models.SyncKind
	wake    chan struct{}
	runMu   sync.Mutex

	mu          sync.Mutex
	state       State
	lastSuccess *time.Time
	lastError   string
	current     *models.SyncRun
}

// New builds an engine. Call Init before Run.
func New(cfg Config, deps Deps) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.StructuralInterval <= 0 {
		cfg.StructuralInterval = 24 * time.Hour
	}
	if cfg.RealtimeInterval <= 0 {
		cfg.RealtimeInterval = time.Minute
	}
	e := &Engine{
		cfg:     cfg,
		store:   deps.Store,
		feed:    deps.Feed,
		log:     deps.Logger,
		metrics: deps.Metrics,
		alerter: deps.Alerter,
		hooks:   deps.Hooks,
		now:     deps.Now,
		sleep:   deps.Sleep,
		trigger: make(chan models.SyncKind, 8),
		wake:    make(chan struct{}, 1),
		state:   StateIdle,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("syncer")
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	return e
}

// Init restores persisted state. A run interrupted by a crash resumes from
// its watermark: an unfinished bulk load restarts as Idle, an interrupted
// incremental leaves the engine Ready. Error survives restarts until an
// operator resets.
func (e *Engine) Init(ctx context.Context) error {
	ss, err := e.store.SyncState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ss = models.SyncState{State: string(StateIdle)}
	case err != nil:
		return fmt.Errorf("load sync state: %w", err)
	}
	wms, err := e.store.Watermarks(ctx)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	bulkDone := false
	for _, w := range wms {
		e.metrics.SetWatermark(string(w.Kind), w.LastSuccessfulCursor)
		if w.Kind == models.KindBulk {
			bulkDone = w.Completed
		}
	}

	state := State(ss.State)
	switch state {
	case StateError:
	case StateReady, StateIncrementalizing:
		state = StateReady
		if !bulkDone {
			state = StateIdle
		}
	default:
		state = StateIdle
		if bulkDone {
			state = StateReady
		}
	}

	e.mu.Lock()
	e.state = state
	e.lastSuccess = ss.LastSuccessAt
	e.lastError = ss.LastError
	e.mu.Unlock()
	e.metrics.SetState(string(state))
	e.log.Info("sync engine initialised", zap.String("state", string(state)), zap.Bool("bulk_completed", bulkDone))
	return e.persist(ctx)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the operator snapshot.
func (e *Engine) Status(ctx context.Context) (models.SyncStatus, error) {
	wms, err := e.store.Watermarks(ctx)
	if err != nil {
		return models.SyncStatus{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.SyncStatus{
		State:         string(e.state),
		LastSuccessAt: e.lastSuccess,
		LastError:     e.lastError,
		UpdatedAt:     e.now().UTC(),
		Watermarks:    wms,
	}, nil
}

// Trigger queues a manual run of kind.
func (e *Engine) Trigger(kind models.SyncKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if e.State() == StateError {
		return ErrNotReady
	}
	select {
	case e.trigger <- kind:
		return nil
	default:
		return ErrBusy
	}
}

// Reset moves the engine back to Idle so the next Run pass starts a bulk
// load from the bulk watermark, or from zero when rewind is set.
func (e *Engine) Reset(ctx context.Context, rewind bool) error {
	if !e.runMu.TryLock() {
		return ErrBusy
	}
	defer e.runMu.Unlock()
	if rewind {
		if err := e.store.ResetWatermarks(ctx); err != nil {
			return fmt.Errorf("reset watermarks: %w", err)
		}
		for _, k := range models.SyncKinds {
			e.metrics.SetWatermark(string(k), 0)
		}
	}
	e.mu.Lock()
	e.lastError = ""
	e.mu.Unlock()
	e.log.Info("sync engine reset", zap.Bool("clear_watermarks", rewind))
	if err := e.setState(ctx, StateIdle); err != nil {
		return err
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close persists state and marks an in-flight run canceled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	run := e.current
	e.current = nil
	e.mu.Unlock()
	var errs []error
	if run != nil {
		errs = append(errs, e.finishRun(ctx, run, models.RunCanceled, context.Canceled))
	}
	errs = append(errs, e.persist(ctx))
	return errors.Join(errs...)
}

func (e *Engine) persist(ctx context.Context) error {
	e.mu.Lock()
	ss := models.SyncState{State: string(e.state), LastSuccessAt: e.lastSuccess, LastError: e.lastError}
	e.mu.Unlock()
	return e.store.SaveSyncState(ctx, ss)
}

func (e *Engine) setState(ctx context.Context, s State) error {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("state change", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
	e.metrics.SetState(string(s))
	return e.persist(ctx)
}

// fail moves the engine to Error and alerts. The watermark is untouched.
func (e *Engine) fail(ctx context.Context, kind models.SyncKind, err error) {
	e.mu.Lock()
	e.lastError = fmt.Sprintf("%s: %v", kind, err)
	e.mu.Unlock()
	e.log.Error("sync stopped", zap.String("kind", string(kind)), zap.Error(err))
	// Persist and alert even when the run context is already gone.
	bg := context.WithoutCancel(ctx)
	if perr := e.setState(bg, StateError); perr != nil {
		e.log.Error("persist error state", zap.Error(perr))
	}
	if e.alerter != nil {
		if aerr := e.alerter.Alert(bg, fmt.Sprintf("racesync %s sync stopped: %v", kind, err)); aerr != nil {
			e.log.Warn("alert failed", zap.Error(aerr))
		}
	}
}

func (e *Engine) fetch(ctx context.Context, kind models.SyncKind, since feed.Cursor) iter.Seq2[feed.Record, error] {
	if kind == models.KindBulk {
		return e.feed.FetchBulk(ctx, since)
	}
	return e.feed.FetchIncremental(ctx, kind, since)
}

// fatal reports errors that retrying cannot fix.
func fatal(err error) bool {
	return feed.Fatal(err) || errors.Is(err, store.ErrSchemaMismatch)
}

// RunOnce executes one run of kind synchronously and applies the state
// transitions of that run.
func (e *Engine) RunOnce(ctx context.Context, kind models.SyncKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	state := e.State()
	switch {
	case state == StateError:
		return ErrNotReady
	case kind != models.KindBulk && state != StateReady:
		return fmt.Errorf("%w: %s needs a completed bulk load, state is %s", ErrNotReady, kind, state)
	}

	working, done := StateIncrementalizing, StateReady
	if kind == models.KindBulk {
		working = StateBulkLoading
	}
	if err := e.setState(ctx, working); err != nil {
		e.fail(ctx, kind, err)
		return err
	}
	err := e.sync(ctx, kind)
	switch {
	case err == nil:
		now := e.now().UTC()
		e.mu.Lock()
		e.lastSuccess = &now
		e.lastError = ""
		e.mu.Unlock()
		return e.setState(ctx, done)
	case ctx.Err() != nil:
		// Interrupted runs resume from the watermark on the next start.
		return ctx.Err()
	default:
		e.fail(ctx, kind, err)
		return err
	}
}

// sync pulls kind from its watermark until the stream is exhausted. A failed
// pass discards the uncommitted batch and refetches from the last committed
// cursor with backoff; any committed progress resets the attempt counter.
func (e *Engine) sync(ctx context.Context, kind models.SyncKind) error {
	wm, err := e.watermark(ctx, kind)
	if err != nil {
		return err
	}
	run := &models.SyncRun{
		RunID:      uuid.NewString(),
		Kind:       kind,
		Status:     models.RunRunning,
		StartedAt:  e.now().UTC(),
		FromCursor: wm.LastSuccessfulCursor,
		ToCursor:   wm.LastSuccessfulCursor,
	}
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	e.mu.Lock()
	e.current = run
	e.mu.Unlock()
	log := e.log.With(zap.String("kind", string(kind)), zap.String("run_id", run.RunID))
	log.Info("sync run started", zap.Int64("from_cursor", run.FromCursor))

	cursor := feed.Cursor(wm.LastSuccessfulCursor)
	attempts := 0
	for {
		next, progressed, err := e.pass(ctx, kind, cursor, run)
		cursor = next
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return e.endRun(ctx, run, models.RunCanceled, ctx.Err())
		}
		e.metrics.BatchFailed(string(kind))
		if fatal(err) {
			return e.endRun(ctx, run, models.RunFailed, err)
		}
		if progressed {
			attempts = 0
		}
		attempts++
		if attempts >= e.cfg.Retry.MaxAttempts {
			return e.endRun(ctx, run, models.RunFailed, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err))
		}
		delay, ok := feed.RetryAfter(err)
		if !ok {
			delay = e.cfg.Retry.Delay(attempts)
		}
		log.Warn("batch failed, refetching from watermark",
			zap.Int("attempt", attempts), zap.Int64("cursor", int64(cursor)),
			zap.Duration("retry_in", delay), zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return e.endRun(ctx, run, models.RunCanceled, err)
		}
	}

	if kind == models.KindBulk {
		if err := e.completeBulk(ctx, cursor); err != nil {
			return e.endRun(ctx, run, models.RunFailed, err)
		}
	}
	log.Info("sync run finished", zap.Int("batches", run.Batches), zap.Int("records", run.Records),
		zap.Int("dead_letters", run.DeadLetters), zap.Int64("to_cursor", run.ToCursor))
	return e.endRun(ctx, run, models.RunSucceeded, nil)
}

func (e *Engine) watermark(ctx context.Context, kind models.SyncKind) (models.Watermark, error) {
	wms, err := e.store.Watermarks(ctx)
	if err != nil {
		return models.Watermark{}, fmt.Errorf("load watermarks: %w", err)
	}
	for _, w := range wms {
		if w.Kind == kind {
			return w, nil
		}
	}
	return models.Watermark{Kind: kind}, nil
}

// pass consumes one fetch stream in batches. It returns the last committed
// cursor and whether any batch committed.
func (e *Engine) pass(ctx context.Context, kind models.SyncKind, since feed.Cursor, run *models.SyncRun) (feed.Cursor, bool, error) {
	next, stop := iter.Pull2(e.fetch(ctx, kind, since))
	defer stop()

	cursor, progressed := since, false
	batch := make([]feed.Record, 0, e.cfg.BatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return cursor, progressed, err
		}
		batch = batch[:0]
		exhausted := false
		for len(batch) < e.cfg.BatchSize {
			rec, err, ok := next()
			if !ok {
				exhausted = true
				break
			}
			if err != nil {
				return cursor, progressed, err
			}
			if rec.Cursor <= cursor || (len(batch) > 0 && rec.Cursor <= batch[len(batch)-1].Cursor) {
				continue
			}
			batch = append(batch, rec)
		}
		if len(batch) > 0 {
			last := batch[len(batch)-1].Cursor
			if err := e.store.MarkAttempt(ctx, kind, int64(last)); err != nil {
				return cursor, progressed, fmt.Errorf("mark attempt: %w", err)
			}
			if err := e.applyBatch(ctx, kind, batch, run); err != nil {
				return cursor, progressed, err
			}
			cursor, progressed = last, true
		}
		if exhausted {
			return cursor, progressed, nil
		}
	}
}

func (e *Engine) applyBatch(ctx context.Context, kind models.SyncKind, recs []feed.Record, run *models.SyncRun) error {
	start := time.Now()
	b := normalize.Normalize(recs)
	var rec *reconciler
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		rec = newReconciler(ctx, tx, kind, b.LastCursor)
		if err := rec.apply(b); err != nil {
			return err
		}
		dead := make([]models.DeadLetter, 0, len(b.DeadLetters)+len(rec.dead))
		for _, dl := range b.DeadLetters {
			dl.SyncKind = kind
			dead = append(dead, dl)
		}
		dead = append(dead, rec.dead...)
		if err := tx.AddDeadLetters(ctx, dead); err != nil {
			return err
		}
		return tx.AdvanceWatermark(ctx, kind, int64(b.LastCursor), false)
	})
	if err != nil {
		return fmt.Errorf("apply batch ending at %d: %w", b.LastCursor, err)
	}

	deadCount := len(b.DeadLetters) + len(rec.dead)
	e.mu.Lock()
	run.Batches++
	run.Records += len(recs)
	run.DeadLetters += deadCount
	run.ToCursor = int64(b.LastCursor)
	e.mu.Unlock()

	e.metrics.BatchCommitted(string(kind), len(recs), deadCount, rec.oddsInserted, time.Since(start))
	e.metrics.SetWatermark(string(kind), int64(b.LastCursor))
	if deadCount > 0 {
		e.log.Warn("records dead-lettered", zap.String("kind", string(kind)),
			zap.Int("count", deadCount), zap.Int64("cursor", int64(b.LastCursor)))
	}
	for _, h := range e.hooks {
		h(ctx, kind, b)
	}
	return nil
}

// completeBulk marks the bulk stream done and seeds both incremental
// watermarks so they never start behind the bulk cursor.
func (e *Engine) completeBulk(ctx context.Context, cursor feed.Cursor) error {
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AdvanceWatermark(ctx, models.KindBulk, int64(cursor), true); err != nil {
			return err
		}
		for _, k := range []models.SyncKind{models.KindStructural, models.KindRealtime} {
			if err := tx.AdvanceWatermark(ctx, k, int64(cursor), false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete bulk: %w", err)
	}
	for _, k := range models.SyncKinds {
		e.metrics.SetWatermark(string(k), int64(cursor))
	}
	return nil
}

func (e *Engine) endRun(ctx context.Context, run *models.SyncRun, status string, cause error) error {
	e.mu.Lock()
	if e.current == run {
		e.current = nil
	}
	e.mu.Unlock()
	if err := e.finishRun(ctx, run, status, cause); err != nil {
		e.log.Error("record run", zap.Error(err))
	}
	return cause
}

func (e *Engine) finishRun(ctx context.Context, run *models.SyncRun, status string, cause error) error {
	now := e.now().UTC()
	e.mu.Lock()
	run.Status = status
	run.FinishedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	snapshot := *run
	e.mu.Unlock()
	e.metrics.RunFinished(string(run.Kind), status)
	return e.store.SaveRun(context.WithoutCancel(ctx), snapshot)
}

type nopMetrics struct{}

func (nopMetrics) SetState(string)                                     {}
func (nopMetrics) BatchCommitted(string, int, int, int, time.Duration) {}
func (nopMetrics) BatchFailed(string)                                  {}
func (nopMetrics) SetWatermark(string, int64)                          {}
func (nopMetrics) RunFinished(string, string)                          {}
