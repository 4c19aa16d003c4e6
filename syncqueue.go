package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Sync Queue Engine
// ============================================================================

// Adapter is what a feature supplies to a SyncQueue: the server call, a
// human-readable description and storage. ItemStore covers the storage half.
type Adapter[T Syncable] interface {
	// SyncToServer pushes item and returns the server's version of it, which
	// may carry a new id.
	SyncToServer(ctx context.Context, item T) (T, error)
	Describe(item T) string

	Save(ctx context.Context, item T) error
	Get(ctx context.Context, id string) (T, error)
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]T, error)
	ListFailed(ctx context.Context) ([]T, error)
	Counts(ctx context.Context) (Counts, error)
}

// QueueOptions configures a SyncQueue. The zero value is usable.
type QueueOptions struct {
	// DisableAutoSync stops the queue from sweeping when connectivity returns.
	DisableAutoSync bool
	// Concurrency bounds parallel item syncs within one sweep (default 1).
	Concurrency int
	// Scheduler drives automatic retries of failed items.
	Scheduler SchedulerConfig
	// OnRefresh runs after a sweep that synced at least one item.
	OnRefresh func()

	Logger         *slog.Logger
	Emitter        *Emitter
	Metrics        MetricsCollector
	TracerProvider trace.TracerProvider
}

// SyncQueue queues items of one feature, persists them with their sync
// status and converges each to synced or failed.
type SyncQueue[T Syncable] struct {
	name        string
	adapter     Adapter[T]
	monitor     *ConnectivityMonitor
	scheduler   *ReconnectionScheduler
	concurrency int
	onRefresh   func()
	logger      *slog.Logger
	emitter     *Emitter
	metrics     MetricsCollector
	tracer      trace.Tracer

	// storeMu orders item writes that race with an in-flight sync of the
	// same item; rewrites maps local ids to the server ids that replaced them.
	storeMu  sync.Mutex
	rewrites map[string]string

	mu        sync.Mutex
	syncing   bool
	inFlight  map[string]struct{}
	followUp  map[string]struct{}
	lastSync  *time.Time
	exhausted bool
	closed    bool
	unobserve func()
}

// NewSyncQueue wires a queue named name to adapter and monitor. opts may be nil.
func NewSyncQueue[T Syncable](name string, adapter Adapter[T], monitor *ConnectivityMonitor, opts *QueueOptions) (*SyncQueue[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfig)
	}
	if adapter == nil || monitor == nil {
		return nil, fmt.Errorf("%w: queue %q needs an adapter and a connectivity monitor", ErrInvalidConfig, name)
	}
	if opts == nil {
		opts = &QueueOptions{}
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("%w: queue %q concurrency must not be negative", ErrInvalidConfig, name)
	}

	schedCfg := opts.Scheduler
	if schedCfg.isZero() {
		schedCfg = DefaultSchedulerConfig()
	}
	scheduler, err := NewReconnectionScheduler(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}

	q := &SyncQueue[T]{
		name:        name,
		adapter:     adapter,
		monitor:     monitor,
		scheduler:   scheduler,
		concurrency: opts.Concurrency,
		onRefresh:   opts.OnRefresh,
		logger:      opts.Logger,
		emitter:     opts.Emitter,
		metrics:     opts.Metrics,
		tracer:      tracerFrom(opts.TracerProvider),
		inFlight:    make(map[string]struct{}),
		followUp:    make(map[string]struct{}),
		rewrites:    make(map[string]string),
	}
	if q.concurrency == 0 {
		q.concurrency = 1
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("queue", name)
	if q.metrics == nil {
		q.metrics = NopMetrics{}
	}

	if !opts.DisableAutoSync {
		q.unobserve = monitor.OnRestored(func() {
			go func() {
				if _, err := q.SyncPendingItems(context.Background()); err != nil {
					q.logger.Warn("auto sync failed", "error", err)
				}
			}()
		})
	}
	return q, nil
}

func (q *SyncQueue[T]) Name() string { return q.name }

// Scheduler exposes the retry scheduler, mostly for diagnostics.
func (q *SyncQueue[T]) Scheduler() *ReconnectionScheduler { return q.scheduler }

// QueueItem stamps item pending, persists it and, when online, syncs it
// right away. A failed immediate sync leaves the item failed and engages the
// retry scheduler; it is not reported as an error. An item queued while the
// same id is syncing is pushed again once that sync finishes.
func (q *SyncQueue[T]) QueueItem(ctx context.Context, item T) error {
	if q.isClosed() {
		return fmt.Errorf("queue %q is closed", q.name)
	}
	meta := item.Sync()
	if meta.ID == "" {
		id := uuid.NewString()
		meta.ID = id
		meta.LocalID = id
	}
	meta.Status = StatusPending
	meta.LastModified = time.Now().UTC()
	meta.LastError = ""

	q.storeMu.Lock()
	if serverID, ok := q.rewrites[meta.ID]; ok {
		meta.ID = serverID
	}
	err := q.adapter.Save(ctx, item)
	q.storeMu.Unlock()
	if err != nil {
		return fmt.Errorf("queue %s: %w", q.adapter.Describe(item), err)
	}
	q.logger.Debug("item queued", "item", q.adapter.Describe(item), "id", meta.ID)
	q.publishStatus(ctx)

	if !q.monitor.IsOnline() {
		return nil
	}
	if !q.acquireOrFollowUp(meta.ID) {
		q.logger.Debug("item is syncing, follow-up queued", "item", q.adapter.Describe(item), "id", meta.ID)
		return nil
	}
	if _, err := q.syncAcquired(ctx, item); err != nil {
		q.logger.Warn("immediate sync failed", "item", q.adapter.Describe(item), "error", err)
		q.retryLater()
	}
	q.publishStatus(ctx)
	return nil
}

// SyncSingleItem pushes one item. On success the server's version is stored
// as synced; on failure the item is stored as failed and the error returned.
// A newer stored edit of the item is never overwritten: it stays pending and
// is pushed next.
func (q *SyncQueue[T]) SyncSingleItem(ctx context.Context, item T) (T, error) {
	var zero T
	id := item.Sync().ID
	if !q.acquire(id) {
		return zero, fmt.Errorf("%w: %s", ErrSyncInFlight, id)
	}
	return q.syncAcquired(ctx, item)
}

// syncAcquired runs one sync of item, whose id the caller already holds.
func (q *SyncQueue[T]) syncAcquired(ctx context.Context, item T) (T, error) {
	var zero T
	id := item.Sync().ID

	var followUp string
	defer func() {
		if q.release(id) && followUp == "" {
			followUp = id
		}
		if followUp != "" {
			go q.resync(followUp)
		}
	}()

	q.storeMu.Lock()
	serverID, superseded := q.rewrites[id]
	q.storeMu.Unlock()
	if superseded {
		return zero, fmt.Errorf("%w: %s was replaced by %s", errSuperseded, id, serverID)
	}
	// push the latest stored version, not a stale snapshot
	if cur, ok := q.storedNewer(ctx, id, item.Sync().LastModified); ok {
		item = cur
	}
	meta := item.Sync()
	sent := meta.LastModified

	ctx, span := startSpan(ctx, q.tracer, "offsync.sync_item", AttrQueue.String(q.name), AttrItemID.String(id))
	defer span.End()

	q.metrics.IncSyncAttempt(q.name)
	start := time.Now()
	synced, err := q.adapter.SyncToServer(ctx, item)
	q.metrics.ObserveSyncDuration(q.name, time.Since(start).Seconds())

	if err != nil {
		recordError(span, err)
		q.metrics.IncSyncFailure(q.name)
		if IsTransient(err) {
			q.monitor.ReportFailure()
		} else {
			// the server answered, so the network is fine
			q.monitor.ReportSuccess()
		}
		syncErr := fmt.Errorf("sync %s: %w", q.adapter.Describe(item), err)

		q.storeMu.Lock()
		defer q.storeMu.Unlock()
		if _, edited := q.storedNewer(ctx, id, sent); edited {
			followUp = id
			return zero, syncErr
		}
		meta.Status = StatusFailed
		meta.LastError = err.Error()
		meta.Attempts++
		if saveErr := q.adapter.Save(ctx, item); saveErr != nil {
			return zero, errors.Join(syncErr, fmt.Errorf("persist failed status: %w", saveErr))
		}
		return zero, syncErr
	}
	q.monitor.ReportSuccess()

	if isNilItem(synced) {
		synced = item
	}
	sm := synced.Sync()
	if sm.ID == "" {
		sm.ID = id
	}
	if sm.LocalID == "" {
		sm.LocalID = meta.LocalID
	}
	if sm.LastModified.IsZero() {
		sm.LastModified = meta.LastModified
	}
	sm.Status = StatusSynced
	sm.LastError = ""
	sm.Attempts = 0

	if err := q.storeSynced(ctx, id, sent, synced, &followUp); err != nil {
		recordError(span, err)
		return zero, err
	}

	now := time.Now()
	q.mu.Lock()
	q.lastSync = &now
	q.mu.Unlock()
	q.metrics.IncSyncSuccess(q.name)
	q.logger.Debug("item synced", "item", q.adapter.Describe(synced), "id", sm.ID)
	return synced, nil
}

// storeSynced persists the server's version of the item stored under id. An
// edit stored after sent is kept pending instead and, when the server issued
// a new id, moved under it; followUp then names the id to push next.
func (q *SyncQueue[T]) storeSynced(ctx context.Context, id string, sent time.Time, synced T, followUp *string) error {
	sm := synced.Sync()
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	edit, edited := q.storedNewer(ctx, id, sent)
	if edited {
		*followUp = sm.ID
		if sm.ID == id {
			return nil
		}
		em := edit.Sync()
		em.ID = sm.ID
		if em.LocalID == "" {
			em.LocalID = sm.LocalID
		}
		em.Status = StatusPending
		if err := q.adapter.Save(ctx, edit); err != nil {
			return fmt.Errorf("move %s to %s: %w", q.adapter.Describe(edit), sm.ID, err)
		}
	} else if err := q.adapter.Save(ctx, synced); err != nil {
		return fmt.Errorf("persist synced %s: %w", q.adapter.Describe(synced), err)
	}

	if sm.ID != id {
		q.rewrites[id] = sm.ID
		if err := q.adapter.Delete(ctx, id); err != nil {
			q.logger.Warn("failed to drop local copy after id rewrite", "localId", id, "id", sm.ID, "error", err)
		}
	}
	return nil
}

// storedNewer returns the stored version of id when it was modified after since.
func (q *SyncQueue[T]) storedNewer(ctx context.Context, id string, since time.Time) (T, bool) {
	var zero T
	cur, err := q.adapter.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.logger.Warn("failed to reread item", "id", id, "error", err)
		}
		return zero, false
	}
	if isNilItem(cur) || !cur.Sync().LastModified.After(since) {
		return zero, false
	}
	return cur, true
}

// resync pushes the stored version of id after an edit arrived while it was
// in flight. Offline, the item stays pending for the next sweep.
func (q *SyncQueue[T]) resync(id string) {
	if q.isClosed() || !q.monitor.IsOnline() {
		return
	}
	ctx := context.Background()
	item, err := q.adapter.Get(ctx, id)
	if err != nil {
		q.logger.Warn("failed to load item for follow-up sync", "id", id, "error", err)
		return
	}
	if item.Sync().Status != StatusPending {
		return
	}
	if _, err := q.SyncSingleItem(ctx, item); err != nil {
		if errors.Is(err, ErrSyncInFlight) || errors.Is(err, errSuperseded) {
			return
		}
		q.logger.Warn("follow-up sync failed", "item", q.adapter.Describe(item), "error", err)
		q.retryLater()
	}
	q.publishStatus(ctx)
}

// SyncPendingItems runs one sweep over every pending item. Only one sweep
// runs at a time; a call made while one is active returns immediately with
// a skipped summary. Offline sweeps are skipped as well. Item failures are
// counted, never returned.
func (q *SyncQueue[T]) SyncPendingItems(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{Queue: q.name}
	if !q.monitor.IsOnline() {
		summary.Skipped, summary.SkipReason = true, skipOffline
		return summary, nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		summary.Skipped, summary.SkipReason = true, skipClosed
		return summary, nil
	}
	if q.syncing {
		q.mu.Unlock()
		summary.Skipped, summary.SkipReason = true, skipInProgress
		return summary, nil
	}
	q.syncing = true
	q.mu.Unlock()

	q.publishStatus(ctx)
	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
		q.publishStatus(ctx)
	}()

	ctx, span := startSpan(ctx, q.tracer, "offsync.sweep", AttrQueue.String(q.name))
	defer span.End()

	items, err := q.adapter.ListPending(ctx)
	if err != nil {
		recordError(span, err)
		return summary, fmt.Errorf("list pending %s items: %w", q.name, err)
	}

	var succeeded, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(q.concurrency)
	for _, item := range items {
		g.Go(func() error {
			if _, err := q.SyncSingleItem(ctx, item); err != nil {
				if !errors.Is(err, ErrSyncInFlight) && !errors.Is(err, errSuperseded) {
					failed.Add(1)
					q.logger.Debug("item sync failed", "item", q.adapter.Describe(item), "error", err)
				}
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary.Succeeded = int(succeeded.Load())
	summary.Failed = int(failed.Load())
	summary.Attempted = summary.Succeeded + summary.Failed
	span.SetAttributes(AttrSucceeded.Int(summary.Succeeded), AttrFailed.Int(summary.Failed))
	q.metrics.IncSweep(q.name)
	q.reportSweep(summary)

	if summary.Succeeded > 0 {
		q.refresh()
	}
	q.settleRetries(ctx, summary)
	return summary, nil
}

// RetryFailedSyncs moves every failed item back to pending and sweeps. With
// no failed items it does nothing. A manual retry also re-arms automatic
// retries after they were exhausted.
func (q *SyncQueue[T]) RetryFailedSyncs(ctx context.Context) (SweepSummary, error) {
	return q.retryFailed(ctx, true)
}

// ForceSyncNow sweeps immediately, the same way a connectivity restore does.
func (q *SyncQueue[T]) ForceSyncNow(ctx context.Context) (SweepSummary, error) {
	return q.SyncPendingItems(ctx)
}

func (q *SyncQueue[T]) retryFailed(ctx context.Context, manual bool) (SweepSummary, error) {
	failed, err := q.adapter.ListFailed(ctx)
	if err != nil {
		return SweepSummary{Queue: q.name}, fmt.Errorf("list failed %s items: %w", q.name, err)
	}
	if len(failed) == 0 {
		return SweepSummary{Queue: q.name, Skipped: true, SkipReason: skipNoFailed}, nil
	}

	if manual {
		q.scheduler.Reset()
		q.mu.Lock()
		q.exhausted = false
		q.mu.Unlock()
	}
	q.storeMu.Lock()
	for _, item := range failed {
		if _, edited := q.storedNewer(ctx, item.Sync().ID, item.Sync().LastModified); edited {
			continue
		}
		item.Sync().Status = StatusPending
		if err := q.adapter.Save(ctx, item); err != nil {
			q.storeMu.Unlock()
			return SweepSummary{Queue: q.name}, fmt.Errorf("requeue %s: %w", q.adapter.Describe(item), err)
		}
	}
	q.storeMu.Unlock()
	q.logger.Info("retrying failed items", "count", len(failed), "manual", manual)
	q.publishStatus(ctx)
	return q.SyncPendingItems(ctx)
}

// Status derives the queue's summary from the adapter's counts.
func (q *SyncQueue[T]) Status(ctx context.Context) (SyncStatusSummary, error) {
	counts, err := q.adapter.Counts(ctx)
	if err != nil {
		return SyncStatusSummary{}, fmt.Errorf("count %s items: %w", q.name, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s := SyncStatusSummary{
		IsSyncing:    q.syncing,
		PendingCount: counts.Pending,
		FailedCount:  counts.Failed,
	}
	if q.lastSync != nil {
		t := *q.lastSync
		s.LastSyncTime = &t
	}
	return s, nil
}

// PendingItems projects every pending and failed item for display.
func (q *SyncQueue[T]) PendingItems(ctx context.Context) ([]PendingItem, error) {
	pending, err := q.adapter.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending %s items: %w", q.name, err)
	}
	failed, err := q.adapter.ListFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failed %s items: %w", q.name, err)
	}
	out := make([]PendingItem, 0, len(pending)+len(failed))
	for _, item := range append(pending, failed...) {
		meta := item.Sync()
		out = append(out, PendingItem{
			Feature:      q.name,
			ID:           meta.ID,
			LocalID:      meta.LocalID,
			Description:  q.adapter.Describe(item),
			Status:       meta.Status,
			LastModified: meta.LastModified,
			LastError:    meta.LastError,
		})
	}
	return out, nil
}

// Close stops automatic syncing and cancels pending retries.
func (q *SyncQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	unobserve := q.unobserve
	q.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	q.scheduler.Clear()
}

// ── retry orchestration ──────────────────────────────────

// settleRetries engages the scheduler after failures and resets it once
// nothing is left failed.
func (q *SyncQueue[T]) settleRetries(ctx context.Context, summary SweepSummary) {
	if summary.Failed > 0 {
		q.scheduleRetry()
		return
	}
	counts, err := q.adapter.Counts(ctx)
	if err != nil || counts.Failed > 0 {
		return
	}
	q.scheduler.Reset()
	q.mu.Lock()
	q.exhausted = false
	q.mu.Unlock()
}

// retryLater engages the scheduler unless a retry is already armed, so a
// burst of failures spends one attempt.
func (q *SyncQueue[T]) retryLater() {
	if q.scheduler.Pending() {
		return
	}
	q.scheduleRetry()
}

func (q *SyncQueue[T]) scheduleRetry() {
	if q.isClosed() {
		return
	}
	delay, err := q.scheduler.Schedule(func() {
		summary, err := q.retryFailed(context.Background(), false)
		if err != nil {
			q.logger.Warn("scheduled retry failed", "error", err)
			return
		}
		if summary.SkipReason == skipInProgress {
			q.scheduleRetry()
		}
	})
	if errors.Is(err, ErrMaxAttemptsReached) {
		q.notifyExhausted()
		return
	}
	q.logger.Debug("retry scheduled", "delay", delay, "attempt", q.scheduler.Attempts())
}

func (q *SyncQueue[T]) notifyExhausted() {
	q.mu.Lock()
	already := q.exhausted
	q.exhausted = true
	q.mu.Unlock()
	if already {
		return
	}

	attempts := q.scheduler.Attempts()
	payload := QueueExhausted{Queue: q.name, Attempts: attempts}
	if counts, err := q.adapter.Counts(context.Background()); err != nil {
		q.logger.Warn("failed to count items for exhaustion notice", "error", err)
		q.logger.Error("automatic retries exhausted; failed items wait for a manual retry", "attempts", attempts)
	} else {
		payload.Failed = counts.Failed
		q.logger.Error("automatic retries exhausted; failed items wait for a manual retry",
			"attempts", attempts, "failed", counts.Failed)
	}
	q.metrics.IncRetryExhausted("queue:" + q.name)
	q.emitter.emit(EventSyncExhausted, payload)
}

// ── helpers ──────────────────────────────────────────────

func (q *SyncQueue[T]) reportSweep(summary SweepSummary) {
	if summary.Attempted == 0 {
		q.logger.Debug("sync sweep found nothing pending")
		return
	}
	if summary.Failed > 0 {
		q.logger.Warn("sync sweep finished with failures", "succeeded", summary.Succeeded, "failed", summary.Failed)
	} else {
		q.logger.Info("sync sweep finished", "succeeded", summary.Succeeded)
	}
	q.emitter.emit(EventSyncSummary, summary)
}

func (q *SyncQueue[T]) refresh() {
	if q.onRefresh != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("refresh callback panicked", "panic", r)
				}
			}()
			q.onRefresh()
		}()
	}
	q.emitter.emit(EventSyncRefresh, q.name)
}

func (q *SyncQueue[T]) publishStatus(ctx context.Context) {
	s, err := q.Status(ctx)
	if err != nil {
		q.logger.Debug("status unavailable", "error", err)
		return
	}
	q.metrics.SetQueueDepth(q.name, s.PendingCount, s.FailedCount)
	q.emitter.emit(EventSyncStatus, QueueStatus{Queue: q.name, Summary: s})
}

func (q *SyncQueue[T]) acquire(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[id]; busy {
		return false
	}
	q.inFlight[id] = struct{}{}
	return true
}

// acquireOrFollowUp claims id, or marks it for another push once the sync
// holding it finishes.
func (q *SyncQueue[T]) acquireOrFollowUp(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[id]; busy {
		q.followUp[id] = struct{}{}
		return false
	}
	q.inFlight[id] = struct{}{}
	return true
}

// release frees id and reports whether a follow-up push was requested.
func (q *SyncQueue[T]) release(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
	_, again := q.followUp[id]
	delete(q.followUp, id)
	return again
}

func (q *SyncQueue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func isNilItem[T any](v T) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
