package offsync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Sync Registry
// ============================================================================

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks github.com/Prismer-AI/offsync SyncHandle

// SyncHandle is the feature-agnostic view of a sync queue. *SyncQueue[T]
// satisfies it for every T.
type SyncHandle interface {
	Status(ctx context.Context) (SyncStatusSummary, error)
	PendingItems(ctx context.Context) ([]PendingItem, error)
	SyncPendingItems(ctx context.Context) (SweepSummary, error)
	RetryFailedSyncs(ctx context.Context) (SweepSummary, error)
}

// FeatureResult is one feature's outcome of a fan-out operation.
type FeatureResult struct {
	Feature string       `json:"feature"`
	Summary SweepSummary `json:"summary"`
	Err     error        `json:"-"`
}

// SyncRegistry aggregates the sync handles of every feature.
type SyncRegistry struct {
	mu      sync.RWMutex
	handles map[string]SyncHandle
	logger  *slog.Logger
}

// NewSyncRegistry creates an empty registry. logger may be nil.
func NewSyncRegistry(logger *slog.Logger) *SyncRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncRegistry{
		handles: make(map[string]SyncHandle),
		logger:  logger,
	}
}

// Register adds handle under name, replacing any previous one.
func (r *SyncRegistry) Register(name string, handle SyncHandle) {
	r.mu.Lock()
	_, exists := r.handles[name]
	r.handles[name] = handle
	r.mu.Unlock()
	if exists {
		r.logger.Warn("sync handle re-registered; replacing previous", "feature", name)
	}
}

func (r *SyncRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handles, name)
	r.mu.Unlock()
}

// Names lists registered features in order.
func (r *SyncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type namedHandle struct {
	name   string
	handle SyncHandle
}

func (r *SyncRegistry) snapshot() []namedHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedHandle, 0, len(r.handles))
	for name, h := range r.handles {
		out = append(out, namedHandle{name: name, handle: h})
	}
	slices.SortFunc(out, func(a, b namedHandle) int { return cmp.Compare(a.name, b.name) })
	return out
}

// Status combines every feature's status: syncing if any is, counts summed,
// the latest last-sync time. Features whose status fails are logged and skipped.
func (r *SyncRegistry) Status(ctx context.Context) SyncStatusSummary {
	var total SyncStatusSummary
	for _, nh := range r.snapshot() {
		s, err := guard(nh.name, func() (SyncStatusSummary, error) { return nh.handle.Status(ctx) })
		if err != nil {
			r.logger.Warn("sync status unavailable", "feature", nh.name, "error", err)
			continue
		}
		total.IsSyncing = total.IsSyncing || s.IsSyncing
		total.PendingCount += s.PendingCount
		total.FailedCount += s.FailedCount
		if s.LastSyncTime != nil && (total.LastSyncTime == nil || s.LastSyncTime.After(*total.LastSyncTime)) {
			t := *s.LastSyncTime
			total.LastSyncTime = &t
		}
	}
	return total
}

// AllPendingItems concatenates every feature's pending and failed items.
// A feature that fails is logged and left out.
func (r *SyncRegistry) AllPendingItems(ctx context.Context) []PendingItem {
	var out []PendingItem
	for _, nh := range r.snapshot() {
		items, err := guard(nh.name, func() ([]PendingItem, error) { return nh.handle.PendingItems(ctx) })
		if err != nil {
			r.logger.Warn("pending items unavailable", "feature", nh.name, "error", err)
			continue
		}
		out = append(out, items...)
	}
	return out
}

// SyncAll sweeps every feature concurrently and waits for all of them.
func (r *SyncRegistry) SyncAll(ctx context.Context) []FeatureResult {
	return r.fanOut(ctx, "sync", func(ctx context.Context, h SyncHandle) (SweepSummary, error) {
		return h.SyncPendingItems(ctx)
	})
}

// RetryAllFailed retries the failed items of every feature concurrently.
func (r *SyncRegistry) RetryAllFailed(ctx context.Context) []FeatureResult {
	return r.fanOut(ctx, "retry", func(ctx context.Context, h SyncHandle) (SweepSummary, error) {
		return h.RetryFailedSyncs(ctx)
	})
}

func (r *SyncRegistry) fanOut(ctx context.Context, op string, fn func(context.Context, SyncHandle) (SweepSummary, error)) []FeatureResult {
	handles := r.snapshot()
	results := make([]FeatureResult, len(handles))

	// a plain Group: one feature failing must not cancel the others
	var g errgroup.Group
	for i, nh := range handles {
		g.Go(func() error {
			summary, err := guard(nh.name, func() (SweepSummary, error) { return fn(ctx, nh.handle) })
			results[i] = FeatureResult{Feature: nh.name, Summary: summary, Err: err}
			if err != nil {
				r.logger.Warn("feature "+op+" failed", "feature", nh.name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// guard runs fn and converts a panic into an error.
func guard[T any](feature string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("feature %s panicked: %v", feature, rec)
		}
	}()
	return fn()
}
