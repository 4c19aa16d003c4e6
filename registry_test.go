package offsync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Prismer-AI/offsync"
	"github.com/Prismer-AI/offsync/mocks"
)

func quietRegistry() *offsync.SyncRegistry {
	return offsync.NewSyncRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSyncRegistry_Status(t *testing.T) {
	ctrl := gomock.NewController(t)
	earlier := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	notes := mocks.NewMockSyncHandle(ctrl)
	notes.EXPECT().Status(gomock.Any()).Return(offsync.SyncStatusSummary{
		PendingCount: 2, FailedCount: 1, LastSyncTime: &earlier,
	}, nil)
	tasks := mocks.NewMockSyncHandle(ctrl)
	tasks.EXPECT().Status(gomock.Any()).Return(offsync.SyncStatusSummary{
		IsSyncing: true, PendingCount: 3, LastSyncTime: &later,
	}, nil)
	broken := mocks.NewMockSyncHandle(ctrl)
	broken.EXPECT().Status(gomock.Any()).Return(offsync.SyncStatusSummary{}, errors.New("store closed"))

	r := quietRegistry()
	r.Register("notes", notes)
	r.Register("tasks", tasks)
	r.Register("broken", broken)

	s := r.Status(context.Background())
	assert.True(t, s.IsSyncing)
	assert.Equal(t, 5, s.PendingCount)
	assert.Equal(t, 1, s.FailedCount)
	require.NotNil(t, s.LastSyncTime)
	assert.True(t, s.LastSyncTime.Equal(later))
}

func TestSyncRegistry_EmptyStatus(t *testing.T) {
	s := quietRegistry().Status(context.Background())
	assert.Equal(t, offsync.SyncStatusSummary{}, s)
}

func TestSyncRegistry_AllPendingItems(t *testing.T) {
	ctrl := gomock.NewController(t)

	notes := mocks.NewMockSyncHandle(ctrl)
	notes.EXPECT().PendingItems(gomock.Any()).Return([]offsync.PendingItem{
		{Feature: "notes", ID: "n1", Status: offsync.StatusPending},
	}, nil)
	tasks := mocks.NewMockSyncHandle(ctrl)
	tasks.EXPECT().PendingItems(gomock.Any()).DoAndReturn(func(context.Context) ([]offsync.PendingItem, error) {
		panic("adapter bug")
	})

	r := quietRegistry()
	r.Register("notes", notes)
	r.Register("tasks", tasks)

	items := r.AllPendingItems(context.Background())
	require.Len(t, items, 1)
	assert.Equal(t, "n1", items[0].ID)
}

func TestSyncRegistry_SyncAll(t *testing.T) {
	ctrl := gomock.NewController(t)

	notes := mocks.NewMockSyncHandle(ctrl)
	notes.EXPECT().SyncPendingItems(gomock.Any()).Return(offsync.SweepSummary{Queue: "notes", Attempted: 2, Succeeded: 2}, nil)
	tasks := mocks.NewMockSyncHandle(ctrl)
	tasks.EXPECT().SyncPendingItems(gomock.Any()).Return(offsync.SweepSummary{}, errors.New("list failed"))
	flaky := mocks.NewMockSyncHandle(ctrl)
	flaky.EXPECT().SyncPendingItems(gomock.Any()).DoAndReturn(func(context.Context) (offsync.SweepSummary, error) {
		panic("nil map")
	})

	r := quietRegistry()
	r.Register("tasks", tasks)
	r.Register("notes", notes)
	r.Register("flaky", flaky)

	results := r.SyncAll(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, "flaky", results[0].Feature)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "feature flaky panicked")

	assert.Equal(t, "notes", results[1].Feature)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 2, results[1].Summary.Succeeded)

	assert.Equal(t, "tasks", results[2].Feature)
	assert.EqualError(t, results[2].Err, "list failed")
}

func TestSyncRegistry_SyncAllRunsConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	barrier := make(chan struct{})

	wait := func(context.Context) (offsync.SweepSummary, error) {
		select {
		case <-barrier:
		case <-time.After(time.Second):
			return offsync.SweepSummary{}, errors.New("features ran one after another")
		}
		return offsync.SweepSummary{}, nil
	}
	release := func(context.Context) (offsync.SweepSummary, error) {
		close(barrier)
		return offsync.SweepSummary{}, nil
	}

	a := mocks.NewMockSyncHandle(ctrl)
	a.EXPECT().SyncPendingItems(gomock.Any()).DoAndReturn(wait)
	b := mocks.NewMockSyncHandle(ctrl)
	b.EXPECT().SyncPendingItems(gomock.Any()).DoAndReturn(release)

	r := quietRegistry()
	r.Register("a", a)
	r.Register("b", b)

	for _, res := range r.SyncAll(context.Background()) {
		assert.NoError(t, res.Err, res.Feature)
	}
}

func TestSyncRegistry_RetryAllFailed(t *testing.T) {
	ctrl := gomock.NewController(t)

	notes := mocks.NewMockSyncHandle(ctrl)
	notes.EXPECT().RetryFailedSyncs(gomock.Any()).Return(offsync.SweepSummary{Queue: "notes", Attempted: 1, Succeeded: 1}, nil)

	r := quietRegistry()
	r.Register("notes", notes)

	results := r.RetryAllFailed(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Summary.Succeeded)
}

func TestSyncRegistry_RegisterReplacesAndUnregisters(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mocks.NewMockSyncHandle(ctrl)
	second := mocks.NewMockSyncHandle(ctrl)
	second.EXPECT().Status(gomock.Any()).Return(offsync.SyncStatusSummary{PendingCount: 7}, nil)

	r := quietRegistry()
	r.Register("notes", first)
	r.Register("notes", second)
	assert.Equal(t, []string{"notes"}, r.Names())
	assert.Equal(t, 7, r.Status(context.Background()).PendingCount)

	r.Unregister("notes")
	assert.Empty(t, r.Names())
}

func TestSyncRegistry_AcceptsSyncQueue(t *testing.T) {
	store := offsync.NewMemoryStore()
	items, err := offsync.NewItemStore(offsync.Store(store), "docs", func() *offsync.Document { return &offsync.Document{} })
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteService(ctrl)
	adapter, err := offsync.NewCollectionAdapter(remote, "docs", items, nil)
	require.NoError(t, err)

	monitor, err := offsync.NewConnectivityMonitor(&offsync.MonitorOptions{StartOffline: true})
	require.NoError(t, err)
	q, err := offsync.NewSyncQueue("docs", offsync.Adapter[*offsync.Document](adapter), monitor, &offsync.QueueOptions{DisableAutoSync: true})
	require.NoError(t, err)
	defer q.Close()

	r := quietRegistry()
	r.Register(q.Name(), q)

	require.NoError(t, q.QueueItem(context.Background(), offsync.NewDocument(map[string]any{"title": "draft"})))
	assert.Equal(t, 1, r.Status(context.Background()).PendingCount)

	pending := r.AllPendingItems(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "docs", pending[0].Feature)
}
