package offsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("save and get", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "a", Status: StatusPending, LastModified: base, Data: []byte(`{"id":"a"}`)}))

		e, err := s.Get(ctx, "notes", "a")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.True(t, e.LastModified.Equal(base))
		assert.JSONEq(t, `{"id":"a"}`, string(e.Data))

		_, err = s.Get(ctx, "tasks", "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("last write wins", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "a", Status: StatusPending, LastModified: base, Data: []byte(`1`)}))
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "a", Status: StatusSynced, LastModified: base.Add(time.Second), Data: []byte(`2`)}))

		all, err := s.GetAll(ctx, "notes")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, StatusSynced, all[0].Status)
		assert.Equal(t, "2", string(all[0].Data))
	})

	t.Run("by status oldest first", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "late", Status: StatusPending, LastModified: base.Add(time.Minute), Data: []byte(`{}`)}))
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "early", Status: StatusPending, LastModified: base, Data: []byte(`{}`)}))
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "done", Status: StatusSynced, LastModified: base, Data: []byte(`{}`)}))

		pending, err := s.GetByStatus(ctx, "notes", StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "early", pending[0].ID)
		assert.Equal(t, "late", pending[1].ID)
	})

	t.Run("save if synced", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "edited", Status: StatusPending, LastModified: base, Data: []byte(`"local"`)}))
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "clean", Status: StatusSynced, LastModified: base, Data: []byte(`"old"`)}))

		remote := func(id string) Entry {
			return Entry{ID: id, Status: StatusSynced, LastModified: base.Add(time.Minute), Data: []byte(`"server"`)}
		}
		for id, want := range map[string]bool{"edited": false, "clean": true, "new": true} {
			wrote, err := s.SaveIfSynced(ctx, "notes", remote(id))
			require.NoError(t, err)
			assert.Equal(t, want, wrote, id)
		}

		e, err := s.Get(ctx, "notes", "edited")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, `"local"`, string(e.Data))

		for _, id := range []string{"clean", "new"} {
			e, err := s.Get(ctx, "notes", id)
			require.NoError(t, err)
			assert.Equal(t, `"server"`, string(e.Data), id)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "notes", Entry{ID: "a", Status: StatusPending, LastModified: base, Data: []byte(`{}`)}))
		require.NoError(t, s.Delete(ctx, "notes", "a"))
		require.NoError(t, s.Delete(ctx, "notes", "missing"))

		_, err := s.Get(ctx, "notes", "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("closed", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Save(ctx, "notes", Entry{ID: "a"}), ErrStoreClosed)
		_, err := s.SaveIfSynced(ctx, "notes", Entry{ID: "a"})
		assert.ErrorIs(t, err, ErrStoreClosed)
		_, err = s.GetAll(ctx, "notes")
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "offsync.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offsync.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "notes", Entry{ID: "a", Status: StatusFailed, LastModified: time.Now(), Data: []byte(`{"id":"a"}`)}))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	failed, err := s.GetByStatus(ctx, "notes", StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)
}

func TestItemStore(t *testing.T) {
	ctx := context.Background()
	items, err := NewItemStore(Store(NewMemoryStore()), "notes", newNote)
	require.NoError(t, err)
	assert.Equal(t, "notes", items.Bucket())

	require.Error(t, items.Save(ctx, &note{Title: "no id"}))

	now := time.Now().UTC()
	for i, st := range []SyncStatus{StatusPending, StatusFailed, StatusFailed, StatusSynced} {
		n := &note{SyncMeta: SyncMeta{ID: string(rune('a' + i)), Status: st, LastModified: now.Add(time.Duration(i) * time.Second)}, Title: string(st)}
		require.NoError(t, items.Save(ctx, n))
	}

	counts, err := items.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Failed: 2}, counts)

	failed, err := items.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "b", failed[0].ID)
	assert.Equal(t, "failed", failed[0].Title)

	got, err := items.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.Status)

	_, err = NewItemStore[*note](nil, "notes", newNote)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
