package offsync_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Prismer-AI/offsync"
	"github.com/Prismer-AI/offsync/mocks"
)

func newDocStore(t *testing.T) *offsync.ItemStore[*offsync.Document] {
	t.Helper()
	items, err := offsync.NewItemStore(offsync.Store(offsync.NewMemoryStore()), "notes",
		func() *offsync.Document { return &offsync.Document{} })
	require.NoError(t, err)
	return items
}

func TestCollectionAdapter_SyncToServer(t *testing.T) {
	ctx := context.Background()

	t.Run("new item is created", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		remote := mocks.NewMockRemoteService(ctrl)
		adapter, err := offsync.NewCollectionAdapter(remote, "notes", newDocStore(t), nil)
		require.NoError(t, err)

		doc := offsync.NewDocument(map[string]any{"title": "hello"})
		doc.ID, doc.LocalID = "local-1", "local-1"
		doc.Status = offsync.StatusPending

		remote.EXPECT().
			Create(gomock.Any(), "notes", map[string]any{"title": "hello"}).
			Return(offsync.Record{"id": "srv1", "title": "hello", "collectionName": "notes"}, nil)

		out, err := adapter.SyncToServer(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "srv1", out.ID)
		assert.Equal(t, "local-1", out.LocalID)
		title, _ := out.Field("title")
		assert.Equal(t, "hello", title)
	})

	t.Run("known item is updated without bookkeeping", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		remote := mocks.NewMockRemoteService(ctrl)
		adapter, err := offsync.NewCollectionAdapter(remote, "notes", newDocStore(t), nil)
		require.NoError(t, err)

		doc := offsync.NewDocument(map[string]any{"title": "edited", "updated": "2026-01-01 00:00:00.000Z"})
		doc.ID, doc.LocalID = "srv1", "local-1"
		doc.Status = offsync.StatusFailed
		doc.LastError = "boom"
		doc.Attempts = 2

		remote.EXPECT().
			Update(gomock.Any(), "notes", "srv1", map[string]any{"title": "edited"}).
			Return(offsync.Record{"id": "srv1", "title": "edited"}, nil)

		out, err := adapter.SyncToServer(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "srv1", out.ID)
	})

	t.Run("remote errors pass through", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		remote := mocks.NewMockRemoteService(ctrl)
		adapter, err := offsync.NewCollectionAdapter(remote, "notes", newDocStore(t), nil)
		require.NoError(t, err)

		apiErr := &offsync.APIError{Status: http.StatusBadRequest, Code: "Bad Request", Message: "invalid"}
		remote.EXPECT().Update(gomock.Any(), "notes", "x", gomock.Any()).Return(nil, apiErr)

		doc := offsync.NewDocument(nil)
		doc.ID = "x"
		_, err = adapter.SyncToServer(ctx, doc)
		assert.ErrorIs(t, err, apiErr)
		assert.False(t, offsync.IsTransient(err))
	})
}

func TestCollectionAdapter_Refresh(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteService(ctrl)
	items := newDocStore(t)
	adapter, err := offsync.NewCollectionAdapter(remote, "notes", items, nil)
	require.NoError(t, err)

	local := offsync.NewDocument(map[string]any{"title": "unsent edit"})
	local.ID, local.Status, local.LastModified = "a", offsync.StatusPending, time.Now()
	require.NoError(t, items.Save(ctx, local))

	remote.EXPECT().List(gomock.Any(), "notes", "owner='u1'").Return([]offsync.Record{
		{"id": "a", "title": "server copy"},
		{"id": "b", "title": "fresh", "updated": "2026-02-03 04:05:06.000Z"},
		{"title": "no id"},
	}, nil)

	n, err := adapter.Refresh(ctx, "owner='u1'")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := items.Get(ctx, "a")
	require.NoError(t, err)
	title, _ := a.Field("title")
	assert.Equal(t, "unsent edit", title)
	assert.Equal(t, offsync.StatusPending, a.Status)

	b, err := items.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, offsync.StatusSynced, b.Status)
	assert.Equal(t, time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), b.LastModified.UTC())
}

// editBeforeWrite lands a local edit of one id just before a refresh writes it.
type editBeforeWrite struct {
	offsync.Store
	id   string
	edit func()
}

func (s *editBeforeWrite) SaveIfSynced(ctx context.Context, bucket string, e offsync.Entry) (bool, error) {
	if e.ID == s.id && s.edit != nil {
		s.edit()
		s.edit = nil
	}
	return s.Store.SaveIfSynced(ctx, bucket, e)
}

func TestCollectionAdapter_RefreshKeepsEditRacingTheWrite(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteService(ctrl)

	store := &editBeforeWrite{Store: offsync.NewMemoryStore(), id: "a"}
	items, err := offsync.NewItemStore(offsync.Store(store), "notes",
		func() *offsync.Document { return &offsync.Document{} })
	require.NoError(t, err)
	adapter, err := offsync.NewCollectionAdapter(remote, "notes", items, nil)
	require.NoError(t, err)

	clean := offsync.NewDocument(map[string]any{"title": "synced"})
	clean.ID, clean.Status, clean.LastModified = "a", offsync.StatusSynced, time.Now()
	require.NoError(t, items.Save(ctx, clean))

	store.edit = func() {
		edit := offsync.NewDocument(map[string]any{"title": "typed during refresh"})
		edit.ID, edit.Status, edit.LastModified = "a", offsync.StatusPending, time.Now()
		require.NoError(t, items.Save(ctx, edit))
	}
	remote.EXPECT().List(gomock.Any(), "notes", "").Return([]offsync.Record{
		{"id": "a", "title": "server copy"},
	}, nil)

	n, err := adapter.Refresh(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	a, err := items.Get(ctx, "a")
	require.NoError(t, err)
	title, _ := a.Field("title")
	assert.Equal(t, "typed during refresh", title)
	assert.Equal(t, offsync.StatusPending, a.Status)
}

func TestCollectionAdapter_Describe(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteService(ctrl)

	plain, err := offsync.NewCollectionAdapter(remote, "notes", newDocStore(t), nil)
	require.NoError(t, err)
	doc := offsync.NewDocument(map[string]any{"title": "t"})
	doc.ID = "n1"
	assert.Equal(t, "notes/n1", plain.Describe(doc))

	custom, err := offsync.NewCollectionAdapter(remote, "notes", newDocStore(t), func(d *offsync.Document) string {
		v, _ := d.Field("title")
		return "note " + v.(string)
	})
	require.NoError(t, err)
	assert.Equal(t, "note t", custom.Describe(doc))

	_, err = offsync.NewCollectionAdapter[*offsync.Document](nil, "notes", newDocStore(t), nil)
	assert.ErrorIs(t, err, offsync.ErrInvalidConfig)
}

// A queue over a collection adapter rewrites the local id to the server's.
func TestCollectionAdapter_QueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	remote := mocks.NewMockRemoteService(ctrl)
	items := newDocStore(t)
	adapter, err := offsync.NewCollectionAdapter(remote, "notes", items, nil)
	require.NoError(t, err)

	monitor, err := offsync.NewConnectivityMonitor(nil)
	require.NoError(t, err)
	q, err := offsync.NewSyncQueue("notes", offsync.Adapter[*offsync.Document](adapter), monitor, &offsync.QueueOptions{
		DisableAutoSync: true,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer q.Close()

	remote.EXPECT().
		Create(gomock.Any(), "notes", map[string]any{"title": "hi"}).
		Return(offsync.Record{"id": "srv42", "title": "hi"}, nil)

	doc := offsync.NewDocument(map[string]any{"title": "hi"})
	require.NoError(t, q.QueueItem(ctx, doc))

	all, err := items.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "srv42", all[0].ID)
	assert.Equal(t, doc.LocalID, all[0].LocalID)
	assert.Equal(t, offsync.StatusSynced, all[0].Status)
}
