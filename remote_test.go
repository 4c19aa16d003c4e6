package offsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/collections/notes/records", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["id"] = "srv1"
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("PATCH /api/collections/notes/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":404,"message":"The requested resource wasn't found."}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "title": "patched"})
	})
	mux.HandleFunc("GET /api/collections/notes/records", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "done=true", r.URL.Query().Get("filter"))
		page := r.URL.Query().Get("page")
		items := []map[string]any{{"id": "p" + page}}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalPages": 2, "items": items})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewRemoteClient(srv.URL+"/", WithToken("tok"))
	assert.Equal(t, srv.URL, c.BaseURL())

	t.Run("create", func(t *testing.T) {
		rec, err := c.Create(ctx, "notes", map[string]any{"title": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "srv1", rec.ID())
		assert.Equal(t, "hi", rec["title"])
	})

	t.Run("update", func(t *testing.T) {
		rec, err := c.Update(ctx, "notes", "n1", map[string]any{"title": "x"})
		require.NoError(t, err)
		assert.Equal(t, "patched", rec["title"])
	})

	t.Run("api error", func(t *testing.T) {
		_, err := c.Update(ctx, "notes", "gone", map[string]any{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "The requested resource wasn't found.", apiErr.Message)
		assert.False(t, IsTransient(err))
	})

	t.Run("list follows pages", func(t *testing.T) {
		recs, err := c.List(ctx, "notes", "done=true")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "p1", recs[0].ID())
		assert.Equal(t, "p2", recs[1].ID())
	})

	t.Run("probe", func(t *testing.T) {
		err := c.Probe(ctx)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestRemoteClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewRemoteClient(srv.URL).Create(context.Background(), "notes", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"network", assert.AnError, true},
		{"server error", &APIError{Status: 502}, true},
		{"rate limited", &APIError{Status: 429}, true},
		{"rejected", &APIError{Status: 422}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
