package offsync

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignBodyAndVerify(t *testing.T) {
	body := []byte(`{"enabled":true}`)
	sig := SignBody(body, "s3cret")
	require.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)

	assert.True(t, VerifySignature(body, sig, "s3cret"))
	assert.True(t, VerifySignature(body, strings.TrimPrefix(sig, "sha256="), "s3cret"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature([]byte(`{"enabled":false}`), sig, "s3cret"))
	assert.False(t, VerifySignature(body, "", "s3cret"))
	assert.False(t, VerifySignature(body, "sha256=", "s3cret"))
	assert.False(t, VerifySignature(body, sig, ""))
	assert.False(t, VerifySignature(body, "sha256=abc", "s3cret"))
}

func TestRequireSignature(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireSignature("s3cret")(next)

	t.Run("valid", func(t *testing.T) {
		body := `{"enabled":true}`
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignBody([]byte(body), "s3cret"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, body, seen, "the body is handed on intact")
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{}`))
		req.Header.Set(SignatureHeader, "sha256=deadbeef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"invalid signature"}`, rec.Body.String())
	})

	t.Run("safe methods pass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("empty secret disables", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireSignature("")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
