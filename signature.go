package offsync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a bridge request body.
const SignatureHeader = "X-Offsync-Signature"

// SignBody returns the "sha256=<hex>" signature of body under secret.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature (with or without the "sha256=" prefix)
// against body in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// RequireSignature rejects mutating requests whose body is not signed with
// secret. Safe methods pass through. An empty secret disables the check.
func RequireSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				writeError(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if !VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
				writeError(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
