package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pbRealtime fakes the PocketBase realtime endpoint.
type pbRealtime struct {
	srv      *httptest.Server
	frames   chan string
	drop     chan struct{}
	done     chan struct{}
	connects atomic.Int32

	mu    sync.Mutex
	subs  [][]string
	auths []string
}

func newPBRealtime(t *testing.T) *pbRealtime {
	t.Helper()
	pb := &pbRealtime{
		frames: make(chan string, 16),
		drop:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/realtime", func(w http.ResponseWriter, r *http.Request) {
		n := pb.connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "id:c%d\nevent:PB_CONNECT\ndata:{\"clientId\":\"c%d\"}\n\n", n, n)
		flusher.Flush()
		for {
			select {
			case frame := <-pb.frames:
				fmt.Fprint(w, frame)
				flusher.Flush()
			case <-pb.drop:
				return
			case <-pb.done:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /api/realtime", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientID      string   `json:"clientId"`
			Subscriptions []string `json:"subscriptions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		pb.mu.Lock()
		pb.subs = append(pb.subs, body.Subscriptions)
		pb.auths = append(pb.auths, r.Header.Get("Authorization"))
		pb.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	pb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		close(pb.done)
		pb.srv.Close()
	})
	return pb
}

func (pb *pbRealtime) lastSubs() []string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if len(pb.subs) == 0 {
		return nil
	}
	return pb.subs[len(pb.subs)-1]
}

func (pb *pbRealtime) send(topic, data string) {
	pb.frames <- fmt.Sprintf("event: %s\ndata: %s\n\n", topic, data)
}

func TestSSESubscriber_SubscribeAndReceive(t *testing.T) {
	pb := newPBRealtime(t)
	s := NewSSESubscriber(pb.srv.URL, WithSSEToken("tok"), WithSSELogger(discardLogger()))
	t.Cleanup(func() { _ = s.Disconnect() })

	got := make(chan RealtimeMessage, 4)
	unsubscribe, err := s.Subscribe(context.Background(), "notifications", func(m RealtimeMessage) { got <- m })
	require.NoError(t, err)
	assert.Equal(t, "c1", s.ClientID())
	assert.Equal(t, []string{"notifications"}, pb.lastSubs())
	pb.mu.Lock()
	assert.Equal(t, "tok", pb.auths[0])
	pb.mu.Unlock()

	pb.frames <- ": keepalive\n\n"
	pb.send("notifications", `{"message":"Build finished","variant":"success","duration":4000}`)
	pb.send("other", `{"message":"not for us"}`)

	select {
	case m := <-got:
		assert.Equal(t, RealtimeMessage{
			Topic:        "notifications",
			Text:         "Build finished",
			Severity:     SeveritySuccess,
			DurationHint: 4 * time.Second,
		}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	_, err = s.Subscribe(context.Background(), "alerts", func(RealtimeMessage) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "notifications"}, pb.lastSubs())
	assert.Equal(t, int32(1), pb.connects.Load(), "topics share one stream")

	unsubscribe()
	unsubscribe()
	require.Eventually(t, func() bool {
		subs := pb.lastSubs()
		return len(subs) == 1 && subs[0] == "alerts"
	}, time.Second, 10*time.Millisecond)
}

func TestSSESubscriber_StreamLossIsReported(t *testing.T) {
	pb := newPBRealtime(t)
	s := NewSSESubscriber(pb.srv.URL, WithSSELogger(discardLogger()))
	t.Cleanup(func() { _ = s.Disconnect() })

	lost := make(chan error, 1)
	s.OnConnectionLost(func(err error) { lost <- err })

	_, err := s.Subscribe(context.Background(), "notifications", func(RealtimeMessage) {})
	require.NoError(t, err)

	pb.drop <- struct{}{}
	select {
	case err := <-lost:
		assert.ErrorContains(t, err, "SSE stream ended")
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	require.Eventually(t, func() bool { return s.ClientID() == "" }, time.Second, 10*time.Millisecond)

	_, err = s.Subscribe(context.Background(), "notifications", func(RealtimeMessage) {})
	require.NoError(t, err)
	assert.Equal(t, "c2", s.ClientID())
}

func TestSSESubscriber_LastUnsubscribeDisconnectsQuietly(t *testing.T) {
	pb := newPBRealtime(t)
	s := NewSSESubscriber(pb.srv.URL, WithSSELogger(discardLogger()))

	var lost atomic.Int32
	s.OnConnectionLost(func(error) { lost.Add(1) })

	unsubscribe, err := s.Subscribe(context.Background(), "notifications", func(RealtimeMessage) {})
	require.NoError(t, err)
	unsubscribe()

	assert.Empty(t, s.ClientID())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, lost.Load())
}

func TestSSESubscriber_ConnectFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := NewSSESubscriber(srv.URL).Subscribe(context.Background(), "x", func(RealtimeMessage) {})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
	})

	t.Run("no connect event", func(t *testing.T) {
		done := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.(http.Flusher).Flush()
			select {
			case <-done:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(done)

		s := NewSSESubscriber(srv.URL, WithSSEConnectTimeout(50*time.Millisecond))
		_, err := s.Subscribe(context.Background(), "x", func(RealtimeMessage) {})
		assert.ErrorContains(t, err, "timed out")
	})
}
