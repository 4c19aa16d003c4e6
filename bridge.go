package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// Host bridge
// ============================================================================

// Bridge exposes the sync core to an embedding shell over HTTP: status
// projections, manual triggers, platform signals and an SSE event stream.
type Bridge struct {
	registry *SyncRegistry
	monitor  *ConnectivityMonitor
	realtime *RealtimeChannelManager
	emitter  *Emitter
	metrics  http.Handler
	secret   string
	logger   *slog.Logger
}

type BridgeOption func(*Bridge)

func WithBridgeRealtime(m *RealtimeChannelManager) BridgeOption {
	return func(b *Bridge) { b.realtime = m }
}

func WithBridgeEmitter(e *Emitter) BridgeOption {
	return func(b *Bridge) { b.emitter = e }
}

// WithBridgeMetrics serves h on /metrics.
func WithBridgeMetrics(h http.Handler) BridgeOption {
	return func(b *Bridge) { b.metrics = h }
}

// WithBridgeSecret requires signed bodies on every POST route.
func WithBridgeSecret(secret string) BridgeOption {
	return func(b *Bridge) { b.secret = secret }
}

func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

func NewBridge(registry *SyncRegistry, monitor *ConnectivityMonitor, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		registry: registry,
		monitor:  monitor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BridgeStatus is the body of GET /status.
type BridgeStatus struct {
	Connectivity ConnectivityState     `json:"connectivity"`
	Sync         SyncStatusSummary     `json:"sync"`
	Realtime     map[string]TopicState `json:"realtime,omitempty"`
	Initialized  bool                  `json:"realtimeInitialized"`
}

// SweepResult is one entry of the POST /sync and /retry responses.
type SweepResult struct {
	Feature string       `json:"feature"`
	Summary SweepSummary `json:"summary"`
	Error   string       `json:"error,omitempty"`
}

// Handler builds the router.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, b.logRequests)

	r.Get("/status", b.handleStatus)
	r.Get("/pending", b.handlePending)
	r.Get("/events", b.handleEvents)
	if b.metrics != nil {
		r.Method(http.MethodGet, "/metrics", b.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireSignature(b.secret))
		r.Post("/sync", b.handleSync)
		r.Post("/retry", b.handleRetry)
		r.Post("/platform/{signal}", b.handlePlatform)
		r.Post("/diagnostics/simulate-offline", b.handleSimulate)
		r.Post("/realtime/reconnect", b.handleReconnect)
	})
	return r
}

// Status assembles the GET /status document.
func (b *Bridge) Status(ctx context.Context) BridgeStatus {
	s := BridgeStatus{
		Connectivity: b.monitor.State(),
		Sync:         b.registry.Status(ctx),
	}
	if b.realtime != nil {
		s.Realtime = b.realtime.Topics()
		s.Initialized = b.realtime.Initialized()
	}
	return s
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Status(r.Context()), http.StatusOK)
}

func (b *Bridge) handlePending(w http.ResponseWriter, r *http.Request) {
	items := b.registry.AllPendingItems(r.Context())
	if items == nil {
		items = []PendingItem{}
	}
	writeJSON(w, items, http.StatusOK)
}

func (b *Bridge) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ToSweepResults(b.registry.SyncAll(r.Context())), http.StatusOK)
}

func (b *Bridge) handleRetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ToSweepResults(b.registry.RetryAllFailed(r.Context())), http.StatusOK)
}

func (b *Bridge) handlePlatform(w http.ResponseWriter, r *http.Request) {
	switch signal := chi.URLParam(r, "signal"); signal {
	case "online":
		b.monitor.HandlePlatformOnline()
	case "offline":
		b.monitor.HandlePlatformOffline()
	case "visible":
		b.monitor.HandleVisibilityRegained(r.Context())
	default:
		writeError(w, fmt.Sprintf("unknown platform signal %q", signal), http.StatusNotFound)
		return
	}
	writeJSON(w, b.monitor.State(), http.StatusOK)
}

func (b *Bridge) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	b.monitor.SetSimulatedOffline(body.Enabled)
	writeJSON(w, b.monitor.State(), http.StatusOK)
}

func (b *Bridge) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if b.realtime == nil {
		writeError(w, "realtime is disabled", http.StatusNotFound)
		return
	}
	if err := b.realtime.Reconnect(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, b.realtime.Topics(), http.StatusOK)
}

// handleEvents streams every emitted event as server-sent events until the
// client goes away.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	if b.emitter == nil {
		writeError(w, "event stream unavailable", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	type frame struct {
		event string
		data  []byte
	}
	frames := make(chan frame, 64)
	off := b.emitter.On(EventAll, func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		select {
		case frames <- frame{event: event, data: data}:
		default:
			// slow consumer; drop rather than block the emitter
		}
	})
	defer off()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case f := <-frames:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			flusher.Flush()
		}
	}
}

func (b *Bridge) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		b.logger.Debug("bridge request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ToSweepResults converts registry results to their wire form.
func ToSweepResults(results []FeatureResult) []SweepResult {
	out := make([]SweepResult, 0, len(results))
	for _, res := range results {
		sr := SweepResult{Feature: res.Feature, Summary: res.Summary}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	return out
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}
