package offsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// SSE transport (PocketBase realtime)
// ============================================================================

const (
	sseConnectEvent       = "PB_CONNECT"
	DefaultConnectTimeout = 10 * time.Second
)

// SSESubscriber multiplexes topic subscriptions over one PocketBase realtime
// stream. The stream is opened on the first Subscribe and closed when the
// last topic is dropped.
type SSESubscriber struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	connectTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger

	mu               sync.Mutex
	clientID         string
	connecting       chan struct{}
	connErr          error
	cancelFn         context.CancelFunc
	intentionalClose bool
	lastDataTime     time.Time
	nextHandler      uint64
	handlers         map[string]map[uint64]func(RealtimeMessage)

	lost listeners[error]
}

type SSEOption func(*SSESubscriber)

func WithSSEToken(token string) SSEOption {
	return func(s *SSESubscriber) { s.token = token }
}

// WithSSEHTTPClient sets the client used for the stream. It must not carry a
// request timeout or the stream is cut when it expires.
func WithSSEHTTPClient(client *http.Client) SSEOption {
	return func(s *SSESubscriber) { s.httpClient = client }
}

func WithSSEConnectTimeout(d time.Duration) SSEOption {
	return func(s *SSESubscriber) { s.connectTimeout = d }
}

// WithSSEIdleTimeout drops the stream when nothing arrives for d. Zero disables the watchdog.
func WithSSEIdleTimeout(d time.Duration) SSEOption {
	return func(s *SSESubscriber) { s.idleTimeout = d }
}

func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSESubscriber) { s.logger = logger }
}

func NewSSESubscriber(baseURL string, opts ...SSEOption) *SSESubscriber {
	s := &SSESubscriber{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
		handlers:       make(map[string]map[uint64]func(RealtimeMessage)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnConnectionLost registers fn for unexpected stream ends.
func (s *SSESubscriber) OnConnectionLost(fn func(error)) {
	s.lost.add(fn)
}

// ClientID is the id the server assigned to the current stream.
func (s *SSESubscriber) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *SSESubscriber) Subscribe(ctx context.Context, topic string, handler func(RealtimeMessage)) (func(), error) {
	clientID, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextHandler++
	id := s.nextHandler
	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[uint64]func(RealtimeMessage))
	}
	s.handlers[topic][id] = handler
	topics := s.topicsLocked()
	s.mu.Unlock()

	if err := s.postSubscriptions(ctx, clientID, topics); err != nil {
		s.removeHandler(topic, id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(topic, id) })
	}, nil
}

// Disconnect closes the stream and forgets every subscription.
func (s *SSESubscriber) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.clientID = ""
	s.handlers = make(map[string]map[uint64]func(RealtimeMessage))
	s.mu.Unlock()
	return nil
}

func (s *SSESubscriber) unsubscribe(topic string, id uint64) {
	if !s.removeHandler(topic, id) {
		return
	}
	s.mu.Lock()
	clientID := s.clientID
	topics := s.topicsLocked()
	s.mu.Unlock()

	if len(topics) == 0 {
		s.Disconnect()
		return
	}
	if clientID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
		defer cancel()
		if err := s.postSubscriptions(ctx, clientID, topics); err != nil {
			s.logger.Debug("failed to update realtime subscriptions", "error", err)
		}
	}()
}

// removeHandler reports whether the topic lost its last handler.
func (s *SSESubscriber) removeHandler(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.handlers[topic]
	if !ok {
		return false
	}
	delete(hs, id)
	if len(hs) > 0 {
		return false
	}
	delete(s.handlers, topic)
	return true
}

func (s *SSESubscriber) topicsLocked() []string {
	topics := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// ── connection ───────────────────────────────────────────

func (s *SSESubscriber) ensureConnected(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.clientID != "" {
		id := s.clientID
		s.mu.Unlock()
		return id, nil
	}
	wait := s.connecting
	if wait == nil {
		wait = make(chan struct{})
		s.connecting = wait
		s.connErr = nil
		s.intentionalClose = false
		go s.connect(wait)
	}
	s.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connErr != nil {
		return "", s.connErr
	}
	if s.clientID == "" {
		return "", ErrNotConnected
	}
	return s.clientID, nil
}

// connect opens the stream and waits for the server to assign a client id.
// done is closed once the outcome is known.
func (s *SSESubscriber) connect(done chan struct{}) {
	streamCtx, cancel := context.WithCancel(context.Background())
	finish := func(clientID string, err error) {
		s.mu.Lock()
		s.connecting = nil
		s.connErr = err
		if err == nil {
			s.clientID = clientID
			s.cancelFn = cancel
			s.lastDataTime = time.Now()
		}
		s.mu.Unlock()
		if err != nil {
			cancel()
		}
		close(done)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.baseURL+"/api/realtime", nil)
	if err != nil {
		finish("", fmt.Errorf("create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		finish("", fmt.Errorf("SSE connect: %w", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		finish("", &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: "SSE connect rejected"})
		return
	}

	connected := make(chan string, 1)
	go s.readLoop(resp, connected)
	if s.idleTimeout > 0 {
		go s.idleWatchdog(streamCtx, cancel)
	}

	select {
	case id, ok := <-connected:
		if !ok {
			finish("", errors.New("SSE stream ended before connect event"))
			return
		}
		finish(id, nil)
	case <-time.After(s.connectTimeout):
		finish("", errors.New("timed out waiting for SSE connect event"))
	}
}

type sseEvent struct {
	name string
	data bytes.Buffer
}

func (s *SSESubscriber) readLoop(resp *http.Response, connected chan<- string) {
	defer resp.Body.Close()

	sentConnect := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()

		s.mu.Lock()
		s.lastDataTime = time.Now()
		s.mu.Unlock()

		switch {
		case line == "":
			if ev.name == sseConnectEvent && !sentConnect {
				var payload struct {
					ClientID string `json:"clientId"`
				}
				if json.Unmarshal(ev.data.Bytes(), &payload) == nil && payload.ClientID != "" {
					sentConnect = true
					connected <- payload.ClientID
				}
			} else if ev.name != "" {
				s.dispatch(ev.name, ev.data.Bytes())
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if ev.data.Len() > 0 {
				ev.data.WriteByte('\n')
			}
			ev.data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if !sentConnect {
		close(connected)
	}

	cause := scanner.Err()
	if cause == nil {
		cause = io.EOF
	}

	s.mu.Lock()
	intentional := s.intentionalClose
	wasConnected := s.clientID != ""
	s.clientID = ""
	s.cancelFn = nil
	if !intentional {
		s.handlers = make(map[string]map[uint64]func(RealtimeMessage))
	}
	s.mu.Unlock()

	if intentional || !wasConnected {
		return
	}
	s.logger.Debug("SSE stream ended", "error", cause)
	s.lost.notify(fmt.Errorf("SSE stream ended: %w", cause))
}

func (s *SSESubscriber) dispatch(topic string, data []byte) {
	msg, err := decodeNotification(topic, data)
	if err != nil {
		s.logger.Debug("dropping undecodable realtime event", "topic", topic, "error", err)
		return
	}
	s.mu.Lock()
	hs := make([]func(RealtimeMessage), 0, len(s.handlers[topic]))
	for _, h := range s.handlers[topic] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (s *SSESubscriber) idleWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.idleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastDataTime) > s.idleTimeout
			s.mu.Unlock()
			if stale {
				cancel()
				return
			}
		}
	}
}

func (s *SSESubscriber) postSubscriptions(ctx context.Context, clientID string, topics []string) error {
	body, err := json.Marshal(map[string]any{
		"clientId":      clientID,
		"subscriptions": topics,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/realtime", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("set subscriptions: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, data)
	}
	return nil
}
