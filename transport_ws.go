package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket transport
// ============================================================================

// RealtimeEnvelope is the wire format of server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

const (
	wsAuthenticated = "authenticated"
	wsNotification  = "notification"
	wsSubscribe     = "subscribe"
	wsUnsubscribe   = "unsubscribe"

	DefaultHeartbeatInterval = 25 * time.Second
	wsPingTimeout            = 10 * time.Second
)

// WSSubscriber multiplexes topic subscriptions over one WebSocket.
type WSSubscriber struct {
	baseURL           string
	token             string
	heartbeatInterval time.Duration
	dialOptions       *websocket.DialOptions
	logger            *slog.Logger

	dialMu sync.Mutex // serializes dials

	mu               sync.Mutex
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	intentionalClose bool
	handlers         map[string]map[uint64]func(RealtimeMessage)
	nextHandler      uint64

	lost listeners[error]
}

type WSOption func(*WSSubscriber)

func WithWSToken(token string) WSOption {
	return func(ws *WSSubscriber) { ws.token = token }
}

func WithWSHeartbeat(interval time.Duration) WSOption {
	return func(ws *WSSubscriber) { ws.heartbeatInterval = interval }
}

func WithWSDialOptions(opts *websocket.DialOptions) WSOption {
	return func(ws *WSSubscriber) { ws.dialOptions = opts }
}

func WithWSLogger(logger *slog.Logger) WSOption {
	return func(ws *WSSubscriber) { ws.logger = logger }
}

// NewWSSubscriber creates a transport for baseURL (http(s) or ws(s) scheme).
func NewWSSubscriber(baseURL string, opts ...WSOption) *WSSubscriber {
	ws := &WSSubscriber{
		baseURL:           strings.TrimRight(baseURL, "/"),
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            slog.Default(),
		handlers:          make(map[string]map[uint64]func(RealtimeMessage)),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

func (ws *WSSubscriber) OnConnectionLost(fn func(error)) {
	ws.lost.add(fn)
}

// Subscribe sends a subscribe command for topic. Each call adds its own
// handler; the unsubscribe command goes out when the topic's last handler
// is removed.
func (ws *WSSubscriber) Subscribe(ctx context.Context, topic string, handler func(RealtimeMessage)) (func(), error) {
	if err := ws.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ws.mu.Lock()
	ws.nextHandler++
	id := ws.nextHandler
	if ws.handlers[topic] == nil {
		ws.handlers[topic] = make(map[uint64]func(RealtimeMessage))
	}
	ws.handlers[topic][id] = handler
	ws.mu.Unlock()

	if err := ws.send(ctx, &RealtimeCommand{Type: wsSubscribe, Topic: topic}); err != nil {
		ws.removeHandler(topic, id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !ws.removeHandler(topic, id) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsPingTimeout)
			defer cancel()
			if err := ws.send(ctx, &RealtimeCommand{Type: wsUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrNotConnected) {
				ws.logger.Debug("unsubscribe command failed", "topic", topic, "error", err)
			}
		})
	}, nil
}

// removeHandler reports whether the topic lost its last handler.
func (ws *WSSubscriber) removeHandler(topic string, id uint64) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	hs, ok := ws.handlers[topic]
	if !ok {
		return false
	}
	delete(hs, id)
	if len(hs) > 0 {
		return false
	}
	delete(ws.handlers, topic)
	return true
}

// Disconnect gracefully closes the connection.
func (ws *WSSubscriber) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.handlers = make(map[string]map[uint64]func(RealtimeMessage))
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (ws *WSSubscriber) endpoint() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if ws.token != "" {
		u += "?token=" + url.QueryEscape(ws.token)
	}
	return u
}

func (ws *WSSubscriber) ensureConnected(ctx context.Context) error {
	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.Lock()
	connected := ws.conn != nil
	ws.mu.Unlock()
	if connected {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, ws.endpoint(), ws.dialOptions)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// the server greets with "authenticated" before anything else
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != wsAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected '%s', got '%s'", wsAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	ws.intentionalClose = false
	ws.mu.Unlock()

	go ws.readLoop(connCtx, conn)
	if ws.heartbeatInterval > 0 {
		go ws.heartbeatLoop(connCtx, conn)
	}
	return nil
}

func (ws *WSSubscriber) send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSSubscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.handlers = make(map[string]map[uint64]func(RealtimeMessage))
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}
			ws.logger.Debug("websocket read failed", "error", err)
			ws.lost.notify(fmt.Errorf("websocket closed: %w", err))
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != wsNotification {
			continue
		}
		msg, err := decodeNotification(env.Topic, env.Payload)
		if err != nil {
			ws.logger.Debug("dropping undecodable realtime frame", "topic", env.Topic, "error", err)
			continue
		}
		ws.mu.Lock()
		hs := make([]func(RealtimeMessage), 0, len(ws.handlers[env.Topic]))
		for _, h := range ws.handlers[env.Topic] {
			hs = append(hs, h)
		}
		ws.mu.Unlock()
		for _, h := range hs {
			h(msg)
		}
	}
}

func (ws *WSSubscriber) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// heartbeat failed; closing makes readLoop report the loss
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
