package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// ============================================================================
// NATS transport
// ============================================================================

const DefaultSubjectPrefix = "offsync.realtime."

// NATSSubscriber maps topics to NATS subjects under a prefix.
type NATSSubscriber struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	lost listeners[error]
}

type NATSOption func(*NATSSubscriber)

func WithSubjectPrefix(prefix string) NATSOption {
	return func(s *NATSSubscriber) { s.prefix = prefix }
}

func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(s *NATSSubscriber) { s.logger = logger }
}

// NewNATSSubscriber wraps an established connection. It installs the
// connection's disconnect handler to report losses.
func NewNATSSubscriber(nc *nats.Conn, opts ...NATSOption) *NATSSubscriber {
	s := &NATSSubscriber{
		nc:     nc,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		s.lost.notify(fmt.Errorf("nats disconnected: %w", err))
	})
	return s
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func (s *NATSSubscriber) OnConnectionLost(fn func(error)) {
	s.lost.add(fn)
}

// Subject returns the subject topic is published on.
func (s *NATSSubscriber) Subject(topic string) string {
	return s.prefix + topic
}

func (s *NATSSubscriber) Subscribe(ctx context.Context, topic string, handler func(RealtimeMessage)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.nc.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}
	sub, err := s.nc.Subscribe(s.Subject(topic), func(m *nats.Msg) {
		msg, err := decodeNotification(topic, m.Data)
		if err != nil {
			s.logger.Debug("dropping undecodable realtime message", "topic", topic, "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.Subject(topic), err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && s.nc.IsConnected() {
				s.logger.Debug("nats unsubscribe failed", "topic", topic, "error", err)
			}
		})
	}, nil
}

// PublishNotification publishes msg on topic in the backend's notification format.
func PublishNotification(nc *nats.Conn, prefix, topic string, msg RealtimeMessage) error {
	data, err := json.Marshal(notificationWire{
		Message:  msg.Text,
		Variant:  string(msg.Severity),
		Duration: msg.DurationHint.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return nc.Publish(prefix+topic, data)
}
