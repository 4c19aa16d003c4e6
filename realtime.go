package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Transport contracts
// ============================================================================

//go:generate mockgen -destination=mocks/mock_subscriber.go -package=mocks github.com/Prismer-AI/offsync Subscriber

// Subscriber opens a push subscription on the remote service. The returned
// func tears the subscription down and must be safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(RealtimeMessage)) (unsubscribe func(), err error)
}

// LossNotifier is implemented by transports that can tell when their
// underlying connection dropped.
type LossNotifier interface {
	OnConnectionLost(fn func(error))
}

// NotificationSink receives every realtime message.
type NotificationSink interface {
	Notify(msg RealtimeMessage)
}

// NotificationSinkFunc adapts a function to NotificationSink.
type NotificationSinkFunc func(RealtimeMessage)

func (f NotificationSinkFunc) Notify(msg RealtimeMessage) { f(msg) }

// TopicProvider computes the topic set at initialization time.
type TopicProvider func() []string

// UserTopics is the default topic set: the broadcast topic plus the
// per-user topic when userID is known.
func UserTopics(userID string) TopicProvider {
	return func() []string {
		topics := []string{"notifications"}
		if userID != "" {
			topics = append(topics, "notifications:"+userID)
		}
		return topics
	}
}

// StaticTopics always returns topics.
func StaticTopics(topics ...string) TopicProvider {
	return func() []string { return slices.Clone(topics) }
}

// decodeNotification turns a published notification body into a message.
func decodeNotification(topic string, data []byte) (RealtimeMessage, error) {
	var w notificationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return RealtimeMessage{}, fmt.Errorf("decode notification on %s: %w", topic, err)
	}
	return RealtimeMessage{
		Topic:        topic,
		Text:         w.Message,
		Severity:     Severity(w.Variant),
		DurationHint: time.Duration(w.Duration) * time.Millisecond,
	}, nil
}

// ============================================================================
// Realtime Channel Manager
// ============================================================================

// TopicState is the lifecycle state of one topic subscription.
type TopicState string

const (
	TopicUnsubscribed TopicState = "unsubscribed"
	TopicConnecting   TopicState = "connecting"
	TopicConnected    TopicState = "connected"
	TopicError        TopicState = "error"
	TopicDisconnected TopicState = "disconnected"
)

// RealtimeOptions configures a RealtimeChannelManager. The zero value is usable.
type RealtimeOptions struct {
	Topics    TopicProvider
	Sink      NotificationSink
	Scheduler SchedulerConfig
	Logger    *slog.Logger
	Emitter   *Emitter
	Metrics   MetricsCollector
}

type topicEntry struct {
	state       TopicState
	gen         uint64
	unsubscribe func()
}

// RealtimeChannelManager keeps push-topic subscriptions alive across
// disconnects. Topics that cannot be subscribed are queued and flushed when
// connectivity returns or the backoff timer fires.
type RealtimeChannelManager struct {
	sub       Subscriber
	monitor   *ConnectivityMonitor
	scheduler *ReconnectionScheduler
	topics    TopicProvider
	sink      NotificationSink
	logger    *slog.Logger
	emitter   *Emitter
	metrics   MetricsCollector

	mu          sync.Mutex
	entries     map[string]*topicEntry
	pending     []string
	gen         uint64
	initialized bool
	closed      bool
	unobserve   []func()
}

// NewRealtimeChannelManager wires sub to monitor. opts may be nil.
func NewRealtimeChannelManager(sub Subscriber, monitor *ConnectivityMonitor, opts *RealtimeOptions) (*RealtimeChannelManager, error) {
	if sub == nil || monitor == nil {
		return nil, fmt.Errorf("%w: realtime manager needs a subscriber and a connectivity monitor", ErrInvalidConfig)
	}
	if opts == nil {
		opts = &RealtimeOptions{}
	}
	schedCfg := opts.Scheduler
	if schedCfg.isZero() {
		schedCfg = DefaultSchedulerConfig()
	}
	scheduler, err := NewReconnectionScheduler(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	m := &RealtimeChannelManager{
		sub:       sub,
		monitor:   monitor,
		scheduler: scheduler,
		topics:    opts.Topics,
		sink:      opts.Sink,
		logger:    opts.Logger,
		emitter:   opts.Emitter,
		metrics:   opts.Metrics,
		entries:   make(map[string]*topicEntry),
	}
	if m.topics == nil {
		m.topics = UserTopics("")
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "realtime")
	if m.metrics == nil {
		m.metrics = NopMetrics{}
	}

	m.unobserve = append(m.unobserve,
		monitor.OnRestored(m.handleRestored),
		monitor.OnLost(m.handleLost),
	)
	if ln, ok := sub.(LossNotifier); ok {
		ln.OnConnectionLost(m.HandleTransportLost)
	}
	return m, nil
}

// SubscribeTopic subscribes to topic. While offline the topic is queued and
// nil is returned. A failed subscription is queued, a retry scheduled and
// the error returned.
func (m *RealtimeChannelManager) SubscribeTopic(ctx context.Context, topic string) error {
	_, err := m.subscribe(ctx, topic, true)
	return err
}

// subscribe reports whether the subscription was opened.
func (m *RealtimeChannelManager) subscribe(ctx context.Context, topic string, scheduleOnFailure bool) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, fmt.Errorf("realtime manager closed")
	}
	e := m.entryLocked(topic)
	if e.state == TopicConnecting || e.state == TopicConnected {
		m.mu.Unlock()
		return true, nil
	}
	if !m.monitor.IsOnline() {
		m.enqueueLocked(topic)
		m.mu.Unlock()
		m.logger.Debug("offline, topic queued", "topic", topic)
		return false, nil
	}
	m.gen++
	gen := m.gen
	e.gen = gen
	e.state = TopicConnecting
	m.mu.Unlock()
	m.publishState(topic, TopicConnecting, nil)

	unsubscribe, err := m.sub.Subscribe(ctx, topic, func(msg RealtimeMessage) {
		m.deliver(topic, gen, msg)
	})
	if err != nil {
		m.mu.Lock()
		if cur := m.entries[topic]; cur != nil && cur.gen == gen {
			cur.state = TopicError
			m.enqueueLocked(topic)
		}
		m.mu.Unlock()
		m.metrics.IncRealtimeSubscribeError(topic)
		if m.monitor.IsOnline() {
			m.logger.Warn("topic subscription failed", "topic", topic, "error", err)
		} else {
			m.logger.Debug("topic subscription failed while offline", "topic", topic, "error", err)
		}
		m.publishState(topic, TopicError, err)
		if scheduleOnFailure {
			m.scheduleFlush()
		}
		return false, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	cur := m.entries[topic]
	if cur == nil || cur.gen != gen || m.closed {
		// unsubscribed or superseded while the call was in flight
		m.mu.Unlock()
		unsubscribe()
		return false, nil
	}
	cur.unsubscribe = unsubscribe
	m.dequeueLocked(topic)
	m.mu.Unlock()
	m.logger.Debug("topic subscribed", "topic", topic)
	return true, nil
}

// UnsubscribeTopic tears down topic. It is a no-op for unknown topics.
func (m *RealtimeChannelManager) UnsubscribeTopic(topic string) {
	m.mu.Lock()
	m.dequeueLocked(topic)
	e, ok := m.entries[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, topic)
	unsubscribe := e.unsubscribe
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.publishState(topic, TopicUnsubscribed, nil)
}

// Initialize subscribes to every topic of the provider plus any queued
// topic. It succeeds when at least one topic subscribes; otherwise a retry is
// scheduled and ErrRealtimeUnavailable returned.
func (m *RealtimeChannelManager) Initialize(ctx context.Context) error {
	topics := m.topics()
	m.mu.Lock()
	for _, topic := range m.pending {
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	m.mu.Unlock()
	if len(topics) == 0 {
		m.setInitialized(true)
		return nil
	}

	opened := 0
	var errs []error
	for _, topic := range topics {
		ok, err := m.subscribe(ctx, topic, false)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			opened++
		}
	}

	if opened > 0 {
		m.setInitialized(true)
		if len(errs) > 0 {
			m.scheduleFlush()
		}
		m.logger.Info("realtime initialized", "topics", len(topics), "subscribed", opened)
		return nil
	}

	m.setInitialized(false)
	m.scheduleInitialize()
	if len(errs) == 0 {
		return fmt.Errorf("%w: offline", ErrRealtimeUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrRealtimeUnavailable, errors.Join(errs...))
}

// Reconnect drops every subscription and initializes again. Topics that were
// subscribed outside the provider are carried over.
func (m *RealtimeChannelManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	var teardown []func()
	for topic, e := range m.entries {
		if e.unsubscribe != nil {
			teardown = append(teardown, e.unsubscribe)
		}
		delete(m.entries, topic)
		m.enqueueLocked(topic)
	}
	m.initialized = false
	m.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	m.scheduler.Reset()
	m.logger.Info("realtime reconnecting")
	return m.Initialize(ctx)
}

// HandleTransportLost marks every live topic disconnected after the
// transport dropped and schedules a resubscription.
func (m *RealtimeChannelManager) HandleTransportLost(err error) {
	changed := m.disconnectAll()
	if len(changed) == 0 {
		return
	}
	m.logger.Warn("realtime transport lost", "error", err, "topics", len(changed))
	m.monitor.ReportFailure()
	m.scheduleFlush()
}

// State returns the state of topic.
func (m *RealtimeChannelManager) State(topic string) TopicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[topic]; ok {
		return e.state
	}
	return TopicUnsubscribed
}

// Topics returns the state of every known topic.
func (m *RealtimeChannelManager) Topics() map[string]TopicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TopicState, len(m.entries))
	for topic, e := range m.entries {
		out[topic] = e.state
	}
	return out
}

// PendingTopics returns the queued topics in queue order.
func (m *RealtimeChannelManager) PendingTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending)
}

func (m *RealtimeChannelManager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Close tears everything down. The manager cannot be reused.
func (m *RealtimeChannelManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var teardown []func()
	for _, e := range m.entries {
		if e.unsubscribe != nil {
			teardown = append(teardown, e.unsubscribe)
		}
	}
	m.entries = make(map[string]*topicEntry)
	m.pending = nil
	unobserve := m.unobserve
	m.unobserve = nil
	m.mu.Unlock()

	for _, fn := range unobserve {
		fn()
	}
	m.scheduler.Clear()
	for _, fn := range teardown {
		fn()
	}
}

// ── internals ────────────────────────────────────────────

func (m *RealtimeChannelManager) deliver(topic string, gen uint64, msg RealtimeMessage) {
	m.mu.Lock()
	e, ok := m.entries[topic]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	first := e.state != TopicConnected
	e.state = TopicConnected
	m.mu.Unlock()

	if first {
		m.scheduler.Reset()
		m.publishState(topic, TopicConnected, nil)
	}
	if msg.Topic == "" {
		msg.Topic = topic
	}
	m.metrics.IncRealtimeMessage(topic)
	if m.sink != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("notification sink panicked", "topic", topic, "panic", r)
				}
			}()
			m.sink.Notify(msg)
		}()
	}
	m.emitter.emit(EventRealtimeMessage, msg)
}

// flushPending retries every queued topic once.
func (m *RealtimeChannelManager) flushPending(ctx context.Context) {
	if !m.monitor.IsOnline() {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	topics := slices.Clone(m.pending)
	m.mu.Unlock()
	if len(topics) == 0 {
		return
	}

	opened, failed := 0, 0
	for _, topic := range topics {
		ok, err := m.subscribe(ctx, topic, false)
		if err != nil {
			failed++
		}
		if ok {
			opened++
		}
	}
	if opened > 0 {
		m.setInitialized(true)
	}
	if failed > 0 {
		m.scheduleFlush()
	}
}

func (m *RealtimeChannelManager) handleRestored() {
	m.scheduler.Reset()
	go func() {
		if m.Initialized() {
			m.flushPending(context.Background())
			return
		}
		if err := m.Initialize(context.Background()); err != nil {
			m.logger.Debug("realtime initialize after restore failed", "error", err)
		}
	}()
}

func (m *RealtimeChannelManager) handleLost() {
	// retrying while offline only burns attempts
	m.scheduler.Clear()
	m.disconnectAll()
}

// disconnectAll moves live and errored topics to disconnected and queues them.
func (m *RealtimeChannelManager) disconnectAll() []string {
	m.mu.Lock()
	var changed []string
	var teardown []func()
	for topic, e := range m.entries {
		switch e.state {
		case TopicConnecting, TopicConnected, TopicError:
		default:
			continue
		}
		if e.unsubscribe != nil {
			teardown = append(teardown, e.unsubscribe)
			e.unsubscribe = nil
		}
		m.gen++
		e.gen = m.gen
		e.state = TopicDisconnected
		m.enqueueLocked(topic)
		changed = append(changed, topic)
	}
	m.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	for _, topic := range changed {
		m.publishState(topic, TopicDisconnected, nil)
	}
	return changed
}

func (m *RealtimeChannelManager) scheduleFlush() {
	m.schedule(func() { m.flushPending(context.Background()) })
}

func (m *RealtimeChannelManager) scheduleInitialize() {
	m.schedule(func() {
		if err := m.Initialize(context.Background()); err != nil {
			m.logger.Debug("realtime initialize retry failed", "error", err)
		}
	})
}

func (m *RealtimeChannelManager) schedule(action func()) {
	if m.isClosed() || !m.monitor.IsOnline() {
		return
	}
	delay, err := m.scheduler.Schedule(action)
	if errors.Is(err, ErrMaxAttemptsReached) {
		m.logger.Error("realtime reconnect attempts exhausted", "attempts", m.scheduler.Attempts())
		m.metrics.IncRetryExhausted("realtime")
		m.emitter.emit(EventRealtimeStatus, TopicStatus{State: TopicError, Error: err.Error()})
		return
	}
	m.logger.Debug("realtime retry scheduled", "delay", delay, "attempt", m.scheduler.Attempts())
}

func (m *RealtimeChannelManager) publishState(topic string, state TopicState, err error) {
	status := TopicStatus{Topic: topic, State: state}
	if err != nil {
		status.Error = err.Error()
	}
	m.emitter.emit(EventRealtimeStatus, status)
}

func (m *RealtimeChannelManager) entryLocked(topic string) *topicEntry {
	e, ok := m.entries[topic]
	if !ok {
		e = &topicEntry{state: TopicUnsubscribed}
		m.entries[topic] = e
	}
	return e
}

func (m *RealtimeChannelManager) enqueueLocked(topic string) {
	if !slices.Contains(m.pending, topic) {
		m.pending = append(m.pending, topic)
	}
}

func (m *RealtimeChannelManager) dequeueLocked(topic string) {
	m.pending = slices.DeleteFunc(m.pending, func(t string) bool { return t == topic })
}

func (m *RealtimeChannelManager) setInitialized(v bool) {
	m.mu.Lock()
	m.initialized = v
	m.mu.Unlock()
}

func (m *RealtimeChannelManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
