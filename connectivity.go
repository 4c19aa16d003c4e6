package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Connectivity Monitor
// ============================================================================

const (
	DefaultFailureThreshold = 3
	DefaultProbeTimeout     = 3 * time.Second
)

//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks github.com/Prismer-AI/offsync Prober

// Prober issues a cheap request against the remote service.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// MonitorOptions configures a ConnectivityMonitor.
type MonitorOptions struct {
	FailureThreshold int
	ProbeTimeout     time.Duration
	Prober           Prober
	// ProbeOnResume runs a background probe after visibility is regained.
	ProbeOnResume bool
	// StartOffline starts the monitor with the platform flag down.
	StartOffline bool
	Logger       *slog.Logger
	Emitter      *Emitter
	Metrics      MetricsCollector
}

// ConnectivityState is a snapshot of the monitor.
type ConnectivityState struct {
	Online              bool      `json:"isOnline"`
	PlatformOnline      bool      `json:"platformOnline"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck"`
	SimulatedOffline    bool      `json:"simulatedOffline"`
}

// ConnectivityMonitor is the single source of truth for network reachability.
// It combines platform signals, reported request outcomes and a diagnostic
// offline override. Every flip of the effective state is published once.
type ConnectivityMonitor struct {
	threshold     int
	probeTimeout  time.Duration
	prober        Prober
	probeOnResume bool
	logger        *slog.Logger
	emitter       *Emitter
	metrics       MetricsCollector

	mu             sync.Mutex
	platformOnline bool
	online         bool
	failures       int
	lastCheck      time.Time
	simulated      bool

	// publishMu orders publication; published is the last state observers saw.
	publishMu sync.Mutex
	published bool

	changes listeners[ConnectivityChange]
}

// NewConnectivityMonitor creates a monitor. opts may be nil.
func NewConnectivityMonitor(opts *MonitorOptions) (*ConnectivityMonitor, error) {
	if opts == nil {
		opts = &MonitorOptions{}
	}
	if opts.FailureThreshold < 0 || opts.ProbeTimeout < 0 {
		return nil, fmt.Errorf("%w: negative failure threshold or probe timeout", ErrInvalidConfig)
	}
	m := &ConnectivityMonitor{
		threshold:      opts.FailureThreshold,
		probeTimeout:   opts.ProbeTimeout,
		prober:         opts.Prober,
		probeOnResume:  opts.ProbeOnResume,
		logger:         opts.Logger,
		emitter:        opts.Emitter,
		metrics:        opts.Metrics,
		platformOnline: !opts.StartOffline,
		online:         !opts.StartOffline,
		published:      !opts.StartOffline,
	}
	if m.threshold == 0 {
		m.threshold = DefaultFailureThreshold
	}
	if m.probeTimeout == 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = NopMetrics{}
	}
	return m, nil
}

// IsOnline is false whenever simulated offline is active.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

func (m *ConnectivityMonitor) effectiveLocked() bool {
	return m.online && !m.simulated
}

// State returns a snapshot of the monitor.
func (m *ConnectivityMonitor) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectivityState{
		Online:              m.effectiveLocked(),
		PlatformOnline:      m.platformOnline,
		ConsecutiveFailures: m.failures,
		LastCheck:           m.lastCheck,
		SimulatedOffline:    m.simulated,
	}
}

// OnChange registers fn for every effective flip and returns a func removing it.
func (m *ConnectivityMonitor) OnChange(fn func(ConnectivityChange)) func() {
	return m.changes.add(fn)
}

// OnRestored registers fn for offline→online flips only.
func (m *ConnectivityMonitor) OnRestored(fn func()) func() {
	return m.changes.add(func(c ConnectivityChange) {
		if c.Online {
			fn()
		}
	})
}

// OnLost registers fn for online→offline flips only.
func (m *ConnectivityMonitor) OnLost(fn func()) func() {
	return m.changes.add(func(c ConnectivityChange) {
		if !c.Online {
			fn()
		}
	})
}

// ReportFailure records a failed request. Reaching the threshold while
// online flips the monitor offline.
func (m *ConnectivityMonitor) ReportFailure() {
	m.transition("consecutive failures", func() {
		m.failures++
		if m.failures >= m.threshold {
			m.online = false
		}
	})
}

// ReportSuccess records a successful request and brings the monitor back online.
func (m *ConnectivityMonitor) ReportSuccess() {
	m.transition("request succeeded", func() {
		m.failures = 0
		m.online = true
	})
}

// HandlePlatformOnline consumes the platform's online event.
func (m *ConnectivityMonitor) HandlePlatformOnline() {
	m.transition("platform online", func() {
		m.platformOnline = true
		m.online = true
		m.failures = 0
	})
}

// HandlePlatformOffline consumes the platform's offline event.
func (m *ConnectivityMonitor) HandlePlatformOffline() {
	m.transition("platform offline", func() {
		m.platformOnline = false
		m.online = false
	})
}

// HandleVisibilityRegained resyncs the internal flag with the platform flag
// and, when configured, probes in the background.
func (m *ConnectivityMonitor) HandleVisibilityRegained(ctx context.Context) {
	m.transition("visibility regained", func() {
		m.online = m.platformOnline
		if m.online {
			m.failures = 0
		}
	})
	if m.probeOnResume && m.prober != nil {
		go m.CheckConnectivity(context.WithoutCancel(ctx))
	}
}

// SetSimulatedOffline toggles the diagnostic offline override.
func (m *ConnectivityMonitor) SetSimulatedOffline(enabled bool) {
	m.transition("simulated offline toggled", func() {
		m.simulated = enabled
	})
}

// CheckConnectivity trusts the platform flag when it is up, otherwise runs a
// timeout-bounded probe before concluding offline.
func (m *ConnectivityMonitor) CheckConnectivity(ctx context.Context) bool {
	m.mu.Lock()
	simulated, platform := m.simulated, m.platformOnline
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if simulated {
		return false
	}
	if platform {
		return m.IsOnline()
	}
	if m.prober == nil {
		return false
	}

	if err := m.probe(ctx); err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		return false
	}
	m.markProbeSucceeded()
	return m.IsOnline()
}

// Watch probes every interval until ctx is done. A failed probe counts as a
// reported failure and a successful one restores the connection, so hosts
// without platform signals still notice outages and recoveries.
func (m *ConnectivityMonitor) Watch(ctx context.Context, interval time.Duration) {
	if m.prober == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			simulated := m.simulated
			m.lastCheck = time.Now()
			m.mu.Unlock()
			if simulated {
				continue
			}
			if err := m.probe(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Debug("connectivity probe failed", "error", err)
				m.ReportFailure()
				continue
			}
			m.markProbeSucceeded()
		}
	}
}

func (m *ConnectivityMonitor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return m.prober.Probe(probeCtx)
}

func (m *ConnectivityMonitor) markProbeSucceeded() {
	m.transition("probe succeeded", func() {
		m.platformOnline = true
		m.online = true
		m.failures = 0
	})
}

// transition applies mutate under the lock and publishes a change when the
// effective state flipped. Publications are serialized and always carry the
// current state, so the last change an observer sees matches IsOnline even
// when flips race.
func (m *ConnectivityMonitor) transition(reason string, mutate func()) {
	m.mu.Lock()
	before := m.effectiveLocked()
	mutate()
	after := m.effectiveLocked()
	m.mu.Unlock()

	if before == after {
		return
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	// a later flip may have overtaken this one; report only the current state
	if now := m.IsOnline(); now != after || now == m.published {
		return
	}
	m.published = after

	change := ConnectivityChange{Online: after, Reason: reason, At: time.Now()}
	if after {
		m.logger.Info("connection restored", "reason", reason)
	} else {
		m.logger.Warn("connection lost", "reason", reason)
	}
	m.metrics.IncConnectivityChange(after)
	m.changes.notify(change)
	m.emitter.emit(EventConnectivityChanged, change)
}
