package offsync

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ============================================================================
// Reconnection Scheduler
// ============================================================================

// SchedulerConfig configures a ReconnectionScheduler.
type SchedulerConfig struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int // 0 means unlimited
	JitterRange time.Duration
}

// DefaultSchedulerConfig returns the defaults used when a component is not
// given an explicit scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 10,
		JitterRange: 500 * time.Millisecond,
	}
}

func (c SchedulerConfig) isZero() bool {
	return c == SchedulerConfig{}
}

// Validate reports configuration errors. A zero config is not valid; use
// DefaultSchedulerConfig instead.
func (c SchedulerConfig) Validate() error {
	switch {
	case c.MinBackoff <= 0:
		return fmt.Errorf("%w: min backoff must be positive, got %s", ErrInvalidConfig, c.MinBackoff)
	case c.MaxBackoff < c.MinBackoff:
		return fmt.Errorf("%w: max backoff %s is below min backoff %s", ErrInvalidConfig, c.MaxBackoff, c.MinBackoff)
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidConfig)
	case c.JitterRange < 0:
		return fmt.Errorf("%w: jitter range must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ReconnectionScheduler arms one-shot timers with exponentially growing
// delays. A new Schedule call supersedes the pending timer instead of
// stacking another one.
type ReconnectionScheduler struct {
	cfg SchedulerConfig

	mu       sync.Mutex
	curve    *backoff.ExponentialBackOff
	attempts int
	timer    *time.Timer
	gen      uint64
}

// NewReconnectionScheduler validates cfg and returns an idle scheduler.
func NewReconnectionScheduler(cfg SchedulerConfig) (*ReconnectionScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ReconnectionScheduler{
		cfg: cfg,
		curve: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.MinBackoff,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         cfg.MaxBackoff,
		},
	}, nil
}

// Schedule arms a timer that runs action after the next backoff delay and
// returns that delay. Once MaxAttempts timers have been armed it refuses
// with ErrMaxAttemptsReached until Reset.
func (s *ReconnectionScheduler) Schedule(action func()) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
		return 0, ErrMaxAttemptsReached
	}

	s.stopLocked()

	delay := s.curve.NextBackOff()
	if s.cfg.JitterRange > 0 {
		delay += rand.N(s.cfg.JitterRange)
	}
	s.attempts++

	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.gen++
		s.mu.Unlock()
		action()
	})
	return delay, nil
}

// Reset zeroes the attempt count and cancels any pending timer.
func (s *ReconnectionScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.attempts = 0
	s.curve.Reset()
}

// Clear cancels any pending timer but keeps the attempt count.
func (s *ReconnectionScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *ReconnectionScheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a timer is armed.
func (s *ReconnectionScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Exhausted reports whether Schedule would currently refuse.
func (s *ReconnectionScheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts
}

func (s *ReconnectionScheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// invalidates a callback that already fired but has not taken the lock
	s.gen++
}
