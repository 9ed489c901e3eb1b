package link

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Acquire while the breaker refuses calls.
var ErrBreakerOpen = errors.New("link: circuit breaker open")

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome classifies a completed call.
type Outcome int

const (
	// OutcomeSuccess counts towards closing the breaker.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts against the peer.
	OutcomeFailure
	// OutcomeIgnored releases the call without recording it.
	OutcomeIgnored
)

// BreakerConfig tunes the breaker. Zero values take the defaults below.
type BreakerConfig struct {
	// WindowSize is the number of most recent recorded calls considered.
	WindowSize int
	// MinimumCalls must be recorded before the failure rate is evaluated.
	MinimumCalls int
	// FailureRateThreshold in (0, 1]; the breaker opens at or above it.
	FailureRateThreshold float64
	// SlowCallDuration marks a successful call as slow. Zero disables slow-call tracking.
	SlowCallDuration time.Duration
	// SlowCallRateThreshold in (0, 1]; the breaker opens at or above it.
	SlowCallRateThreshold float64
	// OpenDuration is the cool-down before a half-open probe is allowed.
	OpenDuration time.Duration
	// HalfOpenCalls is both the probe concurrency and the successes needed to close.
	HalfOpenCalls int
	// CallTimeout bounds each call independently of the packet expiry. Zero disables it.
	CallTimeout time.Duration
}

// DefaultBreakerConfig mirrors the defaults used for every link unless overridden.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:            100,
		MinimumCalls:          10,
		FailureRateThreshold:  0.5,
		SlowCallRateThreshold: 1,
		OpenDuration:          60 * time.Second,
		HalfOpenCalls:         3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = def.MinimumCalls
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 1 {
		c.SlowCallRateThreshold = def.SlowCallRateThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.HalfOpenCalls <= 0 {
		c.HalfOpenCalls = def.HalfOpenCalls
	}
	return c
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock injects the clock used for the cool-down.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a transition callback. It runs outside the breaker lock.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

type sample struct {
	failure bool
	slow    bool
}

// Breaker is a count-based rolling-window circuit breaker.
type Breaker struct {
	cfg           BreakerConfig
	now           func() time.Time
	onStateChange func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	gen      uint64
	window   []sample
	next     int
	filled   int
	openedAt time.Time

	probesInFlight int
	probeSuccesses int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.window = make([]sample, b.cfg.WindowSize)
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() BreakerConfig { return b.cfg }

// State returns the current state, promoting open to half-open once the cool-down elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to, changed := b.promoteLocked()
	state := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return state
}

// Acquire asks permission for one call. On success the returned function must be called
// exactly once with the call's outcome and duration.
func (b *Breaker) Acquire() (func(Outcome, time.Duration), error) {
	b.mu.Lock()
	from, to, changed := b.promoteLocked()
	switch b.state {
	case BreakerOpen:
		b.mu.Unlock()
		if changed {
			b.notify(from, to)
		}
		return nil, ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenCalls {
			b.mu.Unlock()
			if changed {
				b.notify(from, to)
			}
			return nil, ErrBreakerOpen
		}
		b.probesInFlight++
	}
	gen := b.gen
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}

	var once sync.Once
	return func(outcome Outcome, elapsed time.Duration) {
		once.Do(func() { b.record(gen, outcome, elapsed) })
	}, nil
}

func (b *Breaker) record(gen uint64, outcome Outcome, elapsed time.Duration) {
	slow := b.cfg.SlowCallDuration > 0 && elapsed >= b.cfg.SlowCallDuration

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	var (
		from, to BreakerState
		changed  bool
	)
	switch b.state {
	case BreakerHalfOpen:
		b.probesInFlight--
		switch {
		case outcome == OutcomeIgnored:
		case outcome == OutcomeFailure || slow:
			from, to, changed = b.transitionLocked(BreakerOpen)
		default:
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.HalfOpenCalls {
				from, to, changed = b.transitionLocked(BreakerClosed)
			}
		}
	case BreakerClosed:
		if outcome != OutcomeIgnored {
			b.window[b.next] = sample{failure: outcome == OutcomeFailure, slow: slow && outcome == OutcomeSuccess}
			b.next = (b.next + 1) % len(b.window)
			if b.filled < len(b.window) {
				b.filled++
			}
			if b.tripLocked() {
				from, to, changed = b.transitionLocked(BreakerOpen)
			}
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) tripLocked() bool {
	if b.filled < b.cfg.MinimumCalls {
		return false
	}
	var failures, slow int
	for i := 0; i < b.filled; i++ {
		s := b.window[i]
		if s.failure {
			failures++
		}
		if s.slow {
			slow++
		}
	}
	total := float64(b.filled)
	if float64(failures)/total >= b.cfg.FailureRateThreshold {
		return true
	}
	return b.cfg.SlowCallDuration > 0 && float64(slow)/total >= b.cfg.SlowCallRateThreshold
}

func (b *Breaker) promoteLocked() (BreakerState, BreakerState, bool) {
	if b.state == BreakerOpen && !b.now().Before(b.openedAt.Add(b.cfg.OpenDuration)) {
		return b.transitionLocked(BreakerHalfOpen)
	}
	return b.state, b.state, false
}

func (b *Breaker) transitionLocked(to BreakerState) (BreakerState, BreakerState, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.gen++
	b.next, b.filled = 0, 0
	b.probesInFlight, b.probeSuccesses = 0, 0
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	return from, to, true
}

func (b *Breaker) notify(from, to BreakerState) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// ForceOpen opens the breaker immediately.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	from, to, changed := b.transitionLocked(BreakerOpen)
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

// Reset closes the breaker and clears its window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to, changed := b.transitionLocked(BreakerClosed)
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}
