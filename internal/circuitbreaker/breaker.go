package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// MaxRequests is the number of trial calls let through while half-open.
	// That many consecutive successes close the breaker again.
	MaxRequests uint32

	// Interval is how often the closed-state counts are cleared.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// Threshold is the minimum number of calls in an interval before the
	// failure ratio is evaluated.
	Threshold uint32

	// FailureRatio at or above which the breaker opens.
	FailureRatio float64

	// IsFailure classifies a returned error. Nil means every non-nil error
	// counts. A backend answering "not found" is healthy and should not trip.
	IsFailure func(error) bool

	// OnStateChange is called with the lock held; keep it cheap.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		Threshold:    10,
		FailureRatio: 0.5,
	}
}

// CircuitBreaker guards calls to a single backend.
type CircuitBreaker struct {
	config Config

	mu       sync.Mutex
	state    State
	expiry   time.Time
	inFlight uint32 // half-open trial calls admitted
	total    uint32
	failures uint32
	streak   uint32 // half-open consecutive successes
}

// New creates a new circuit breaker
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	cb := &CircuitBreaker{config: c}
	cb.expiry = time.Now().Add(c.Interval)
	return cb
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	return cb.state
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(time.Now())
	switch cb.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refresh(now)
	switch cb.state {
	case StateClosed:
		cb.total++
		if failed {
			cb.failures++
		}
		if cb.total >= cb.config.Threshold &&
			float64(cb.failures)/float64(cb.total) >= cb.config.FailureRatio {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if failed {
			cb.transition(StateOpen, now)
			return
		}
		cb.streak++
		if cb.streak >= cb.config.MaxRequests {
			cb.transition(StateClosed, now)
		}
	}
}

// refresh applies time-based transitions. Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateClosed:
		if cb.expiry.Before(now) {
			cb.total, cb.failures = 0, 0
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	cb.state = to
	cb.total, cb.failures, cb.inFlight, cb.streak = 0, 0, 0, 0
	switch to {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Errors
var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejection reports whether err came from the breaker rather than from
// the protected call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}
