// Package circuitbreaker protects the aggregation pipeline from data sources that keep failing.
// A tripped source is skipped for a cool-down period so requests degrade immediately instead
// of waiting on per-call timeouts.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls are rejected
	StateHalfOpen              // Probing whether the source recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a CircuitBreaker.
type Options struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker
	FailureThreshold int

	// ResetDelay is how long the breaker stays open before probing again
	ResetDelay time.Duration

	// SuccessThreshold is the number of half-open successes required to close
	SuccessThreshold int

	// OnTrip is called asynchronously whenever the breaker opens
	OnTrip func(source, reason string)
}

// DefaultOptions returns sensible defaults for external HTTP data sources.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		ResetDelay:       30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker tracks consecutive failures of a single data source.
type CircuitBreaker struct {
	source string
	opts   Options

	mu           sync.RWMutex
	state        State
	lastTrip     time.Time
	failures     int
	successCount int
	now          func() time.Time
}

// New creates a closed CircuitBreaker for the named source.
func New(source string, opts Options) *CircuitBreaker {
	defaults := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaults.FailureThreshold
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = defaults.ResetDelay
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = defaults.SuccessThreshold
	}
	return &CircuitBreaker{
		source: source,
		opts:   opts,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call to the source may proceed. An open breaker whose reset delay
// has elapsed moves to half-open and lets the call through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) < cb.opts.ResetDelay {
		return fmt.Errorf("%s: %w", cb.source, ErrOpen)
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	logrus.WithField("source", cb.source).Info("Circuit breaker half-open: probing source")
	return nil
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.opts.SuccessThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.WithField("source", cb.source).Info("Circuit breaker closed: source recovered")
		}
	}
}

// RecordFailure registers a failed call and trips the breaker when the threshold is reached.
// Any failure while half-open reopens the breaker.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("probe failed: %v", err))
	case cb.state == StateClosed && cb.failures >= cb.opts.FailureThreshold:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	logrus.WithField("source", cb.source).Info("Circuit breaker manually reset to closed state")
}

// trip sets the circuit breaker to open state with the current time. Caller holds mu.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.WithFields(logrus.Fields{
		"source": cb.source,
		"reason": reason,
	}).Warn("Circuit breaker tripped")

	if cb.opts.OnTrip != nil {
		go cb.opts.OnTrip(cb.source, reason)
	}
}

// Set lazily creates one breaker per data source, all sharing the same options.
type Set struct {
	opts     Options
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewSet creates an empty breaker set.
func NewSet(opts Options) *Set {
	return &Set{opts: opts, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for source, creating it on first use.
func (s *Set) Get(source string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[source]
	if !ok {
		cb = New(source, s.opts)
		s.breakers[source] = cb
	}
	return cb
}

// States returns the current state of every known source, for status reporting.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = s.Get(name).GetState().String()
	}
	return out
}
