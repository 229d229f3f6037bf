package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
)

// circuitState is the lifecycle state of a dialCircuitBreaker.
type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half-open"
)

// dialCircuitBreaker trips after a run of consecutive dial failures against
// one channel endpoint and blocks further dial attempts for resetTimeout,
// so a down exchange endpoint doesn't get hammered by every retrying group
// on each reconnect/cleanup tick. One breaker is shared by every group on
// the same channel (market or user), since the failure it tracks belongs to
// the endpoint, not to any single group.
type dialCircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu           sync.Mutex
	state        circuitState
	failures     int
	lastFailTime time.Time
	halfOpenUsed bool
}

// newDialCircuitBreaker returns a breaker that opens after maxFailures
// consecutive dial failures and probes again after resetTimeout.
func newDialCircuitBreaker(maxFailures int, resetTimeout time.Duration) *dialCircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &dialCircuitBreaker{maxFailures: maxFailures, resetTimeout: resetTimeout, state: circuitClosed}
}

// circuitBreakerDialer wraps a Dialer so every Dial call is gated by a
// shared dialCircuitBreaker before reaching the underlying transport.
type circuitBreakerDialer struct {
	dialer Dialer
	cb     *dialCircuitBreaker
}

func newCircuitBreakerDialer(d Dialer, cb *dialCircuitBreaker) *circuitBreakerDialer {
	return &circuitBreakerDialer{dialer: d, cb: cb}
}

func (d *circuitBreakerDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if err := d.cb.beforeDial(); err != nil {
		return nil, err
	}
	conn, err := d.dialer.Dial(ctx, url)
	d.cb.afterDial(err)
	return conn, err
}

func (cb *dialCircuitBreaker) beforeDial() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailTime) < cb.resetTimeout {
			return coreerrors.ErrCircuitOpen
		}
		cb.state = circuitHalfOpen
		cb.halfOpenUsed = false
		fallthrough
	case circuitHalfOpen:
		if cb.halfOpenUsed {
			return coreerrors.ErrCircuitOpen
		}
		cb.halfOpenUsed = true
		return nil
	default:
		return nil
	}
}

func (cb *dialCircuitBreaker) afterDial(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}

	cb.lastFailTime = time.Now()
	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State reports the breaker's current state, for diagnostics and tests.
func (cb *dialCircuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
