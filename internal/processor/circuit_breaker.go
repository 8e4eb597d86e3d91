package processor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// circuitState is the admission circuit's state, copied near-verbatim
// from the teacher's scheduler.CircuitState/CircuitBreaker: queue-depth
// and worker-saturation signals drive open/half-open/closed, separate
// from any single Provider's health (that's the Registry's job).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitHalfOpen
	circuitOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitHalfOpen:
		return "half_open"
	case circuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// probeBurst is how many half-open probe admissions the breaker allows
// in one burst before throttling back to probeRate, and also the
// recordSuccess threshold for closing the circuit again.
const probeBurst = 5

// probeRate is the steady-state admission rate once a half-open burst
// is spent, giving the upstream a chance to recover without being
// reopened by a thundering herd of probes.
const probeRate = 5 * time.Second

// admissionBreaker gates whether the processor accepts more work onto
// its queue, independent of whether any individual Provider is healthy.
type admissionBreaker struct {
	mu    sync.Mutex
	state circuitState

	queueThreshold      int
	saturationThreshold float64
	cooldown            time.Duration

	openedAt     time.Time
	probeCount   int
	probeLimiter *rate.Limiter
}

func newAdmissionBreaker(queueThreshold int) *admissionBreaker {
	return &admissionBreaker{
		state:               circuitClosed,
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldown:            30 * time.Second,
		probeLimiter:        rate.NewLimiter(rate.Every(probeRate), probeBurst),
	}
}

func (b *admissionBreaker) shouldAdmit(queueDepth int, saturation float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitOpen && time.Since(b.openedAt) > b.cooldown {
		b.state = circuitHalfOpen
		b.probeCount = 0
		b.probeLimiter = rate.NewLimiter(rate.Every(probeRate), probeBurst)
	}

	if b.state == circuitHalfOpen {
		if b.probeLimiter.Allow() {
			b.probeCount++
			return true
		}
		if queueDepth < b.queueThreshold/2 && saturation < b.saturationThreshold {
			b.state = circuitClosed
			return true
		}
		return false
	}

	if queueDepth > b.queueThreshold || saturation > b.saturationThreshold {
		b.state = circuitOpen
		b.openedAt = time.Now()
		return false
	}

	return b.state == circuitClosed
}

func (b *admissionBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitHalfOpen && b.probeCount >= probeBurst {
		b.state = circuitClosed
	}
}

func (b *admissionBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = time.Now()
		b.probeCount = 0
	}
}

func (b *admissionBreaker) getState() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
