// Package retry implements the scheduler's backoff and circuit-breaker
// policy from spec.md §4.3/§7: exponential backoff with deterministic
// jitter so a recovery replay reproduces the same schedule, plus a
// CLOSED/OPEN/HALF_OPEN circuit breaker keyed by (serviceId, version).
//
// Grounded on the reference's kernel/retry.ComputeBackoff and
// ComputeDeterministicJitter, adapted from the reference's
// (policyId, adapterId, effectId, attemptIndex, envSnapHash) seed to this
// domain's (policyId, serviceId, stepId, attemptIndex, envSnapHash).
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Policy mirrors spec.md §4.3's per-step error policy: base/cap/jitter/
// max attempts for retry, plus circuit-breaker threshold/cooldown. There
// is no growth-factor field: ComputeBackoff always doubles per attempt.
type Policy struct {
	PolicyID          string
	BaseMs            int64
	MaxMs             int64
	MaxJitterMs       int64
	MaxAttempts       int
	CircuitThreshold  int
	CircuitCooldownMs int64
}

// JitterSeed is the deterministic-jitter input: replaying the same
// (policyId, serviceId, stepId, attemptIndex, envSnapHash) during
// recovery reproduces the identical delay.
type JitterSeed struct {
	PolicyID     string
	ServiceID    string
	StepID       string
	AttemptIndex int
	EnvSnapHash  string
}

// ComputeBackoff returns the delay before attemptIndex, combining
// exponential growth (capped at MaxMs) with deterministic jitter.
func ComputeBackoff(seed JitterSeed, policy Policy) time.Duration {
	factor := int64(1)
	if seed.AttemptIndex > 0 {
		if seed.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << uint(seed.AttemptIndex)
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(seed, policy)
	return time.Duration(baseDelay+jitter) * time.Millisecond
}

// ComputeDeterministicJitter derives a jitter offset, in milliseconds,
// from a SHA-256 hash of the seed fields, so the same seed always yields
// the same jitter — required for recovery replay to reproduce identical
// schedules (spec.md §8: "replaying any WAL prefix twice yields the same
// ExecutionContext").
func ComputeDeterministicJitter(seed JitterSeed, policy Policy) int64 {
	raw := fmt.Sprintf("%s:%s:%s:%d:%s", seed.PolicyID, seed.ServiceID, seed.StepID, seed.AttemptIndex, seed.EnvSnapHash)
	hash := sha256.Sum256([]byte(raw))
	basis := binary.BigEndian.Uint64(hash[:8])

	if policy.MaxJitterMs == 0 {
		return 0
	}
	return int64(basis % uint64(policy.MaxJitterMs))
}

// BreakerState enumerates the circuit breaker's three states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker is a small composable circuit breaker, keyed externally by
// (serviceId, version) in a CircuitRegistry — it holds no identity of its
// own, per spec.md §9's "composed by composition, not inherited" guidance.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	openedAt         time.Time
	clock            func() time.Time
}

// NewBreaker builds a closed Breaker with the given threshold and cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{state: BreakerClosed, threshold: threshold, cooldown: cooldown, clock: time.Now}
}

// Allow reports whether a dispatch attempt may proceed. A HALF_OPEN
// breaker lets every attempt through until the next RecordSuccess or
// RecordFailure settles its state; it does not limit concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFails = 0
}

// RecordFailure increments the consecutive-failure count, opening the
// breaker once it reaches the threshold. A failure while HALF_OPEN
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.clock()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock()
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry tracks one Breaker per (serviceId, version) pair.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

// NewRegistry builds a Registry whose breakers share the given threshold
// and cooldown.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), threshold: threshold, cooldown: cooldown}
}

func (r *Registry) key(serviceID, version string) string { return serviceID + "@" + version }

// For returns (creating if needed) the Breaker for a service+version.
func (r *Registry) For(serviceID, version string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(serviceID, version)
	b, ok := r.breakers[k]
	if !ok {
		b = NewBreaker(r.threshold, r.cooldown)
		r.breakers[k] = b
	}
	return b
}
