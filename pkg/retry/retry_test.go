package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_ExponentialGrowthCappedAtMax(t *testing.T) {
	policy := Policy{PolicyID: "default", BaseMs: 100, MaxMs: 30000, MaxJitterMs: 0, MaxAttempts: 5}
	seed := JitterSeed{PolicyID: "default", ServiceID: "svc-1", StepID: "FLOW-1:main:2", EnvSnapHash: "hash123"}

	seed.AttemptIndex = 0
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(seed, policy))

	seed.AttemptIndex = 1
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(seed, policy))

	seed.AttemptIndex = 2
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(seed, policy))

	seed.AttemptIndex = 20 // would overflow the exponential without the cap
	assert.Equal(t, 30000*time.Millisecond, ComputeBackoff(seed, policy))
}

func TestComputeDeterministicJitter_IsDeterministic(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 30000, MaxJitterMs: 50}
	seed := JitterSeed{PolicyID: "p", ServiceID: "svc-1", StepID: "FLOW-1:main:2", AttemptIndex: 3, EnvSnapHash: "snap-a"}

	j1 := ComputeDeterministicJitter(seed, policy)
	j2 := ComputeDeterministicJitter(seed, policy)
	assert.Equal(t, j1, j2, "same seed must reproduce the same jitter across a recovery replay")
	assert.True(t, j1 >= 0 && j1 < 50)

	seed.EnvSnapHash = "snap-b"
	j3 := ComputeDeterministicJitter(seed, policy)
	assert.NotEqual(t, j1, j3, "different seed inputs should (almost always) diverge")
}

func TestBreaker_OpensAfterThresholdAndHalfOpensAfterCooldown(t *testing.T) {
	b := NewBreaker(3, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())

	b.RecordFailure() // 3rd consecutive failure
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed, should allow a half-open probe")
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_FailureDuringHalfOpenReopens(t *testing.T) {
	b := NewBreaker(1, 5*time.Millisecond)
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestRegistry_SeparatesBreakersPerServiceVersion(t *testing.T) {
	reg := NewRegistry(1, time.Minute)
	a := reg.For("importer", "v1")
	b := reg.For("importer", "v2")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.For("importer", "v1"))
}
