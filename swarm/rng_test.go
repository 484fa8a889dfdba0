package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionedRNG_SameSeedSameStreams(t *testing.T) {
	a := NewPartitionedRNG(42)
	b := NewPartitionedRNG(42)

	for i := 0; i < 20; i++ {
		assert.Equal(t,
			a.ForSubsystem(SubsystemChurn).Int63(),
			b.ForSubsystem(SubsystemChurn).Int63())
	}
}

func TestPartitionedRNG_SubsystemIsolation(t *testing.T) {
	a := NewPartitionedRNG(42)
	b := NewPartitionedRNG(42)

	// Consuming heavily from one subsystem must not shift another.
	sampling := b.ForSubsystem(SubsystemSampling)
	for i := 0; i < 1000; i++ {
		sampling.Intn(100)
	}

	seqA := make([]int64, 10)
	seqB := make([]int64, 10)
	for i := range seqA {
		seqA[i] = a.ForSubsystem(SubsystemChurn).Int63()
		seqB[i] = b.ForSubsystem(SubsystemChurn).Int63()
	}
	assert.Equal(t, seqA, seqB)
}

func TestPartitionedRNG_SameInstancePerSubsystem(t *testing.T) {
	rng := NewPartitionedRNG(7)
	assert.Same(t, rng.ForSubsystem(SubsystemUnchoke), rng.ForSubsystem(SubsystemUnchoke))
	assert.NotSame(t, rng.ForSubsystem(SubsystemUnchoke), rng.ForSubsystem(SubsystemChurn))
}

func TestPartitionedRNG_ZeroSeedDrawsEntropy(t *testing.T) {
	rng := NewPartitionedRNG(0)
	assert.NotZero(t, rng.Seed())
}

func TestPartitionedRNG_SeedIsReplayable(t *testing.T) {
	first := NewPartitionedRNG(0)
	replay := NewPartitionedRNG(first.Seed())

	assert.Equal(t,
		first.ForSubsystem(SubsystemCapacity).Int63(),
		replay.ForSubsystem(SubsystemCapacity).Int63())
}
