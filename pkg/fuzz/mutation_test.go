package fuzz

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationStrategiesProduceBytes(t *testing.T) {
	e := NewMutationEngine(rand.New(rand.NewSource(42)), 4096)
	input := []byte("Hello World! This is a test input for mutation.")

	strategies := []MutationStrategy{
		MutateBitFlip,
		MutateByteFlip,
		MutateArithmetic,
		MutateInterestingValues,
		MutateBlockDelete,
		MutateBlockDuplicate,
		MutateBlockOverwrite,
		MutateSplice,
		MutateHavoc,
	}
	for _, strategy := range strategies {
		out := e.Mutate(input, strategy)
		require.NotNil(t, out)
		assert.LessOrEqual(t, len(out), 4096)
		// The source input is never mutated in place.
		assert.Equal(t, []byte("Hello World! This is a test input for mutation."), input)
	}
}

func TestMutationRespectsMaxInputSize(t *testing.T) {
	e := NewMutationEngine(rand.New(rand.NewSource(1)), 16)
	input := make([]byte, 16)

	for i := 0; i < 32; i++ {
		out := e.MutateRandom(input)
		assert.LessOrEqual(t, len(out), 16)
	}
}

func TestMutationDeterministicWithSeed(t *testing.T) {
	input := []byte("deterministic input")

	a := NewMutationEngine(rand.New(rand.NewSource(99)), 4096).Mutate(input, MutateHavoc)
	b := NewMutationEngine(rand.New(rand.NewSource(99)), 4096).Mutate(input, MutateHavoc)
	assert.Equal(t, a, b)
}

func TestMutationBitFlipChangesSingleBit(t *testing.T) {
	e := NewMutationEngine(rand.New(rand.NewSource(3)), 4096)
	input := make([]byte, 8)

	out := e.Mutate(input, MutateBitFlip)
	require.Len(t, out, 8)
	diff := 0
	for i := range out {
		if out[i] != input[i] {
			diff++
		}
	}
	assert.Equal(t, 1, diff)
}

func TestMutationEmptyInput(t *testing.T) {
	e := NewMutationEngine(rand.New(rand.NewSource(5)), 4096)
	for _, strategy := range []MutationStrategy{MutateBitFlip, MutateByteFlip, MutateBlockDelete, MutateHavoc} {
		assert.NotNil(t, e.Mutate([]byte{}, strategy))
	}
}
