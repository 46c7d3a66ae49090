package fuzz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateQueueFIFO(t *testing.T) {
	q := NewCandidateQueue()

	require.True(t, q.Enqueue([]byte("one"), OriginSeed, nil))
	require.True(t, q.Enqueue([]byte("two"), OriginSymbolic, map[string]any{"branch": uint64(1)}))
	assert.Equal(t, 2, q.Len())

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), first.Data)
	assert.Equal(t, OriginSeed, first.Origin)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, OriginSymbolic, second.Origin)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestCandidateQueueDeduplicates(t *testing.T) {
	q := NewCandidateQueue()

	require.True(t, q.Enqueue([]byte("payload"), OriginSeed, nil))
	// An equal payload is rejected even with a different origin, and the
	// counters stay unchanged.
	assert.False(t, q.Enqueue([]byte("payload"), OriginTaintMutation, nil))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Counts().SeedCases)
	assert.Zero(t, q.Counts().Mutations)

	// Dedup persists after the payload has been consumed.
	q.Pop()
	assert.False(t, q.Enqueue([]byte("payload"), OriginSeed, nil))
}

func TestCandidateQueueCountsPerOrigin(t *testing.T) {
	q := NewCandidateQueue()

	q.Enqueue([]byte("a"), OriginSeed, nil)
	q.Enqueue([]byte("b"), OriginTaintMutation, nil)
	q.Enqueue([]byte("c"), OriginSymbolic, nil)
	q.Enqueue([]byte("d"), OriginDictionary, nil)
	q.Enqueue([]byte("e"), OriginGenerated, nil)
	q.Enqueue([]byte("f"), Origin("weird"), nil)

	counts := q.Counts()
	assert.Equal(t, 1, counts.SeedCases)
	assert.Equal(t, 1, counts.Mutations)
	assert.Equal(t, 1, counts.SymbolicCases)
	assert.Equal(t, 1, counts.DictionaryInjections)
	assert.Equal(t, 1, counts.GeneratedCases)
	assert.Equal(t, 1, counts.OtherCases)
}

func TestCandidateQueueCopiesPayload(t *testing.T) {
	q := NewCandidateQueue()

	data := []byte("mutable")
	q.Enqueue(data, OriginSeed, nil)
	data[0] = 'X'

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("mutable"), item.Data)
}

func TestCandidateQueueRejectsNil(t *testing.T) {
	q := NewCandidateQueue()
	assert.False(t, q.Enqueue(nil, OriginSeed, nil))
	// An empty payload is a legal candidate.
	assert.True(t, q.Enqueue([]byte{}, OriginSeed, nil))
}
