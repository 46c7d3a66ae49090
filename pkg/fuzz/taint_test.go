package fuzz

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMutator() *TaintMutator {
	return NewTaintMutator(rand.New(rand.NewSource(7)), nil)
}

func TestTrackExecutionTaintsInputPrefix(t *testing.T) {
	m := newTestMutator()

	info := m.TrackExecution([]byte("abcd"), NewCoverageSet(0x10, 0x20))
	assert.Len(t, info.TaintedBytes, 4)
	for i := 0; i < 4; i++ {
		assert.Contains(t, info.TaintedBytes, i)
	}
	assert.Equal(t, []uint64{0x10, 0x20}, info.InfluenceBranches.Sorted())
	assert.Equal(t, []string{"branch_hit_10", "branch_hit_20"}, info.Operations)
	assert.Same(t, info, m.LastTaintInfo())
}

func TestTrackExecutionBoundsTrackedBytes(t *testing.T) {
	m := newTestMutator()

	long := make([]byte, 1000)
	info := m.TrackExecution(long, nil)
	assert.Len(t, info.TaintedBytes, maxTrackedBytes)
	assert.NotContains(t, info.TaintedBytes, maxTrackedBytes)
}

func TestTrackExecutionCapsOperations(t *testing.T) {
	m := newTestMutator()

	coverage := make(CoverageSet)
	for i := uint64(0); i < 40; i++ {
		coverage.Add(i)
	}
	info := m.TrackExecution([]byte("x"), coverage)
	assert.Len(t, info.Operations, 16)
	assert.Equal(t, "branch_hit_0", info.Operations[0])
}

func TestIdentifyCriticalBytes(t *testing.T) {
	m := newTestMutator()

	m.TrackExecution([]byte("ab"), NewCoverageSet(0x100))
	m.TrackExecution([]byte("abcd"), NewCoverageSet(0x200))

	critical := m.IdentifyCriticalBytes(nil, 0x100)
	assert.Len(t, critical, 2)
	critical = m.IdentifyCriticalBytes(nil, 0x200)
	assert.Len(t, critical, 4)
	assert.Empty(t, m.IdentifyCriticalBytes(nil, 0x999))
}

func TestMutateCriticalBytes(t *testing.T) {
	m := newTestMutator()

	input := []byte("hello world")
	offsets := map[int]struct{}{1: {}, 3: {}, 100: {}}
	mutated := m.MutateCriticalBytes(input, offsets)
	require.Len(t, mutated, len(input))
	assert.Equal(t, input[0], mutated[0])
	assert.Equal(t, input[2], mutated[2])
	assert.Equal(t, input[4:], mutated[4:])

	// Same seed, same offsets: the mutation is reproducible.
	again := newTestMutator().MutateCriticalBytes(input, offsets)
	assert.Equal(t, mutated, again)
}

func TestAnalyzeCrashTaintHeapOverflow(t *testing.T) {
	m := newTestMutator()

	analysis := m.AnalyzeCrashTaint(map[string]any{
		"type":    "heap_overflow",
		"address": uint64(0x7fff0000),
	}, []byte("AAAA"))

	assert.Equal(t, uint64(0x7fff0000), analysis.CrashAddress)
	assert.True(t, analysis.Exploitable)
	assert.Contains(t, []string{"high", "medium"}, analysis.Confidence)
	assert.NotEmpty(t, analysis.CriticalBytes)
	assert.NotEmpty(t, analysis.TaintFlow)
}

func TestAnalyzeCrashTaintHeuristics(t *testing.T) {
	m := newTestMutator()
	input := []byte("data")

	division := m.AnalyzeCrashTaint(map[string]any{"type": "division_by_zero"}, input)
	assert.False(t, division.Exploitable)

	lowAccess := m.AnalyzeCrashTaint(map[string]any{
		"type":    "access_violation",
		"address": 0x100,
	}, input)
	assert.False(t, lowAccess.Exploitable)

	highAccess := m.AnalyzeCrashTaint(map[string]any{
		"type":    "access_violation",
		"address": 0x20000,
	}, input)
	assert.True(t, highAccess.Exploitable)

	write := m.AnalyzeCrashTaint(map[string]any{
		"type":            "unknown",
		"write_operation": true,
	}, input)
	assert.True(t, write.Exploitable)

	overridden := m.AnalyzeCrashTaint(map[string]any{
		"type":        "stack_overflow",
		"exploitable": false,
	}, input)
	assert.False(t, overridden.Exploitable)
}

func TestAnalyzeCrashTaintUsesProvidedOffsets(t *testing.T) {
	m := newTestMutator()

	analysis := m.AnalyzeCrashTaint(map[string]any{
		"type":            "heap_overflow",
		"tainted_offsets": []int{9, 2},
		"faulting_offset": 5,
	}, []byte("0123456789AB"))
	assert.Equal(t, []int{2, 5, 9}, analysis.CriticalBytes)
	assert.Equal(t, "high", analysis.Confidence)
}

func TestMinimizeInput(t *testing.T) {
	m := newTestMutator()

	short := []byte("short")
	assert.Equal(t, short, m.MinimizeInput(short))

	long := make([]byte, 400)
	for i := range long {
		long[i] = byte(i)
	}
	minimized := m.MinimizeInput(long)
	assert.Len(t, minimized, maxTrackedBytes)
	assert.Equal(t, long[:maxTrackedBytes], minimized)

	assert.Empty(t, m.MinimizeInput([]byte{}))
}

func TestTaintSummaryRoundTrip(t *testing.T) {
	m := newTestMutator()

	info := m.TrackExecution([]byte("roundtrip"), NewCoverageSet(3, 1, 2))
	summary := info.Summary()
	back := summary.Info()

	assert.Equal(t, info.TaintedBytes, back.TaintedBytes)
	assert.Equal(t, info.InfluenceBranches.Sorted(), back.InfluenceBranches.Sorted())
	assert.Equal(t, info.Operations, back.Operations)
}

func TestVMTaintFuzzer(t *testing.T) {
	f := NewVMTaintFuzzer(newTestMutator())

	input := []byte("vm handler probe")
	critical := f.AnalyzeVMHandler(0x401000, input)
	assert.Len(t, critical, len(input))

	mutated := f.MutateForVMHandler(input, 0x401000)
	assert.Len(t, mutated, len(input))
	assert.NotEqual(t, input, mutated)

	corpus := f.GenerateVMAwareCorpus([]uint64{0x401000, 0x401080}, input)
	assert.Len(t, corpus, 2)
}
