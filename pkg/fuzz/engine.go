package fuzz

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/anhed0nic/vmslayer/pkg/config"
	"github.com/anhed0nic/vmslayer/pkg/reporting"
)

// crashMarker makes the simulated engine deterministic about crashes: an
// input carrying this sequence "crashes" the virtual target.
var crashMarker = []byte{0xDE, 0xAD}

// timeoutExitCode marks an execution cut short by the configured timeout
// or by context cancellation. Timeouts are reported, never raised.
const timeoutExitCode = -9

// VMFuzzer is a deterministic, simulation-capable execution facade. It
// never launches external processes: coverage is synthesized from an
// input fingerprint, which keeps hybrid workflows reproducible and safe
// to run anywhere. Real engines replace it through the Fuzzer interface.
type VMFuzzer struct {
	cfg        config.FuzzingConfig
	rng        *rand.Rand
	logger     *reporting.Logger
	coverage   *SimCoverageTracker
	corpus     *SimCorpusManager
	crashes    *CrashAnalyzer
	mutator    *MutationEngine
	vmHandlers []uint64
	dispatcher uint64
	executions int
}

// NewVMFuzzer builds the simulated engine for the given config.
func NewVMFuzzer(cfg config.FuzzingConfig, logger *reporting.Logger) *VMFuzzer {
	if logger == nil {
		logger = reporting.NopLogger()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return &VMFuzzer{
		cfg:      cfg,
		rng:      rng,
		logger:   logger,
		coverage: NewSimCoverageTracker(),
		corpus:   NewSimCorpusManager(1024),
		crashes:  NewCrashAnalyzer(),
		mutator:  NewMutationEngine(rng, cfg.MaxInputSize),
		// Synthetic VM layout: a dispatcher and a handler table, enough
		// for detection reports and VM-focused plans.
		vmHandlers: []uint64{0x401000, 0x401080, 0x401100, 0x401180},
		dispatcher: 0x400800,
	}
}

// AnalyzeTarget reports detection details for the target path. A missing
// path yields an error entry instead of a failure.
func (f *VMFuzzer) AnalyzeTarget(path string) map[string]any {
	if path == "" {
		return map[string]any{"error": "no target path provided"}
	}
	h := fnv.New64a()
	h.Write([]byte(path))
	fingerprint := h.Sum64()
	return map[string]any{
		"path":               path,
		"vm_detected":        fingerprint%4 != 0,
		"handler_count":      len(f.vmHandlers),
		"dispatcher_address": fmt.Sprintf("%#x", f.dispatcher),
	}
}

// ExecuteTarget simulates one execution: coverage blocks are derived
// from an FNV fingerprint of the input, the crash marker triggers a
// synthetic access violation, and the configured timeout is honored via
// the context deadline.
func (f *VMFuzzer) ExecuteTarget(ctx context.Context, data []byte) (ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionResult{ExitCode: timeoutExitCode}, nil
	}
	f.executions++

	h := fnv.New64a()
	h.Write(data)
	fingerprint := h.Sum64()

	coverage := make(CoverageSet)
	blocks := int(fingerprint%4) + 2
	for i := 0; i < blocks; i++ {
		block := 0x1000 + (fingerprint>>(uint(i)*8))%0x400*4
		coverage.Add(block)
	}
	// Longer inputs reach deeper handler chains.
	if len(data) > 16 {
		coverage.Add(f.vmHandlers[fingerprint%uint64(len(f.vmHandlers))])
	}
	f.coverage.Record(coverage)

	execTime := float64(fingerprint%50)/1000.0 + 0.001

	result := ExecutionResult{
		Coverage:      coverage,
		ExecutionTime: execTime,
	}

	if bytes.Contains(data, crashMarker) {
		result.Crashed = true
		result.ExitCode = 139
		address := uint64(0x7fff0000) + fingerprint%0x1000
		result.CrashInfo = map[string]any{
			"type":    "access_violation",
			"address": address,
		}
		f.crashes.AnalyzeCrash(result.CrashInfo, data)
	}
	return result, nil
}

// GenerateInput produces a fallback input: a mutation of a corpus entry
// when one exists, otherwise fresh random bytes. A no-op mutation falls
// through to random generation so callers always get a new payload.
func (f *VMFuzzer) GenerateInput() []byte {
	if base := f.corpus.PickInput(f.rng); base != nil {
		var mutated []byte
		switch f.cfg.Strategy {
		case config.StrategyBitFlip:
			mutated = f.mutator.Mutate(base, MutateBitFlip)
		case config.StrategyByteFlip:
			mutated = f.mutator.Mutate(base, MutateByteFlip)
		case config.StrategyArithmetic:
			mutated = f.mutator.Mutate(base, MutateArithmetic)
		case config.StrategyMutation:
			mutated = f.mutator.MutateRandom(base)
		default:
			mutated = f.mutator.Mutate(base, MutateHavoc)
		}
		if len(mutated) > 0 && !bytes.Equal(mutated, base) {
			return mutated
		}
	}
	size := f.rng.Intn(32) + 8
	if size > f.cfg.MaxInputSize {
		size = f.cfg.MaxInputSize
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(f.rng.Intn(256))
	}
	return out
}

// Config returns the engine's fuzzing configuration.
func (f *VMFuzzer) Config() config.FuzzingConfig {
	return f.cfg
}

// VMHandlers returns the known VM handler addresses.
func (f *VMFuzzer) VMHandlers() []uint64 {
	return f.vmHandlers
}

// DispatcherAddress returns the VM dispatcher address.
func (f *VMFuzzer) DispatcherAddress() uint64 {
	return f.dispatcher
}

// CoverageTracker returns the engine's coverage tracker.
func (f *VMFuzzer) CoverageTracker() CoverageTracker {
	return f.coverage
}

// CorpusManager returns the engine's corpus manager.
func (f *VMFuzzer) CorpusManager() CorpusManager {
	return f.corpus
}

// CrashAnalyzer returns the engine's crash analyzer.
func (f *VMFuzzer) CrashAnalyzer() *CrashAnalyzer {
	return f.crashes
}

// Executions returns how many inputs the engine has run.
func (f *VMFuzzer) Executions() int {
	return f.executions
}

// SimCoverageTracker accumulates the union of all observed coverage.
type SimCoverageTracker struct {
	covered CoverageSet
}

// NewSimCoverageTracker creates an empty tracker.
func NewSimCoverageTracker() *SimCoverageTracker {
	return &SimCoverageTracker{covered: make(CoverageSet)}
}

// Record merges the blocks into the global covered set.
func (t *SimCoverageTracker) Record(coverage CoverageSet) {
	t.covered.Union(coverage)
}

// GetCoverageSet returns a copy of the covered set.
func (t *SimCoverageTracker) GetCoverageSet() CoverageSet {
	return t.covered.Clone()
}

type corpusEntry struct {
	data     []byte
	coverage CoverageSet
	execTime float64
}

// SimCorpusManager retains inputs whose coverage is not subsumed by an
// existing entry, bounded by a maximum size with oldest-first eviction.
type SimCorpusManager struct {
	entries []corpusEntry
	maxSize int
}

// NewSimCorpusManager creates a corpus bounded to maxSize entries.
func NewSimCorpusManager(maxSize int) *SimCorpusManager {
	if maxSize < 1 {
		maxSize = 1
	}
	return &SimCorpusManager{maxSize: maxSize}
}

// AddInput stores the input unless an equal payload exists or its
// coverage is a subset of an existing entry's coverage.
func (c *SimCorpusManager) AddInput(data []byte, coverage CoverageSet, execTime float64) error {
	for _, entry := range c.entries {
		if bytes.Equal(entry.data, data) {
			return nil
		}
		if len(coverage) > 0 && isSubset(coverage, entry.coverage) {
			return nil
		}
	}
	if len(c.entries) >= c.maxSize {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, corpusEntry{
		data:     append([]byte(nil), data...),
		coverage: coverage.Clone(),
		execTime: execTime,
	})
	return nil
}

// GetStats returns corpus statistics.
func (c *SimCorpusManager) GetStats() CorpusStats {
	return CorpusStats{TotalInputs: len(c.entries)}
}

// PickInput returns a random corpus payload, or nil when empty.
func (c *SimCorpusManager) PickInput(rng *rand.Rand) []byte {
	if len(c.entries) == 0 {
		return nil
	}
	entry := c.entries[rng.Intn(len(c.entries))]
	return append([]byte(nil), entry.data...)
}

func isSubset(sub, super CoverageSet) bool {
	for block := range sub {
		if !super.Contains(block) {
			return false
		}
	}
	return true
}

// CrashRecord is one deduplicated crash signature.
type CrashRecord struct {
	Type    string `json:"type"`
	Address uint64 `json:"address"`
	Count   int    `json:"count"`
	Input   []byte `json:"-"`
}

// CrashAnalyzer deduplicates crashes by (type, address) signature.
type CrashAnalyzer struct {
	records map[string]*CrashRecord
}

// NewCrashAnalyzer creates an empty analyzer.
func NewCrashAnalyzer() *CrashAnalyzer {
	return &CrashAnalyzer{records: make(map[string]*CrashRecord)}
}

// AnalyzeCrash records the crash and returns its deduplicated record.
func (a *CrashAnalyzer) AnalyzeCrash(crashInfo map[string]any, input []byte) *CrashRecord {
	crashType := stringOf(crashInfo["type"], stringOf(crashInfo["crash_type"], "unknown"))
	address := crashAddressOf(crashInfo)
	key := fmt.Sprintf("%s@%#x", crashType, address)

	record, ok := a.records[key]
	if !ok {
		record = &CrashRecord{
			Type:    crashType,
			Address: address,
			Input:   append([]byte(nil), input...),
		}
		a.records[key] = record
	}
	record.Count++
	return record
}

// UniqueCrashCount returns the number of distinct crash signatures.
func (a *CrashAnalyzer) UniqueCrashCount() int {
	return len(a.records)
}

// Records returns the crash records sorted by signature for stable output.
func (a *CrashAnalyzer) Records() []*CrashRecord {
	keys := make([]string, 0, len(a.records))
	for k := range a.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*CrashRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.records[k])
	}
	return out
}
