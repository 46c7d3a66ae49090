package fuzz

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/anhed0nic/vmslayer/pkg/reporting"
)

// maxTrackedBytes bounds how many input offsets the taint tracker
// follows. Inputs beyond this prefix are treated as untainted.
const maxTrackedBytes = 256

// TaintInfo describes one execution's taint propagation.
type TaintInfo struct {
	TaintedBytes      map[int]struct{}
	TaintedAddresses  CoverageSet
	InfluenceBranches CoverageSet
	Operations        []string
}

// TaintSummary is the serializable form of TaintInfo, with sets rendered
// as sorted slices.
type TaintSummary struct {
	TaintedBytes      []int    `json:"tainted_bytes"`
	TaintedAddresses  []uint64 `json:"tainted_addresses"`
	InfluenceBranches []uint64 `json:"influence_branches"`
	Operations        []string `json:"operations"`
}

// Summary converts the info into its serializable form.
func (t *TaintInfo) Summary() TaintSummary {
	offsets := make([]int, 0, len(t.TaintedBytes))
	for o := range t.TaintedBytes {
		offsets = append(offsets, o)
	}
	sort.Ints(offsets)
	return TaintSummary{
		TaintedBytes:      offsets,
		TaintedAddresses:  t.TaintedAddresses.Sorted(),
		InfluenceBranches: t.InfluenceBranches.Sorted(),
		Operations:        append([]string(nil), t.Operations...),
	}
}

// Info converts a summary back into set form.
func (s TaintSummary) Info() *TaintInfo {
	info := &TaintInfo{
		TaintedBytes:      make(map[int]struct{}, len(s.TaintedBytes)),
		TaintedAddresses:  NewCoverageSet(s.TaintedAddresses...),
		InfluenceBranches: NewCoverageSet(s.InfluenceBranches...),
		Operations:        append([]string(nil), s.Operations...),
	}
	for _, o := range s.TaintedBytes {
		info.TaintedBytes[o] = struct{}{}
	}
	return info
}

// TaintFlowRecord traces one critical offset to the branches and
// operations it influenced. InputOffset is nil for the fallback record
// emitted when no offsets resolved.
type TaintFlowRecord struct {
	InputOffset        *int     `json:"input_offset"`
	InfluencedBranches []uint64 `json:"influenced_branches"`
	Operations         []string `json:"operations"`
}

// CrashTaintAnalysis is the exploitability assessment for one crash.
type CrashTaintAnalysis struct {
	CrashAddress  uint64            `json:"crash_address"`
	CriticalBytes []int             `json:"critical_bytes"`
	TaintFlow     []TaintFlowRecord `json:"taint_flow"`
	Exploitable   bool              `json:"exploitable"`
	Confidence    string            `json:"confidence"`
}

// TaintMutator is a cheap deterministic stand-in for a dynamic taint
// tracker. It maintains an input-offset to branch influence map, derives
// critical offsets, mutates them, and infers crash exploitability from
// crash metadata.
type TaintMutator struct {
	influenceMap      map[int]CoverageSet
	lastTaintInfo     *TaintInfo
	lastCrashAnalysis *CrashTaintAnalysis
	rng               *rand.Rand
	logger            *reporting.Logger
}

// NewTaintMutator creates a mutator driven by the given RNG.
func NewTaintMutator(rng *rand.Rand, logger *reporting.Logger) *TaintMutator {
	if logger == nil {
		logger = reporting.NopLogger()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &TaintMutator{
		influenceMap: make(map[int]CoverageSet),
		rng:          rng,
		logger:       logger,
	}
}

// TrackExecution records how the input's tracked prefix co-occurred with
// the observed coverage. Every offset of the prefix is merged with every
// covered branch in the influence map; the result is retained as the
// mutator's last taint info.
func (m *TaintMutator) TrackExecution(input []byte, coverage CoverageSet) *TaintInfo {
	info := &TaintInfo{
		TaintedBytes:      make(map[int]struct{}),
		TaintedAddresses:  make(CoverageSet),
		InfluenceBranches: make(CoverageSet),
	}
	limit := len(input)
	if limit > maxTrackedBytes {
		limit = maxTrackedBytes
	}
	for offset := 0; offset < limit; offset++ {
		info.TaintedBytes[offset] = struct{}{}
	}
	info.InfluenceBranches.Union(coverage)

	if len(coverage) > 0 {
		branches := coverage.Sorted()
		if len(branches) > 16 {
			branches = branches[:16]
		}
		for _, branch := range branches {
			info.Operations = append(info.Operations, fmt.Sprintf("branch_hit_%x", branch))
		}
	}

	for offset := range info.TaintedBytes {
		set, ok := m.influenceMap[offset]
		if !ok {
			set = make(CoverageSet)
			m.influenceMap[offset] = set
		}
		set.Union(info.InfluenceBranches)
	}

	m.lastTaintInfo = info
	return info
}

// IdentifyCriticalBytes returns the offsets whose influence map entry
// contains the target block.
func (m *TaintMutator) IdentifyCriticalBytes(input []byte, targetBlock uint64) map[int]struct{} {
	critical := make(map[int]struct{})
	for offset, blocks := range m.influenceMap {
		if blocks.Contains(targetBlock) {
			critical[offset] = struct{}{}
		}
	}
	return critical
}

// MutateCriticalBytes replaces each in-range critical offset with a
// random byte. Offsets beyond the input are ignored. Offsets are visited
// in ascending order so a seeded RNG yields a reproducible mutation.
func (m *TaintMutator) MutateCriticalBytes(input []byte, offsets map[int]struct{}) []byte {
	result := make([]byte, len(input))
	copy(result, input)

	ordered := make([]int, 0, len(offsets))
	for o := range offsets {
		ordered = append(ordered, o)
	}
	sort.Ints(ordered)

	for _, offset := range ordered {
		if offset >= 0 && offset < len(result) {
			result[offset] = byte(m.rng.Intn(256))
		}
	}
	return result
}

// AnalyzeCrashTaint infers which input bytes contributed to a crash and
// whether the crash looks exploitable.
func (m *TaintMutator) AnalyzeCrashTaint(crashInfo map[string]any, input []byte) *CrashTaintAnalysis {
	crashAddress := crashAddressOf(crashInfo)
	coverage := crashCoverageOf(crashInfo)

	info := m.TrackExecution(input, coverage)

	critical := make(map[int]struct{})
	if raw, ok := crashInfo["tainted_offsets"]; ok {
		for _, offset := range intSliceOf(raw) {
			critical[offset] = struct{}{}
		}
	}
	if raw, ok := crashInfo["faulting_offset"]; ok {
		if offset, ok := intOf(raw); ok {
			critical[offset] = struct{}{}
		}
	}
	if crashAddress != 0 && len(coverage) > 0 {
		for block := range coverage {
			for offset := range m.IdentifyCriticalBytes(input, block) {
				critical[offset] = struct{}{}
			}
		}
	}
	if len(critical) == 0 && len(info.TaintedBytes) > 0 {
		// No precise intel; fall back to the first handful of tainted bytes.
		tainted := make([]int, 0, len(info.TaintedBytes))
		for o := range info.TaintedBytes {
			tainted = append(tainted, o)
		}
		sort.Ints(tainted)
		if len(tainted) > 8 {
			tainted = tainted[:8]
		}
		for _, o := range tainted {
			critical[o] = struct{}{}
		}
	}

	criticalSorted := make([]int, 0, len(critical))
	for o := range critical {
		criticalSorted = append(criticalSorted, o)
	}
	sort.Ints(criticalSorted)

	var flow []TaintFlowRecord
	flowOffsets := criticalSorted
	if len(flowOffsets) > 16 {
		flowOffsets = flowOffsets[:16]
	}
	for _, offset := range flowOffsets {
		offset := offset
		var branches []uint64
		if set, ok := m.influenceMap[offset]; ok {
			branches = set.Sorted()
		}
		flow = append(flow, TaintFlowRecord{
			InputOffset:        &offset,
			InfluencedBranches: branches,
			Operations:         append([]string(nil), info.Operations...),
		})
	}
	if len(flow) == 0 && len(info.InfluenceBranches) > 0 {
		flow = append(flow, TaintFlowRecord{
			InfluencedBranches: info.InfluenceBranches.Sorted(),
			Operations:         append([]string(nil), info.Operations...),
		})
	}

	exploitable := exploitableFrom(crashInfo, crashAddress)

	confidence := "low"
	if len(coverage) > 0 && len(critical) > 0 {
		confidence = "medium"
	}
	if exploitable {
		if len(critical) > 0 {
			confidence = "high"
		} else {
			confidence = "medium"
		}
	}

	analysis := &CrashTaintAnalysis{
		CrashAddress:  crashAddress,
		CriticalBytes: criticalSorted,
		TaintFlow:     flow,
		Exploitable:   exploitable,
		Confidence:    confidence,
	}
	m.lastCrashAnalysis = analysis
	return analysis
}

// MinimizeInput keeps only the bytes a fresh tracking pass marks as
// tainted. When nothing is tainted the original input is returned.
func (m *TaintMutator) MinimizeInput(input []byte) []byte {
	info := m.TrackExecution(input, nil)

	var result []byte
	for i, b := range input {
		if _, ok := info.TaintedBytes[i]; ok {
			result = append(result, b)
		}
	}
	if len(result) == 0 {
		return input
	}
	return result
}

// LastTaintInfo returns the taint info of the most recent tracking pass.
func (m *TaintMutator) LastTaintInfo() *TaintInfo {
	return m.lastTaintInfo
}

// LastCrashAnalysis returns the most recent crash analysis.
func (m *TaintMutator) LastCrashAnalysis() *CrashTaintAnalysis {
	return m.lastCrashAnalysis
}

// InfluenceMap exposes the offset to branch influence map.
func (m *TaintMutator) InfluenceMap() map[int]CoverageSet {
	return m.influenceMap
}

// exploitableFrom applies the exploitability heuristic. An explicit
// exploitable flag in the crash info overrides every rule.
func exploitableFrom(crashInfo map[string]any, crashAddress uint64) bool {
	crashType := strings.ToLower(stringOf(crashInfo["type"], stringOf(crashInfo["crash_type"], "")))

	exploitable := false
	if w, ok := crashInfo["write_operation"]; ok && truthy(w) {
		exploitable = true
	}
	if !exploitable {
		switch {
		case containsAny(crashType, "overflow", "heap", "use-after", "stack"):
			exploitable = true
		case strings.Contains(crashType, "access") || strings.Contains(crashType, "segfault"):
			exploitable = crashAddress > 0x10000
		case strings.Contains(crashType, "division") || strings.Contains(crashType, "assert"):
			exploitable = false
		}
	}
	if override, ok := crashInfo["exploitable"].(bool); ok {
		exploitable = override
	}
	return exploitable
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return v != nil
	}
}

// crashAddressOf extracts the faulting address from the crash info,
// trying the known key spellings. Invalid values yield zero.
func crashAddressOf(crashInfo map[string]any) uint64 {
	for _, key := range []string{"address", "crash_address", "fault_address"} {
		if raw, ok := crashInfo[key]; ok {
			if addr, ok := uintOf(raw); ok {
				return addr
			}
		}
	}
	return 0
}

// crashCoverageOf extracts a coverage hint from the crash info, falling
// back to a nested execution result.
func crashCoverageOf(crashInfo map[string]any) CoverageSet {
	raw, ok := crashInfo["coverage"]
	if !ok {
		if nested, ok := crashInfo["result"].(map[string]any); ok {
			raw = nested["coverage"]
		}
	}
	set := make(CoverageSet)
	switch values := raw.(type) {
	case CoverageSet:
		set.Union(values)
	case []uint64:
		for _, v := range values {
			set.Add(v)
		}
	case []int:
		for _, v := range values {
			if v >= 0 {
				set.Add(uint64(v))
			}
		}
	case []any:
		for _, v := range values {
			if b, ok := uintOf(v); ok {
				set.Add(b)
			}
		}
	}
	return set
}

func intSliceOf(raw any) []int {
	var out []int
	switch values := raw.(type) {
	case []int:
		out = append(out, values...)
	case []any:
		for _, v := range values {
			if n, ok := intOf(v); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func intOf(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 0, 64); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func uintOf(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case uint32:
		return uint64(t), true
	case int:
		if t >= 0 {
			return uint64(t), true
		}
	case int64:
		if t >= 0 {
			return uint64(t), true
		}
	case float64:
		if t >= 0 {
			return uint64(t), true
		}
	case string:
		if n, err := strconv.ParseUint(strings.TrimSpace(t), 0, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func stringOf(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// VMTaintFuzzer combines VM handler knowledge with taint tracking: it
// identifies which input bytes feed a handler and focuses mutation there.
type VMTaintFuzzer struct {
	mutator  *TaintMutator
	handlers map[uint64]map[int]struct{}
}

// NewVMTaintFuzzer wraps a taint mutator.
func NewVMTaintFuzzer(mutator *TaintMutator) *VMTaintFuzzer {
	if mutator == nil {
		mutator = NewTaintMutator(nil, nil)
	}
	return &VMTaintFuzzer{
		mutator:  mutator,
		handlers: make(map[uint64]map[int]struct{}),
	}
}

// AnalyzeVMHandler determines which input bytes influence the handler and
// caches the result.
func (f *VMTaintFuzzer) AnalyzeVMHandler(handler uint64, input []byte) map[int]struct{} {
	info := f.mutator.TrackExecution(input, NewCoverageSet(handler))

	critical := make(map[int]struct{})
	if info.InfluenceBranches.Contains(handler) {
		for offset := range info.TaintedBytes {
			critical[offset] = struct{}{}
		}
	}
	f.handlers[handler] = critical
	return critical
}

// MutateForVMHandler mutates only the bytes the handler actually uses.
func (f *VMTaintFuzzer) MutateForVMHandler(input []byte, handler uint64) []byte {
	critical, ok := f.handlers[handler]
	if !ok || len(critical) == 0 {
		critical = f.AnalyzeVMHandler(handler, input)
	}
	if len(critical) == 0 {
		return input
	}
	return f.mutator.MutateCriticalBytes(input, critical)
}

// GenerateVMAwareCorpus derives one mutated input per handler.
func (f *VMTaintFuzzer) GenerateVMAwareCorpus(handlers []uint64, initial []byte) [][]byte {
	corpus := make([][]byte, 0, len(handlers))
	for _, handler := range handlers {
		corpus = append(corpus, f.MutateForVMHandler(initial, handler))
	}
	return corpus
}
