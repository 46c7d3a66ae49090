package orchestrator

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"
	"time"

	"github.com/anhed0nic/vmslayer/pkg/fuzz"
)

// Caps that bound per-request work in the hybrid planner. The queue is
// strictly FIFO and every enqueue deduplicates by byte equality.
const (
	maxSeedCandidates      = 8
	maxCriticalOffsets     = 16
	maxMutationSeeds       = 4
	maxStageSymbolic       = 5
	maxQueueSymbolic       = 3
	maxDictionaryBases     = 2
	maxRunMutationOffsets  = 8
	dictionaryPreviewSize  = 8
	defaultPreviewCount    = 3
	iterationCoverageLimit = 16
)

// executeHybrid composes the hybrid plan: taint and symbolic hints, the
// staged report, the pipeline description, and the optional simulation
// preview and bounded run.
func (o *Orchestrator) executeHybrid(ctx context.Context, req *AnalysisRequest) (AnalysisResults, error) {
	if err := o.ensureComponents(); err != nil {
		return AnalysisResults{}, err
	}

	cfg := o.engine.Config()
	analysisInput := o.pickAnalysisInput(req)
	coverageHint := coverageSetOf(req.Options["coverage"])

	var taintSummary *fuzz.TaintSummary
	var crashAnalysis *fuzz.CrashTaintAnalysis
	if cfg.EnableTaint {
		info := o.taint.TrackExecution(analysisInput, coverageHint)
		summary := info.Summary()
		taintSummary = &summary
		if len(req.CrashInfo) > 0 {
			crashAnalysis = o.taint.AnalyzeCrashTaint(req.CrashInfo, analysisInput)
		}
	}

	symbolicTargets := o.collectSymbolicTargets(req, analysisInput)

	stages := o.buildStages(req, analysisInput, coverageHint, taintSummary, symbolicTargets)
	pipeline := o.buildPipeline(req, taintSummary, symbolicTargets)

	snapshot := o.scheduler.Snapshot()
	results := AnalysisResults{
		Pipeline:          pipeline,
		Stages:            stages,
		Config:            &cfg,
		TaintSummary:      taintSummary,
		CrashAnalysis:     crashAnalysis,
		SymbolicTargets:   symbolicTargets,
		DictionaryPreview: o.dictionary.Preview(dictionaryPreviewSize),
		PowerScheduler:    &snapshot,
		NextActions:       nextActions(req),
	}

	if optionBool(req.Options, "simulate_execution") {
		results.ExecutionPreview = o.simulateExecution(ctx, req, analysisInput, taintSummary, symbolicTargets, coverageHint)
	}
	if optionBool(req.Options, "run_workflow") {
		results.RunSummary = o.runWorkflow(ctx, req, analysisInput, taintSummary, symbolicTargets, coverageHint)
	}
	return results, nil
}

// pickAnalysisInput selects the representative input for analysis
// bootstrap: first seed, then the sample_input option, then the head of
// the binary blob, then empty.
func (o *Orchestrator) pickAnalysisInput(req *AnalysisRequest) []byte {
	if len(req.SeedInputs) > 0 {
		return req.SeedInputs[0]
	}
	if sample := bytesOf(req.Options["sample_input"]); sample != nil {
		return sample
	}
	if len(req.BinaryData) > 0 {
		head := req.BinaryData
		if len(head) > 256 {
			head = head[:256]
		}
		return head
	}
	return []byte{}
}

// collectSymbolicTargets analyzes every requested target branch and
// summarizes its constraints and feasibility.
func (o *Orchestrator) collectSymbolicTargets(req *AnalysisRequest, analysisInput []byte) []SymbolicTarget {
	if !o.engine.Config().EnableSymbolic {
		return nil
	}
	var targets []SymbolicTarget
	for _, branch := range branchesOf(req.Options["target_branches"]) {
		path := o.symbolic.AnalyzeBranch(branch, analysisInput)
		target := SymbolicTarget{Branch: branch}
		if path != nil {
			for _, c := range path.Constraints {
				target.Constraints = append(target.Constraints, c.Expression)
			}
			target.Feasible = path.Feasible()
		}
		targets = append(targets, target)
	}
	return targets
}

// buildStages runs the five fixed hybrid planning stages and reports
// each with its status, duration, and details.
func (o *Orchestrator) buildStages(req *AnalysisRequest, analysisInput []byte, coverageHint fuzz.CoverageSet, taintSummary *fuzz.TaintSummary, symbolicTargets []SymbolicTarget) []StageReport {
	var stages []StageReport
	stagesStart := time.Now()

	// Stage 1: VM detection preparation.
	vmStage := StageReport{Name: "vm_detection", Status: StageSkipped}
	vmStart := time.Now()
	if req.BinaryPath != "" {
		detection := o.engine.AnalyzeTarget(req.BinaryPath)
		vmStage.Status = StageSuccess
		if _, failed := detection["error"]; failed {
			vmStage.Status = StageError
		}
		vmStage.Details.Detection = detection
	}
	vmStage.Duration = round6(time.Since(vmStart).Seconds())
	stages = append(stages, vmStage)

	// Stage 2: seed the corpus with the provided inputs.
	corpusStage := StageReport{Name: "seed_corpus", Status: StageSkipped}
	corpusStart := time.Now()
	if len(req.SeedInputs) > 0 {
		added := 0
		for _, seed := range req.SeedInputs {
			if err := o.engine.CorpusManager().AddInput(seed, coverageHint, 0.0); err != nil {
				corpusStage.Errors = append(corpusStage.Errors, err.Error())
				continue
			}
			added++
		}
		corpusStage.Status = StageSuccess
		if added == 0 {
			corpusStage.Status = StageEmpty
		}
		corpusStage.Details.SeedCount = added
	}
	corpusStage.Duration = round6(time.Since(corpusStart).Seconds())
	stages = append(stages, corpusStage)

	// Stage 3: taint-guided mutation suggestions.
	taintStage := StageReport{Name: "taint_guided_mutation", Status: StageSkipped}
	taintStart := time.Now()
	if taintSummary != nil {
		offsets := criticalOffsetsFrom(taintSummary, maxCriticalOffsets)
		seeds := req.SeedInputs
		if len(seeds) > maxMutationSeeds {
			seeds = seeds[:maxMutationSeeds]
		}
		if len(seeds) == 0 {
			seeds = [][]byte{analysisInput}
		}
		var mutated []string
		for _, seed := range seeds {
			if len(seed) == 0 {
				continue
			}
			variant := o.taint.MutateCriticalBytes(seed, offsets)
			mutated = append(mutated, hex.EncodeToString(variant))
			o.scheduler.UpdateScore(variant, true, 0.1)
		}
		taintStage.Status = StageSuccess
		taintStage.Details.CriticalOffsets = sortedOffsetSlice(offsets)
		taintStage.Details.MutatedInputs = mutated
	}
	taintStage.Duration = round6(time.Since(taintStart).Seconds())
	stages = append(stages, taintStage)

	// Stage 4: symbolic guidance assessment.
	symbolicStage := StageReport{Name: "symbolic_guidance", Status: StageSkipped}
	symbolicStart := time.Now()
	if len(symbolicTargets) > 0 {
		targets := symbolicTargets
		if len(targets) > maxStageSymbolic {
			targets = targets[:maxStageSymbolic]
		}
		feasible := 0
		var generated []string
		for _, target := range targets {
			input := o.symbolic.GenerateInputForPath([]uint64{target.Branch})
			if input == nil {
				continue
			}
			feasible++
			generated = append(generated, hex.EncodeToString(input))
			o.scheduler.UpdateScore(input, true, 0.2)
		}
		symbolicStage.Status = StageReady
		if feasible > 0 {
			symbolicStage.Status = StageSuccess
		}
		symbolicStage.Details.FeasibleTargets = feasible
		symbolicStage.Details.GeneratedInputs = generated
	}
	symbolicStage.Duration = round6(time.Since(symbolicStart).Seconds())
	stages = append(stages, symbolicStage)

	// Stage 5: scheduler snapshot after the updates above.
	snapshot := o.scheduler.Snapshot()
	stages = append(stages, StageReport{
		Name:     "power_scheduler_snapshot",
		Status:   StageReady,
		Duration: round6(time.Since(stagesStart).Seconds()),
		Details:  StageDetails{Scheduler: &snapshot},
	})

	return stages
}

// buildPipeline assembles the informational pipeline description.
func (o *Orchestrator) buildPipeline(req *AnalysisRequest, taintSummary *fuzz.TaintSummary, symbolicTargets []SymbolicTarget) []PipelineStep {
	cfg := o.engine.Config()

	taintStatus, taintDetails := "skipped", PipelineDetails{Reason: "taint disabled"}
	if taintSummary != nil {
		taintStatus = "ready"
		taintDetails = PipelineDetails{Taint: taintSummary}
	}
	symbolicStatus := "waiting"
	if len(symbolicTargets) > 0 {
		symbolicStatus = "ready"
	}
	crashStatus := "pending"
	if len(req.CrashInfo) > 0 {
		crashStatus = "ready"
	}

	return []PipelineStep{
		{
			Name:   "vm_detection",
			Status: "pending",
			Details: PipelineDetails{
				BinaryPath:    req.BinaryPath,
				HandlersKnown: len(o.engine.VMHandlers()) > 0,
			},
		},
		{
			Name:   "coverage_guided_fuzzing",
			Status: "ready",
			Details: PipelineDetails{
				MaxIterations: cfg.MaxIterations,
				SeedInputs:    len(req.SeedInputs),
			},
		},
		{
			Name:    "taint_guided_mutation",
			Status:  taintStatus,
			Details: taintDetails,
		},
		{
			Name:    "symbolic_constraint_solving",
			Status:  symbolicStatus,
			Details: PipelineDetails{SymbolicTargets: symbolicTargets},
		},
		{
			Name:    "crash_triage",
			Status:  crashStatus,
			Details: PipelineDetails{CrashInfoPresent: len(req.CrashInfo) > 0},
		},
	}
}

// prepareCandidates assembles the initial candidate queue shared by the
// simulation preview and the bounded run: seeds, taint mutations,
// symbolic syntheses, and dictionary injections, in that order.
func (o *Orchestrator) prepareCandidates(req *AnalysisRequest, analysisInput []byte, taintSummary *fuzz.TaintSummary, symbolicTargets []SymbolicTarget) *fuzz.CandidateQueue {
	queue := fuzz.NewCandidateQueue()

	seeds := req.SeedInputs
	sourceLabel := "request"
	if len(seeds) == 0 {
		sourceLabel = "analysis_input"
		if len(analysisInput) > 0 {
			seeds = [][]byte{analysisInput}
		} else {
			seeds = [][]byte{{}}
		}
	}
	if len(seeds) > maxSeedCandidates {
		seeds = seeds[:maxSeedCandidates]
	}
	for _, seed := range seeds {
		queue.Enqueue(seed, fuzz.OriginSeed, map[string]any{"source": sourceLabel})
	}

	if taintSummary != nil {
		offsets := criticalOffsetsFrom(taintSummary, maxCriticalOffsets)
		if len(offsets) > 0 {
			sources := seeds
			if len(sources) > maxMutationSeeds {
				sources = sources[:maxMutationSeeds]
			}
			for _, seed := range sources {
				mutated := o.taint.MutateCriticalBytes(seed, offsets)
				if len(mutated) == 0 {
					continue
				}
				queue.Enqueue(mutated, fuzz.OriginTaintMutation, map[string]any{
					"critical_offsets": sortedOffsetSlice(offsets),
				})
			}
		}
	}

	if o.engine.Config().EnableSymbolic {
		targets := symbolicTargets
		if len(targets) > maxQueueSymbolic {
			targets = targets[:maxQueueSymbolic]
		}
		for _, target := range targets {
			generated := o.symbolic.GenerateInputForPath([]uint64{target.Branch})
			if generated == nil {
				continue
			}
			queue.Enqueue(generated, fuzz.OriginSymbolic, map[string]any{"branch": target.Branch})
		}
	}

	bases := 0
	for _, item := range queue.Items() {
		if bases >= maxDictionaryBases {
			break
		}
		if item.Origin != fuzz.OriginSeed && item.Origin != fuzz.OriginTaintMutation {
			continue
		}
		bases++
		injected := o.dictionary.InjectTokens(item.Data)
		if bytes.Equal(injected, item.Data) {
			continue
		}
		queue.Enqueue(injected, fuzz.OriginDictionary, map[string]any{"base_origin": item.Origin})
	}

	return queue
}

// runIteration executes one candidate through the engine and applies the
// shared side effects: scheduler update, corpus insertion, metrics.
// Engine failures are captured on the summary, never raised.
func (o *Orchestrator) runIteration(ctx context.Context, index int, cand *fuzz.Candidate, baseline fuzz.CoverageSet) (IterationSummary, int) {
	summary := IterationSummary{
		Iteration:    index,
		Origin:       cand.Origin,
		InputSize:    len(cand.Data),
		InputPreview: previewHex(cand.Data),
		Detail:       cand.Detail,
	}

	timeout := time.Duration(o.engine.Config().TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := o.engine.ExecuteTarget(execCtx, cand.Data)
	cancel()
	if err != nil {
		summary.Error = err.Error()
		o.logger.Warn("Execution engine failed", "iteration", index, "error", err)
		return summary, 0
	}

	coverage := result.Coverage
	if coverage == nil {
		coverage = make(fuzz.CoverageSet)
	}
	gained := 0
	for block := range coverage {
		if !baseline.Contains(block) {
			gained++
		}
	}
	baseline.Union(coverage)

	execTime := result.ExecutionTime
	if execTime < 0 {
		execTime = 0
	}

	summary.CoverageGain = gained
	summary.Crashed = result.Crashed
	summary.ExecutionTime = execTime
	if len(coverage) > 0 {
		blocks := coverage.Sorted()
		if len(blocks) > iterationCoverageLimit {
			blocks = blocks[:iterationCoverageLimit]
		}
		summary.Coverage = blocks
	}
	if len(result.TaintFlow) > 0 {
		summary.TaintFlow = result.TaintFlow
	}
	if len(result.CrashInfo) > 0 {
		_, hasTaint := result.CrashInfo["taint_analysis"]
		summary.CrashInfo = &IterationCrashInfo{HasTaint: hasTaint}
		for _, key := range []string{"address", "crash_address"} {
			if addr, ok := blockOf(result.CrashInfo[key]); ok {
				summary.CrashInfo.Address = addr
				break
			}
		}
	}

	o.scheduler.UpdateScore(cand.Data, gained > 0, execTime)
	if err := o.engine.CorpusManager().AddInput(cand.Data, coverage, execTime); err != nil {
		o.logger.Warn("Corpus insertion failed", "iteration", index, "error", err)
	}

	o.metrics.ExecutionsTotal.WithLabelValues(string(cand.Origin)).Inc()
	if result.Crashed {
		o.metrics.CrashesTotal.Inc()
	}
	o.metrics.CoverageGained.Add(float64(gained))
	o.metrics.CorpusSize.Set(float64(o.engine.CorpusManager().GetStats().TotalInputs))

	return summary, gained
}

// simulateExecution dry-runs up to preview_iterations candidates through
// the engine without re-enqueueing follow-ups.
func (o *Orchestrator) simulateExecution(ctx context.Context, req *AnalysisRequest, analysisInput []byte, taintSummary *fuzz.TaintSummary, symbolicTargets []SymbolicTarget, coverageHint fuzz.CoverageSet) *LoopSummary {
	queue := o.prepareCandidates(req, analysisInput, taintSummary, symbolicTargets)
	counts := queue.Counts()
	considered := queue.Len()

	preview := optionInt(req.Options, "preview_iterations", defaultPreviewCount)
	if preview <= 0 {
		preview = defaultPreviewCount
	}
	iterations := queue.Len()
	if iterations > preview {
		iterations = preview
	}

	baseline := o.engine.CoverageTracker().GetCoverageSet()
	baseline.Union(coverageHint)

	var summaries []IterationSummary
	crashes, gainedTotal := 0, 0
	totalExecTime := 0.0

	for index := 0; index < iterations; index++ {
		cand, ok := queue.Pop()
		if !ok {
			break
		}
		summary, gained := o.runIteration(ctx, index, cand, baseline)
		if summary.Crashed {
			crashes++
		}
		gainedTotal += gained
		totalExecTime += summary.ExecutionTime
		summaries = append(summaries, summary)
	}

	stats := LoopStats{
		TotalCases:           len(summaries),
		Crashes:              crashes,
		NewCoverage:          gainedTotal,
		SeedCases:            counts.SeedCases,
		Mutations:            counts.Mutations,
		SymbolicCases:        counts.SymbolicCases,
		DictionaryInjections: counts.DictionaryInjections,
		GeneratedCases:       counts.GeneratedCases,
		OtherCases:           counts.OtherCases,
		InputsConsidered:     considered,
		RemainingQueue:       queue.Len(),
	}
	if len(summaries) > 0 {
		stats.AvgExecutionTime = round6(totalExecTime / float64(len(summaries)))
	}

	return &LoopSummary{
		Iterations:    summaries,
		Stats:         stats,
		Notes:         []string{"Simulation executed without launching external binaries."},
		FinalCoverage: len(o.engine.CoverageTracker().GetCoverageSet()),
		CorpusSize:    o.engine.CorpusManager().GetStats().TotalInputs,
		TargetPath:    req.BinaryPath,
	}
}

// runWorkflow drains the candidate queue through the engine for a
// bounded number of iterations, spawning follow-up candidates on
// coverage gains in the fixed order taint, dictionary, symbolic.
func (o *Orchestrator) runWorkflow(ctx context.Context, req *AnalysisRequest, analysisInput []byte, taintSummary *fuzz.TaintSummary, symbolicTargets []SymbolicTarget, coverageHint fuzz.CoverageSet) *LoopSummary {
	cfg := o.engine.Config()
	queue := o.prepareCandidates(req, analysisInput, taintSummary, symbolicTargets)
	initialCounts := queue.Counts()
	planned := queue.Len()

	defaultIterations := cfg.MaxIterations
	if defaultIterations > 8 {
		defaultIterations = 8
	}
	if defaultIterations < 1 {
		defaultIterations = 1
	}
	if planned > defaultIterations {
		defaultIterations = planned
	}
	runIterations := optionInt(req.Options, "run_iterations", defaultIterations)
	if runIterations <= 0 {
		runIterations = defaultIterations
	}

	baseline := o.engine.CoverageTracker().GetCoverageSet()
	baseline.Union(coverageHint)
	coverageBefore := len(baseline)

	notes := []string{"Hybrid workflow executed without launching external binaries."}
	var summaries []IterationSummary
	crashes, gainedTotal, completed := 0, 0, 0
	totalExecTime := 0.0

	for iteration := 0; iteration < runIterations; iteration++ {
		if ctx.Err() != nil {
			notes = append(notes, "Run interrupted by caller cancellation.")
			break
		}
		if queue.Len() == 0 {
			fallback := o.engine.GenerateInput()
			added := false
			if fallback != nil {
				added = queue.Enqueue(fallback, fuzz.OriginGenerated, map[string]any{
					"strategy": string(cfg.Strategy),
				})
			}
			if !added {
				notes = append(notes, "Candidate queue exhausted before completing requested iterations.")
				break
			}
		}

		cand, _ := queue.Pop()
		summary, gained := o.runIteration(ctx, iteration, cand, baseline)
		completed++
		if summary.Crashed {
			crashes++
		}
		gainedTotal += gained
		totalExecTime += summary.ExecutionTime

		if gained > 0 && summary.Error == "" {
			summary.Spawned = o.spawnFollowUps(queue, cand, iteration, symbolicTargets)
		}
		summaries = append(summaries, summary)
		o.metrics.QueueDepth.Set(float64(queue.Len()))
	}

	counts := queue.Counts()
	stats := LoopStats{
		IterationsRequested:  runIterations,
		IterationsCompleted:  completed,
		Crashes:              crashes,
		NewCoverage:          gainedTotal,
		SeedCases:            counts.SeedCases,
		Mutations:            counts.Mutations,
		SymbolicCases:        counts.SymbolicCases,
		DictionaryInjections: counts.DictionaryInjections,
		GeneratedCases:       counts.GeneratedCases,
		OtherCases:           counts.OtherCases,
		InitialCandidates:    planned,
		QueueRemaining:       queue.Len(),
		CoverageBefore:       coverageBefore,
		CoverageAfter:        len(baseline),
		NewCasesAdded: map[string]int{
			"mutations":             counts.Mutations - initialCounts.Mutations,
			"symbolic_cases":        counts.SymbolicCases - initialCounts.SymbolicCases,
			"dictionary_injections": counts.DictionaryInjections - initialCounts.DictionaryInjections,
			"generated_cases":       counts.GeneratedCases - initialCounts.GeneratedCases,
			"other_cases":           counts.OtherCases - initialCounts.OtherCases,
		},
	}
	if completed > 0 {
		stats.AvgExecutionTime = round6(totalExecTime / float64(completed))
	}

	return &LoopSummary{
		Iterations:    summaries,
		Stats:         stats,
		Notes:         notes,
		FinalCoverage: len(o.engine.CoverageTracker().GetCoverageSet()),
		CorpusSize:    o.engine.CorpusManager().GetStats().TotalInputs,
		TargetPath:    req.BinaryPath,
	}
}

// spawnFollowUps enqueues enrichment candidates after a coverage gain in
// the fixed order taint, dictionary, symbolic. Each successful enqueue is
// recorded as spawned.
func (o *Orchestrator) spawnFollowUps(queue *fuzz.CandidateQueue, cand *fuzz.Candidate, iteration int, symbolicTargets []SymbolicTarget) []SpawnedInput {
	cfg := o.engine.Config()
	var spawned []SpawnedInput

	if cfg.EnableTaint {
		if info := o.taint.LastTaintInfo(); info != nil && len(info.TaintedBytes) > 0 {
			offsets := make(map[int]struct{}, maxRunMutationOffsets)
			for _, offset := range sortedOffsetSlice(info.TaintedBytes) {
				if len(offsets) >= maxRunMutationOffsets {
					break
				}
				offsets[offset] = struct{}{}
			}
			mutated := o.taint.MutateCriticalBytes(cand.Data, offsets)
			detail := map[string]any{
				"source_iteration": iteration,
				"critical_offsets": sortedOffsetSlice(offsets),
			}
			if len(mutated) > 0 && queue.Enqueue(mutated, fuzz.OriginTaintMutation, detail) {
				spawned = append(spawned, SpawnedInput{Origin: fuzz.OriginTaintMutation, Detail: detail})
				o.metrics.SpawnedTotal.WithLabelValues(string(fuzz.OriginTaintMutation)).Inc()
			}
		}
	}

	injected := o.dictionary.InjectTokens(cand.Data)
	if !bytes.Equal(injected, cand.Data) {
		detail := map[string]any{"source_iteration": iteration}
		if queue.Enqueue(injected, fuzz.OriginDictionary, detail) {
			spawned = append(spawned, SpawnedInput{Origin: fuzz.OriginDictionary, Detail: detail})
			o.metrics.SpawnedTotal.WithLabelValues(string(fuzz.OriginDictionary)).Inc()
		}
	}

	if cfg.EnableSymbolic && len(symbolicTargets) > 0 {
		target := symbolicTargets[0]
		if generated := o.symbolic.GenerateInputForPath([]uint64{target.Branch}); generated != nil {
			detail := map[string]any{"source_iteration": iteration, "branch": target.Branch}
			if queue.Enqueue(generated, fuzz.OriginSymbolic, detail) {
				spawned = append(spawned, SpawnedInput{Origin: fuzz.OriginSymbolic, Detail: detail})
				o.metrics.SpawnedTotal.WithLabelValues(string(fuzz.OriginSymbolic)).Inc()
			}
		}
	}

	return spawned
}

// nextActions suggests logical follow-ups for the caller.
func nextActions(req *AnalysisRequest) []string {
	actions := []string{"Run vm detection before launching fuzz loop"}
	if len(req.CrashInfo) > 0 {
		actions = append(actions, "Feed crash taint analysis into triage dashboard")
	} else {
		actions = append(actions, "Collect crash_info to unlock triage step")
	}
	return append(actions, "Schedule hybrid orchestration pass")
}

// criticalOffsetsFrom picks the first n tainted offsets from a summary.
func criticalOffsetsFrom(summary *fuzz.TaintSummary, n int) map[int]struct{} {
	offsets := make(map[int]struct{})
	for _, offset := range summary.TaintedBytes {
		if len(offsets) >= n {
			break
		}
		offsets[offset] = struct{}{}
	}
	return offsets
}

func sortedOffsetSlice(offsets map[int]struct{}) []int {
	out := make([]int, 0, len(offsets))
	for offset := range offsets {
		out = append(out, offset)
	}
	sort.Ints(out)
	return out
}
