package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anhed0nic/vmslayer/pkg/fuzz"
)

func newTestOrchestrator(fuzzing map[string]any) *Orchestrator {
	if fuzzing == nil {
		fuzzing = map[string]any{}
	}
	if _, ok := fuzzing["seed"]; !ok {
		fuzzing["seed"] = int64(42)
	}
	return New(map[string]any{"fuzzing": fuzzing})
}

func stageByName(t *testing.T, stages []StageReport, name string) StageReport {
	t.Helper()
	for _, stage := range stages {
		if stage.Name == name {
			return stage
		}
	}
	t.Fatalf("stage %q not found", name)
	return StageReport{}
}

func TestHybridPlanWithoutExecution(t *testing.T) {
	o := newTestOrchestrator(map[string]any{"max_iterations": 16})
	req := &AnalysisRequest{
		BinaryPath:   "vm.exe",
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("seed")},
		Options:      map[string]any{"target_branches": []any{0x1000, 0x2000}},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.RequestID)

	pipelineNames := make([]string, 0, len(result.Results.Pipeline))
	for _, step := range result.Results.Pipeline {
		pipelineNames = append(pipelineNames, step.Name)
	}
	assert.Contains(t, pipelineNames, "taint_guided_mutation")

	stageByName(t, result.Results.Stages, "taint_guided_mutation")
	stageByName(t, result.Results.Stages, "symbolic_guidance")
	assert.NotEmpty(t, result.Results.DictionaryPreview)
	assert.Len(t, result.Results.SymbolicTargets, 2)
	require.NotNil(t, result.Results.Config)
	assert.Equal(t, 16, result.Results.Config.MaxIterations)
	assert.Nil(t, result.Results.ExecutionPreview)
	assert.Nil(t, result.Results.RunSummary)
}

func TestHybridSimulationPreview(t *testing.T) {
	o := newTestOrchestrator(map[string]any{"max_iterations": 8})
	req := &AnalysisRequest{
		BinaryPath:   "vm.exe",
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("seedA"), []byte("seedB")},
		Options: map[string]any{
			"target_branches":    []any{0x3000},
			"simulate_execution": true,
			"preview_iterations": 2,
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)

	preview := result.Results.ExecutionPreview
	require.NotNil(t, preview)
	assert.LessOrEqual(t, preview.Stats.TotalCases, 2)
	assert.GreaterOrEqual(t, preview.Stats.SeedCases, 1)
	assert.GreaterOrEqual(t, preview.Stats.InputsConsidered, preview.Stats.TotalCases)
	require.NotEmpty(t, preview.Iterations)
	for _, iteration := range preview.Iterations {
		assert.NotEmpty(t, iteration.Origin)
	}
	require.NotEmpty(t, preview.Notes)
	assert.Equal(t, "Simulation executed without launching external binaries.", preview.Notes[0])

	symbolicStage := stageByName(t, result.Results.Stages, "symbolic_guidance")
	assert.NotEmpty(t, symbolicStage.Details.GeneratedInputs)
}

func TestHybridBoundedRun(t *testing.T) {
	o := newTestOrchestrator(map[string]any{"max_iterations": 10})
	req := &AnalysisRequest{
		BinaryPath:   "vm.exe",
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("seed-run")},
		Options: map[string]any{
			"target_branches": []any{0x4000},
			"run_workflow":    true,
			"run_iterations":  3,
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)

	run := result.Results.RunSummary
	require.NotNil(t, run)
	assert.GreaterOrEqual(t, run.Stats.IterationsCompleted, 1)
	assert.LessOrEqual(t, run.Stats.IterationsCompleted, 3)
	assert.LessOrEqual(t, run.Stats.IterationsCompleted, run.Stats.IterationsRequested)
	assert.GreaterOrEqual(t, run.Stats.SeedCases, 1)
	assert.GreaterOrEqual(t, run.Stats.SymbolicCases, 1)
	require.NotNil(t, run.Stats.NewCasesAdded)
	assert.Contains(t, run.Stats.NewCasesAdded, "symbolic_cases")
	require.NotEmpty(t, run.Iterations)
	for _, iteration := range run.Iterations {
		assert.NotEmpty(t, iteration.Origin)
	}
	assert.NotEmpty(t, run.Notes)
	assert.GreaterOrEqual(t, run.Stats.CoverageAfter, run.Stats.CoverageBefore)
}

func TestHybridEmptyRequestRunsToCompletion(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		Options: map[string]any{
			"run_workflow":   true,
			"run_iterations": 5,
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)

	run := result.Results.RunSummary
	require.NotNil(t, run)
	assert.LessOrEqual(t, run.Stats.IterationsCompleted, run.Stats.IterationsRequested)
	// With an exhausted queue the loop falls back to generated inputs.
	assert.GreaterOrEqual(t, run.Stats.GeneratedCases, 1)
}

func TestHybridCrashTaintAnalysis(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("AAAA")},
		CrashInfo: map[string]any{
			"type":    "heap_overflow",
			"address": uint64(0x7fff0000),
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)

	analysis := result.Results.CrashAnalysis
	require.NotNil(t, analysis)
	assert.True(t, analysis.Exploitable)
	assert.Contains(t, []string{"high", "medium"}, analysis.Confidence)
	assert.NotEmpty(t, analysis.CriticalBytes)
}

func TestPreviewIterationsClampedToDefault(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		SeedInputs: [][]byte{
			[]byte("s1"), []byte("s2"), []byte("s3"), []byte("s4"), []byte("s5"),
		},
		Options: map[string]any{
			"simulate_execution": true,
			"preview_iterations": -1,
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	preview := result.Results.ExecutionPreview
	require.NotNil(t, preview)
	assert.Equal(t, 3, preview.Stats.TotalCases)
}

func TestRunLoopSpawnOrderIsTaintDictionarySymbolic(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("spawn order probe")},
		Options: map[string]any{
			"target_branches": []any{0x5000},
			"run_workflow":    true,
			"run_iterations":  4,
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)

	run := result.Results.RunSummary
	require.NotNil(t, run)
	order := map[fuzz.Origin]int{
		fuzz.OriginTaintMutation: 0,
		fuzz.OriginDictionary:    1,
		fuzz.OriginSymbolic:      2,
	}
	for _, iteration := range run.Iterations {
		last := -1
		for _, spawned := range iteration.Spawned {
			rank, known := order[spawned.Origin]
			require.True(t, known)
			assert.Greater(t, rank, last)
			last = rank
		}
	}
}

func TestNonHybridAnalysisKinds(t *testing.T) {
	o := newTestOrchestrator(nil)
	ctx := context.Background()

	dynamic, err := o.Execute(ctx, &AnalysisRequest{AnalysisType: AnalysisDynamic})
	require.NoError(t, err)
	require.NotNil(t, dynamic.Results.Dynamic)
	assert.Equal(t, "dynamic_fuzzing", dynamic.Results.Dynamic.Strategy)

	vm, err := o.Execute(ctx, &AnalysisRequest{AnalysisType: AnalysisVM})
	require.NoError(t, err)
	require.NotNil(t, vm.Results.VM)
	assert.Greater(t, vm.Results.VM.KnownHandlers, 0)

	static, err := o.Execute(ctx, &AnalysisRequest{AnalysisType: AnalysisType("unknown")})
	require.NoError(t, err)
	require.NotNil(t, static.Results.Static)
	assert.Equal(t, AnalysisStatic, static.AnalysisType)
}

func TestConfigureAndStatus(t *testing.T) {
	o := newTestOrchestrator(nil)

	o.Configure(map[string]any{"custom_key": "custom_value"})
	value, ok := o.ConfigValue("custom_key")
	require.True(t, ok)
	assert.Equal(t, "custom_value", value)
	assert.Equal(t, "custom_value", o.Status().Config["custom_key"])

	status := o.Status()
	assert.False(t, status.ComponentsReady)
	assert.Zero(t, status.AnalysisCount)
	assert.False(t, status.InitializedAt.IsZero())

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := o.Execute(ctx, &AnalysisRequest{AnalysisType: AnalysisHybrid})
		require.NoError(t, err)
	}

	status = o.Status()
	assert.True(t, status.ComponentsReady)
	assert.Equal(t, 7, status.AnalysisCount)
	assert.Len(t, status.History, 5)
}

func TestShutdownReleasesComponents(t *testing.T) {
	o := newTestOrchestrator(nil)

	_, err := o.Execute(context.Background(), &AnalysisRequest{AnalysisType: AnalysisHybrid})
	require.NoError(t, err)
	assert.True(t, o.Status().ComponentsReady)

	o.Shutdown()
	assert.False(t, o.Status().ComponentsReady)

	// Components re-initialize on the next analysis.
	result, err := o.Execute(context.Background(), &AnalysisRequest{AnalysisType: AnalysisHybrid})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, o.Status().ComponentsReady)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	o := newTestOrchestrator(nil)

	result, err := o.Execute(context.Background(), &AnalysisRequest{AnalysisType: AnalysisHybrid})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Metrics.DurationSeconds, 0.0)
	assert.True(t, result.Metrics.Success)
	assert.Equal(t, "hybrid", result.Metrics.AnalysisType)
}

func TestCancelledContextStopsRunLoop(t *testing.T) {
	o := newTestOrchestrator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Execute(ctx, &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("seed")},
		Options:      map[string]any{"run_workflow": true, "run_iterations": 8},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Results.RunSummary)
	assert.Zero(t, result.Results.RunSummary.Stats.IterationsCompleted)
}

func TestInvalidTargetBranchesIgnored(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		SeedInputs:   [][]byte{[]byte("seed")},
		Options: map[string]any{
			"target_branches": []any{"not-a-branch", 0x6000, -5, map[string]any{}},
		},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Results.SymbolicTargets, 1)
	assert.Equal(t, uint64(0x6000), result.Results.SymbolicTargets[0].Branch)
}

func TestSampleInputOptionSelectsAnalysisInput(t *testing.T) {
	o := newTestOrchestrator(nil)
	req := &AnalysisRequest{
		AnalysisType: AnalysisHybrid,
		Options:      map[string]any{"sample_input": "from-option"},
	}

	result, err := o.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Results.TaintSummary)
	assert.Len(t, result.Results.TaintSummary.TaintedBytes, len("from-option"))
}
