// Package orchestrator plans and runs bounded hybrid fuzzing workflows,
// composing coverage, taint, and symbolic feedback around a pluggable
// execution engine.
package orchestrator

import (
	"time"

	"github.com/anhed0nic/vmslayer/pkg/config"
	"github.com/anhed0nic/vmslayer/pkg/fuzz"
)

// AnalysisType selects which workflow a request runs.
type AnalysisType string

const (
	AnalysisStatic  AnalysisType = "static"
	AnalysisDynamic AnalysisType = "dynamic"
	AnalysisFuzzing AnalysisType = "fuzzing"
	AnalysisVM      AnalysisType = "vm"
	AnalysisHybrid  AnalysisType = "hybrid"
)

// ParseAnalysisType maps a string to an AnalysisType. Unknown values fall
// back to static, the cheapest workflow.
func ParseAnalysisType(value string) AnalysisType {
	switch AnalysisType(value) {
	case AnalysisDynamic:
		return AnalysisDynamic
	case AnalysisFuzzing:
		return AnalysisFuzzing
	case AnalysisVM:
		return AnalysisVM
	case AnalysisHybrid:
		return AnalysisHybrid
	default:
		return AnalysisStatic
	}
}

// AnalysisRequest describes one analysis job. It is immutable during
// execution; the orchestrator only fills in a missing RequestID.
type AnalysisRequest struct {
	RequestID    string         `json:"request_id"`
	BinaryPath   string         `json:"binary_path,omitempty"`
	BinaryData   []byte         `json:"-"`
	AnalysisType AnalysisType   `json:"analysis_type"`
	SeedInputs   [][]byte       `json:"-"`
	Options      map[string]any `json:"options,omitempty"`
	CrashInfo    map[string]any `json:"crash_info,omitempty"`
}

// AnalysisResult is the outcome of one analysis request.
type AnalysisResult struct {
	RequestID    string          `json:"request_id"`
	AnalysisType AnalysisType    `json:"analysis_type"`
	Success      bool            `json:"success"`
	Results      AnalysisResults `json:"results"`
	Errors       []string        `json:"errors,omitempty"`
	Metrics      ResultMetrics   `json:"metrics"`
	Notes        []string        `json:"notes,omitempty"`
}

// ResultMetrics carries execution metrics for one analysis. The process
// metrics are omitted when introspection is unavailable.
type ResultMetrics struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Success         bool    `json:"success"`
	AnalysisType    string  `json:"analysis_type"`
	RSSMB           float64 `json:"rss_mb,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
}

// AnalysisResults is the tagged union of per-kind workflow outputs. The
// hybrid fields are populated for hybrid runs; exactly one of Dynamic,
// VM, or Static is set otherwise.
type AnalysisResults struct {
	Pipeline          []PipelineStep           `json:"pipeline,omitempty"`
	Stages            []StageReport            `json:"stages,omitempty"`
	Config            *config.FuzzingConfig    `json:"config,omitempty"`
	TaintSummary      *fuzz.TaintSummary       `json:"taint_summary,omitempty"`
	CrashAnalysis     *fuzz.CrashTaintAnalysis `json:"crash_analysis,omitempty"`
	SymbolicTargets   []SymbolicTarget         `json:"symbolic_targets,omitempty"`
	DictionaryPreview []string                 `json:"dictionary_preview,omitempty"`
	PowerScheduler    *fuzz.SchedulerSnapshot  `json:"power_scheduler,omitempty"`
	NextActions       []string                 `json:"next_actions,omitempty"`
	ExecutionPreview  *LoopSummary             `json:"execution_preview,omitempty"`
	RunSummary        *LoopSummary             `json:"run_summary,omitempty"`

	Dynamic *DynamicPlan `json:"dynamic,omitempty"`
	VM      *VMPlan      `json:"vm,omitempty"`
	Static  *StaticPlan  `json:"static,omitempty"`
}

// StageStatus is the outcome of one hybrid planning stage.
type StageStatus string

const (
	StageSuccess  StageStatus = "success"
	StageReady    StageStatus = "ready"
	StageSkipped  StageStatus = "skipped"
	StageError    StageStatus = "error"
	StageDisabled StageStatus = "disabled"
	StageEmpty    StageStatus = "empty"
)

// StageReport describes one hybrid planning stage.
type StageReport struct {
	Name     string       `json:"name"`
	Status   StageStatus  `json:"status"`
	Duration float64      `json:"duration"`
	Details  StageDetails `json:"details"`
	Errors   []string     `json:"errors,omitempty"`
}

// StageDetails carries the stage-specific payload; unused fields stay
// empty.
type StageDetails struct {
	Detection       map[string]any          `json:"detection,omitempty"`
	SeedCount       int                     `json:"seed_count,omitempty"`
	CriticalOffsets []int                   `json:"critical_offsets,omitempty"`
	MutatedInputs   []string                `json:"mutated_inputs,omitempty"`
	FeasibleTargets int                     `json:"feasible_targets,omitempty"`
	GeneratedInputs []string                `json:"generated_inputs,omitempty"`
	Scheduler       *fuzz.SchedulerSnapshot `json:"scheduler,omitempty"`
}

// PipelineStep is one informational step of the hybrid pipeline.
type PipelineStep struct {
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Details PipelineDetails `json:"details"`
}

// PipelineDetails carries step-specific readiness context.
type PipelineDetails struct {
	BinaryPath       string             `json:"binary_path,omitempty"`
	HandlersKnown    bool               `json:"handlers_known,omitempty"`
	MaxIterations    int                `json:"max_iterations,omitempty"`
	SeedInputs       int                `json:"seed_inputs,omitempty"`
	Taint            *fuzz.TaintSummary `json:"taint,omitempty"`
	SymbolicTargets  []SymbolicTarget   `json:"symbolic_targets,omitempty"`
	CrashInfoPresent bool               `json:"crash_info_present,omitempty"`
	Reason           string             `json:"reason,omitempty"`
}

// SymbolicTarget summarizes one analyzed branch.
type SymbolicTarget struct {
	Branch      uint64   `json:"branch"`
	Constraints []string `json:"constraints"`
	Feasible    bool     `json:"feasible"`
}

// SpawnedInput records a follow-up candidate enqueued during the run loop.
type SpawnedInput struct {
	Origin fuzz.Origin    `json:"origin"`
	Detail map[string]any `json:"detail,omitempty"`
}

// IterationCrashInfo is the crash context attached to one iteration.
type IterationCrashInfo struct {
	HasTaint bool   `json:"has_taint"`
	Address  uint64 `json:"address"`
}

// IterationSummary describes one executed candidate.
type IterationSummary struct {
	Iteration     int                 `json:"iteration"`
	Origin        fuzz.Origin         `json:"origin"`
	InputSize     int                 `json:"input_size"`
	InputPreview  string              `json:"input_preview"`
	CoverageGain  int                 `json:"coverage_gain"`
	Crashed       bool                `json:"crashed"`
	ExecutionTime float64             `json:"execution_time"`
	Detail        map[string]any      `json:"detail,omitempty"`
	Coverage      []uint64            `json:"coverage,omitempty"`
	TaintFlow     []string            `json:"taint_flow,omitempty"`
	CrashInfo     *IterationCrashInfo `json:"crash_info,omitempty"`
	Spawned       []SpawnedInput      `json:"spawned,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// LoopStats aggregates one simulation or run loop. The simulation loop
// fills TotalCases/InputsConsidered/RemainingQueue; the run loop fills
// the iteration and coverage bookkeeping fields.
type LoopStats struct {
	TotalCases           int            `json:"total_cases,omitempty"`
	IterationsRequested  int            `json:"iterations_requested,omitempty"`
	IterationsCompleted  int            `json:"iterations_completed"`
	Crashes              int            `json:"crashes"`
	NewCoverage          int            `json:"new_coverage"`
	SeedCases            int            `json:"seed_cases"`
	Mutations            int            `json:"mutations"`
	SymbolicCases        int            `json:"symbolic_cases"`
	DictionaryInjections int            `json:"dictionary_injections"`
	GeneratedCases       int            `json:"generated_cases"`
	OtherCases           int            `json:"other_cases"`
	InputsConsidered     int            `json:"inputs_considered,omitempty"`
	RemainingQueue       int            `json:"remaining_queue,omitempty"`
	InitialCandidates    int            `json:"initial_candidates,omitempty"`
	QueueRemaining       int            `json:"queue_remaining,omitempty"`
	CoverageBefore       int            `json:"coverage_before,omitempty"`
	CoverageAfter        int            `json:"coverage_after,omitempty"`
	AvgExecutionTime     float64        `json:"avg_execution_time"`
	NewCasesAdded        map[string]int `json:"new_cases_added,omitempty"`
}

// LoopSummary is the structured output of a simulation preview or a
// bounded run.
type LoopSummary struct {
	Iterations    []IterationSummary `json:"iterations"`
	Stats         LoopStats          `json:"stats"`
	Notes         []string           `json:"notes"`
	FinalCoverage int                `json:"final_coverage"`
	CorpusSize    int                `json:"corpus_size"`
	TargetPath    string             `json:"target_path,omitempty"`
}

// DynamicPlan is the plan returned for dynamic and fuzzing requests.
type DynamicPlan struct {
	Strategy     string               `json:"strategy"`
	Config       config.FuzzingConfig `json:"config"`
	SeedInputs   int                  `json:"seed_inputs"`
	CoverageGoal []uint64             `json:"coverage_goal"`
}

// VMPlan is the plan returned for VM-focused requests.
type VMPlan struct {
	Strategy          string `json:"strategy"`
	KnownHandlers     int    `json:"known_handlers"`
	DispatcherAddress uint64 `json:"dispatcher_address"`
	TaintReady        bool   `json:"taint_ready"`
}

// StaticPlan is the placeholder plan for static requests.
type StaticPlan struct {
	Strategy   string `json:"strategy"`
	BinaryPath string `json:"binary_path,omitempty"`
	Notes      string `json:"notes"`
}

// HistoryRecord is one entry of the orchestrator's analysis history.
type HistoryRecord struct {
	RequestID       string       `json:"request_id"`
	AnalysisType    AnalysisType `json:"analysis_type"`
	Success         bool         `json:"success"`
	DurationSeconds float64      `json:"duration_seconds"`
}

// Status is a snapshot of orchestrator state.
type Status struct {
	InitializedAt   time.Time       `json:"initialized_at"`
	AnalysisCount   int             `json:"analysis_count"`
	ComponentsReady bool            `json:"components_ready"`
	Config          map[string]any  `json:"config"`
	History         []HistoryRecord `json:"history"`
}
