package orchestrator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/anhed0nic/vmslayer/pkg/config"
	"github.com/anhed0nic/vmslayer/pkg/fuzz"
	"github.com/anhed0nic/vmslayer/pkg/reporting"
)

// OrchestrationError signals unrecoverable internal state, e.g. the
// component set could not be initialized. Per-iteration failures never
// surface as this error; they are captured in the result's error list.
type OrchestrationError struct {
	Reason string
}

func (e *OrchestrationError) Error() string {
	return "orchestration failed: " + e.Reason
}

// EngineFactory builds the execution engine for a fuzzing configuration.
type EngineFactory func(cfg config.FuzzingConfig, logger *reporting.Logger) fuzz.Fuzzer

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *reporting.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the Prometheus instrumentation.
func WithMetrics(metrics *reporting.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithStorage enables report persistence.
func WithStorage(storage *reporting.Storage) Option {
	return func(o *Orchestrator) { o.storage = storage }
}

// WithEngineFactory replaces the default simulated execution engine.
func WithEngineFactory(factory EngineFactory) Option {
	return func(o *Orchestrator) { o.newEngine = factory }
}

// Orchestrator coordinates the hybrid fuzzing components. It exclusively
// owns its component set; components never reference it back.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     map[string]any
	logger  *reporting.Logger
	metrics *reporting.Metrics
	storage *reporting.Storage

	newEngine EngineFactory

	initializedAt   time.Time
	analysisCount   int
	history         []HistoryRecord
	componentsReady bool

	engine     fuzz.Fuzzer
	symbolic   *fuzz.SymbolicBridge
	taint      *fuzz.TaintMutator
	scheduler  *fuzz.PowerScheduler
	dictionary *fuzz.Dictionary
}

// New creates an orchestrator with the given dynamic configuration map.
// Components are initialized lazily on the first analysis.
func New(cfg map[string]any, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = make(map[string]any)
	}
	o := &Orchestrator{
		cfg:           cfg,
		logger:        reporting.NopLogger(),
		metrics:       reporting.NewMetrics(),
		initializedAt: time.Now(),
		newEngine: func(fcfg config.FuzzingConfig, logger *reporting.Logger) fuzz.Fuzzer {
			return fuzz.NewVMFuzzer(fcfg, logger)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configure merges the given options into the configuration map.
func (o *Orchestrator) Configure(opts map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, value := range opts {
		o.cfg[key] = value
	}
}

// ConfigValue returns the configured value for a key.
func (o *Orchestrator) ConfigValue(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	value, ok := o.cfg[key]
	return value, ok
}

// Status returns a snapshot of orchestrator state, including the last
// five history records.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	history := o.history
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	cfgCopy := make(map[string]any, len(o.cfg))
	for key, value := range o.cfg {
		cfgCopy[key] = value
	}
	return Status{
		InitializedAt:   o.initializedAt,
		AnalysisCount:   o.analysisCount,
		ComponentsReady: o.componentsReady,
		Config:          cfgCopy,
		History:         append([]HistoryRecord(nil), history...),
	}
}

// Shutdown releases the component set under exclusive access.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engine = nil
	o.symbolic = nil
	o.taint = nil
	o.scheduler = nil
	o.dictionary = nil
	o.componentsReady = false
	o.logger.Info("Orchestrator shut down")
}

// Execute runs one analysis request and always returns a well-formed
// result. The returned error is non-nil only for unrecoverable internal
// state; workflow failures are recorded in the result's error list.
func (o *Orchestrator) Execute(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	kind := ParseAnalysisType(string(req.AnalysisType))

	result := &AnalysisResult{
		RequestID:    req.RequestID,
		AnalysisType: kind,
		Success:      true,
	}

	var orchErr *OrchestrationError
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
				o.logger.Error("Analysis panicked", "request", req.RequestID, "panic", r)
			}
		}()

		var err error
		switch kind {
		case AnalysisHybrid:
			result.Results, err = o.executeHybrid(ctx, req)
			if err == nil {
				result.Notes = append(result.Notes, "Hybrid pipeline scheduled with taint + symbolic hints")
			}
		case AnalysisDynamic, AnalysisFuzzing:
			result.Results, err = o.executeDynamic(req)
			if err == nil {
				result.Notes = append(result.Notes, "Dynamic fuzzing plan prepared")
			}
		case AnalysisVM:
			result.Results, err = o.executeVM(req)
			if err == nil {
				result.Notes = append(result.Notes, "VM-specific workflow staged")
			}
		default:
			result.Results = o.executeStatic(req)
			result.Notes = append(result.Notes, "Static workflow placeholder completed")
		}
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
			if oe, ok := err.(*OrchestrationError); ok {
				orchErr = oe
			}
		}
	}()

	result.Metrics = o.collectMetrics(start, result.Success, kind)

	o.mu.Lock()
	o.analysisCount++
	o.history = append(o.history, HistoryRecord{
		RequestID:       req.RequestID,
		AnalysisType:    kind,
		Success:         result.Success,
		DurationSeconds: result.Metrics.DurationSeconds,
	})
	o.mu.Unlock()

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	o.metrics.AnalysesTotal.WithLabelValues(string(kind), outcome).Inc()

	if o.storage != nil {
		if _, err := o.storage.SaveReport(req.RequestID, start, result); err != nil {
			o.logger.Warn("Failed to persist analysis report", "error", err)
		}
	}

	if orchErr != nil {
		return result, orchErr
	}
	return result, nil
}

// ensureComponents lazily initializes the component set exactly once
// under the single-writer guard.
func (o *Orchestrator) ensureComponents() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.componentsReady {
		return nil
	}

	fcfg := config.FuzzingFromOptions(subMap(o.cfg, "fuzzing"))
	o.engine = o.newEngine(fcfg, o.logger)
	if o.engine == nil {
		return &OrchestrationError{Reason: "execution engine factory returned nothing"}
	}

	seed := fcfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	o.symbolic = fuzz.NewSymbolicBridge(o.logger)
	o.taint = fuzz.NewTaintMutator(rng, o.logger)
	o.scheduler = fuzz.NewPowerScheduler(0.5)
	o.dictionary = fuzz.NewDictionary(rng)
	o.componentsReady = true

	o.logger.Info("Components initialized",
		"strategy", string(fcfg.Strategy),
		"max_iterations", fcfg.MaxIterations)
	return nil
}

// executeDynamic prepares a pure dynamic fuzzing plan.
func (o *Orchestrator) executeDynamic(req *AnalysisRequest) (AnalysisResults, error) {
	if err := o.ensureComponents(); err != nil {
		return AnalysisResults{}, err
	}
	return AnalysisResults{
		Dynamic: &DynamicPlan{
			Strategy:     "dynamic_fuzzing",
			Config:       o.engine.Config(),
			SeedInputs:   len(req.SeedInputs),
			CoverageGoal: coverageSetOf(req.Options["coverage"]).Sorted(),
		},
	}, nil
}

// executeVM prepares a VM-centric analysis plan.
func (o *Orchestrator) executeVM(req *AnalysisRequest) (AnalysisResults, error) {
	if err := o.ensureComponents(); err != nil {
		return AnalysisResults{}, err
	}
	return AnalysisResults{
		VM: &VMPlan{
			Strategy:          "vm_handler_focus",
			KnownHandlers:     len(o.engine.VMHandlers()),
			DispatcherAddress: o.engine.DispatcherAddress(),
			TaintReady:        o.engine.Config().EnableTaint,
		},
	}, nil
}

// executeStatic returns the static analysis placeholder.
func (o *Orchestrator) executeStatic(req *AnalysisRequest) AnalysisResults {
	return AnalysisResults{
		Static: &StaticPlan{
			Strategy:   "static_placeholder",
			BinaryPath: req.BinaryPath,
			Notes:      "static analysis engine not yet wired into the core",
		},
	}
}

// collectMetrics gathers duration and, when available, process metrics.
func (o *Orchestrator) collectMetrics(start time.Time, success bool, kind AnalysisType) ResultMetrics {
	duration := time.Since(start).Seconds()
	if duration < 0 {
		duration = 0
	}
	metrics := ResultMetrics{
		DurationSeconds: round6(duration),
		Success:         success,
		AnalysisType:    string(kind),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			metrics.RSSMB = math.Round(float64(mem.RSS)/(1024*1024)*100) / 100
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			metrics.CPUPercent = cpu
		}
	}
	return metrics
}

// round6 rounds to six decimal places, the precision used for durations.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
