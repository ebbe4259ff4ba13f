// Package runner executes conformance test binaries as isolated child
// processes, one at a time, and aggregates their results in input order.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/osdev-ci/kconform/logging"
	"github.com/osdev-ci/kconform/metrics"
	"github.com/osdev-ci/kconform/registry"
	"github.com/osdev-ci/kconform/types"
)

// SuiteResult captures aggregated results for one suite
type SuiteResult struct {
	ID       string
	Tests    []*types.TestResult
	Status   types.TestStatus
	Duration time.Duration
	Stats    ResultStats
}

// RunnerResult captures the complete test run results.
// Suites and tests are ordered exactly as the input list was.
type RunnerResult struct {
	Suites   []*SuiteResult
	Status   types.TestStatus
	Duration time.Duration
	Stats    ResultStats
	RunID    string
}

// ResultStats tracks test statistics at each level
type ResultStats struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// FailedTests returns the identifiers of all failed tests, in run order
func (r *RunnerResult) FailedTests() []string {
	var failed []string
	for _, suite := range r.Suites {
		for _, test := range suite.Tests {
			if test.Status == types.TestStatusFail {
				failed = append(failed, test.Case.GetName())
			}
		}
	}
	return failed
}

// String returns the one-line run summary
func (r *RunnerResult) String() string {
	return fmt.Sprintf("Conformance run %s: %s (passed %d/%d, failed %d, skipped %d) in %.1fs",
		r.RunID, r.Status, r.Stats.Passed, r.Stats.Total, r.Stats.Failed, r.Stats.Skipped,
		r.Duration.Seconds())
}

// TestRunner defines the interface for running conformance tests
type TestRunner interface {
	RunAllTests(ctx context.Context) (*RunnerResult, error)
	RunTest(ctx context.Context, tc types.TestCase) (*types.TestResult, error)
}

// runner struct implements the TestRunner interface
type runner struct {
	registry       *registry.Registry
	cases          []types.TestCase
	testDir        string // Directory holding the test binaries
	log            log.Logger
	runID          string
	defaultTimeout time.Duration // 0 preserves the unbounded wait
	passthroughEnv bool          // Children get an empty environment unless set
	logDir         string
	fileLogger     *logging.FileLogger // Created fresh for each run, nil between runs
	targetName     string              // Name of the kernel/target under test, metric label only
	tracer         trace.Tracer
}

// Config holds configuration for creating a new runner
type Config struct {
	Registry       *registry.Registry
	TestDir        string
	Log            log.Logger
	DefaultTimeout time.Duration
	PassthroughEnv bool
	LogDir         string // Base directory for per-run file logs; empty disables them
	TargetName     string
	TargetSuite    string
}

// NewTestRunner creates a new test runner instance
func NewTestRunner(cfg Config) (TestRunner, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.TestDir == "" {
		return nil, fmt.Errorf("test directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	var cases []types.TestCase
	if len(cfg.TargetSuite) > 0 {
		cases = cfg.Registry.GetTestCasesBySuite(cfg.TargetSuite)
	} else {
		cases = cfg.Registry.GetTestCases()
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no test cases found")
	}

	targetName := cfg.TargetName
	if targetName == "" {
		targetName = "unknown"
	}

	cfg.Log.Debug("NewTestRunner()", "testDir", cfg.TestDir, "cases", len(cases),
		"defaultTimeout", cfg.DefaultTimeout, "passthroughEnv", cfg.PassthroughEnv,
		"targetName", targetName)

	return &runner{
		registry:       cfg.Registry,
		cases:          cases,
		testDir:        cfg.TestDir,
		log:            cfg.Log,
		defaultTimeout: cfg.DefaultTimeout,
		passthroughEnv: cfg.PassthroughEnv,
		logDir:         cfg.LogDir,
		targetName:     targetName,
		tracer:         otel.Tracer("conformance runner"),
	}, nil
}

// RunAllTests implements the TestRunner interface.
// Tests run strictly sequentially in input order; a test failure never aborts
// the run, so every case yields exactly one result. A spawn failure is fatal
// and returned as an error. Cancellation also returns an error, together with
// the partial results collected so far. Each run gets its own run ID and its
// own log directory.
func (r *runner) RunAllTests(ctx context.Context) (*RunnerResult, error) {
	r.runID = uuid.New().String()
	if r.logDir != "" {
		fileLogger, err := logging.NewFileLogger(r.logDir, r.runID, r.targetName)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger for run %s: %w", r.runID, err)
		}
		r.fileLogger = fileLogger
	}

	defer func() {
		r.runID = ""
		r.fileLogger = nil
	}()
	start := time.Now()
	r.log.Info("Starting conformance run", "run_id", r.runID, "tests", len(r.cases))

	result := &RunnerResult{
		Stats: ResultStats{StartTime: start},
		RunID: r.runID,
	}

	if err := r.processSuites(ctx, result); err != nil {
		if errors.Is(err, context.Canceled) {
			// A canceled run still surfaces everything that completed
			// before the cancellation.
			result.Duration = time.Since(start)
			result.Status = determineRunStatus(result)
			result.Stats.EndTime = time.Now()
			return result, err
		}
		return nil, err
	}

	result.Duration = time.Since(start)
	result.Status = determineRunStatus(result)
	result.Stats.EndTime = time.Now()

	if r.fileLogger != nil {
		if err := r.fileLogger.Complete(r.runID); err != nil {
			r.log.Error("Failed to complete file logging", "error", err)
		}
	}

	return result, nil
}

// processSuites runs all suites in manifest order
func (r *runner) processSuites(ctx context.Context, result *RunnerResult) error {
	for _, suiteID := range r.suiteOrder() {
		if err := r.processSuite(ctx, suiteID, result); err != nil {
			return fmt.Errorf("processing suite %s: %w", suiteID, err)
		}
	}
	return nil
}

// suiteOrder returns suite IDs in first-appearance order of the case list
func (r *runner) suiteOrder() []string {
	var order []string
	seen := make(map[string]bool)
	for _, tc := range r.cases {
		if !seen[tc.Suite] {
			seen[tc.Suite] = true
			order = append(order, tc.Suite)
		}
	}
	return order
}

// processSuite runs a single suite's tests in listed order
func (r *runner) processSuite(ctx context.Context, suiteID string, result *RunnerResult) error {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("suite %s", suiteID))
	defer span.End()

	suiteStart := time.Now()
	suiteResult := &SuiteResult{
		ID:    suiteID,
		Stats: ResultStats{StartTime: suiteStart},
	}
	result.Suites = append(result.Suites, suiteResult)

	for _, tc := range r.cases {
		if tc.Suite != suiteID {
			continue
		}

		testResult, err := r.RunTest(ctx, tc)
		if err != nil {
			return fmt.Errorf("running test %s: %w", tc.GetName(), err)
		}

		suiteResult.Tests = append(suiteResult.Tests, testResult)
		updateStats(&suiteResult.Stats, testResult)
		updateStats(&result.Stats, testResult)

		if r.fileLogger != nil {
			if err := r.fileLogger.LogTestResult(testResult, r.runID); err != nil {
				r.log.Error("Failed to write test log", "test", tc.GetName(), "error", err)
			}
		}
	}

	suiteResult.Duration = time.Since(suiteStart)
	suiteResult.Status = determineSuiteStatus(suiteResult)
	suiteResult.Stats.EndTime = time.Now()

	return nil
}

// RunTest implements the TestRunner interface
func (r *runner) RunTest(ctx context.Context, tc types.TestCase) (*types.TestResult, error) {
	var result *types.TestResult
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			errMsg := fmt.Sprintf("runtime error: %v", rec)
			r.log.Error("Panic in RunTest", "error", errMsg, "test", tc.GetName())

			if result == nil {
				result = &types.TestResult{
					Case:   tc,
					Status: types.TestStatusFail,
					Error:  fmt.Errorf("%s", errMsg),
				}
			} else {
				result.Status = types.TestStatusFail
				result.Error = fmt.Errorf("%s", errMsg)
			}
			err = fmt.Errorf("%s", errMsg)
		}
	}()

	start := time.Now()
	result, err = r.runSingleTest(ctx, tc)

	var status types.TestStatus
	if result != nil {
		result.Duration = time.Since(start)
		status = result.Status
	} else {
		status = types.TestStatusError
	}
	metrics.RecordTest(r.targetName, r.runID, tc.Suite, tc.GetName(), status)

	return result, err
}

// runSingleTest spawns the test binary and blocks until it terminates.
//
// The child receives no arguments and, unless passthrough is enabled, an
// empty environment; conformance binaries are self-contained. exec.Cmd.Wait
// reaps exactly the spawned child, so the awaited PID is always the right one.
func (r *runner) runSingleTest(ctx context.Context, tc types.TestCase) (*types.TestResult, error) {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("test %s", tc.GetName()))
	defer span.End()

	timeout := tc.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	if timeout != 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	binPath := filepath.Join(r.testDir, tc.Binary)
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Dir = r.testDir
	// Grandchildren inheriting our pipes must not keep Wait blocked after the
	// context kills the direct child.
	cmd.WaitDelay = 2 * time.Second
	if !r.passthroughEnv {
		cmd.Env = []string{}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info("Running test", "test", tc.GetName(), "suite", tc.Suite)
	r.log.Debug("Running test command",
		"binary", binPath,
		"timeout", timeout,
		"passthroughEnv", r.passthroughEnv)

	runErr := cmd.Run()

	result := &types.TestResult{
		Case:   tc,
		Status: types.TestStatusPass,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		// The whole run was canceled; the child has already been killed and
		// reaped by CommandContext.
		return nil, fmt.Errorf("run canceled during test %s: %w", tc.GetName(), ctx.Err())
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.Status = types.TestStatusFail
		result.TimedOut = true
		result.Error = fmt.Errorf("test timed out after %v", timeout)
		r.log.Warn("Test timed out", "test", tc.GetName(), "timeout", timeout)
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The child execution context could not be created at all.
			// That breaks the precondition every test depends on, so it is
			// fatal for the whole run rather than a per-test failure.
			metrics.RecordErrorDetails("spawn failure", runErr)
			return nil, fmt.Errorf("failed to spawn test %s: %w", tc.GetName(), runErr)
		}

		result.Status = types.TestStatusFail
		if ws := exitErr.Sys(); exitErr.ExitCode() == -1 {
			result.Error = fmt.Errorf("terminated by signal: %v (wait status %v)", exitErr, ws)
		} else {
			result.Error = fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		r.log.Warn("Test failed", "test", tc.GetName(), "error", result.Error)
		return result, nil
	}

	r.log.Info("Test passed", "test", tc.GetName())
	return result, nil
}

// updateStats folds one test result into a stats record
func updateStats(stats *ResultStats, test *types.TestResult) {
	stats.Total++
	switch test.Status {
	case types.TestStatusPass:
		stats.Passed++
	case types.TestStatusSkip:
		stats.Skipped++
	default:
		stats.Failed++
	}
}

// determineSuiteStatus computes the overall status of a suite
func determineSuiteStatus(suite *SuiteResult) types.TestStatus {
	if suite.Stats.Failed > 0 {
		return types.TestStatusFail
	}
	if suite.Stats.Passed == 0 && suite.Stats.Skipped > 0 {
		return types.TestStatusSkip
	}
	return types.TestStatusPass
}

// determineRunStatus computes the overall status of the run
func determineRunStatus(result *RunnerResult) types.TestStatus {
	if result.Stats.Failed > 0 {
		return types.TestStatusFail
	}
	if result.Stats.Passed == 0 && result.Stats.Skipped > 0 {
		return types.TestStatusSkip
	}
	return types.TestStatusPass
}
