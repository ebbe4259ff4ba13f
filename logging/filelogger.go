// Package logging persists per-test output and run summaries to disk.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/osdev-ci/kconform/reporting"
	"github.com/osdev-ci/kconform/types"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories
	SummaryFilename    = "summary.log"
	AllLogsFilename    = "all.log"
)

// ResultSink is an interface for different ways of consuming test results
type ResultSink interface {
	// Consume processes a single test result
	Consume(result *types.TestResult, runID string) error
	// Complete is called when all results have been consumed; elapsed is the
	// run's wall-clock duration
	Complete(runID string, elapsed time.Duration) error
}

// FileLogger handles writing test output to files
type FileLogger struct {
	baseDir   string // Base directory for logs
	logDir    string // Directory for this run
	failedDir string // Directory for failed tests
	passedDir string // Directory for passed tests
	mu        sync.Mutex
	sinks     []ResultSink
	runID     string
	start     time.Time
}

// NewFileLogger creates a new FileLogger rooted at baseDir/testrun-<runID>
func NewFileLogger(baseDir string, runID string, targetName string) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	failedDir := filepath.Join(logDir, "failed")
	passedDir := filepath.Join(logDir, "passed")

	for _, dir := range []string{baseDir, logDir, failedDir, passedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	logger := &FileLogger{
		baseDir:   baseDir,
		logDir:    logDir,
		failedDir: failedDir,
		passedDir: passedDir,
		runID:     runID,
		start:     time.Now(),
	}
	logger.sinks = []ResultSink{
		NewTextSummarySink(logDir, targetName),
		NewAllLogsSink(logDir),
	}

	return logger, nil
}

// GetRunID returns the run identifier this logger was created for
func (l *FileLogger) GetRunID() string {
	return l.runID
}

// GetDirectoryForRunID returns the directory logs are written to
func (l *FileLogger) GetDirectoryForRunID(runID string) string {
	return filepath.Join(l.baseDir, RunDirectoryPrefix+runID)
}

// LogTestResult writes the captured output of one test to its own file and
// feeds the result to all sinks. Output is ANSI-stripped; the file lands in
// passed/ or failed/ depending on the outcome.
func (l *FileLogger) LogTestResult(result *types.TestResult, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.passedDir
	if result.Status == types.TestStatusFail {
		dir = l.failedDir
	}

	var b strings.Builder
	fmt.Fprintf(&b, "test: %s\nsuite: %s\nstatus: %s\nduration: %s\n",
		result.Case.GetName(), result.Case.Suite, result.Status, result.Duration)
	if result.Error != nil {
		fmt.Fprintf(&b, "error: %v\n", result.Error)
	}
	if result.Stdout != "" {
		fmt.Fprintf(&b, "\n--- stdout ---\n%s", stripansi.Strip(result.Stdout))
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "\n--- stderr ---\n%s", stripansi.Strip(result.Stderr))
	}

	filename := filepath.Join(dir, sanitizeFilename(result.Case.GetName())+".log")
	if err := os.WriteFile(filename, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write test log %s: %w", filename, err)
	}

	for _, sink := range l.sinks {
		if err := sink.Consume(result, runID); err != nil {
			return fmt.Errorf("sink failed to consume result: %w", err)
		}
	}
	return nil
}

// Complete finalizes all sinks for the run. The elapsed time handed to sinks
// is wall-clock from logger creation, which a fresh-per-run logger makes the
// run duration.
func (l *FileLogger) Complete(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.start)
	for _, sink := range l.sinks {
		if err := sink.Complete(runID, elapsed); err != nil {
			return fmt.Errorf("sink failed to complete: %w", err)
		}
	}
	return nil
}

// sanitizeFilename keeps test-log filenames filesystem-safe
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return replacer.Replace(name)
}

// TextSummarySink accumulates results and writes summary.log on completion
type TextSummarySink struct {
	logDir     string
	targetName string
	results    []*types.TestResult
}

// NewTextSummarySink creates a summary sink writing into logDir
func NewTextSummarySink(logDir string, targetName string) *TextSummarySink {
	return &TextSummarySink{
		logDir:     logDir,
		targetName: targetName,
	}
}

// Consume collects test results for later summary generation
func (s *TextSummarySink) Consume(result *types.TestResult, runID string) error {
	s.results = append(s.results, result)
	return nil
}

// Complete generates the text summary file
func (s *TextSummarySink) Complete(runID string, elapsed time.Duration) error {
	content := reporting.FormatTextSummary(s.results, runID, s.targetName, elapsed)
	summaryFile := filepath.Join(s.logDir, SummaryFilename)
	if err := os.WriteFile(summaryFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}

// AllLogsSink appends every test's output into a single combined log
type AllLogsSink struct {
	logDir string
	lines  []string
}

// NewAllLogsSink creates a combined-log sink writing into logDir
func NewAllLogsSink(logDir string) *AllLogsSink {
	return &AllLogsSink{logDir: logDir}
}

// Consume records one test's output for the combined log
func (s *AllLogsSink) Consume(result *types.TestResult, runID string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s (%s) ===\n", result.Case.GetName(), result.Status)
	if result.Stdout != "" {
		b.WriteString(stripansi.Strip(result.Stdout))
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	s.lines = append(s.lines, b.String())
	return nil
}

// Complete writes the combined log file
func (s *AllLogsSink) Complete(runID string, elapsed time.Duration) error {
	allLogsFile := filepath.Join(s.logDir, AllLogsFilename)
	content := strings.Join(s.lines, "")
	if err := os.WriteFile(allLogsFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write combined log file: %w", err)
	}
	return nil
}
