// Package reporting assembles human-readable summaries of a conformance run.
package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/osdev-ci/kconform/types"
)

// ReportStats contains aggregated statistics for a test run
type ReportStats struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	Timeouts int
	PassRate float64
}

// BuildStats folds a result list into aggregate statistics
func BuildStats(results []*types.TestResult) ReportStats {
	var stats ReportStats
	for _, result := range results {
		stats.Total++
		switch result.Status {
		case types.TestStatusPass:
			stats.Passed++
		case types.TestStatusSkip:
			stats.Skipped++
		default:
			stats.Failed++
		}
		if result.TimedOut {
			stats.Timeouts++
		}
	}
	if stats.Total > 0 {
		stats.PassRate = float64(stats.Passed) / float64(stats.Total)
	}
	return stats
}

// FailedTestNames returns the identifiers of failed tests in run order
func FailedTestNames(results []*types.TestResult) []string {
	var failed []string
	for _, result := range results {
		if result.Status == types.TestStatusFail {
			failed = append(failed, result.Case.GetName())
		}
	}
	return failed
}

// TotalDuration sums the per-test durations
func TotalDuration(results []*types.TestResult) time.Duration {
	var total time.Duration
	for _, result := range results {
		total += result.Duration
	}
	return total
}

// FormatTextSummary renders the run summary: banner, per-test outcome lines,
// the pass tally, elapsed time, and a re-listing of every failed test.
// elapsed is the run's wall-clock duration, not the sum of test durations.
func FormatTextSummary(results []*types.TestResult, runID string, targetName string, elapsed time.Duration) string {
	stats := BuildStats(results)

	var b strings.Builder
	fmt.Fprintf(&b, "========== conformance run %s (target: %s) ==========\n", runID, targetName)
	fmt.Fprintf(&b, "tests: %d\n\n", stats.Total)

	currentSuite := ""
	for _, result := range results {
		if result.Case.Suite != currentSuite {
			currentSuite = result.Case.Suite
			fmt.Fprintf(&b, "[%s]\n", currentSuite)
		}
		fmt.Fprintf(&b, "  %-16s %-4s %8.3fs%s\n",
			result.Case.GetName(),
			statusLabel(result.Status),
			result.Duration.Seconds(),
			errorSuffix(result))
	}

	fmt.Fprintf(&b, "\npassed: %d/%d\n", stats.Passed, stats.Total)
	fmt.Fprintf(&b, "elapsed: %.3fs\n", elapsed.Seconds())

	for _, name := range FailedTestNames(results) {
		fmt.Fprintf(&b, "test %s FAILED\n", name)
	}

	return b.String()
}

func statusLabel(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "ok"
	case types.TestStatusSkip:
		return "skip"
	default:
		return "FAIL"
	}
}

func errorSuffix(result *types.TestResult) string {
	if result.Error == nil {
		return ""
	}
	msg := result.Error.Error()
	if idx := strings.Index(msg, "\n"); idx != -1 {
		msg = msg[:idx]
	}
	return "  (" + msg + ")"
}
