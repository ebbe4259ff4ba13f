package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdev-ci/kconform/types"
)

func passResult(name, suite string) *types.TestResult {
	return &types.TestResult{
		Case:     types.TestCase{ID: name, Binary: name, Suite: suite},
		Status:   types.TestStatusPass,
		Duration: 10 * time.Millisecond,
		Stdout:   "all good\n",
	}
}

func failResult(name, suite string) *types.TestResult {
	return &types.TestResult{
		Case:     types.TestCase{ID: name, Binary: name, Suite: suite},
		Status:   types.TestStatusFail,
		Error:    errors.New("exit status 1"),
		Duration: 5 * time.Millisecond,
		Stdout:   "\x1b[31msomething broke\x1b[0m\n",
	}
}

func TestNewFileLogger_Validation(t *testing.T) {
	_, err := NewFileLogger("", "run-1", "target")
	require.Error(t, err)

	_, err = NewFileLogger(t.TempDir(), "", "target")
	require.Error(t, err)
}

func TestFileLogger_WritesTestLogs(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewFileLogger(baseDir, "run-1", "target")
	require.NoError(t, err)

	require.NoError(t, logger.LogTestResult(passResult("fork", "process"), "run-1"))
	require.NoError(t, logger.LogTestResult(failResult("mmap", "memory"), "run-1"))

	runDir := filepath.Join(baseDir, RunDirectoryPrefix+"run-1")
	assert.FileExists(t, filepath.Join(runDir, "passed", "fork.log"))
	assert.FileExists(t, filepath.Join(runDir, "failed", "mmap.log"))

	content, err := os.ReadFile(filepath.Join(runDir, "failed", "mmap.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "exit status 1")
	assert.Contains(t, string(content), "something broke")
	assert.NotContains(t, string(content), "\x1b[31m", "ANSI codes must be stripped")
}

func TestFileLogger_CompleteWritesSummaryAndCombinedLog(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewFileLogger(baseDir, "run-2", "target")
	require.NoError(t, err)

	require.NoError(t, logger.LogTestResult(passResult("fork", "process"), "run-2"))
	require.NoError(t, logger.LogTestResult(failResult("mmap", "memory"), "run-2"))
	require.NoError(t, logger.Complete("run-2"))

	runDir := logger.GetDirectoryForRunID("run-2")

	summary, err := os.ReadFile(filepath.Join(runDir, SummaryFilename))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "passed: 1/2")
	assert.Contains(t, string(summary), "test mmap FAILED")
	assert.Contains(t, string(summary), "elapsed:")

	allLogs, err := os.ReadFile(filepath.Join(runDir, AllLogsFilename))
	require.NoError(t, err)
	assert.Contains(t, string(allLogs), "fork")
	assert.Contains(t, string(allLogs), "all good")
}

func TestFileLogger_GetRunID(t *testing.T) {
	logger, err := NewFileLogger(t.TempDir(), "run-3", "target")
	require.NoError(t, err)
	assert.Equal(t, "run-3", logger.GetRunID())
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c_d", sanitizeFilename("a/b c:d"))
}
