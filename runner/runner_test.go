package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdev-ci/kconform/logging"
	"github.com/osdev-ci/kconform/registry"
	"github.com/osdev-ci/kconform/types"
)

// writeFakeTest creates an executable shell script standing in for a
// conformance test binary.
func writeFakeTest(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + script + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
}

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestRunner(t *testing.T, testDir, manifest string, opts ...func(*Config)) TestRunner {
	t.Helper()
	reg, err := registry.NewRegistry(registry.Config{
		Log:          log.New(),
		ManifestFile: manifest,
	})
	require.NoError(t, err)

	cfg := Config{
		Registry: reg,
		TestDir:  testDir,
		Log:      log.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := NewTestRunner(cfg)
	require.NoError(t, err)
	return r
}

func TestRunAllTests_AllPass(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "echo_ok", `echo "hello"; exit 0`)
	writeFakeTest(t, dir, "mmap_ok", `exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: echo_ok
      - binary: mmap_ok
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Equal(t, 2, result.Stats.Total)
	assert.Equal(t, 2, result.Stats.Passed)
	assert.Equal(t, 0, result.Stats.Failed)
	assert.Empty(t, result.FailedTests())
	assert.NotEmpty(t, result.RunID)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestRunAllTests_OneFailure(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "echo_ok", `exit 0`)
	writeFakeTest(t, dir, "crash_test", `exit 3`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: echo_ok
      - binary: crash_test
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, 2, result.Stats.Total)
	assert.Equal(t, 1, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.Failed)
	assert.Equal(t, []string{"crash_test"}, result.FailedTests())
}

func TestRunAllTests_NoEarlyAbort(t *testing.T) {
	// A failure first in the list must not mask later results
	dir := t.TempDir()
	writeFakeTest(t, dir, "a_fails", `exit 1`)
	writeFakeTest(t, dir, "b_succeeds", `exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: a_fails
      - binary: b_succeeds
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Suites, 1)
	tests := result.Suites[0].Tests
	require.Len(t, tests, 2)
	assert.Equal(t, "a_fails", tests[0].Case.GetName())
	assert.Equal(t, types.TestStatusFail, tests[0].Status)
	assert.Equal(t, "b_succeeds", tests[1].Case.GetName())
	assert.Equal(t, types.TestStatusPass, tests[1].Status)
}

func TestRunAllTests_OrderPreserved(t *testing.T) {
	dir := t.TempDir()
	names := []string{"t_one", "t_two", "t_three", "t_four"}
	for _, name := range names {
		writeFakeTest(t, dir, name, `exit 0`)
	}
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: t_one
      - binary: t_two
      - binary: t_three
      - binary: t_four
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Suites, 1)
	require.Len(t, result.Suites[0].Tests, len(names))
	for i, tr := range result.Suites[0].Tests {
		assert.Equal(t, names[i], tr.Case.GetName(), "results must preserve input order")
	}
}

func TestRunAllTests_SuiteOrdering(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "proc_a", `exit 0`)
	writeFakeTest(t, dir, "fs_a", `exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: process
    tests:
      - binary: proc_a
  - id: filesystem
    tests:
      - binary: fs_a
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Suites, 2)
	assert.Equal(t, "process", result.Suites[0].ID)
	assert.Equal(t, "filesystem", result.Suites[1].ID)
}

func TestRunTest_SignalTermination(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "sigkill_self", `kill -9 $$`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: sigkill_self
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "sigkill_self", Binary: "sigkill_self", Suite: "default",
	})
	require.NoError(t, err)

	assert.Equal(t, types.TestStatusFail, result.Status)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "signal")
}

func TestRunTest_SpawnFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	// Binary never created; the registry still lists it
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: does_not_exist
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunAllTests(context.Background())
	require.Error(t, err, "a spawn failure must abort the whole run")
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestRunTest_EmptyEnvironmentByDefault(t *testing.T) {
	t.Setenv("KCONFORM_SENTINEL", "leaked")

	dir := t.TempDir()
	// Fails if the runner's environment leaks into the child
	writeFakeTest(t, dir, "env_check", `[ -z "$KCONFORM_SENTINEL" ] || exit 1`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: env_check
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "env_check", Binary: "env_check", Suite: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, result.Status, "child must receive an empty environment")
}

func TestRunTest_PassthroughEnv(t *testing.T) {
	t.Setenv("KCONFORM_SENTINEL", "visible")

	dir := t.TempDir()
	writeFakeTest(t, dir, "env_check", `[ "$KCONFORM_SENTINEL" = "visible" ] || exit 1`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: env_check
`)

	r := newTestRunner(t, dir, manifest, func(cfg *Config) {
		cfg.PassthroughEnv = true
	})
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "env_check", Binary: "env_check", Suite: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, result.Status)
}

func TestRunTest_Timeout(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "hang", `while :; do :; done`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: hang
`)

	r := newTestRunner(t, dir, manifest, func(cfg *Config) {
		cfg.DefaultTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "hang", Binary: "hang", Suite: "default",
	})
	require.NoError(t, err)

	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must kill the child promptly")
}

func TestRunTest_PerCaseTimeoutOverride(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "hang", `while :; do :; done`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: hang
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "hang", Binary: "hang", Suite: "default", Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
}

func TestRunAllTests_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "steady_pass", `exit 0`)
	writeFakeTest(t, dir, "steady_fail", `exit 1`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: steady_pass
      - binary: steady_fail
`)

	r := newTestRunner(t, dir, manifest)

	first, err := r.RunAllTests(context.Background())
	require.NoError(t, err)
	second, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Stats.Passed, second.Stats.Passed)
	assert.Equal(t, first.Stats.Failed, second.Stats.Failed)
	assert.Equal(t, first.FailedTests(), second.FailedTests())
}

func TestRunAllTests_FreshLogDirectoryPerRun(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	writeFakeTest(t, dir, "steady", `echo "fine"; exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: steady
`)

	r := newTestRunner(t, dir, manifest, func(cfg *Config) {
		cfg.LogDir = logDir
	})

	first, err := r.RunAllTests(context.Background())
	require.NoError(t, err)
	second, err := r.RunAllTests(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, first.RunID, second.RunID, "each run must get its own run ID")

	for _, result := range []*RunnerResult{first, second} {
		runDir := filepath.Join(logDir, logging.RunDirectoryPrefix+result.RunID)
		assert.FileExists(t, filepath.Join(runDir, "passed", "steady.log"))

		summary, err := os.ReadFile(filepath.Join(runDir, logging.SummaryFilename))
		require.NoError(t, err)
		assert.Contains(t, string(summary), "tests: 1")
		assert.Contains(t, string(summary), "passed: 1/1")
		assert.Equal(t, 1, strings.Count(string(summary), "steady"),
			"summary must only count its own run")

		allLogs, err := os.ReadFile(filepath.Join(runDir, logging.AllLogsFilename))
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(string(allLogs), "=== steady"))
	}
}

func TestRunAllTests_CancellationReturnsPartialResults(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "quick_pass", `exit 0`)
	writeFakeTest(t, dir, "hang", `while :; do :; done`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: quick_pass
      - binary: hang
`)

	r := newTestRunner(t, dir, manifest)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(250 * time.Millisecond)
		cancel()
	}()

	result, err := r.RunAllTests(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, result, "a canceled run must surface the results collected so far")
	require.Len(t, result.Suites, 1)
	require.Len(t, result.Suites[0].Tests, 1)
	assert.Equal(t, "quick_pass", result.Suites[0].Tests[0].Case.GetName())
	assert.Equal(t, types.TestStatusPass, result.Suites[0].Tests[0].Status)
	assert.Equal(t, 1, result.Stats.Passed)
}

func TestRunAllTests_CapturesOutput(t *testing.T) {
	dir := t.TempDir()
	writeFakeTest(t, dir, "chatty", `echo "diagnostic line"; echo "warn" >&2; exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: chatty
`)

	r := newTestRunner(t, dir, manifest)
	result, err := r.RunTest(context.Background(), types.TestCase{
		ID: "chatty", Binary: "chatty", Suite: "default",
	})
	require.NoError(t, err)

	assert.Contains(t, result.Stdout, "diagnostic line")
	assert.Contains(t, result.Stderr, "warn")
}

func TestNewTestRunner_Validation(t *testing.T) {
	_, err := NewTestRunner(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry is required")

	dir := t.TempDir()
	writeFakeTest(t, dir, "noop", `exit 0`)
	manifest := writeManifest(t, dir, `
suites:
  - id: default
    tests:
      - binary: noop
`)
	reg, err := registry.NewRegistry(registry.Config{
		Log:          log.New(),
		ManifestFile: manifest,
	})
	require.NoError(t, err)

	_, err = NewTestRunner(Config{Registry: reg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test directory is required")
}
