// Package kconform implements the kernel syscall conformance runner service.
package kconform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/osdev-ci/kconform/exitcodes"
	"github.com/osdev-ci/kconform/metrics"
	"github.com/osdev-ci/kconform/registry"
	"github.com/osdev-ci/kconform/runner"
	"github.com/osdev-ci/kconform/types"
)

// conformer implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &conformer{}

// conformer drives conformance test runs against a kernel under test.
type conformer struct {
	ctx      context.Context
	config   *Config
	version  string
	registry *registry.Registry
	runner   runner.TestRunner
	result   *runner.RunnerResult

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*conformer, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating conformer with config",
		"testDir", config.TestDir,
		"manifest", config.Manifest,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"testTimeout", config.TestTimeout)

	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		ManifestFile:   config.Manifest,
		TargetSuite:    config.TargetSuite,
		DefaultTimeout: config.TestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	testRunner, err := runner.NewTestRunner(runner.Config{
		Registry:       reg,
		TestDir:        config.TestDir,
		Log:            config.Log,
		DefaultTimeout: config.TestTimeout,
		PassthroughEnv: config.PassthroughEnv,
		LogDir:         config.LogDir,
		TargetName:     config.TargetName,
		TargetSuite:    config.TargetSuite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create test runner: %w", err)
	}
	config.Log.Info("conformer.New: created registry and test runner")

	return &conformer{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		runner:           testRunner,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the conformance tests periodically at the configured interval.
// Start implements the cliapp.Lifecycle interface.
func (c *conformer) Start(ctx context.Context) error {
	// Panic safety net so runtime errors still exit with code 2
	defer func() {
		if r := recover(); r != nil {
			c.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	c.ctx = ctx
	c.done = make(chan struct{})
	c.running.Store(true)

	if c.config.RunOnce {
		c.config.Log.Info("Starting kconform in run-once mode")
	} else {
		c.config.Log.Info("Starting kconform in continuous mode", "interval", c.config.RunInterval)
	}

	err := c.runTests()
	if err != nil {
		c.config.Log.Error("Runtime error running tests", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if c.config.RunOnce {
		c.config.Log.Info("Tests completed, exiting (run-once mode)")

		if c.result != nil && c.result.Status == types.TestStatusFail {
			c.config.Log.Warn("Run-once test run completed with failures, returning exit code 1")
			return NewTestFailureError(c.result.String())
		}

		go func() {
			c.shutdownCallback(nil)
		}()
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.config.Log.Debug("Starting periodic test runner goroutine", "interval", c.config.RunInterval)

		for {
			select {
			case <-time.After(c.config.RunInterval):
				if !c.running.Load() {
					c.config.Log.Debug("Service stopped, exiting periodic test runner")
					return
				}

				c.config.Log.Info("Running periodic tests")
				if err := c.runTests(); err != nil {
					c.config.Log.Error("Error running periodic tests", "error", err)
				}

			case <-c.done:
				c.config.Log.Debug("Done signal received, stopping periodic test runner")
				return

			case <-ctx.Done():
				c.config.Log.Debug("Context canceled, stopping periodic test runner")
				c.running.Store(false)
				return
			}
		}
	}()
	c.config.Log.Debug("kconform started successfully")
	return nil
}

// runTests runs all tests and processes the results
func (c *conformer) runTests() error {
	if c.registry != nil {
		total := len(c.registry.GetTestCases())
		fmt.Printf("========== [ kconform ] starting run: %d tests ==========\n", total)
	}

	result, err := c.runner.RunAllTests(c.ctx)
	if err != nil {
		// A spawn failure or canceled run, not a test failure
		c.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}
	c.result = result

	c.printResultsTable(result.RunID)
	fmt.Println(c.result.String())
	c.printFailedTests()
	c.config.Log.Info("Test run completed", "run_id", result.RunID, "status", c.result.Status)
	return nil
}

// Stop stops the kconform service.
// Stop implements the cliapp.Lifecycle interface.
func (c *conformer) Stop(ctx context.Context) error {
	c.config.Log.Info("Stopping kconform")

	if !c.running.Load() {
		c.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	c.running.Store(false)

	c.config.Log.Debug("Sending done signal to goroutines")
	close(c.done)

	c.config.Log.Info("kconform stopped successfully")
	return nil
}

// Stopped returns true if the kconform service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (c *conformer) Stopped() bool {
	return !c.running.Load()
}

// printResultsTable prints the results of the conformance run to the console.
func (c *conformer) printResultsTable(runID string) {
	c.config.Log.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Conformance Results (%s)", formatDuration(c.result.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, suite := range c.result.Suites {
		t.AppendRow(table.Row{
			"Suite",
			suite.ID,
			formatDuration(suite.Duration),
			"-", // Don't count the suite itself as a test
			suite.Stats.Passed,
			suite.Stats.Failed,
			suite.Stats.Skipped,
			getResultString(suite.Status),
			"",
		})

		for i, test := range suite.Tests {
			prefix := "├──"
			if i == len(suite.Tests)-1 {
				prefix = "└──"
			}

			errorMsg := extractKeyErrorMessage(test.Error)

			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, test.Case.GetName()),
				formatDuration(test.Duration),
				"1",
				boolToInt(test.Status == types.TestStatusPass),
				boolToInt(test.Status == types.TestStatusFail),
				boolToInt(test.Status == types.TestStatusSkip),
				getResultString(test.Status),
				errorMsg,
			})
		}

		t.AppendSeparator()
	}

	if c.result.Status == types.TestStatusPass {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else if c.result.Status == types.TestStatusSkip {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(c.result.Duration),
		c.result.Stats.Total,
		c.result.Stats.Passed,
		c.result.Stats.Failed,
		c.result.Stats.Skipped,
		getResultString(c.result.Status),
		"",
	})

	t.Render()

	metrics.RecordRun(
		c.config.TargetName,
		runID,
		string(c.result.Status),
		c.result.Stats.Total,
		c.result.Stats.Passed,
		c.result.Stats.Failed,
		c.result.Duration,
	)
}

// printFailedTests re-lists every failed test after the summary, one line per
// test. Listing keys off a failed result, so a fully green run prints nothing.
func (c *conformer) printFailedTests() {
	for _, name := range c.result.FailedTests() {
		fmt.Printf("[ kconform ] test %s FAILED\n", name)
	}
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (c *conformer) WaitForShutdown(ctx context.Context) error {
	c.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		c.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
