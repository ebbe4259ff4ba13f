package kconform

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/osdev-ci/kconform/flags"
)

// Config holds the application configuration
type Config struct {
	TestDir        string        // Directory holding the test binaries
	Manifest       string        // Optional manifest file path
	TargetSuite    string        // Optional suite filter
	TargetName     string        // Kernel build under test, reporting label only
	TestTimeout    time.Duration // Per-test timeout; 0 waits indefinitely
	RunInterval    time.Duration // Interval between test runs
	RunOnce        bool          // Indicates if the service should exit after one test run
	LogDir         string        // Directory to store test logs
	PassthroughEnv bool          // Pass the runner env to children instead of an empty one
	Log            log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger, testDir string, manifest string, suite string) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if testDir == "" {
		return nil, errors.New("test directory is required")
	}

	absTestDir, err := filepath.Abs(testDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for test directory '%s': %w", testDir, err)
	}

	var absManifest string
	if manifest != "" {
		absManifest, err = filepath.Abs(manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", manifest, err)
		}
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	targetName := ctx.String(flags.TargetName.Name)
	if targetName == "" {
		targetName = "unknown"
	}

	return &Config{
		TestDir:        absTestDir,
		Manifest:       absManifest,
		TargetSuite:    suite,
		TargetName:     targetName,
		TestTimeout:    ctx.Duration(flags.TestTimeout.Name),
		RunInterval:    runInterval,
		RunOnce:        runOnce,
		LogDir:         logDir,
		PassthroughEnv: ctx.Bool(flags.PassthroughEnv.Name),
		Log:            log,
	}, nil
}
