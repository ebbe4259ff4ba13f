// Package types contains shared types used across the kconform runner.
package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so manifests can use "30s"-style values
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler, accepting both duration
// strings ("30s") and plain nanosecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPass  TestStatus = "pass"
	TestStatusFail  TestStatus = "fail"
	TestStatusSkip  TestStatus = "skip"
	TestStatusError TestStatus = "error"
)

// TestCase identifies a single conformance test executable.
// Cases are loaded once from the manifest (or the built-in default list),
// are immutable afterwards, and are consumed strictly in order.
type TestCase struct {
	ID      string        // Unique identifier, defaults to the binary name
	Binary  string        // Executable name, resolved relative to the test directory
	Suite   string        // Suite this case belongs to
	Timeout time.Duration // Per-test timeout override; 0 means the runner default
}

// GetName returns a display name for the test case
func (tc TestCase) GetName() string {
	if tc.ID != "" {
		return tc.ID
	}
	return tc.Binary
}

// TestResult captures the outcome of a single test execution
type TestResult struct {
	Case     TestCase
	Status   TestStatus
	Error    error
	Duration time.Duration
	Stdout   string // Captured stdout, diagnostic only, never parsed
	Stderr   string // Captured stderr
	TimedOut bool   // Set when the test was killed by its timeout
}

// Passed reports whether the child exited with the success sentinel.
func (tr *TestResult) Passed() bool {
	return tr.Status == TestStatusPass
}

// Manifest is the YAML test-list configuration.
// Suites run in file order; tests run in listed order within a suite.
type Manifest struct {
	Suites   []SuiteConfig `yaml:"suites"`
	Metadata struct {
		Timeouts map[string]Duration `yaml:"timeouts"`
	} `yaml:"metadata"`
}

// SuiteConfig groups an ordered set of test entries
type SuiteConfig struct {
	ID          string       `yaml:"id"`
	Description string       `yaml:"description,omitempty"`
	Tests       []TestConfig `yaml:"tests"`
}

// TestConfig represents one manifest test entry
type TestConfig struct {
	Name    string    `yaml:"name,omitempty"`
	Binary  string    `yaml:"binary"`
	Timeout *Duration `yaml:"timeout,omitempty"`
}
