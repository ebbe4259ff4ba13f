package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/osdev-ci/kconform/types"
)

// Registry manages the ordered conformance test list and its configuration
type Registry struct {
	config Config
	cases  []types.TestCase
	mu     sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log            log.Logger
	ManifestFile   string // Optional; the built-in default list is used when empty
	TargetSuite    string // Optional; restricts the run to a single suite
	DefaultTimeout time.Duration
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{
		config: cfg,
	}

	if err := r.loadCases(); err != nil {
		return nil, fmt.Errorf("failed to load test list: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "len(cases)", len(r.cases))

	return r, nil
}

// loadCases populates the ordered test-case list from the manifest,
// or from the built-in default list when no manifest is configured.
func (r *Registry) loadCases() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifest, err := r.loadManifest()
	if err != nil {
		return err
	}

	if err := validateManifest(manifest); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	cases, err := r.flattenManifest(manifest)
	if err != nil {
		return err
	}

	r.cases = cases
	return nil
}

func (r *Registry) loadManifest() (*types.Manifest, error) {
	if r.config.ManifestFile == "" {
		r.config.Log.Debug("No manifest configured, using built-in test list")
		return DefaultManifest(), nil
	}

	data, err := os.ReadFile(r.config.ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", r.config.ManifestFile, err)
	}

	var manifest types.Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", r.config.ManifestFile, err)
	}

	return &manifest, nil
}

// validateManifest checks structural requirements: at least one test,
// suite IDs present and unique, test identifiers unique across the manifest.
func validateManifest(manifest *types.Manifest) error {
	if len(manifest.Suites) == 0 {
		return fmt.Errorf("manifest defines no suites")
	}

	seenSuites := make(map[string]bool)
	seenTests := make(map[string]bool)
	total := 0

	for _, suite := range manifest.Suites {
		if suite.ID == "" {
			return fmt.Errorf("suite with empty id")
		}
		if seenSuites[suite.ID] {
			return fmt.Errorf("duplicate suite id %q", suite.ID)
		}
		seenSuites[suite.ID] = true

		for _, test := range suite.Tests {
			if test.Binary == "" {
				return fmt.Errorf("suite %q contains a test with no binary", suite.ID)
			}
			name := test.Name
			if name == "" {
				name = test.Binary
			}
			if seenTests[name] {
				return fmt.Errorf("duplicate test %q", name)
			}
			seenTests[name] = true
			total++
		}
	}

	if total == 0 {
		return fmt.Errorf("manifest defines no tests")
	}
	return nil
}

// flattenManifest converts the manifest into the ordered test-case sequence,
// applying the suite filter and timeout resolution.
func (r *Registry) flattenManifest(manifest *types.Manifest) ([]types.TestCase, error) {
	var cases []types.TestCase

	suiteFound := false
	for _, suite := range manifest.Suites {
		if r.config.TargetSuite != "" && suite.ID != r.config.TargetSuite {
			continue
		}
		suiteFound = true

		for _, test := range suite.Tests {
			tc := types.TestCase{
				ID:      test.Name,
				Binary:  test.Binary,
				Suite:   suite.ID,
				Timeout: r.resolveTimeout(manifest, test),
			}
			if tc.ID == "" {
				tc.ID = tc.Binary
			}
			cases = append(cases, tc)
		}
	}

	if r.config.TargetSuite != "" && !suiteFound {
		return nil, fmt.Errorf("suite %q not found in manifest", r.config.TargetSuite)
	}

	return cases, nil
}

// resolveTimeout picks the timeout for a test entry. Per-test settings win,
// then named metadata timeouts, then the registry default.
func (r *Registry) resolveTimeout(manifest *types.Manifest, test types.TestConfig) time.Duration {
	if test.Timeout != nil {
		return test.Timeout.Std()
	}
	name := test.Name
	if name == "" {
		name = test.Binary
	}
	if d, ok := manifest.Metadata.Timeouts[name]; ok {
		return d.Std()
	}
	return r.config.DefaultTimeout
}

// GetTestCases returns the ordered list of test cases
func (r *Registry) GetTestCases() []types.TestCase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cases
}

// GetTestCasesBySuite returns the cases belonging to a specific suite
func (r *Registry) GetTestCasesBySuite(suiteID string) []types.TestCase {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cases []types.TestCase
	for _, tc := range r.cases {
		if tc.Suite == suiteID {
			cases = append(cases, tc)
		}
	}
	return cases
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}
