// Package suite loads the test suite definition consumed by the executor.
package suite

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeout bounds a suite run by wall clock. The executor still
	// captures results when the bound is hit.
	DefaultTimeout = 60 * time.Minute

	// DefaultTargetEnvVar is the environment variable through which the
	// isolated target location is exported to the test subprocess.
	DefaultTargetEnvVar = "ITEST_TARGET_LOCATION"
)

// Suite describes the test suite command invoked by the executor. The
// output-formatting flags are pinned in the args so every run produces the
// same machine-readable result file.
type Suite struct {
	Command      string
	Args         []string
	WorkDir      string
	ResultFile   string
	Timeout      time.Duration
	TargetEnvVar string
	Env          map[string]string
}

// rawSuite is the on-disk YAML shape. Timeout is a string so humans can
// write "45m" rather than nanoseconds.
type rawSuite struct {
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	WorkDir      string            `yaml:"workdir"`
	ResultFile   string            `yaml:"result_file"`
	Timeout      string            `yaml:"timeout"`
	TargetEnvVar string            `yaml:"target_env_var"`
	Env          map[string]string `yaml:"env"`
}

// Load reads and validates a suite definition file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite config %s: %w", path, err)
	}

	var raw rawSuite
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing suite config %s: %w", path, err)
	}

	s := &Suite{
		Command:      raw.Command,
		Args:         raw.Args,
		WorkDir:      raw.WorkDir,
		ResultFile:   raw.ResultFile,
		TargetEnvVar: raw.TargetEnvVar,
		Env:          raw.Env,
	}
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid suite config %s: parsing timeout: %w", path, err)
		}
		s.Timeout = timeout
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid suite config %s: %w", path, err)
	}
	s.applyDefaults()
	return s, nil
}

// Validate checks the suite definition is well formed.
func (s *Suite) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("command is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

func (s *Suite) applyDefaults() {
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.TargetEnvVar == "" {
		s.TargetEnvVar = DefaultTargetEnvVar
	}
}
