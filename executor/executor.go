// Package executor runs the test suite subprocess against an isolated
// target. Credentials are injected through the environment, never through
// command-line arguments, so they stay out of process-list visibility.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dataops-infra/itest-orchestrator/broker"
	"github.com/dataops-infra/itest-orchestrator/guard"
	"github.com/dataops-infra/itest-orchestrator/suite"
	"github.com/dataops-infra/itest-orchestrator/target"
)

// State is the executor's run state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	}
	return false
}

const (
	// DefaultWaitDelay is how long a canceled subprocess gets between
	// SIGTERM and SIGKILL.
	DefaultWaitDelay = 10 * time.Second

	// OutputLogName is the combined-output capture file inside the run
	// directory. It doubles as the result file when the suite produced none.
	OutputLogName = "output.log"
)

// Result captures the terminal state of one suite execution. It is consumed
// by the artifact collector exactly once.
type Result struct {
	State      State
	ExitStatus int
	ResultFile string // structured result file, or the output log fallback
	OutputFile string
	Start      time.Time
	Duration   time.Duration
	Err        error
}

// Config holds configuration for creating a new Executor.
type Config struct {
	Suite  *suite.Suite
	RunDir string // per-run staging directory for captured output
	Log    *slog.Logger
	Stdout io.Writer // streamed suite output; defaults to os.Stdout
	Stderr io.Writer // streamed suite errors; defaults to os.Stderr

	// CommandContext builds the subprocess; injectable for tests.
	CommandContext func(ctx context.Context, name string, args ...string) *exec.Cmd

	// WaitDelay bounds the gap between cooperative termination and kill.
	WaitDelay time.Duration
}

// Executor runs the configured suite.
type Executor struct {
	cfg     Config
	log     *slog.Logger
	timeout time.Duration
}

// New creates a new Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Suite == nil {
		return nil, fmt.Errorf("suite is required")
	}
	if cfg.RunDir == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.CommandContext == nil {
		cfg.CommandContext = exec.CommandContext
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	timeout := cfg.Suite.Timeout
	if timeout <= 0 {
		timeout = suite.DefaultTimeout
	}
	return &Executor{cfg: cfg, log: cfg.Log, timeout: timeout}, nil
}

// Execute runs the suite subprocess against tgt with creds injected via the
// environment. It blocks until the subprocess exits or the suite timeout
// elapses, and always returns a Result in a terminal state so the artifact
// collector has something to persist. A non-zero suite exit is reported in
// the Result, not as an error; the returned error is reserved for failures
// to spawn the subprocess at all.
func (e *Executor) Execute(ctx context.Context, tgt target.Target, creds *broker.Credentials) (*Result, error) {
	res := &Result{State: StatePending, ExitStatus: -1}

	if err := os.MkdirAll(e.cfg.RunDir, 0o755); err != nil {
		res.State = StateFailed
		res.Err = err
		return res, fmt.Errorf("creating run directory: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := e.cfg.CommandContext(runCtx, e.cfg.Suite.Command, e.cfg.Suite.Args...)
	cmd.Dir = e.cfg.Suite.WorkDir
	cmd.Env = e.buildEnv(tgt, creds)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.WaitDelay

	outputPath := filepath.Join(e.cfg.RunDir, OutputLogName)
	outputFile, err := os.Create(outputPath)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		return res, fmt.Errorf("creating output capture file: %w", err)
	}
	defer outputFile.Close()
	res.OutputFile = outputPath

	cmd.Stdout = io.MultiWriter(e.cfg.Stdout, outputFile)
	cmd.Stderr = io.MultiWriter(e.cfg.Stderr, outputFile)

	e.log.Info("Running test suite",
		"command", e.cfg.Suite.Command,
		"workdir", e.cfg.Suite.WorkDir,
		"target", tgt.URI(),
		"timeout", e.timeout)

	res.State = StateRunning
	res.Start = time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(res.Start)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.State = StateTimedOut
		res.Err = NewTimeoutError(e.timeout)
		e.log.Error("Test suite timed out", "timeout", e.timeout)

	case ctx.Err() != nil:
		res.State = StateFailed
		res.Err = context.Cause(ctx)
		if guard.IsSuperseded(ctx) {
			e.log.Warn("Test suite canceled: run superseded")
		} else {
			e.log.Warn("Test suite canceled", "cause", res.Err)
		}

	case runErr == nil:
		res.State = StateSucceeded
		res.ExitStatus = 0

	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The suite ran and reported failure; that is a test failure,
			// not an orchestrator error.
			res.State = StateFailed
			res.ExitStatus = exitErr.ExitCode()
			res.Err = runErr
		} else {
			res.State = StateFailed
			res.Err = runErr
			return res, fmt.Errorf("starting test suite: %w", runErr)
		}
	}

	res.ResultFile = e.resolveResultFile(outputPath)

	e.log.Info("Test suite finished",
		"state", string(res.State),
		"exit_status", res.ExitStatus,
		"duration", res.Duration,
		"result_file", res.ResultFile)

	return res, nil
}

// buildEnv assembles the subprocess environment: the parent environment,
// the scoped credentials, suite-level overrides, and the exported isolated
// target location. Later entries win, so the injected credentials shadow
// any ambient ones.
func (e *Executor) buildEnv(tgt target.Target, creds *broker.Credentials) []string {
	env := os.Environ()
	if creds != nil {
		env = append(env,
			"AWS_ACCESS_KEY_ID="+creds.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY="+creds.SecretAccessKey,
			"AWS_SESSION_TOKEN="+creds.SessionToken,
			"AWS_REGION="+creds.Region,
			"AWS_DEFAULT_REGION="+creds.Region,
		)
	}
	for k, v := range e.cfg.Suite.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, e.cfg.Suite.TargetEnvVar+"="+tgt.URI())
	return env
}

// resolveResultFile returns the structured result file when the suite wrote
// one, falling back to the output log so result capture never drops output.
func (e *Executor) resolveResultFile(outputPath string) string {
	if e.cfg.Suite.ResultFile == "" {
		return outputPath
	}
	p := e.cfg.Suite.ResultFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.cfg.Suite.WorkDir, p)
	}
	if _, err := os.Stat(p); err != nil {
		e.log.Warn("Suite result file missing, falling back to output log",
			"result_file", p)
		return outputPath
	}
	return p
}
