package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataops-infra/itest-orchestrator/broker"
	"github.com/dataops-infra/itest-orchestrator/guard"
	"github.com/dataops-infra/itest-orchestrator/suite"
	"github.com/dataops-infra/itest-orchestrator/target"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTarget() target.Target {
	return target.Target{Bucket: "test-bucket", Key: "integration/42-1/3.10"}
}

func testCreds() *broker.Credentials {
	return &broker.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "session-token",
		Region:          "eu-west-1",
	}
}

func newTestExecutor(t *testing.T, s *suite.Suite) (*Executor, string) {
	t.Helper()
	runDir := filepath.Join(t.TempDir(), "run")
	ex, err := New(Config{
		Suite:  s,
		RunDir: runDir,
		Log:    testLogger(),
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	require.NoError(t, err)
	return ex, runDir
}

func TestExecuteSuccess(t *testing.T) {
	ex, runDir := newTestExecutor(t, &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "echo all tests passed"},
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 0, res.ExitStatus)
	assert.True(t, res.State.Terminal())

	// Without a configured result file the output log stands in for it.
	assert.Equal(t, filepath.Join(runDir, OutputLogName), res.ResultFile)
	data, err := os.ReadFile(res.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "all tests passed")
}

func TestExecuteInjectsEnvironment(t *testing.T) {
	workDir := t.TempDir()
	ex, _ := newTestExecutor(t, &suite.Suite{
		Command: "/bin/sh",
		Args: []string{"-c",
			"env | grep -e '^AWS_' -e '^ITEST_' -e '^SUITE_' > env.txt"},
		WorkDir:      workDir,
		ResultFile:   "env.txt",
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
		Env:          map[string]string{"SUITE_FLAVOR": "postgres"},
	})

	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, res.State)

	assert.Equal(t, filepath.Join(workDir, "env.txt"), res.ResultFile)
	data, err := os.ReadFile(res.ResultFile)
	require.NoError(t, err)
	env := string(data)

	assert.Contains(t, env, "AWS_ACCESS_KEY_ID=AKIDEXAMPLE")
	assert.Contains(t, env, "AWS_SECRET_ACCESS_KEY=secret")
	assert.Contains(t, env, "AWS_SESSION_TOKEN=session-token")
	assert.Contains(t, env, "AWS_REGION=eu-west-1")
	assert.Contains(t, env, "AWS_DEFAULT_REGION=eu-west-1")
	assert.Contains(t, env, "SUITE_FLAVOR=postgres")
	assert.Contains(t, env, suite.DefaultTargetEnvVar+"=s3://test-bucket/integration/42-1/3.10")
}

func TestExecuteCredentialsStayOutOfArgv(t *testing.T) {
	s := &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "true"},
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	}
	ex, _ := newTestExecutor(t, s)

	_, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)

	for _, arg := range append([]string{s.Command}, s.Args...) {
		assert.NotContains(t, arg, "secret")
		assert.NotContains(t, arg, "session-token")
	}
}

func TestExecuteNonZeroExitIsTestFailure(t *testing.T) {
	ex, _ := newTestExecutor(t, &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "echo 2 tests failed; exit 3"},
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err, "a failing suite is not a spawn error")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, res.ExitStatus)

	// Output is still captured so collection has something to upload.
	data, err := os.ReadFile(res.ResultFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2 tests failed")
}

func TestExecuteTimeout(t *testing.T) {
	ex, _ := newTestExecutor(t, &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
		Timeout:      200 * time.Millisecond,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	start := time.Now()
	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, res.State)
	assert.True(t, IsTimeoutError(res.Err))
	assert.Less(t, time.Since(start), 15*time.Second,
		"timed-out suite must be terminated, not awaited")
}

func TestExecuteSupersededCancellation(t *testing.T) {
	g := guard.New()
	adm := g.Admit(context.Background(), guard.Key{Workflow: "w"})

	ex, _ := newTestExecutor(t, &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	done := make(chan *Result, 1)
	go func() {
		res, _ := ex.Execute(adm.Context(), testTarget(), testCreds())
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	g.Admit(context.Background(), guard.Key{Workflow: "w"})

	select {
	case res := <-done:
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, guard.ErrSuperseded)
	case <-time.After(15 * time.Second):
		t.Fatal("superseded suite was not terminated in time")
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	ex, _ := newTestExecutor(t, &suite.Suite{
		Command:      "/nonexistent/test-runner",
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.State.Terminal())
}

func TestExecuteMissingResultFileFallsBack(t *testing.T) {
	ex, runDir := newTestExecutor(t, &suite.Suite{
		Command:      "/bin/sh",
		Args:         []string{"-c", "true"},
		WorkDir:      t.TempDir(),
		ResultFile:   "results/run.json",
		Timeout:      time.Minute,
		TargetEnvVar: suite.DefaultTargetEnvVar,
	})

	res, err := ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, filepath.Join(runDir, OutputLogName), res.ResultFile)
}

func TestExecuteStreamsOutput(t *testing.T) {
	var stdout bytes.Buffer
	runDir := filepath.Join(t.TempDir(), "run")
	ex, err := New(Config{
		Suite: &suite.Suite{
			Command:      "/bin/sh",
			Args:         []string{"-c", "echo progress line"},
			Timeout:      time.Minute,
			TargetEnvVar: suite.DefaultTargetEnvVar,
		},
		RunDir: runDir,
		Log:    testLogger(),
		Stdout: &stdout,
		Stderr: io.Discard,
	})
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), testTarget(), testCreds())
	require.NoError(t, err)
	assert.True(t, strings.Contains(stdout.String(), "progress line"),
		"suite output must stream while the run is in flight")
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing suite", cfg: Config{RunDir: "runs"}},
		{name: "missing run dir", cfg: Config{Suite: &suite.Suite{Command: "true"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateTimedOut.Terminal())
}
