package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataops-infra/itest-orchestrator/artifacts"
	"github.com/dataops-infra/itest-orchestrator/broker"
	"github.com/dataops-infra/itest-orchestrator/executor"
	"github.com/dataops-infra/itest-orchestrator/guard"
	"github.com/dataops-infra/itest-orchestrator/runid"
	"github.com/dataops-infra/itest-orchestrator/suite"
	"github.com/dataops-infra/itest-orchestrator/target"
	"github.com/dataops-infra/itest-orchestrator/trigger"
)

type fakeIssuer struct {
	creds *broker.Credentials
	err   error
	calls int
}

func (f *fakeIssuer) Issue(_ context.Context, sessionName string) (*broker.Credentials, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.creds == nil {
		f.creds = &broker.Credentials{AccessKeyID: "AKID", Region: "eu-west-1"}
	}
	return f.creds, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	calls    int
	lastTgt  target.Target
	spawnErr error

	// run produces the result for one invocation; defaults to success.
	run func(ctx context.Context, call int) *executor.Result
}

func (f *fakeExecutor) Execute(ctx context.Context, tgt target.Target, _ *broker.Credentials) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.lastTgt = tgt
	run := f.run
	spawnErr := f.spawnErr
	f.mu.Unlock()

	if spawnErr != nil {
		return &executor.Result{State: executor.StateFailed, Err: spawnErr}, spawnErr
	}
	if run != nil {
		return run(ctx, call), nil
	}
	return succeededResult(), nil
}

type fakeCollector struct {
	mu     sync.Mutex
	calls  int
	states []executor.State
	err    error
}

func (f *fakeCollector) Collect(_ context.Context, res *executor.Result) (*artifacts.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.states = append(f.states, res.State)
	if f.err != nil {
		return nil, f.err
	}
	return &artifacts.Reference{Bucket: "artifact-bucket", Key: "integration_results.json"}, nil
}

func succeededResult() *executor.Result {
	return &executor.Result{
		State:      executor.StateSucceeded,
		ExitStatus: 0,
		ResultFile: "output.log",
		Duration:   time.Second,
	}
}

func testOrchestrator(t *testing.T, issuer *fakeIssuer, exec *fakeExecutor, coll *fakeCollector) *Orchestrator {
	t.Helper()

	identity, err := runid.Compute("acme/widgets", 42, 1)
	require.NoError(t, err)

	cfg := &Config{
		Identity:       identity,
		Axis:           "3.10",
		RoleARN:        "arn:aws:iam::123456789012:role/itest",
		Region:         "eu-west-1",
		TokenFile:      "/var/run/token",
		BaseLocation:   "s3://test-bucket/integration",
		ArtifactBucket: "artifact-bucket",
		Suite:          &suite.Suite{Command: "true", Timeout: time.Minute},
		Key:            guard.Key{Workflow: "integration-tests", Event: "push", Ref: "refs/heads/main"},
		RunDirBase:     t.TempDir(),
		Log:            slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(cfg.RunDir(), 0o755))

	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Log,
		guard:    guard.New(),
		out:      io.Discard,
		issuer:   issuer,
		executor: exec,
		newCollector: func(_ context.Context, _ *broker.Credentials) (artifactCollector, error) {
			return coll, nil
		},
	}
}

func TestRunSuccess(t *testing.T) {
	issuer := &fakeIssuer{}
	exec := &fakeExecutor{}
	coll := &fakeCollector{}
	o := testOrchestrator(t, issuer, exec, coll)

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "widgets-42-1", report.Session)
	assert.Equal(t, "s3://test-bucket/integration/42-1/3.10", report.Target)
	assert.Equal(t, "s3://test-bucket/integration/42-1/3.10", exec.lastTgt.URI())
	assert.Equal(t, 1, issuer.calls)
	assert.Equal(t, 1, coll.calls)
	assert.NotNil(t, report.Artifact)
	assert.Equal(t, 0, report.ExitStatus())

	// The machine-readable summary lands in the run directory.
	_, statErr := os.Stat(filepath.Join(o.cfg.RunDir(), SummaryFileName))
	assert.NoError(t, statErr)
}

func TestRunSuiteFailureStillCollects(t *testing.T) {
	exec := &fakeExecutor{run: func(_ context.Context, _ int) *executor.Result {
		return &executor.Result{
			State:      executor.StateFailed,
			ExitStatus: 1,
			ResultFile: "output.log",
			Duration:   time.Second,
		}
	}}
	coll := &fakeCollector{}
	o := testOrchestrator(t, &fakeIssuer{}, exec, coll)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))

	// Failed runs are collected exactly once, like successful ones.
	assert.Equal(t, 1, coll.calls)
	assert.Equal(t, []executor.State{executor.StateFailed}, coll.states)
	assert.Equal(t, 1, report.ExitStatus())
}

func TestRunCredentialFailureAbortsBeforeExecution(t *testing.T) {
	issuer := &fakeIssuer{err: broker.NewAuthorizationError(errors.New("role not assumable"))}
	exec := &fakeExecutor{}
	coll := &fakeCollector{}
	o := testOrchestrator(t, issuer, exec, coll)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, broker.IsAuthorizationError(err))

	// No suite must run and nothing must be uploaded without credentials.
	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 0, coll.calls)
}

func TestRunResolutionFailureAbortsBeforeExecution(t *testing.T) {
	exec := &fakeExecutor{}
	coll := &fakeCollector{}
	o := testOrchestrator(t, &fakeIssuer{}, exec, coll)
	o.cfg.Axis = "3.10/extras"

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, target.IsResolutionError(err))
	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 0, coll.calls)
}

func TestRunTimeoutIsRuntimeErrorAndCollects(t *testing.T) {
	exec := &fakeExecutor{run: func(_ context.Context, _ int) *executor.Result {
		return &executor.Result{
			State:      executor.StateTimedOut,
			ExitStatus: -1,
			ResultFile: "output.log",
			Err:        executor.NewTimeoutError(time.Minute),
		}
	}}
	coll := &fakeCollector{}
	o := testOrchestrator(t, &fakeIssuer{}, exec, coll)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, executor.IsTimeoutError(err))
	assert.Equal(t, 1, coll.calls)
	assert.Equal(t, 2, report.ExitStatus())
}

func TestRunUploadFailureDoesNotMaskOutcome(t *testing.T) {
	coll := &fakeCollector{err: artifacts.NewUploadError(errors.New("slow down"))}
	o := testOrchestrator(t, &fakeIssuer{}, &fakeExecutor{}, coll)

	report, err := o.Run(context.Background())
	require.NoError(t, err, "a successful suite stays successful when upload fails")
	assert.True(t, artifacts.IsUploadError(report.UploadErr))
	assert.Nil(t, report.Artifact)
	assert.Equal(t, 0, report.ExitStatus())
}

func TestRunUploadFailureDoesNotMaskTestFailure(t *testing.T) {
	exec := &fakeExecutor{run: func(_ context.Context, _ int) *executor.Result {
		return &executor.Result{State: executor.StateFailed, ExitStatus: 1, ResultFile: "output.log"}
	}}
	coll := &fakeCollector{err: artifacts.NewUploadError(errors.New("slow down"))}
	o := testOrchestrator(t, &fakeIssuer{}, exec, coll)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err), "the suite outcome wins over the upload outcome")
	assert.Equal(t, 1, report.ExitStatus())
}

func TestRunSkippedByTriggerRules(t *testing.T) {
	issuer := &fakeIssuer{}
	o := testOrchestrator(t, issuer, &fakeExecutor{}, &fakeCollector{})
	o.cfg.Trigger = trigger.Rules{IgnorePaths: []string{"**/*.md"}}
	o.cfg.ChangedFiles = []string{"README.md", "docs/notes.md"}

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.NotEmpty(t, report.Reason)
	assert.Equal(t, 0, issuer.calls)
	assert.Equal(t, 0, report.ExitStatus())
}

func TestRunSupersededByNewerRun(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{run: func(ctx context.Context, call int) *executor.Result {
		if call == 1 {
			close(started)
			<-ctx.Done()
			return &executor.Result{
				State:      executor.StateFailed,
				ExitStatus: -1,
				ResultFile: "output.log",
				Err:        context.Cause(ctx),
			}
		}
		return succeededResult()
	}}
	coll := &fakeCollector{}
	o := testOrchestrator(t, &fakeIssuer{}, exec, coll)

	errs := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		errs <- err
	}()
	<-started

	// The newer run for the same workflow key displaces the in-flight one.
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	select {
	case firstErr := <-errs:
		require.Error(t, firstErr)
		assert.True(t, IsRuntimeError(firstErr))
		assert.ErrorIs(t, firstErr, guard.ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded run did not terminate")
	}

	// Both runs, including the displaced one, are collected.
	assert.Equal(t, 2, coll.calls)
}

func TestRunCollectorFactoryFailure(t *testing.T) {
	exec := &fakeExecutor{}
	o := testOrchestrator(t, &fakeIssuer{}, exec, &fakeCollector{})
	o.newCollector = func(_ context.Context, _ *broker.Credentials) (artifactCollector, error) {
		return nil, errors.New("no region")
	}

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Equal(t, 0, exec.calls, "the suite must not start without a working collector")
}

func TestRunReportExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		report RunReport
		want   int
	}{
		{name: "skipped", report: RunReport{Skipped: true}, want: 0},
		{name: "no result", report: RunReport{}, want: 2},
		{
			name:   "succeeded",
			report: RunReport{Result: &executor.Result{State: executor.StateSucceeded}},
			want:   0,
		},
		{
			name:   "failed propagates suite exit status",
			report: RunReport{Result: &executor.Result{State: executor.StateFailed, ExitStatus: 5}},
			want:   5,
		},
		{
			name:   "failed without exit status",
			report: RunReport{Result: &executor.Result{State: executor.StateFailed, ExitStatus: -1}},
			want:   1,
		},
		{
			name:   "timed out",
			report: RunReport{Result: &executor.Result{State: executor.StateTimedOut}},
			want:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.ExitStatus())
		})
	}
}
