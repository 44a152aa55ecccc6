// Package orchestrator coordinates one integration-test run end to end:
// admission, identity, credential exchange, target isolation, suite
// execution, and unconditional artifact collection.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dataops-infra/itest-orchestrator/artifacts"
	"github.com/dataops-infra/itest-orchestrator/broker"
	"github.com/dataops-infra/itest-orchestrator/executor"
	"github.com/dataops-infra/itest-orchestrator/guard"
	"github.com/dataops-infra/itest-orchestrator/metrics"
	"github.com/dataops-infra/itest-orchestrator/target"
)

// uploadTimeout bounds the artifact upload after the suite has finished.
const uploadTimeout = 2 * time.Minute

// SummaryFileName is the machine-readable run summary inside the run
// directory.
const SummaryFileName = "summary.json"

// credentialIssuer exchanges a trust assertion for scoped credentials.
type credentialIssuer interface {
	Issue(ctx context.Context, sessionName string) (*broker.Credentials, error)
}

// suiteExecutor runs the suite subprocess to a terminal state.
type suiteExecutor interface {
	Execute(ctx context.Context, tgt target.Target, creds *broker.Credentials) (*executor.Result, error)
}

// artifactCollector persists one run result.
type artifactCollector interface {
	Collect(ctx context.Context, res *executor.Result) (*artifacts.Reference, error)
}

// collectorFactory builds a collector once credentials are available.
type collectorFactory func(ctx context.Context, creds *broker.Credentials) (artifactCollector, error)

// Orchestrator runs one integration-test pipeline per invocation.
type Orchestrator struct {
	cfg   *Config
	log   *slog.Logger
	guard *guard.Guard
	out   io.Writer

	issuer       credentialIssuer
	executor     suiteExecutor
	newCollector collectorFactory
}

// New creates a new Orchestrator with real collaborators wired from cfg.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := broker.New(broker.Config{
		RoleARN:         cfg.RoleARN,
		Region:          cfg.Region,
		TokenFile:       cfg.TokenFile,
		SessionDuration: cfg.SessionDuration,
		MaxAttempts:     cfg.CredentialAttempts,
		Log:             cfg.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential broker: %w", err)
	}

	ex, err := executor.New(executor.Config{
		Suite:  cfg.Suite,
		RunDir: cfg.RunDir(),
		Log:    cfg.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Log,
		guard:    guard.New(),
		out:      os.Stdout,
		issuer:   b,
		executor: ex,
		newCollector: func(ctx context.Context, creds *broker.Credentials) (artifactCollector, error) {
			client, err := artifacts.NewClient(ctx, creds)
			if err != nil {
				return nil, err
			}
			return artifacts.New(artifacts.Config{
				Bucket: cfg.ArtifactBucket,
				Prefix: cfg.ArtifactPrefix,
				Client: client,
				Log:    cfg.Log,
			})
		},
	}, nil
}

// Run executes one orchestrated pipeline. Credential and resolution errors
// abort before any remote resource is touched; once the suite starts, the
// collector runs for every terminal state. The returned error carries the
// exit-code semantics: TestFailureError for suite failures, RuntimeError
// for everything operational.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{
		Session:  o.cfg.Identity.SessionName(),
		Workflow: o.cfg.Key.Workflow,
	}

	if ok, reason := o.cfg.Trigger.ShouldRun(o.cfg.Key.Ref, o.cfg.ChangedFiles); !ok {
		report.Skipped = true
		report.Reason = reason
		o.log.Info("Run skipped", "reason", reason)
		return report, nil
	}

	adm := o.guard.Admit(ctx, o.cfg.Key)
	defer adm.Release()
	runCtx := adm.Context()

	o.log.Info("Run admitted",
		"session", report.Session,
		"workflow", o.cfg.Key.Workflow,
		"event", o.cfg.Key.Event,
		"ref", o.cfg.Key.Ref,
		"axis", o.cfg.Axis)

	creds, err := o.issuer.Issue(runCtx, report.Session)
	if err != nil {
		metrics.RecordRun(report.Workflow, "credential_error", 0)
		return report, NewRuntimeError(err)
	}

	tgt, err := target.Resolve(o.cfg.BaseLocation, o.cfg.Identity.PathKey(), o.cfg.Axis)
	if err != nil {
		metrics.RecordRun(report.Workflow, "resolution_error", 0)
		return report, NewRuntimeError(err)
	}
	report.Target = tgt.URI()
	o.log.Info("Resolved isolated target", "target", report.Target)

	collector, err := o.newCollector(runCtx, creds)
	if err != nil {
		metrics.RecordRun(report.Workflow, "collector_error", 0)
		return report, NewRuntimeError(fmt.Errorf("creating artifact collector: %w", err))
	}

	var res *executor.Result

	defer o.finish(report)

	// Collection is registered before the suite starts so it runs for every
	// terminal state, including timeouts and cancellation.
	defer func() {
		if res == nil {
			return
		}
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), uploadTimeout)
		defer cancel()
		ref, uploadErr := collector.Collect(uploadCtx, res)
		report.Artifact = ref
		report.UploadErr = uploadErr
		if uploadErr != nil {
			o.log.Error("Artifact collection failed", "error", uploadErr)
		}
	}()

	var execErr error
	res, execErr = o.executor.Execute(runCtx, tgt, creds)
	report.Result = res
	if execErr != nil {
		metrics.RecordRun(report.Workflow, "spawn_error", 0)
		return report, NewRuntimeError(execErr)
	}

	metrics.RecordRun(report.Workflow, string(res.State), res.Duration)

	switch res.State {
	case executor.StateSucceeded:
		return report, nil
	case executor.StateTimedOut:
		return report, NewRuntimeError(res.Err)
	default:
		if guard.IsSuperseded(runCtx) {
			metrics.RecordSuperseded(report.Workflow)
			return report, NewRuntimeError(context.Cause(runCtx))
		}
		return report, NewTestFailureError(
			fmt.Sprintf("suite exited with status %d", res.ExitStatus))
	}
}

// finish renders the summary table and writes the machine-readable summary.
// It runs after the deferred collection so the artifact reference is final.
func (o *Orchestrator) finish(report *RunReport) {
	report.PrintTable(o.out)

	path := filepath.Join(o.cfg.RunDir(), SummaryFileName)
	if err := report.WriteSummary(path); err != nil {
		o.log.Warn("Failed to write run summary", "error", err, "path", path)
	}
}
