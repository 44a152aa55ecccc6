package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dataops-infra/itest-orchestrator/broker"
	"github.com/dataops-infra/itest-orchestrator/flags"
	"github.com/dataops-infra/itest-orchestrator/guard"
	"github.com/dataops-infra/itest-orchestrator/runid"
	"github.com/dataops-infra/itest-orchestrator/suite"
	"github.com/dataops-infra/itest-orchestrator/trigger"
)

// Config collects everything one orchestrated run needs. The shared cloud
// account and role are injected here, never read from ambient global state,
// so the pipeline stays testable with fake brokers.
type Config struct {
	Identity runid.Identity
	Axis     string

	RoleARN            string
	Region             string
	TokenFile          string
	SessionDuration    time.Duration
	CredentialAttempts int

	BaseLocation   string
	ArtifactBucket string
	ArtifactPrefix string

	Suite *suite.Suite

	Key          guard.Key
	Trigger      trigger.Rules
	ChangedFiles []string

	RunDirBase string
	Interval   time.Duration

	Log *slog.Logger
}

// NewConfig builds a Config from CLI flags.
func NewConfig(ctx *cli.Context, log *slog.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, err
	}

	identity, err := runid.Compute(
		ctx.String(flags.Repository.Name),
		ctx.Int(flags.RunNumber.Name),
		ctx.Int(flags.Attempt.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("computing run identity: %w", err)
	}

	s, err := suite.Load(ctx.String(flags.SuiteConfig.Name))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Identity:           identity,
		Axis:               ctx.String(flags.Axis.Name),
		RoleARN:            ctx.String(flags.RoleARN.Name),
		Region:             ctx.String(flags.Region.Name),
		TokenFile:          ctx.String(flags.TokenFile.Name),
		SessionDuration:    ctx.Duration(flags.SessionDuration.Name),
		CredentialAttempts: ctx.Int(flags.CredentialAttempts.Name),
		BaseLocation:       ctx.String(flags.BaseLocation.Name),
		ArtifactBucket:     ctx.String(flags.ArtifactBucket.Name),
		ArtifactPrefix:     ctx.String(flags.ArtifactPrefix.Name),
		Suite:              s,
		Key: guard.Key{
			Workflow: ctx.String(flags.Workflow.Name),
			Event:    ctx.String(flags.Event.Name),
			Ref:      ctx.String(flags.Ref.Name),
		},
		Trigger: trigger.Rules{
			Branches:    ctx.StringSlice(flags.Branches.Name),
			IgnorePaths: ctx.StringSlice(flags.IgnorePaths.Name),
		},
		ChangedFiles: ctx.StringSlice(flags.ChangedFiles.Name),
		RunDirBase:   ctx.String(flags.RunDirBase.Name),
		Interval:     ctx.Duration(flags.Interval.Name),
		Log:          log,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The account identifier inside the role ARN is sensitive and masked.
	log.Debug("Config loaded",
		"session", identity.SessionName(),
		"axis", cfg.Axis,
		"role", broker.MaskARN(cfg.RoleARN),
		"region", cfg.Region,
		"base_location", cfg.BaseLocation,
		"artifact_bucket", cfg.ArtifactBucket,
		"workflow", cfg.Key.Workflow,
		"ref", cfg.Key.Ref)

	return cfg, nil
}

// Validate checks the config is complete.
func (c *Config) Validate() error {
	if c.Axis == "" {
		return errors.New("matrix axis value is required")
	}
	if c.RoleARN == "" {
		return errors.New("role ARN is required")
	}
	if c.Region == "" {
		return errors.New("region is required")
	}
	if c.TokenFile == "" {
		return errors.New("web-identity token file is required")
	}
	if c.BaseLocation == "" {
		return errors.New("base location is required")
	}
	if c.ArtifactBucket == "" {
		return errors.New("artifact bucket is required")
	}
	if c.Suite == nil {
		return errors.New("suite is required")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.RunDirBase == "" {
		c.RunDirBase = "runs"
	}
	if c.CredentialAttempts <= 0 {
		c.CredentialAttempts = broker.DefaultMaxAttempts
	}
	return nil
}

// RunDir returns the per-run staging directory.
func (c *Config) RunDir() string {
	return filepath.Join(c.RunDirBase, "run-"+c.Identity.SessionName()+"-"+c.Axis)
}
