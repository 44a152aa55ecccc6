package flags

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "ITEST_ORCHESTRATOR"

// prefixEnvVar returns the environment variable bound to a flag.
func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

var (
	Repository = &cli.StringFlag{
		Name:     "repository",
		Required: true,
		EnvVars:  prefixEnvVar("REPOSITORY"),
		Usage:    "Repository name the run belongs to (eg. 'acme/widgets')",
	}
	RunNumber = &cli.IntFlag{
		Name:     "run-number",
		Required: true,
		EnvVars:  prefixEnvVar("RUN_NUMBER"),
		Usage:    "CI run number",
	}
	Attempt = &cli.IntFlag{
		Name:    "attempt",
		Value:   1,
		EnvVars: prefixEnvVar("ATTEMPT"),
		Usage:   "CI run attempt number",
	}
	Axis = &cli.StringFlag{
		Name:     "axis",
		Required: true,
		EnvVars:  prefixEnvVar("AXIS"),
		Usage:    "Matrix axis value for this run (eg. '3.10')",
	}
	RoleARN = &cli.StringFlag{
		Name:     "role-arn",
		Required: true,
		EnvVars:  prefixEnvVar("ROLE_ARN"),
		Usage:    "ARN of the role to assume; the account identifier is masked in logs",
	}
	Region = &cli.StringFlag{
		Name:     "region",
		Required: true,
		EnvVars:  prefixEnvVar("REGION"),
		Usage:    "Cloud region for the credential exchange and artifact upload",
	}
	TokenFile = &cli.StringFlag{
		Name:     "token-file",
		Required: true,
		EnvVars:  prefixEnvVar("TOKEN_FILE"),
		Usage:    "Path to the web-identity token file provisioned by the CI host",
	}
	BaseLocation = &cli.StringFlag{
		Name:     "base-location",
		Required: true,
		EnvVars:  prefixEnvVar("BASE_LOCATION"),
		Usage:    "Base object-storage location runs are namespaced under (eg. 's3://bucket/integration')",
	}
	ArtifactBucket = &cli.StringFlag{
		Name:     "artifact-bucket",
		Required: true,
		EnvVars:  prefixEnvVar("ARTIFACT_BUCKET"),
		Usage:    "Bucket result artifacts are uploaded to",
	}
	ArtifactPrefix = &cli.StringFlag{
		Name:    "artifact-prefix",
		EnvVars: prefixEnvVar("ARTIFACT_PREFIX"),
		Usage:   "Key prefix for uploaded artifacts",
	}
	SuiteConfig = &cli.StringFlag{
		Name:     "suite",
		Required: true,
		EnvVars:  prefixEnvVar("SUITE"),
		Usage:    "Path to the suite definition file (eg. 'suite.yaml')",
	}
	Workflow = &cli.StringFlag{
		Name:    "workflow",
		Value:   "integration-tests",
		EnvVars: prefixEnvVar("WORKFLOW"),
		Usage:   "Workflow name, part of the concurrency key",
	}
	Event = &cli.StringFlag{
		Name:    "event",
		Value:   "push",
		EnvVars: prefixEnvVar("EVENT"),
		Usage:   "Trigger event type, part of the concurrency key",
	}
	Ref = &cli.StringFlag{
		Name:    "ref",
		Value:   "refs/heads/main",
		EnvVars: prefixEnvVar("REF"),
		Usage:   "Branch or ref the run was triggered for, part of the concurrency key",
	}
	Branches = &cli.StringSliceFlag{
		Name:    "branch",
		EnvVars: prefixEnvVar("BRANCHES"),
		Usage:   "Branch glob pattern that may trigger runs; repeatable, empty allows all",
	}
	IgnorePaths = &cli.StringSliceFlag{
		Name:    "ignore-path",
		Value:   cli.NewStringSlice("**/*.md", "docs/**"),
		EnvVars: prefixEnvVar("IGNORE_PATHS"),
		Usage:   "Path glob pattern excluded from triggering; repeatable",
	}
	ChangedFiles = &cli.StringSliceFlag{
		Name:    "changed-file",
		EnvVars: prefixEnvVar("CHANGED_FILES"),
		Usage:   "File changed by the triggering push; repeatable",
	}
	RunDirBase = &cli.StringFlag{
		Name:    "run-dir",
		Value:   "runs",
		EnvVars: prefixEnvVar("RUN_DIR"),
		Usage:   "Base directory for per-run staging directories",
	}
	Interval = &cli.DurationFlag{
		Name:    "interval",
		Value:   0,
		EnvVars: prefixEnvVar("INTERVAL"),
		Usage:   "Interval between runs (eg. '1h'). Set to 0 or omit for run-once mode.",
	}
	CredentialAttempts = &cli.IntFlag{
		Name:    "credential-attempts",
		Value:   3,
		EnvVars: prefixEnvVar("CREDENTIAL_ATTEMPTS"),
		Usage:   "Bounded attempt count for the credential exchange",
	}
	SessionDuration = &cli.DurationFlag{
		Name:    "session-duration",
		Value:   time.Hour,
		EnvVars: prefixEnvVar("SESSION_DURATION"),
		Usage:   "Requested lifetime of the scoped credentials",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics-addr",
		EnvVars: prefixEnvVar("METRICS_ADDR"),
		Usage:   "Address to serve prometheus metrics on (eg. ':7300'); disabled when empty",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVar("LOG_LEVEL"),
		Usage:   "Log level (debug, info, warn, error)",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		EnvVars: prefixEnvVar("LOG_FORMAT"),
		Usage:   "Log format (text, json)",
	}
)

var requiredFlags = []cli.Flag{
	Repository,
	RunNumber,
	Axis,
	RoleARN,
	Region,
	TokenFile,
	BaseLocation,
	ArtifactBucket,
	SuiteConfig,
}

var optionalFlags = []cli.Flag{
	Attempt,
	ArtifactPrefix,
	Workflow,
	Event,
	Ref,
	Branches,
	IgnorePaths,
	ChangedFiles,
	RunDirBase,
	Interval,
	CredentialAttempts,
	SessionDuration,
	MetricsAddr,
	LogLevel,
	LogFormat,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
