// Package broker exchanges a CI identity token for temporary, scoped cloud
// credentials. No long-lived secret is stored locally; the trust assertion
// is a web-identity token provisioned by the CI host's OIDC federation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/dataops-infra/itest-orchestrator/metrics"
)

const (
	// DefaultMaxAttempts bounds the credential exchange retries. The value
	// is configurable because the upstream federation client carries its
	// own retry defaults.
	DefaultMaxAttempts = 3

	// DefaultSessionDuration is the requested credential lifetime.
	DefaultSessionDuration = time.Hour
)

// accountIDPattern matches the numeric account identifier inside a role ARN.
var accountIDPattern = regexp.MustCompile(`:\d{12}:`)

// Credentials are short-lived, role-scoped cloud credentials. They are never
// persisted to disk and never logged in plaintext.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
	AssumedRoleARN  string
	Region          string
}

// String redacts the secret material so accidental formatting of the struct
// never leaks it.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{role: %s, region: %s, expiry: %s}",
		MaskARN(c.AssumedRoleARN), c.Region, c.Expiry.UTC().Format(time.RFC3339))
}

// LogValue implements slog.LogValuer with the same redaction as String.
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", MaskARN(c.AssumedRoleARN)),
		slog.String("region", c.Region),
		slog.Time("expiry", c.Expiry),
	)
}

// STSClient is the subset of the STS API the broker uses.
type STSClient interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// Config holds configuration for creating a new Broker. The shared account
// and role are injected here, never read from ambient process state.
type Config struct {
	RoleARN         string
	Region          string
	TokenFile       string // path to the web-identity token file
	SessionDuration time.Duration
	MaxAttempts     int
	Log             *slog.Logger
	Client          STSClient // optional; a real STS client is built when nil
}

// Broker issues scoped credentials for a named role and region.
type Broker struct {
	cfg    Config
	client STSClient
	log    *slog.Logger
}

// New creates a new Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.RoleARN == "" {
		return nil, fmt.Errorf("role ARN is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TokenFile == "" {
		return nil, fmt.Errorf("web-identity token file is required")
	}
	if cfg.SessionDuration == 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		// AssumeRoleWithWebIdentity is an unsigned call; the token itself
		// is the trust assertion, so no ambient credentials are loaded.
		client = sts.New(sts.Options{
			Region:      cfg.Region,
			Credentials: aws.AnonymousCredentials{},
		})
	}

	return &Broker{cfg: cfg, client: client, log: cfg.Log}, nil
}

// Issue exchanges the identity token for credentials scoped to the
// configured role. Transient federation errors are retried up to the
// configured attempt bound with exponential backoff; authentication and
// authorization rejections abort immediately.
func (b *Broker) Issue(ctx context.Context, sessionName string) (*Credentials, error) {
	if sessionName == "" {
		return nil, fmt.Errorf("session name is required")
	}

	b.log.Info("Assuming role",
		"role", MaskARN(b.cfg.RoleARN),
		"region", b.cfg.Region,
		"session", sessionName)

	var out *sts.AssumeRoleWithWebIdentityOutput
	operation := func() error {
		token, err := os.ReadFile(b.cfg.TokenFile)
		if err != nil {
			return backoff.Permanent(NewAuthenticationError(fmt.Errorf("reading identity token: %w", err)))
		}

		out, err = b.client.AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
			RoleArn:          aws.String(b.cfg.RoleARN),
			RoleSessionName:  aws.String(sessionName),
			WebIdentityToken: aws.String(strings.TrimSpace(string(token))),
			DurationSeconds:  aws.Int32(int32(b.cfg.SessionDuration.Seconds())),
		})
		if err != nil {
			classified := classify(err)
			if IsTransientError(classified) {
				b.log.Warn("Credential exchange failed, will retry", "error", err)
				metrics.RecordCredentialRetry()
				return classified
			}
			return backoff.Permanent(classified)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("assuming role %s: %w", MaskARN(b.cfg.RoleARN), err)
	}

	creds := out.Credentials
	result := &Credentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretAccessKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		Expiry:          aws.ToTime(creds.Expiration),
		Region:          b.cfg.Region,
	}
	if out.AssumedRoleUser != nil {
		result.AssumedRoleARN = aws.ToString(out.AssumedRoleUser.Arn)
	}

	b.log.Info("Credentials issued", "credentials", result)
	return result, nil
}

// classify maps a federation error onto the orchestrator's error taxonomy.
func classify(err error) error {
	var invalidToken *types.InvalidIdentityTokenException
	var expiredToken *types.ExpiredTokenException
	var rejectedClaim *types.IDPRejectedClaimException
	if errors.As(err, &invalidToken) || errors.As(err, &expiredToken) || errors.As(err, &rejectedClaim) {
		return NewAuthenticationError(err)
	}

	var idpDown *types.IDPCommunicationErrorException
	if errors.As(err, &idpDown) {
		return NewTransientError(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		return NewAuthorizationError(err)
	}

	return NewTransientError(err)
}

// MaskARN masks the numeric account identifier in a role ARN so it is safe
// to echo in logs.
func MaskARN(arn string) string {
	return accountIDPattern.ReplaceAllString(arn, ":************:")
}
