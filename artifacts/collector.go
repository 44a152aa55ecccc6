// Package artifacts persists run results to the artifact backend. Collection
// runs unconditionally after the executor reaches any terminal state, and an
// upload failure never masks the underlying test outcome.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dataops-infra/itest-orchestrator/executor"
	"github.com/dataops-infra/itest-orchestrator/metrics"
)

// DefaultNamePrefix is the artifact file name prefix.
const DefaultNamePrefix = "integration_results"

// UploadError reports a failed artifact upload. It is surfaced to the
// operator but never overrides the test run's exit status.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("artifact upload failure: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError creates a new UploadError
func NewUploadError(err error) *UploadError {
	return &UploadError{Err: err}
}

// IsUploadError checks if the error is or wraps an UploadError
func IsUploadError(err error) bool {
	var uploadErr *UploadError
	return err != nil && errors.As(err, &uploadErr)
}

// Reference identifies an uploaded artifact.
type Reference struct {
	Bucket string
	Key    string
	Size   int64
}

// URI returns the artifact as an s3:// URI.
func (r *Reference) URI() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// S3Client is the subset of the S3 API the collector uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds configuration for creating a new Collector.
type Config struct {
	Bucket     string
	Prefix     string // key prefix inside the bucket, may be empty
	NamePrefix string // artifact file name prefix; defaults to DefaultNamePrefix
	Client     S3Client
	Log        *slog.Logger
	Clock      func() time.Time // injectable for tests; defaults to time.Now
}

// Collector uploads one result file per run.
type Collector struct {
	cfg Config
	log *slog.Logger
}

// New creates a new Collector.
func New(cfg Config) (*Collector, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Collector{cfg: cfg, log: cfg.Log}, nil
}

// Collect uploads the run's result file under a collision-resistant,
// sortable name. It accepts results in any terminal state, including failed
// and timed-out runs.
func (c *Collector) Collect(ctx context.Context, res *executor.Result) (*Reference, error) {
	if res == nil {
		return nil, NewUploadError(fmt.Errorf("run result is required"))
	}
	if !res.State.Terminal() {
		return nil, NewUploadError(fmt.Errorf("run result state %q is not terminal", res.State))
	}
	if res.ResultFile == "" {
		return nil, NewUploadError(fmt.Errorf("run result has no result file"))
	}

	f, err := os.Open(res.ResultFile)
	if err != nil {
		metrics.RecordUpload(false)
		return nil, NewUploadError(fmt.Errorf("opening result file: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.RecordUpload(false)
		return nil, NewUploadError(fmt.Errorf("stat result file: %w", err))
	}

	name := Name(c.cfg.NamePrefix, filepath.Ext(res.ResultFile), c.cfg.Clock())
	key := name
	if c.cfg.Prefix != "" {
		key = strings.Trim(c.cfg.Prefix, "/") + "/" + name
	}

	c.log.Info("Uploading artifact",
		"bucket", c.cfg.Bucket,
		"key", key,
		"size", info.Size(),
		"run_state", string(res.State))

	_, err = c.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(res.ResultFile)),
	})
	if err != nil {
		metrics.RecordUpload(false)
		return nil, NewUploadError(err)
	}
	metrics.RecordUpload(true)

	ref := &Reference{Bucket: c.cfg.Bucket, Key: key, Size: info.Size()}
	c.log.Info("Artifact uploaded", "uri", ref.URI())
	return ref, nil
}

// Name computes the artifact file name from a UTC timestamp. Colons are
// stripped because they are illegal in several storage and filesystem
// naming schemes; the remainder stays lexicographically sortable.
func Name(prefix, ext string, ts time.Time) string {
	stamp := strings.ReplaceAll(ts.UTC().Format(time.RFC3339), ":", "")
	return prefix + "_" + stamp + ext
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
