package artifacts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dataops-infra/itest-orchestrator/broker"
)

// NewClient creates an S3 client from the run's scoped credentials. The
// brokered credentials are the only ones used; the ambient credential chain
// is bypassed so a run can never write outside its role's scope.
func NewClient(ctx context.Context, creds *broker.Credentials) (*s3.Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials are required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(creds.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg), nil
}
