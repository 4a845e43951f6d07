package awsclient

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Clients bundles the AWS service clients used by the pipeline.
type Clients struct {
	SNS    *sns.Client
	SQS    *sqs.Client
	S3     *s3.Client
	Athena *athena.Client
}

// Options controls client construction.
type Options struct {
	// Region is required.
	Region string
	// AccessKey/SecretKey use static credentials when both are set;
	// otherwise the default credential chain applies (IAM roles, env).
	AccessKey string
	SecretKey string
	// Endpoint overrides the service endpoint for all clients, used with
	// LocalStack in development.
	Endpoint string
	// S3UsePathStyle is needed by MinIO and LocalStack.
	S3UsePathStyle bool
}

// OptionsFromEnv fills credential and endpoint overrides from the
// environment.
func OptionsFromEnv(region string) Options {
	return Options{
		Region:         region,
		AccessKey:      os.Getenv("AUDITTRAIL_AWS_ACCESS_KEY"),
		SecretKey:      os.Getenv("AUDITTRAIL_AWS_SECRET_KEY"),
		Endpoint:       os.Getenv("AUDITTRAIL_AWS_ENDPOINT"),
		S3UsePathStyle: os.Getenv("AUDITTRAIL_S3_PATH_STYLE") == "true",
	}
}

// New creates all service clients from a single shared AWS config.
func New(ctx context.Context, opts Options) (*Clients, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := func(base *string) *string {
		if opts.Endpoint != "" {
			return aws.String(opts.Endpoint)
		}
		return base
	}

	return &Clients{
		SNS: sns.NewFromConfig(awsConfig, func(o *sns.Options) {
			o.BaseEndpoint = endpoint(o.BaseEndpoint)
		}),
		SQS: sqs.NewFromConfig(awsConfig, func(o *sqs.Options) {
			o.BaseEndpoint = endpoint(o.BaseEndpoint)
		}),
		S3: s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			o.BaseEndpoint = endpoint(o.BaseEndpoint)
			o.UsePathStyle = opts.S3UsePathStyle
		}),
		Athena: athena.NewFromConfig(awsConfig, func(o *athena.Options) {
			o.BaseEndpoint = endpoint(o.BaseEndpoint)
		}),
	}, nil
}
