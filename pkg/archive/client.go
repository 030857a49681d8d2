package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for classified S3 failures.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Putter is the subset of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ Putter = (*s3.Client)(nil)

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" && cfg.Endpoint == "" && awsCfg.Region == "" {
		awsCfg.Region = instanceRegion(ctx, awsCfg)
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// instanceRegion asks the EC2 instance metadata service for the region of
// the node we run on. Returns "" off EC2.
func instanceRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// UploadError wraps a failed upload with its destination.
type UploadError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// classify maps S3 API errors onto the package sentinels. Unrecognised
// errors are returned as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
