package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cmedetl/internal/config"
)

// ObjectGetter fetches one object body.
type ObjectGetter interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Config configures the S3 client. Empty fields fall back to the default
// AWS credential and region chain.
type S3Config struct {
	Region          string
	Endpoint        string // MinIO or another S3-compatible endpoint
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Getter reads objects through aws-sdk-go-v2.
type S3Getter struct {
	client *s3.Client
}

// NewS3 builds a client from cfg. extra options are applied last, which is
// how tests swap in a fake transport.
func NewS3(ctx context.Context, cfg S3Config, extra ...func(*s3.Options)) (*S3Getter, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range extra {
			fn(o)
		}
	})
	return &S3Getter{client: client}, nil
}

// NewS3FromEnv reads CMED_S3_REGION (or AWS_REGION), CMED_S3_ENDPOINT and
// CMED_S3_PATH_STYLE; credentials come from the default chain.
func NewS3FromEnv(ctx context.Context) (ObjectGetter, error) {
	return NewS3(ctx, S3Config{
		Region:    config.FirstNonEmpty(config.Env("CMED_S3_REGION", ""), config.Env("AWS_REGION", "")),
		Endpoint:  config.Env("CMED_S3_ENDPOINT", ""),
		PathStyle: strings.EqualFold(config.Env("CMED_S3_PATH_STYLE", ""), "true"),
	})
}

func (g *S3Getter) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
