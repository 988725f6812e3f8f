package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// DefaultAWSRegion applies when neither config nor environment name one and
// no custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3 (or S3-compatible) archive target.
type S3Config struct {
	Bucket string
	Prefix string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// PutObjectAPI is the subset of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads record.json and the result artifacts under
// <prefix>/<owner-slug>/<id>/.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver using the AWS SDK default credential
// chain unless explicit keys are configured.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
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
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ArchiverWithClient(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (a *S3Archiver) key(rec *experiment.Record, rel string) string {
	return path.Join(a.prefix, entryPrefix(rec), rel)
}

func (a *S3Archiver) Archive(ctx context.Context, rec *experiment.Record, resultDir string) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := a.put(ctx, a.key(rec, "record.json"), bytes.NewReader(b), int64(len(b))); err != nil {
		return err
	}

	return walkArtifacts(ctx, resultDir, func(rel, p string, info fs.FileInfo) error {
		// #nosec G304 -- p comes from walking the result session directory
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return a.put(ctx, a.key(rec, path.Join("results", rel)), f, info.Size())
	})
}

func (a *S3Archiver) put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: &size,
	})
	if err != nil {
		return wrapS3Error(a.bucket, key, err)
	}
	return nil
}

func wrapS3Error(bucket, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("archive s3://%s/%s: %s: %w", bucket, key, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("archive s3://%s/%s: %w", bucket, key, err)
}
