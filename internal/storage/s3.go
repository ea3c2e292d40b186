// Package storage ships finished backup artifacts to remote object
// storage. Uploads are best-effort from the caller's point of view: the
// local artifact stays authoritative either way.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"

	"github.com/oplift/continuity/internal/config"
)

const (
	uploadBackoffInitial = 2 * time.Second
	uploadBackoffMax     = 15 * time.Second
	uploadMaxElapsed     = time.Minute
)

// RemoteStore uploads finalized artifacts.
type RemoteStore interface {
	Upload(ctx context.Context, localPath, remoteName string) error
}

// S3Store uploads to an S3 bucket using the managed multipart uploader.
type S3Store struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 builds an S3Store from static credentials in cfg.
func NewS3(ctx context.Context, cfg config.S3) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		uploader: s3manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Upload pushes the file, retrying transient failures with exponential
// backoff bounded by uploadMaxElapsed.
func (s *S3Store) Upload(ctx context.Context, localPath, remoteName string) error {
	key := path.Join(s.prefix, remoteName)

	attempt := func() error {
		file, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open artifact: %w", err))
		}
		defer file.Close()

		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
			Body:   file,
		})
		if err != nil {
			return fmt.Errorf("upload to s3://%s/%s: %w", s.bucket, key, err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = uploadBackoffInitial
	policy.MaxInterval = uploadBackoffMax
	policy.MaxElapsedTime = uploadMaxElapsed

	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}
