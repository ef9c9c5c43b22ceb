// Package objectstore is the tiering subsystem's only component that
// talks to the network. It wraps an S3-compatible endpoint
// (github.com/aws/aws-sdk-go-v2/service/s3) behind the bucket/key put, get,
// delete, and ensure_bucket operations the migration, read, and unlink
// engines call.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/javi11/tiervfs/internal/tiererrors"
)

// BlobStore is the narrow surface the migration, read, and unlink engines
// depend on, so tests can substitute an in-memory fake instead of talking
// to a real S3-compatible endpoint.
type BlobStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, length int64, r io.Reader) error
	Get(ctx context.Context, bucket, key string, w io.Writer) error
	Delete(ctx context.Context, bucket, key string) error
}

var _ BlobStore = (*Store)(nil)

// Config holds the object-store endpoint settings: hostname, plus the
// credentials an S3-compatible backend needs.
type Config struct {
	Hostname  string
	Region    string
	AccessKey string
	SecretKey string
	UsePathStyle bool
}

// Store is the object-store façade. Put and Get are attempted up to three
// times through avast/retry-go before surfacing a CloudError, so a transient
// network blip doesn't fail a migration or fetch outright. EnsureBucket and
// Delete are attempted once.
type Store struct {
	client *s3.Client
	logger *slog.Logger
}

// New constructs a façade against the configured S3-compatible endpoint.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Hostname != "" {
			o.BaseEndpoint = aws.String(cfg.Hostname)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client, logger: logger}, nil
}

// EnsureBucket creates the bucket if it does not already exist. Creating a
// bucket that already exists and is owned by the caller is treated as
// success.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}

	var alreadyOwned *types.BucketAlreadyOwnedByYou
	var alreadyExists *types.BucketAlreadyExists
	if errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists) {
		return nil
	}

	return &tiererrors.CloudError{Op: "ensure_bucket:" + bucket, Status: 0, Err: err}
}

// Put uploads length bytes read from r under bucket/key.
func (s *Store) Put(ctx context.Context, bucket, key string, length int64, r io.Reader) error {
	return retry.Do(func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			return &tiererrors.CloudError{Op: "put:" + bucket + "/" + key, Status: statusOf(err), Err: err}
		}
		return nil
	}, retry.Attempts(3))
}

// Get streams bucket/key's payload into w.
func (s *Store) Get(ctx context.Context, bucket, key string, w io.Writer) error {
	var out *s3.GetObjectOutput
	err := retry.Do(func() error {
		var getErr error
		out, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if getErr != nil {
			return &tiererrors.CloudError{Op: "get:" + bucket + "/" + key, Status: statusOf(getErr), Err: getErr}
		}
		return nil
	}, retry.Attempts(3))
	if err != nil {
		return err
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return &tiererrors.CloudError{Op: "get-copy:" + bucket + "/" + key, Status: 0, Err: err}
	}
	return nil
}

// Delete removes bucket/key. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &tiererrors.CloudError{Op: "delete:" + bucket + "/" + key, Status: statusOf(err), Err: err}
	}
	return nil
}

// BucketKey splits a digest into its bucket/key pair: bucket is the first
// three hex characters, key is the remainder.
func BucketKey(dig string) (bucket, key string) {
	if len(dig) < 3 {
		return dig, ""
	}
	return dig[:3], dig[3:]
}

func statusOf(err error) int {
	var re *types.NoSuchKey
	if errors.As(err, &re) {
		return 404
	}
	return 500
}
