package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes how to reach an S3-compatible chunk bucket. Adapted
// from the teacher's config.BackendConfig, trimmed to what a chunk store
// needs (no per-object metadata, no listing).
type S3Config struct {
	Region    string
	Endpoint  string
	Provider  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// S3ChunkStore stores chunks as objects in a single bucket, keyed by the
// hex-encoded post-hash. Grounded on the teacher's internal/s3.s3Client:
// same AWS SDK v2 wiring, same non-AWS endpoint override for MinIO/Wasabi/
// etc., trimmed to the three operations ChunkStore needs.
type S3ChunkStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ChunkStore builds an S3ChunkStore from cfg.
func NewS3ChunkStore(ctx context.Context, cfg S3Config) (*S3ChunkStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 chunk store: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3ChunkStore{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3ChunkStore) objectKey(key Key) string {
	return s.prefix + hex.EncodeToString(key[:])
}

func (s *S3ChunkStore) Put(ctx context.Context, key Key, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return &ErrStoreIO{Op: "s3 put", Err: err}
	}
	return nil
}

func (s *S3ChunkStore) Get(ctx context.Context, key Key) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *s3.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrMissing
		}
		return nil, &ErrStoreIO{Op: "s3 get", Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &ErrStoreIO{Op: "s3 get body", Err: err}
	}
	return data, nil
}

func (s *S3ChunkStore) Delete(ctx context.Context, key Key) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return &ErrStoreIO{Op: "s3 delete", Err: err}
	}
	return nil
}
