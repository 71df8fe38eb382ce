// internal/media/s3.go
// S3-compatible storage implementation for capture artifacts.
// It uploads artifacts, streams them back and issues presigned download URLs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store wraps the AWS S3 client for artifact storage.
type S3Store struct {
	client  *s3.Client        // AWS S3 client
	presign *s3.PresignClient // Presign client for download URLs
	bucket  string            // S3 bucket name for artifacts
}

// NewS3Store creates a new S3 store.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for artifacts
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
//
// Returns:
//   - *S3Store: Initialized store
//   - error: Any error that occurred during initialization
func NewS3Store(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Store, error) {
	// Load AWS configuration with custom endpoint and credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		// Configure static credentials
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with path-style addressing for compatibility
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// ref builds the reference stored in report records.
func (s *S3Store) ref(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// keyFromRef extracts the object key from a reference to this bucket.
func (s *S3Store) keyFromRef(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok || key == "" {
		return "", ErrNotFound
	}
	return key, nil
}

// Put uploads an artifact.
func (s *S3Store) Put(ctx context.Context, key, mimeType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}
	return s.ref(key), nil
}

// Open streams an artifact back.
func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return nil, "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get artifact: %w", err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// Delete removes an artifact. S3 reports success for missing keys.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// URL generates a presigned GET URL.
func (s *S3Store) URL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return "", err
	}
	res, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires // URL expiration time
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return res.URL, nil
}
