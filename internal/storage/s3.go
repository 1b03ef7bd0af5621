// Package storage provides the blob storage implementations behind the
// FileStorage port: AWS S3 for production and the local filesystem for
// development and tests. The detail artifact written here is the single
// source of truth for exposure-level results.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// S3Storage stores blobs in a single S3 bucket. URIs use the s3://bucket/key
// form.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Storage creates S3-backed blob storage for the given bucket.
func NewS3Storage(client *s3.Client, bucket string, log zerolog.Logger) *S3Storage {
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      log.With().Str("storage", "s3").Logger(),
	}
}

// Retrieve downloads a blob by s3:// URI.
func (s *S3Storage) Retrieve(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, domain.WrapError(domain.CodeNotFound, domain.SystemError,
				fmt.Sprintf("object not found: %s", uri), err)
		}
		return nil, domain.WrapError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("failed to download %s", uri), err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, domain.WrapError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("failed to read %s", uri), err)
	}

	s.log.Debug().Str("uri", uri).Int("bytes", len(content)).Msg("Downloaded blob")
	return content, nil
}

// Store uploads content under the given key and returns its s3:// URI.
func (s *S3Storage) Store(ctx context.Context, key string, content []byte) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", domain.WrapError(domain.CodeStorageError, domain.SystemError,
			fmt.Sprintf("failed to upload %s", key), err)
	}

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.log.Info().Str("uri", uri).Int("bytes", len(content)).Msg("Stored blob")
	return uri, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", domain.NewError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("not an s3 uri: %s", uri))
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.NewError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("malformed s3 uri: %s", uri))
	}
	return parts[0], parts[1], nil
}
