package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

// S3Config configures the S3-backed blob store. Endpoint overrides the
// AWS endpoint for LocalStack and other S3-compatible services.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type s3API interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// S3Store implements Store on an S3 bucket.
type S3Store struct {
	api        s3API
	uploader   uploader
	downloader downloader
	bucket     string
	logger     observability.Logger
}

// NewS3Store creates the blob store, loading credentials from the default
// AWS chain (env, shared config, IRSA).
func NewS3Store(ctx context.Context, cfg S3Config, logger observability.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, models.NewError(models.ErrInvalidArgument, "blob store bucket is required")
	}

	options := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		api:        client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		logger:     logger.WithPrefix("blobstore"),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return models.NewError(models.ErrInvalidArgument, "blob key is required")
	}
	started := time.Now()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to upload blob %q", key)
	}
	s.logger.Debug("uploaded blob", map[string]interface{}{
		"key":         key,
		"bytes":       len(data),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	if key == "" {
		return nil, models.NewError(models.ErrInvalidArgument, "blob key is required")
	}

	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, mapS3Error(err, key)
	}

	contentType := ""
	if head.ContentType != nil {
		contentType = *head.ContentType
	}
	return &Object{Key: key, ContentType: contentType, Data: buf.Bytes()}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return models.NewError(models.ErrInvalidArgument, "blob key is required")
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return mapS3Error(err, key)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "failed to list blobs under %q", prefix)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3Store) Close() error { return nil }

func mapS3Error(err error, key string) error {
	var notFound *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &notFound) {
		return models.WrapError(models.ErrNotFound, err, "blob %q not found", key)
	}
	if errors.As(err, &noBucket) {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "blob bucket missing")
	}
	// HeadObject reports missing keys as a generic NotFound API error.
	var apiNotFound *types.NotFound
	if errors.As(err, &apiNotFound) {
		return models.WrapError(models.ErrNotFound, err, "blob %q not found", key)
	}
	return models.WrapError(models.ErrUpstreamUnavailable, err, "blob operation failed for %q", key)
}
