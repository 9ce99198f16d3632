// internal/common/aws/s3.go
package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitlement-delivery/internal/blob"
	"entitlement-delivery/internal/common/config"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the blob store uses.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner is the subset of the S3 presign client the blob store uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest carries the signed URL.
type PresignedRequest struct {
	URL string
}

type presignAdapter struct {
	client *s3.PresignClient
}

func (p presignAdapter) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// S3BlobStore implements blob.Store on an S3 bucket.
type S3BlobStore struct {
	api       S3API
	presigner Presigner
	bucket    string
	prefix    string
}

func NewS3BlobStore(ctx context.Context, cfg config.StorageConfig) (*S3BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.UsePathStyle
	})
	return NewS3BlobStoreFromAPI(client, presignAdapter{client: s3.NewPresignClient(client)}, cfg.S3.Bucket, cfg.S3.KeyPrefix), nil
}

// NewS3BlobStoreFromAPI builds the store over explicit clients.
func NewS3BlobStoreFromAPI(api S3API, presigner Presigner, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{api: api, presigner: presigner, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Metadata(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3BlobStore) Metadata(ctx context.Context, key string) (blob.Metadata, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return blob.Metadata{}, blob.ErrNotFound
		}
		return blob.Metadata{}, fmt.Errorf("head object %s: %w", key, err)
	}

	md := blob.Metadata{
		Size:        awssdk.ToInt64(out.ContentLength),
		ContentType: awssdk.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		md.LastModified = out.LastModified.UTC()
	}
	if md.ContentType == "" {
		md.ContentType = "application/octet-stream"
	}
	return md, nil
}

func (s *S3BlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration, disposition blob.Disposition) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     awssdk.String(s.bucket),
		Key:                        awssdk.String(s.objectKey(key)),
		ResponseContentDisposition: awssdk.String(blob.ContentDisposition(key, disposition)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
