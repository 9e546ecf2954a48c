package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	envAWSRoleARN              = "AWS_ROLE_ARN"
	envAWSWebIdentityTokenFile = "AWS_WEB_IDENTITY_TOKEN_FILE"
	envAWSRegion               = "AWS_REGION"
	envAWSDefaultRegion        = "AWS_DEFAULT_REGION"
)

// S3Config selects the bucket an S3 store writes to.
type S3Config struct {
	Endpoint string
	Bucket   string
	Region   string
	UseSSL   bool
}

// S3 is a Store on an S3-compatible bucket. Create-only writes send
// If-None-Match: *, compare-and-swap writes send If-Match with the ETag
// returned by the preceding read; the ETag is the concurrency token.
//
// Metadata keys are lower-cased on read; S3 canonicalises header case.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the configured endpoint. Credentials come from the
// standard AWS environment variables, or IAM web identity when configured.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = os.Getenv(envAWSRegion)
	}
	if region == "" {
		region = os.Getenv(envAWSDefaultRegion)
	}
	creds := credentials.NewEnvAWS()
	if os.Getenv(envAWSWebIdentityTokenFile) != "" && os.Getenv(envAWSRoleARN) != "" {
		creds = credentials.NewIAM("")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Region: region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// CheckBucket verifies that the configured bucket exists.
func (s *S3) CheckBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3: find bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3: bucket %q does not exist", s.bucket)
	}
	return nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) (Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, classifyS3("get", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return Object{}, classifyS3("get", key, err)
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return Object{}, classifyS3("get", key, err)
	}

	var metadata map[string]string
	if len(info.UserMetadata) > 0 {
		metadata = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			metadata[strings.ToLower(k)] = v
		}
	}
	return Object{Body: body, Metadata: metadata, Token: Token(info.ETag)}, nil
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, body []byte, metadata map[string]string, pre Precondition) (Token, error) {
	if err := pre.validate(); err != nil {
		return "", fmt.Errorf("put %q: %w", key, err)
	}
	opts := minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: metadata,
	}
	switch pre.Kind {
	case PreconditionMustNotExist:
		opts.SetMatchETagExcept("*")
	case PreconditionMustMatch:
		opts.SetMatchETag(string(pre.Token))
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return "", classifyS3("put", key, err)
	}
	return Token(info.ETag), nil
}

// List implements Store.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if info.Err != nil {
			return nil, classifyS3("list", prefix, info.Err)
		}
		// Non-recursive listings also yield common prefixes ("dir/").
		if directChild(prefix, info.Key) {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if errors.Is(classifyS3("delete", key, err), ErrNotFound) {
			return nil
		}
		return classifyS3("delete", key, err)
	}
	return nil
}

// classifyS3 maps S3 error responses onto the store sentinels.
func classifyS3(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%s %q: %w", op, key, ErrPreconditionFailed)
	case resp.Code == "ConditionalRequestConflict":
		// A concurrent conditional write to the same key is in flight.
		return fmt.Errorf("%s %q: %w", op, key, ErrPreconditionFailed)
	default:
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
}
