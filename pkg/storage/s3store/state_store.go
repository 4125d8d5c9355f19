package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"leaselock/pkg/coordination"
)

const provenanceMetadataKey = "provenance"

// objectAPI is the subset of *s3.Client the store needs.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3StoreConfig holds S3 configuration
type S3StoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "coordination/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store uses object ETags with conditional writes (If-Match / If-None-Match) as CAS.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store creates a new S3-backed state store
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3Store(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client objectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) Close() error { return nil }

// Fetch is a no-op: S3 offers strong read-after-write consistency.
func (s *S3Store) Fetch(ctx context.Context) error {
	return nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, coordination.NoVersion, coordination.ErrNotFound
		}
		return nil, coordination.NoVersion, fmt.Errorf("%w: s3 get: %v", coordination.ErrUnavailable, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, coordination.NoVersion, fmt.Errorf("%w: s3 read body: %v", coordination.ErrUnavailable, err)
	}
	return data, coordination.Version(aws.ToString(output.ETag)), nil
}

func (s *S3Store) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{provenanceMetadataKey: message},
	}
	if expected == coordination.NoVersion {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	output, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return coordination.NoVersion, coordination.ErrConflict
		}
		return coordination.NoVersion, fmt.Errorf("%w: s3 put: %v", coordination.ErrUnavailable, err)
	}
	return coordination.Version(aws.ToString(output.ETag)), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isConditionFailed covers 412 PreconditionFailed and the 409 S3 returns when
// two conditional writes race on the same key.
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
