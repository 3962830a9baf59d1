// Package s3 provides a blob store on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Key prefix prepended to every token
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// Client is the subset of the S3 API the backend uses.
type Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend is an S3-compatible implementation of objectstore.BlobStore.
type Backend struct {
	client   Client
	uploader *manager.Uploader
	config   Config
}

var _ objectstore.BlobStore = (*Backend)(nil)

// New creates a backend from config, loading AWS credentials the way the
// SDK does unless static keys are given.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	if config.CreateBucketIfNotExist {
		if err := createBucketIfNotExists(ctx, client, config); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return NewWithClient(client, config), nil
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client Client, config Config) *Backend {
	return &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		config:   config,
	}
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, config Config) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(config.Bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "BadRequest") &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(config.Bucket)}
	if config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(config.Region),
		}
	}
	if _, err := client.CreateBucket(ctx, input); err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return err
	}
	return nil
}

func (b *Backend) key(token string) string {
	return b.config.Prefix + token
}

// isNotFound reports whether err is S3's answer for a missing key. Some
// S3-compatible services only report the code.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func (b *Backend) exists(ctx context.Context, token string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(token)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Put stores a new blob.
func (b *Backend) Put(ctx context.Context, token string, r io.Reader) error {
	ok, err := b.exists(ctx, token)
	if err != nil {
		return objectstore.DeviceError("s3", "put", token, err)
	}
	if ok {
		return objectstore.ErrBlobExists
	}
	return b.upload(ctx, "put", token, r)
}

// Replace overwrites an existing blob.
func (b *Backend) Replace(ctx context.Context, token string, r io.Reader) error {
	ok, err := b.exists(ctx, token)
	if err != nil {
		return objectstore.DeviceError("s3", "replace", token, err)
	}
	if !ok {
		return objectstore.ErrBlobNotFound
	}
	return b.upload(ctx, "replace", token, r)
}

func (b *Backend) upload(ctx context.Context, op, token string, r io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(token)),
		Body:   r,
	}
	if b.config.EnableSSE {
		switch b.config.SSEAlgorithm {
		case "AES256":
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		case "aws:kms":
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if b.config.SSEKMSKeyID != "" {
				input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
			}
		}
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return objectstore.DeviceError("s3", op, token, err)
	}
	return nil
}

// Get opens a blob.
func (b *Backend) Get(ctx context.Context, token string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(token)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, objectstore.ErrBlobNotFound
		}
		return nil, objectstore.DeviceError("s3", "get", token, err)
	}
	return result.Body, nil
}

// Remove deletes a blob. S3 deletes are idempotent, so presence is checked
// first.
func (b *Backend) Remove(ctx context.Context, token string) error {
	ok, err := b.exists(ctx, token)
	if err != nil {
		return objectstore.DeviceError("s3", "remove", token, err)
	}
	if !ok {
		return objectstore.ErrBlobNotFound
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(token)),
	})
	return objectstore.DeviceError("s3", "remove", token, err)
}
