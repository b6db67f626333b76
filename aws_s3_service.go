package cttso_pieriandx_gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the subset of S3 the transfer and report paths need.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error
	HeadObject(ctx context.Context, bucket, key string) (int64, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

var ErrObjectNotFound = errors.New("object not found")

// AWSS3Service recreates its client once the session duration has passed,
// so rotated credentials are picked up by long running servers.
type AWSS3Service struct {
	cfg             S3Config
	sessionDuration time.Duration
	optFns          []func(*s3.Options)

	mu           sync.Mutex
	sessionStart time.Time
	client       *s3.Client
}

func NewAWSS3Service(cfg S3Config, sessionDuration time.Duration, optFns ...func(*s3.Options)) *AWSS3Service {
	return &AWSS3Service{cfg: cfg, sessionDuration: sessionDuration, optFns: optFns}
}

// NewAWSS3ServiceWithClient pins a prebuilt client; the session never expires.
func NewAWSS3ServiceWithClient(cfg S3Config, client *s3.Client) *AWSS3Service {
	return &AWSS3Service{cfg: cfg, client: client, sessionStart: time.Now()}
}

func put[T any](ctx context.Context, store ObjectStore, bucket, key string, t T) error {
	rJson, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("Failed to marshal: %q", err)
	}
	if err := store.PutObject(ctx, bucket, key, rJson, "application/json"); err != nil {
		return fmt.Errorf("Failed to putObject: %w", err)
	}
	return nil
}

// PutObject uploads content with AES256 server side encryption.
func (a *AWSS3Service) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	s3Client, err := a.getClient(ctx)
	if err != nil {
		return fmt.Errorf("Failed to get s3 client: '%s': %w", key, err)
	}
	input := &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(content),
		ContentLength:        aws.Int64(int64(len(content))),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if _, err := s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("Failed to upload object %s:%s: %w", bucket, key, err)
	}
	return nil
}

// HeadObject returns the stored size, or ErrObjectNotFound.
func (a *AWSS3Service) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	s3Client, err := a.getClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("Failed to get s3 client: '%s': %w", key, err)
	}
	out, err := s3Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, fmt.Errorf("%s:%s: %w", bucket, key, ErrObjectNotFound)
		}
		return 0, fmt.Errorf("Failed to head object %s:%s: %w", bucket, key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (a *AWSS3Service) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	s3Client, err := a.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create S3 client %s:%s: %w", bucket, key, err)
	}
	output, err := s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s:%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("Failed to get object %s:%s: %w", bucket, key, err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read object %s:%s: %w", bucket, key, err)
	}
	return data, nil
}

func (a *AWSS3Service) DeleteObject(ctx context.Context, bucket, key string) error {
	s3Client, err := a.getClient(ctx)
	if err != nil {
		return fmt.Errorf("Failed to create S3 client %s:%s: %w", bucket, key, err)
	}
	if _, err := s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("Failed to delete object, %w", err)
	}
	return nil
}

func createClient(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("Failed to load SDK configuration: %w", err)
	}
	opts := []func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}
	return s3.NewFromConfig(awsCfg, append(opts, optFns...)...), nil
}

func (a *AWSS3Service) getClient(ctx context.Context) (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || a.sessionIsExpired() {
		s3Client, err := createClient(ctx, a.cfg, a.optFns...)
		if err != nil {
			return nil, fmt.Errorf("Failed to create S3 client: %w", err)
		}
		a.sessionStart = time.Now()
		a.client = s3Client
	}
	return a.client, nil
}

func (a *AWSS3Service) sessionIsExpired() bool {
	if a.sessionDuration <= 0 {
		return false
	}
	return time.Since(a.sessionStart) >= a.sessionDuration
}
