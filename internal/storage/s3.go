package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"testline/internal/config"
)

const presignTTL = 15 * time.Minute

// S3 implements BlobStorage against an S3-compatible object store.
type S3 struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 builds a client from the storage.s3 config section. Works with AWS
// and path-style compatible stores (MinIO, SeaweedFS).
func NewS3(ctx context.Context, cfg *config.Config) (*S3, error) {
	sc := cfg.Storage.S3
	if sc.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := sc.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if sc.AccessKey != "" || sc.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKey, sc.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(sc.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if sc.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = sc.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  sc.Bucket,
	}, nil
}

func (s *S3) Upload(ctx context.Context, path string, r io.Reader) error {
	if path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidPath)
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
		Body:   r,
	})
	return err
}

func (s *S3) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, path string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	return err
}

func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// URL returns a presigned GET URL.
func (s *S3) URL(ctx context.Context, path string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	}, func(o *s3.PresignOptions) {
		o.Expires = presignTTL
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// FromConfig selects the configured blob backend.
func FromConfig(ctx context.Context, workspace string, cfg *config.Config) (BlobStorage, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		dir := cfg.Storage.Local.Dir
		if dir == "" {
			dir = ".testline/blobs"
		}
		if !strings.HasPrefix(dir, "/") && workspace != "" {
			dir = workspace + "/" + dir
		}
		return NewLocal(dir)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
