package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nucleus/prsync-core/internal/model"
)

// S3Config configures the MinIO/S3 object store.
type S3Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3Store implements ObjectStore against MinIO or any S3-compatible
// endpoint via the minio-go SDK.
type S3Store struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Store creates a MinIO/S3 client from config.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.EndpointURL == "" {
		return nil, storeError(model.CodeUnreachable, true, fmt.Errorf("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, storeError(model.CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, storeError(model.CodeUnreachable, true, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL
	if u.Scheme == "https" {
		useSSL = true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, storeError(model.CodeUnreachable, true, fmt.Errorf("failed to create minio client: %w", err))
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return storeError(model.CodeNotFound, false, fmt.Errorf("bucket name is required"))
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classifyObjectError(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return classifyObjectError(err)
	}
	return nil
}

func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if bucket == "" {
		return false, nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classifyObjectError(err)
	}
	return exists, nil
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if bucket == "" || key == "" {
		return storeError(model.CodeStorageFailed, false, fmt.Errorf("bucket and key are required"))
	}
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return classifyObjectError(err)
	}
	return nil
}

func (s *S3Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, storeError(model.CodeNotFound, false, fmt.Errorf("bucket and key are required"))
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyObjectError(err)
	}
	return data, nil
}

func (s *S3Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if bucket == "" {
		return nil, storeError(model.CodeNotFound, false, fmt.Errorf("bucket is required"))
	}
	var keys []string
	objectCh := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, classifyObjectError(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// classifyObjectError converts minio-go errors to coded errors.
func classifyObjectError(err error) *model.APIError {
	if err == nil {
		return nil
	}

	if minioErr, ok := err.(minio.ErrorResponse); ok {
		switch minioErr.Code {
		case "NoSuchBucket", "NoSuchKey":
			return storeError(model.CodeNotFound, false, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storeError(model.CodeAuthInvalid, false, err)
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such bucket"),
		strings.Contains(errStr, "no such key"),
		strings.Contains(errStr, "does not exist"):
		return storeError(model.CodeNotFound, false, err)
	case strings.Contains(errStr, "access denied"),
		strings.Contains(errStr, "signature"),
		strings.Contains(errStr, "authentication"):
		return storeError(model.CodeAuthInvalid, false, err)
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return storeError(model.CodeTimeout, true, err)
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "unreachable"),
		strings.Contains(errStr, "no such host"):
		return storeError(model.CodeUnreachable, true, err)
	}
	return storeError(model.CodeStorageFailed, true, err)
}
