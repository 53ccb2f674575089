package clients

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
}

// S3Client stores voucher artifacts and generated reports in an S3-compatible
// bucket. Artifact references are object keys; reads go through presigned
// URLs so the bucket stays private.
type S3Client struct {
	raw    *minio.Client
	bucket string
	prefix string
}

func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Client{
		raw:    client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (c *S3Client) Upload(ctx context.Context, fileName string, data []byte, contentType string) (string, error) {
	if c.raw == nil {
		return "", fmt.Errorf("s3 client is nil")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := c.prefix + fileName

	reader := bytes.NewReader(data)
	size := int64(len(data))

	_, err := c.raw.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q failed: %w", key, err)
	}

	return key, nil
}

// S3ArtifactStore adapts the bucket client to the saver interface the REST
// layer uses for voucher uploads, so artifacts land in the bucket instead of
// local disk when S3 is configured.
type S3ArtifactStore struct {
	client *S3Client
	urlTTL time.Duration
}

func NewS3ArtifactStore(client *S3Client) *S3ArtifactStore {
	return &S3ArtifactStore{client: client, urlTTL: 15 * time.Minute}
}

func (s *S3ArtifactStore) Save(ctx context.Context, fileName string, data []byte) (string, error) {
	fileName = filepath.Base(fileName)

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate object name: %w", err)
	}
	key := fmt.Sprintf("%s_%s", hex.EncodeToString(randBytes), fileName)

	return s.client.Upload(ctx, key, data, http.DetectContentType(data))
}

// GetURL returns a presigned link; the bucket itself stays private.
func (s *S3ArtifactStore) GetURL(fileName string) string {
	u, err := s.client.GetTemporaryURL(context.Background(), fileName, s.urlTTL)
	if err != nil {
		return ""
	}
	return u
}

func (c *S3Client) GetTemporaryURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if c.raw == nil {
		return "", fmt.Errorf("s3 client is nil")
	}

	u, err := c.raw.PresignedGetObject(ctx, c.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign get object %q failed: %w", key, err)
	}

	return u.String(), nil
}
