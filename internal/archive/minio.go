package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fullscreen/board/internal/board"
)

const objectPrefix = "boards/"

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Minio archives boards in an S3 compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio builds the client without contacting the server.
func NewMinio(opts MinioOptions) (*Minio, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func objectName(id board.ID) string {
	return objectPrefix + FileName(id)
}

func (m *Minio) Put(ctx context.Context, id board.ID, snapshot []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectName(id), bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"board-id": string(id)},
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectName(id), err)
	}
	return nil
}

func (m *Minio) Get(ctx context.Context, id board.ID) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.mapError(id, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.mapError(id, err)
	}
	return raw, nil
}

func (m *Minio) mapError(id board.ID, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("get object %s: %w", objectName(id), err)
}
