package roomstate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3StateBackend keeps each scope as <prefix><scope>/workspace-state.json in
// one bucket of an S3-compatible object store.
//
// DSN form: s3://ACCESS:SECRET@host:port/bucket/optional/prefix?secure=false
type S3StateBackend struct {
	client *minio.Client
	bucket string
	prefix string

	bucketOnce sync.Once
	bucketErr  error
}

func NewS3StateBackend(dsn string) (StateBackend, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: s3 dsn needs a host", ErrInvalidInput)
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(parsed.Path, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 dsn needs a bucket", ErrInvalidInput)
	}
	secure := true
	if raw := parsed.Query().Get("secure"); raw != "" {
		secure, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: secure=%q", ErrInvalidInput, raw)
		}
	}
	accessKey := parsed.User.Username()
	secretKey, _ := parsed.User.Password()

	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: parsed.Query().Get("region"),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewS3StateBackendWithClient(client, bucket, prefix), nil
}

func NewS3StateBackendWithClient(client *minio.Client, bucket, prefix string) *S3StateBackend {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3StateBackend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3StateBackend) objectName(scope string) string {
	return b.prefix + scope + "/" + StateKey + ".json"
}

func (b *S3StateBackend) Load(ctx context.Context, scope string) ([]byte, error) {
	object, err := b.client.GetObject(ctx, b.bucket, b.objectName(scope), minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Missing(err)
	}
	defer object.Close()
	payload, err := io.ReadAll(object)
	if err != nil {
		return nil, s3Missing(err)
	}
	return payload, nil
}

func (b *S3StateBackend) Save(ctx context.Context, scope string, payload []byte) error {
	if err := b.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, b.bucket, b.objectName(scope), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *S3StateBackend) ensureBucket(ctx context.Context) error {
	b.bucketOnce.Do(func() {
		exists, err := b.client.BucketExists(ctx, b.bucket)
		if err != nil {
			b.bucketErr = fmt.Errorf("check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
			b.bucketErr = fmt.Errorf("create bucket: %w", err)
		}
	})
	return b.bucketErr
}

// s3Missing maps "no such object" and "no such bucket" to an absent record.
// It returns the error to propagate, which is nil when the record is absent.
func s3Missing(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return nil
	}
	return fmt.Errorf("get object: %w", err)
}
