package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/metrics"
)

// Default timeout for s3 operations
const DefaultS3Timeout = 30 * time.Second

// DefaultURLLifetime is how long a presigned playback URL stays valid.
const DefaultURLLifetime = 6 * time.Hour

// MaxObjectSize is the largest body a single PutObject request accepts.
const MaxObjectSize = 5 << 30 // 5 GiB

// S3API is the subset of the S3 client the file store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs GET requests for private objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3FileStore keeps media files in an S3 bucket. Playback URLs go through
// the CDN domain when one is configured and are presigned otherwise.
type S3FileStore struct {
	client    S3API
	presigner Presigner
	bucket    string
	cdnDomain string
	lifetime  time.Duration
	maxSize   int64
}

// NewS3FileStore creates a file store over an S3 client.
func NewS3FileStore(client *s3.Client, bucket, cdnDomain string) *S3FileStore {
	return NewS3FileStoreFromAPI(client, s3.NewPresignClient(client), bucket, cdnDomain)
}

// NewS3FileStoreFromAPI creates a file store from narrow client interfaces.
func NewS3FileStoreFromAPI(client S3API, presigner Presigner, bucket, cdnDomain string) *S3FileStore {
	return &S3FileStore{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		cdnDomain: strings.TrimRight(strings.TrimPrefix(strings.TrimPrefix(cdnDomain, "https://"), "http://"), "/"),
		lifetime:  DefaultURLLifetime,
		maxSize:   MaxObjectSize,
	}
}

// Save uploads r to key in one PutObject request, so bodies above
// MaxObjectSize fail with ErrObjectTooLarge. Readers that cannot seek are
// spooled to a temp file first so the request carries a content length.
func (s *S3FileStore) Save(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	ctx, span := tracer.Start(ctx, "s3-put")
	defer span.End()

	start := time.Now()
	defer func() { metrics.FileTransferDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds()) }()

	body, size, cleanup, err := seekableBody(r)
	if err != nil {
		return 0, fmt.Errorf("failed to buffer %s: %w", key, err)
	}
	defer cleanup()

	if size > s.maxSize {
		return 0, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, key, size, s.maxSize)
	}

	if contentType == "" {
		contentType = ContentType(key)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	span.SetAttributes(attribute.String("s3.key", key), attribute.Int64("bytes", size))
	return size, nil
}

// Fetch downloads the object at key to destPath.
func (s *S3FileStore) Fetch(ctx context.Context, key, destPath string) error {
	ctx, span := tracer.Start(ctx, "s3-get")
	defer span.End()

	start := time.Now()
	defer func() { metrics.FileTransferDuration.WithLabelValues("download").Observe(time.Since(start).Seconds()) }()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissingObject(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}

	written, err := io.Copy(out, result.Body)
	if err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	span.SetAttributes(attribute.Int64("bytes", written))
	return nil
}

// Delete removes the object at key. DeleteObject succeeds whether or not
// the key exists, so a HEAD first tells a missing object apart; that case
// returns ErrObjectNotFound.
func (s *S3FileStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissingObject(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to stat %s: %w", key, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissingObject(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// URL returns a playback URL for key.
func (s *S3FileStore) URL(ctx context.Context, key string) (string, error) {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key), nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}

	return req.URL, nil
}

// isMissingObject reports whether err means the key does not exist. Some
// operations surface this only as a generic API error code.
func isMissingObject(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
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

// seekableBody returns r as a ReadSeeker with its size. Files are used as-is;
// anything else is copied to a temp file removed by cleanup.
func seekableBody(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if f, ok := r.(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode().IsRegular() {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				return f, stat.Size() - pos, func() {}, nil
			}
		}
	}

	tmp, err := os.CreateTemp("", "media-upload-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}

	return tmp, size, cleanup, nil
}
