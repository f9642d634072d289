// Package archive uploads finalized session artifacts to S3 compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/edgeimpulse/drowsy-go/metrics"
)

// Config locates the S3-compatible object storage and bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string // Defaults to us-east-1.

	// Prefix is prepended to object keys, e.g. "vehicle-12/".
	Prefix string
}

// Uploader copies artifacts into a bucket.
type Uploader struct {
	client *miniogo.Client
	bucket string
	prefix string
	log    *zap.Logger
}

// NewUploader returns an uploader for cfg. It does not contact the server.
func NewUploader(cfg Config, log *zap.Logger) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing object storage endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("missing bucket")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// ObjectKey returns the key an artifact is stored under.
func (u *Uploader) ObjectKey(path string) string {
	return u.prefix + filepath.Base(path)
}

// ContentType returns the MIME type for an artifact.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".avi":
		return "video/x-msvideo"
	case ".mp4":
		return "video/mp4"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Upload stores the file at path.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	key := u.ObjectKey(path)
	_, err = u.client.PutObject(ctx, u.bucket, key, f, fi.Size(), miniogo.PutObjectOptions{
		ContentType: ContentType(path),
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	u.log.Info("artifact uploaded", zap.String("bucket", u.bucket), zap.String("key", key), zap.Int64("size", fi.Size()))
	return nil
}

// Finalized returns a function for monitor.Opts.Finalized that uploads each
// artifact in the background. Failures are logged, they never affect the
// session. The returned wait function blocks until pending uploads are done.
func (u *Uploader) Finalized(timeout time.Duration) (finalized func(path string), wait func()) {
	var wg sync.WaitGroup
	finalized = func(path string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := u.Upload(ctx, path); err != nil {
				u.log.Warn("archiving artifact", zap.String("artifact", path), zap.Error(err))
			}
		}()
	}
	return finalized, wg.Wait
}
