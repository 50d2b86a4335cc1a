package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"dup-go/internal/config"
	"dup-go/internal/dup"
)

// GCSBackend keeps remote volumes as objects under a prefix in a Google
// Cloud Storage bucket.
type GCSBackend struct {
	name    string
	project string
	prefix  string
	client  *storage.Client
	bucket  *storage.BucketHandle
}

// NewGCSBackend creates a client from the credentials file in cfg, falling
// back to Application Default Credentials.
func NewGCSBackend(ctx context.Context, cfg config.BackendConfig) (*GCSBackend, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("gcs backend requires gcs_bucket to be set")
	}
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSBackend{
		name:    cfg.Name,
		project: cfg.GCSProject,
		prefix:  cfg.GCSPrefix,
		client:  client,
		bucket:  client.Bucket(cfg.GCSBucket),
	}, nil
}

func (b *GCSBackend) List(ctx context.Context) ([]dup.RemoteFile, error) {
	var out []dup.RemoteFile
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, b.wrap(err, "listing")
		}
		name := strings.TrimPrefix(attrs.Name, b.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		out = append(out, dup.RemoteFile{Name: name, Size: attrs.Size})
	}
	return out, nil
}

func (b *GCSBackend) Get(ctx context.Context, name string, w io.Writer) error {
	r, err := b.bucket.Object(b.prefix + name).NewReader(ctx)
	if err != nil {
		return b.wrap(err, name)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}

func (b *GCSBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	w := b.bucket.Object(b.prefix + name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	written, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return b.wrap(err, name)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	return nil
}

func (b *GCSBackend) Delete(ctx context.Context, name string) error {
	if err := b.bucket.Object(b.prefix + name).Delete(ctx); err != nil {
		return b.wrap(err, name)
	}
	return nil
}

func (b *GCSBackend) CreateFolder(ctx context.Context) error {
	if b.project == "" {
		return fmt.Errorf("gcs backend %s: gcs_project is required to create the bucket", b.name)
	}
	if err := b.bucket.Create(ctx, b.project, nil); err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (b *GCSBackend) Test(ctx context.Context) error {
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return b.wrap(err, "bucket")
	}
	return nil
}

// Close releases the client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func (b *GCSBackend) wrap(err error, what string) error {
	return wrapGCSError(b.name, what, err)
}

func wrapGCSError(backend, what string, err error) error {
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("gcs backend %s: %w", backend, dup.ErrFolderMissing)
	case errors.Is(err, storage.ErrObjectNotExist):
		return fmt.Errorf("%s: %w", what, dup.ErrFileNotFound)
	default:
		return fmt.Errorf("gcs %s: %w", what, err)
	}
}

// Compile-time check that GCSBackend implements dup.Backend interface
var _ dup.Backend = (*GCSBackend)(nil)
