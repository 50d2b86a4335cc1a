package backend

import (
	"context"
	"fmt"

	"dup-go/internal/config"
	"dup-go/internal/dup"
)

// NewBackendFromConfig creates a Backend implementation based on the backend config type.
func NewBackendFromConfig(ctx context.Context, cfg config.BackendConfig) (dup.Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem backend requires fs_root to be set")
		}
		b, err := NewFileSystemBackend(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		b, err := NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "gcs":
		b, err := NewGCSBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
