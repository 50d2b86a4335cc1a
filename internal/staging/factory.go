package staging

import (
	"fmt"

	"dup-go/internal/config"
)

// DefaultMaxSize is the default spool size (200MiB) before uploads apply backpressure.
const DefaultMaxSize int64 = 200 * 1024 * 1024

// NewAreaFromConfig creates a spool Area based on the config type.
func NewAreaFromConfig(cfg config.StagingConfig) (*Area, error) {
	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "temp", "":
		return NewArea("", maxSize)
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewArea(cfg.StagingDir, maxSize)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
