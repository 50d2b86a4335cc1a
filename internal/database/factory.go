package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dup-go/internal/config"
)

// NewDatabaseFromConfig opens the database selected by the config type. The
// sqlite file is named after the backup job so that jobs sharing a data
// directory keep separate databases.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, job string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, job+".sqlite"))
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// DatabasePath returns where NewDatabaseFromConfig keeps the file, or "" for
// types without a file.
func DatabasePath(cfg config.DatabaseConfig, job string) string {
	if cfg.Type != "sqlite" || cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, job+".sqlite")
}
