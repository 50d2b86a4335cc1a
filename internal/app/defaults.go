package app

import (
	"fmt"
	"os"
	"path/filepath"

	"dup-go/internal/config"
)

// Environment variables read by the command line.
const (
	EnvConfigPath = "DUP_CONFIG_PATH"
	EnvHome       = "DUP_HOME"
	EnvPassphrase = "DUP_PASSPHRASE"
)

// Paths are the locations used before a configuration file exists.
type Paths struct {
	ConfigFile string
	BaseDir    string
}

// DefaultPaths resolves Paths. DUP_CONFIG_PATH and DUP_HOME take precedence,
// then XDG_CONFIG_HOME and XDG_DATA_HOME, then the home directory.
func DefaultPaths() (Paths, error) {
	p := Paths{
		ConfigFile: os.Getenv(EnvConfigPath),
		BaseDir:    os.Getenv(EnvHome),
	}
	if p.ConfigFile != "" && p.BaseDir != "" {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if p.ConfigFile == "" {
		p.ConfigFile = filepath.Join(xdgDir("XDG_CONFIG_HOME", home, ".config"), "dup.toml")
	}
	if p.BaseDir == "" {
		p.BaseDir = filepath.Join(xdgDir("XDG_DATA_HOME", home, ".local", "share"), "dup")
	}
	return p, nil
}

// xdgDir returns the directory named by env, ignoring relative values as the
// XDG base directory rules require.
func xdgDir(env, home string, fallback ...string) string {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// NewConfig returns the configuration written by `dup config init` for job.
// Everything lives below BaseDir; the metrics textfile is named after the job.
func (p Paths) NewConfig(job, hostID string) *config.Config {
	cfg := config.NewConfig(job, hostID, p.BaseDir)
	cfg.MetricsFile = filepath.Join(p.BaseDir, "metrics", job+".prom")
	return cfg
}
