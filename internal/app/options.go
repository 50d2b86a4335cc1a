package app

import (
	"fmt"

	"dup-go/internal/config"
	"dup-go/internal/dup"
)

// OptionsFromConfig builds handler options from the [backup] section.
// Anything left empty keeps the value from dup.DefaultOptions.
func OptionsFromConfig(cfg config.BackupConfig) (*dup.Options, error) {
	o := dup.DefaultOptions()

	if cfg.Prefix != "" {
		o.Prefix = cfg.Prefix
	}
	if cfg.BlockHash != "" {
		o.BlockHashAlgorithm = cfg.BlockHash
	}
	if cfg.FileHash != "" {
		o.FileHashAlgorithm = cfg.FileHash
	}
	if cfg.Compression != "" {
		o.CompressionModule = cfg.Compression
	}

	sizes := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"blocksize", cfg.Blocksize, &o.Blocksize},
		{"volume_size", cfg.VolumeSize, &o.VolumeSize},
		{"small_file_size", cfg.SmallFileSize, &o.SmallFileSize},
		{"skip_files_larger_than", cfg.SkipFilesLargerThan, &o.SkipFilesLargerThan},
	}
	for _, s := range sizes {
		n, err := config.ParseSize(s.value)
		if err != nil {
			return nil, fmt.Errorf("backup.%s: %w", s.name, err)
		}
		if n > 0 {
			*s.dst = n
		}
	}

	keepTime, err := config.ParseDuration(cfg.KeepTime)
	if err != nil {
		return nil, fmt.Errorf("backup.keep_time: %w", err)
	}
	o.KeepTime = keepTime

	retryDelay, err := config.ParseDuration(cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("backup.retry_delay: %w", err)
	}
	if retryDelay > 0 {
		o.RetryDelay = retryDelay
	}

	o.AutoCleanup = cfg.AutoCleanup
	o.AutoCreateFolder = cfg.AutoCreateFolder
	o.UploadUnchangedBackups = cfg.UploadUnchanged
	o.ControlFiles = cfg.ControlFiles
	o.NoAutoCompact = cfg.NoAutoCompact
	o.KeepVersions = cfg.KeepVersions
	o.AllowFullRemoval = cfg.AllowFullRemoval

	if cfg.Threshold > 0 {
		o.Threshold = cfg.Threshold
	}
	if cfg.SmallFileMaxCount > 0 {
		o.SmallFileMaxCount = cfg.SmallFileMaxCount
	}
	if cfg.KeepShadows != nil {
		o.KeepShadows = *cfg.KeepShadows
	}
	if cfg.UploadLimit > 0 {
		o.AsynchronousUploadLimit = cfg.UploadLimit
	}
	if cfg.DownloadLimit > 0 {
		o.AsynchronousDownloadLimit = cfg.DownloadLimit
	}
	if cfg.Retries != nil {
		o.Retries = *cfg.Retries
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
