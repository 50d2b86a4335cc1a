package dup

import (
	"fmt"
	"time"

	"dup-go/internal/blockhash"
	"dup-go/internal/compression"
	"dup-go/internal/volume"
)

// Options is the closed set of settings that control every handler.
type Options struct {
	// Remote layout
	Prefix             string
	Blocksize          int64
	BlockHashAlgorithm string
	FileHashAlgorithm  string
	VolumeSize         int64
	CompressionModule  string

	// Behaviour
	DryRun                 bool
	AutoCleanup            bool
	AutoCreateFolder       bool
	UploadUnchangedBackups bool
	SkipFilesLargerThan    int64
	ControlFiles           []string

	// Compaction and retention
	Threshold         int
	SmallFileSize     int64
	SmallFileMaxCount int
	NoAutoCompact     bool
	KeepVersions      int
	KeepTime          time.Duration
	AllowFullRemoval  bool
	KeepShadows       int

	// Backend adapter
	AsynchronousUploadLimit   int
	AsynchronousDownloadLimit int
	Retries                   int
	RetryDelay                time.Duration

	// Version selection for restore, list, find and delete.
	// Time takes precedence over Version; Version 0 is the newest fileset.
	Time     time.Time
	Version  int
	Versions []int

	// Restore
	RestorePath   string
	Overwrite     bool
	NoLocalBlocks bool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() *Options {
	return &Options{
		Prefix:                    "dup",
		Blocksize:                 100 * 1024,
		BlockHashAlgorithm:        "sha256",
		FileHashAlgorithm:         "sha256",
		VolumeSize:                50 * 1024 * 1024,
		CompressionModule:         "zip",
		Threshold:                 25,
		SmallFileSize:             10 * 1024 * 1024,
		SmallFileMaxCount:         20,
		KeepShadows:               2,
		AsynchronousUploadLimit:   4,
		AsynchronousDownloadLimit: 4,
		Retries:                   5,
		RetryDelay:                10 * time.Second,
	}
}

// Validate checks the options before any transaction is opened.
func (o *Options) Validate() error {
	if !volume.ValidPrefix(o.Prefix) {
		return newError(KindInvalidConfiguration, nil, "invalid prefix %q: only letters, digits and underscore are allowed", o.Prefix)
	}
	blockAlg, err := blockhash.Lookup(o.BlockHashAlgorithm)
	if err != nil {
		return newError(KindInvalidHashAlgorithm, err, "block hash")
	}
	if _, err := blockhash.Lookup(o.FileHashAlgorithm); err != nil {
		return newError(KindInvalidHashAlgorithm, err, "file hash")
	}
	if _, err := compression.Lookup(o.CompressionModule); err != nil {
		return newError(KindInvalidConfiguration, err, "compression")
	}
	if o.Blocksize < int64(2*blockAlg.Size) {
		return newError(KindInvalidConfiguration, nil, "blocksize %d must hold at least two %s hashes", o.Blocksize, blockAlg.Name)
	}
	if o.VolumeSize <= 2*o.Blocksize {
		return newError(KindInvalidConfiguration, nil, "volume size %d must be more than twice the blocksize %d", o.VolumeSize, o.Blocksize)
	}
	if o.Threshold < 0 || o.Threshold > 100 {
		return newError(KindInvalidConfiguration, nil, "threshold %d must be between 0 and 100", o.Threshold)
	}
	if o.KeepVersions < 0 || o.KeepTime < 0 {
		return newError(KindInvalidConfiguration, nil, "retention settings must not be negative")
	}
	if o.AsynchronousUploadLimit < 1 || o.AsynchronousDownloadLimit < 1 {
		return newError(KindInvalidConfiguration, nil, "asynchronous limits must be at least 1")
	}
	return nil
}

// algorithms resolves the configured hash algorithms. Call after Validate.
func (o *Options) algorithms() (blockhash.Algorithm, blockhash.Algorithm, error) {
	blockAlg, err := blockhash.Lookup(o.BlockHashAlgorithm)
	if err != nil {
		return blockhash.Algorithm{}, blockhash.Algorithm{}, newError(KindInvalidHashAlgorithm, err, "block hash")
	}
	fileAlg, err := blockhash.Lookup(o.FileHashAlgorithm)
	if err != nil {
		return blockhash.Algorithm{}, blockhash.Algorithm{}, newError(KindInvalidHashAlgorithm, err, "file hash")
	}
	return blockAlg, fileAlg, nil
}

// hashesPerBlocklist is the number of block hashes in a full blocklist block.
func (o *Options) hashesPerBlocklist(blockAlg blockhash.Algorithm) int {
	return int(o.Blocksize) / blockAlg.Size
}

func (o *Options) manifest(now time.Time) volume.Manifest {
	return volume.NewManifest(now, o.Blocksize, o.BlockHashAlgorithm, o.FileHashAlgorithm)
}

func (o *Options) compressionModule() (*compression.Module, error) {
	m, err := compression.Lookup(o.CompressionModule)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, err, "compression")
	}
	return m, nil
}

func (o *Options) String() string {
	return fmt.Sprintf("prefix=%s blocksize=%d volsize=%d hash=%s/%s compression=%s dry-run=%t",
		o.Prefix, o.Blocksize, o.VolumeSize, o.BlockHashAlgorithm, o.FileHashAlgorithm, o.CompressionModule, o.DryRun)
}
