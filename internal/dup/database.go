package dup

import (
	"context"
	"time"

	"dup-go/internal/model"
)

// Database is the local metadata store. Handlers never query it directly;
// every read and write goes through a Tx obtained from Begin.
type Database interface {
	// Begin starts a transaction. Only one transaction may be open at a time.
	Begin(ctx context.Context) (Tx, error)

	// Path returns the database file path (or ":memory:").
	Path() string

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	// Close closes the database connection.
	Close() error
}

// Tx is an open transaction on the local database.
type Tx interface {
	Commit() error
	Rollback() error

	// Configuration

	// Configuration returns the stored key/value settings.
	Configuration(ctx context.Context) (map[string]string, error)
	SetConfiguration(ctx context.Context, key, value string) error

	// Operations and logs

	CreateOperation(ctx context.Context, description string, startedAt time.Time) (int64, error)
	FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error
	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]model.Operation, error)
	InsertLogEntries(ctx context.Context, operationID int64, entries []model.LogEntry) error
	InsertRemoteOperations(ctx context.Context, operationID int64, ops []model.RemoteOperation) error

	// Remote volumes

	RegisterRemoteVolume(ctx context.Context, operationID int64, name string, typ model.VolumeType, state model.VolumeState) (int64, error)
	UpdateRemoteVolume(ctx context.Context, name string, state model.VolumeState, size int64, hash string) error
	SetRemoteVolumeState(ctx context.Context, name string, state model.VolumeState) error
	// GetRemoteVolume returns nil when no volume has the name.
	GetRemoteVolume(ctx context.Context, name string) (*model.RemoteVolume, error)
	GetRemoteVolumeByID(ctx context.Context, id int64) (*model.RemoteVolume, error)
	ListRemoteVolumes(ctx context.Context) ([]model.RemoteVolume, error)
	// RemoveRemoteVolume deletes the volume row together with its index links
	// and deleted-block records. Blocks and filesets must already be gone.
	RemoveRemoteVolume(ctx context.Context, name string) error
	LinkIndexVolume(ctx context.Context, indexVolumeID, blockVolumeID int64) error
	IndexVolumesFor(ctx context.Context, blockVolumeID int64) ([]model.RemoteVolume, error)
	BlockVolumesForIndex(ctx context.Context, indexVolumeID int64) ([]model.RemoteVolume, error)

	// Blocks

	// FindBlock returns nil when no block has the hash and size.
	FindBlock(ctx context.Context, hash string, size int64) (*model.Block, error)
	FindBlocksByHash(ctx context.Context, hash string) ([]model.Block, error)
	InsertBlock(ctx context.Context, hash string, size, volumeID int64) (int64, error)
	// UpsertBlock inserts a block or, when it already exists without a
	// usable volume, assigns it to volumeID.
	UpsertBlock(ctx context.Context, hash string, size, volumeID int64) (int64, error)
	MoveBlock(ctx context.Context, blockID, volumeID int64) error
	BlocksInVolume(ctx context.Context, volumeID int64) ([]model.Block, error)
	RemoveBlocksInVolume(ctx context.Context, volumeID int64) (int64, error)
	IsBlocklistHash(ctx context.Context, hash string) (bool, error)
	// BlocklistsInVolume rebuilds the payload of every blocklist block stored in the volume.
	BlocklistsInVolume(ctx context.Context, volumeID int64, hashesPerBlocklist int) ([]model.Blocklist, error)

	// Blocksets and metadata

	FindBlockset(ctx context.Context, hash string, length int64) (int64, bool, error)
	InsertBlockset(ctx context.Context, hash string, length int64, blockIDs []int64, blocklistHashes []string) (int64, error)
	Blockset(ctx context.Context, id int64) (*model.BlocksetInfo, error)
	BlocksetEntries(ctx context.Context, blocksetID int64) ([]model.BlockRef, error)
	FindOrInsertMetadataset(ctx context.Context, blocksetID int64) (int64, error)

	// Filesets

	CreateFileset(ctx context.Context, operationID, volumeID int64, timestamp time.Time, isFull bool) (int64, error)
	// ListFilesets returns every fileset, newest first.
	ListFilesets(ctx context.Context) ([]model.Fileset, error)
	SetFilesetVolume(ctx context.Context, filesetID, volumeID int64) error
	DeleteFileset(ctx context.Context, filesetID int64) error
	// AddFileEntry finds or creates the file record and adds it to the fileset.
	AddFileEntry(ctx context.Context, filesetID int64, path string, blocksetID, metadataID int64, lastModified time.Time) (int64, error)
	// AppendFileEntry adds an existing file record to the fileset.
	AppendFileEntry(ctx context.Context, filesetID, fileID int64, lastModified time.Time) error
	FilesetEntries(ctx context.Context, filesetID int64) ([]model.FileEntry, error)
	// FileVersions returns every fileset containing path, newest first.
	FileVersions(ctx context.Context, path string) ([]model.FileVersion, error)

	// Maintenance

	// PurgeUnreferenced removes file records, blocksets and metadata no
	// fileset references, and moves blocks nothing references to deleted_block.
	PurgeUnreferenced(ctx context.Context) error
	// VolumeUsage reports live and wasted bytes per uploaded Blocks volume.
	VolumeUsage(ctx context.Context) ([]model.VolumeUsage, error)
	// VerifyConsistency checks the structural invariants of the stored data.
	VerifyConsistency(ctx context.Context, blocksize int64, hashesPerBlocklist int) error
	// BlockSources returns locations in recorded files that hold the block.
	BlockSources(ctx context.Context, hash string, size int64) ([]model.BlockSource, error)
	// PathsWithBlockset returns every recorded path whose content is the blockset.
	PathsWithBlockset(ctx context.Context, blocksetID int64) ([]string, error)
	// ObfuscatePaths replaces every recorded path with opaque tokens.
	ObfuscatePaths(ctx context.Context) error
}
