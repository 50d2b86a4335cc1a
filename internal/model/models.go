package model

import "time"

// Special blockset IDs for entries that carry no content.
const (
	FolderBlocksetID  int64 = -100
	SymlinkBlocksetID int64 = -200
)

// VolumeType is the kind of object stored at the backend.
type VolumeType string

const (
	VolumeBlocks VolumeType = "Blocks"
	VolumeIndex  VolumeType = "Index"
	VolumeFiles  VolumeType = "Files"
	VolumeShadow VolumeType = "Shadow"
)

// VolumeState tracks a remote volume through its lifecycle:
// Temporary -> Uploading -> Uploaded -> Verified -> Deleted.
type VolumeState string

const (
	StateTemporary VolumeState = "Temporary"
	StateUploading VolumeState = "Uploading"
	StateUploaded  VolumeState = "Uploaded"
	StateVerified  VolumeState = "Verified"
	StateDeleted   VolumeState = "Deleted"
)

// Live reports whether a volume in this state is expected to exist remotely.
func (s VolumeState) Live() bool {
	return s == StateUploaded || s == StateVerified
}

// EntryType distinguishes the kinds of entries in a fileset.
type EntryType string

const (
	EntryFile    EntryType = "File"
	EntryFolder  EntryType = "Folder"
	EntrySymlink EntryType = "Symlink"
)

// EntryTypeForBlockset derives the entry type from a blockset ID.
func EntryTypeForBlockset(blocksetID int64) EntryType {
	switch blocksetID {
	case FolderBlocksetID:
		return EntryFolder
	case SymlinkBlocksetID:
		return EntrySymlink
	default:
		return EntryFile
	}
}

// Operation is one run of a command against the local database.
type Operation struct {
	ID          int64
	Description string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
}

// RemoteVolume is one object at the backend as recorded in the local database.
type RemoteVolume struct {
	ID          int64
	OperationID int64
	Name        string
	Type        VolumeType
	State       VolumeState
	Size        int64 // -1 until known
	Hash        string
}

// Block is a stored chunk of content, unique by hash and size.
type Block struct {
	ID       int64
	Hash     string
	Size     int64
	VolumeID int64
}

// BlockRef is one block at a fixed position in a blockset.
type BlockRef struct {
	Index    int64
	BlockID  int64
	Hash     string
	Size     int64
	VolumeID int64
}

// BlocksetInfo describes a blockset the way it is written to a Files volume.
type BlocksetInfo struct {
	ID         int64
	Hash       string
	Length     int64
	BlockCount int64
	// BlockHash is set when the blockset holds exactly one block.
	BlockHash  string
	Blocklists []string
}

// Blocklist is the payload of a blocklist block: the ordered raw hashes
// of consecutive blocks in a blockset.
type Blocklist struct {
	Hash   string
	Hashes []string
}

// Fileset is one backup generation.
type Fileset struct {
	ID          int64
	OperationID int64
	VolumeID    int64
	VolumeName  string
	Timestamp   time.Time
	IsFull      bool
}

// FileEntry is one path in a fileset.
type FileEntry struct {
	FileID         int64
	Path           string
	Type           EntryType
	BlocksetID     int64
	MetadataID     int64
	LastModified   time.Time
	Size           int64
	Hash           string
	MetaBlocksetID int64
	MetaHash       string
	MetaSize       int64
}

// FileVersion is one appearance of a path in a fileset.
type FileVersion struct {
	FilesetID    int64
	Version      int
	Timestamp    time.Time
	Type         EntryType
	Size         int64
	Hash         string
	LastModified time.Time
}

// BlockSource is a location in a known file that holds a given block.
type BlockSource struct {
	Path   string
	Offset int64
}

// VolumeUsage summarizes live versus wasted bytes in a Blocks volume.
type VolumeUsage struct {
	VolumeID     int64
	Name         string
	State        VolumeState
	Size         int64
	ActiveBlocks int64
	ActiveSize   int64
	WastedBlocks int64
	WastedSize   int64
}

// WastePercent returns wasted bytes as a percentage of all data bytes.
func (u VolumeUsage) WastePercent() float64 {
	total := u.ActiveSize + u.WastedSize
	if total == 0 {
		return 100
	}
	return float64(u.WastedSize) * 100 / float64(total)
}

// LogEntry is a buffered message destined for the log_data table.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Detail    string
}

// RemoteOperation is a buffered record of one backend call.
type RemoteOperation struct {
	Timestamp time.Time
	Operation string
	Path      string
	Data      string
}
