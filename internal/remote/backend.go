package remote

import (
	"context"
	"time"
)

// ChunkSize is the single-shot upload limit and the session chunk size.
const ChunkSize = 4 * 1024 * 1024

// EntryKind distinguishes files from folders in listings.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindFolder
)

// Metadata describes a remote file or folder.
type Metadata struct {
	Name           string
	Path           string
	Kind           EntryKind
	Size           uint64
	ServerModified time.Time
	// ContentMD5 is set only by backends that report an MD5 of the content.
	ContentMD5 string
	ID         string
}

// IsFolder reports whether the entry is a folder.
func (m Metadata) IsFolder() bool {
	return m.Kind == KindFolder
}

// Page is one page of a folder listing.
type Page struct {
	Entries []Metadata
	Cursor  string
	HasMore bool
}

// Backend is the set of remote store operations the sync engine consumes.
// Paths are absolute, slash separated, e.g. /WebhookBackup/acme/20240101120000.json.
type Backend interface {
	// Probe performs a lightweight identity check and returns a display name.
	Probe(ctx context.Context) (string, error)

	// Stat looks a path up. found is false when the path does not exist;
	// err is reserved for real lookup failures.
	Stat(ctx context.Context, path string) (meta Metadata, found bool, err error)

	CreateFolder(ctx context.Context, path string) error

	// Upload writes data in overwrite mode.
	Upload(ctx context.Context, path string, data []byte) (Metadata, error)

	StartSession(ctx context.Context, chunk []byte) (sessionID string, err error)
	AppendSession(ctx context.Context, sessionID string, offset uint64, chunk []byte) error
	// FinishSession commits the session to path in overwrite mode.
	FinishSession(ctx context.Context, sessionID string, offset uint64, chunk []byte, path string) (Metadata, error)

	// Download returns domain.ErrNotFound (wrapped) when path does not exist.
	Download(ctx context.Context, path string) ([]byte, Metadata, error)

	ListFolder(ctx context.Context, path string) (Page, error)
	ListFolderContinue(ctx context.Context, cursor string) (Page, error)
}

// SessionAborter is implemented by backends that hold upload session state
// and can drop a session that will never be finished.
type SessionAborter interface {
	AbortSession(ctx context.Context, sessionID string) error
}

// Connector hands out a validated Backend.
type Connector interface {
	Connect(ctx context.Context, debug bool) (Backend, error)
}
