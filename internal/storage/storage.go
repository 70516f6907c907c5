package storage

import (
	"errors"
	"time"
)

// ErrCorrupt marks a local object that is not valid JSON.
var ErrCorrupt = errors.New("corrupted data file")

// SubmissionInfo summarizes one stored object for listings.
type SubmissionInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
	Size      int64  `json:"size"`
}

// ObjectStore is the local side of the dual-location store.
type ObjectStore interface {
	Root() string
	RootExists() bool
	EnsureRoot() error

	SenderDirs() ([]string, error)
	ObjectIDs(sender string) ([]string, error)
	Submissions(sender string) ([]SubmissionInfo, error)

	Path(sender, id string) string
	Exists(sender, id string) bool
	ModTime(sender, id string) (time.Time, bool, error)

	ReadRaw(sender, id string) ([]byte, error)
	ReadPayload(sender, id string) (map[string]any, error)

	Write(sender, id string, data []byte) (int64, error)
	WriteVerified(sender, id string, data []byte, remoteMD5 string) (int64, error)
	UpdateSync(sender, id, key string, record any) error
}
