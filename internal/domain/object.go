package domain

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Reserved top-level keys of a stored object.
const (
	MetaKey = "_meta"
	SyncKey = "_sync"

	// Provenance keys inside _sync.
	UploadSyncKey   = "dropbox"
	DownloadSyncKey = "dropbox_downloaded"

	ObjectExt = ".json"
)

// Meta is attached by the system at ingestion time and hidden from payload consumers.
type Meta struct {
	Timestamp     string `json:"timestamp"`
	Title         string `json:"title"`
	IP            string `json:"ip,omitempty"`
	RemotePrimary bool   `json:"remote_primary,omitempty"`
	IsFallback    bool   `json:"is_fallback,omitempty"`
}

// UploadRecord is the provenance written after a local object was pushed to the remote.
type UploadRecord struct {
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	Verified  bool   `json:"verified"`
	Hash      string `json:"hash,omitempty"`
}

// DownloadRecord is the provenance written after a remote object was pulled locally.
type DownloadRecord struct {
	Timestamp      string `json:"timestamp"`
	Path           string `json:"path"`
	Verified       bool   `json:"verified"`
	ServerModified string `json:"server_modified,omitempty"`
}

// SyncInfo is the _sync block of a stored object.
type SyncInfo struct {
	Dropbox           *UploadRecord   `json:"dropbox,omitempty"`
	DropboxDownloaded *DownloadRecord `json:"dropbox_downloaded,omitempty"`
}

// StoredObject is a webhook submission as persisted in either location.
type StoredObject struct {
	Sender       string         `json:"-"`
	SubmissionID string         `json:"-"`
	Payload      map[string]any `json:"-"`
	Meta         *Meta          `json:"-"`
	Sync         *SyncInfo      `json:"-"`
}

// ObjectRef identifies an object independent of location.
type ObjectRef struct {
	Sender       string `json:"sender"`
	SubmissionID string `json:"submission_id"`
}

func (r ObjectRef) String() string {
	return r.Sender + "/" + r.SubmissionID
}

// MarshalJSON flattens the payload and re-attaches the reserved blocks.
func (o StoredObject) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Payload)+2)
	for k, v := range o.Payload {
		if k == MetaKey || k == SyncKey {
			continue
		}
		out[k] = v
	}
	if o.Meta != nil {
		out[MetaKey] = o.Meta
	}
	if o.Sync != nil && (o.Sync.Dropbox != nil || o.Sync.DropboxDownloaded != nil) {
		out[SyncKey] = o.Sync
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a stored document into payload and reserved blocks.
func (o *StoredObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	o.Payload = make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case MetaKey:
			var m Meta
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode %s: %w", MetaKey, err)
			}
			o.Meta = &m
		case SyncKey:
			var s SyncInfo
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode %s: %w", SyncKey, err)
			}
			o.Sync = &s
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			o.Payload[k] = val
		}
	}
	return nil
}

// StripReserved returns a copy of doc without _meta and _sync.
func StripReserved(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == MetaKey || k == SyncKey {
			continue
		}
		out[k] = v
	}
	return out
}

// RemoteLocation maps an object identity to its remote path.
func RemoteLocation(root, sender, submissionID string) string {
	return path.Join("/", root, sender, submissionID+ObjectExt)
}

// SubmissionIDFromName returns the id for a "<id>.json" file name.
func SubmissionIDFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, ObjectExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, ObjectExt)
	return id, id != ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FormatTimestamp is the single timestamp format written by this system.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC3339 and naive ISO-8601 timestamps (local time).
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if layout == time.RFC3339Nano {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
