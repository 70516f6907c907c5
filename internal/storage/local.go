package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Local stores objects as {root}/{sender}/{id}.json.
type Local struct {
	root string
}

var _ ObjectStore = (*Local)(nil)

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) RootExists() bool {
	info, err := os.Stat(l.root)
	return err == nil && info.IsDir()
}

func (l *Local) EnsureRoot() error {
	if err := os.MkdirAll(l.root, dirPerm); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", l.root, err)
	}
	return nil
}

func (l *Local) Path(sender, id string) string {
	return filepath.Join(l.root, sender, id+domain.ObjectExt)
}

// SenderDirs lists sender folders, sorted. A missing root yields no senders.
func (l *Local) SenderDirs() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	senders := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			senders = append(senders, e.Name())
		}
	}
	sort.Strings(senders)
	return senders, nil
}

// ObjectIDs lists submission ids for sender, sorted ascending.
func (l *Local) ObjectIDs(sender string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, sender))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sender dir %s: %w", sender, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := domain.SubmissionIDFromName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Submissions summarizes every object of sender, newest first.
func (l *Local) Submissions(sender string) ([]SubmissionInfo, error) {
	ids, err := l.ObjectIDs(sender)
	if err != nil {
		return nil, err
	}
	out := make([]SubmissionInfo, 0, len(ids))
	for _, id := range ids {
		info := SubmissionInfo{ID: id, Title: "Untitled", Timestamp: "Unknown"}
		if st, err := os.Stat(l.Path(sender, id)); err == nil {
			info.Size = st.Size()
		}

		raw, err := os.ReadFile(l.Path(sender, id))
		if err != nil {
			log.Warn().Err(err).Str("sender", sender).Str("id", id).Msg("failed to read submission")
			continue
		}
		var obj domain.StoredObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			info.Title = "Corrupted Data"
		} else if obj.Meta != nil {
			if obj.Meta.Title != "" {
				info.Title = obj.Meta.Title
			}
			if obj.Meta.Timestamp != "" {
				info.Timestamp = obj.Meta.Timestamp
			}
		}
		out = append(out, info)
	}
	// Newest first; entries without a timestamp go last.
	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].Timestamp == "Unknown", out[j].Timestamp == "Unknown"
		if ui != uj {
			return uj
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out, nil
}

func (l *Local) Exists(sender, id string) bool {
	_, err := os.Stat(l.Path(sender, id))
	return err == nil
}

func (l *Local) ModTime(sender, id string) (time.Time, bool, error) {
	info, err := os.Stat(l.Path(sender, id))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

func (l *Local) ReadRaw(sender, id string) ([]byte, error) {
	raw, err := os.ReadFile(l.Path(sender, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", sender, id, domain.ErrNotFound)
	}
	return raw, err
}

// ReadPayload returns the consumer view of an object, reserved keys stripped.
func (l *Local) ReadPayload(sender, id string) (map[string]any, error) {
	raw, err := l.ReadRaw(sender, id)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", sender, id, ErrCorrupt)
	}
	return domain.StripReserved(doc), nil
}

// Write replaces the object atomically.
func (l *Local) Write(sender, id string, data []byte) (int64, error) {
	tmp, err := l.writeTemp(sender, id, data)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, l.Path(sender, id)); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	return int64(len(data)), nil
}

// WriteVerified writes to a temp file, re-reads it and compares MD5 with data
// (and with remoteMD5 when non-empty) before replacing the object. On mismatch
// the previous copy is untouched and the error wraps domain.ErrVerificationMismatch.
func (l *Local) WriteVerified(sender, id string, data []byte, remoteMD5 string) (int64, error) {
	tmp, err := l.writeTemp(sender, id, data)
	if err != nil {
		return 0, err
	}
	readback, err := os.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to read back %s: %w", tmp, err)
	}

	want := remote.MD5Hex(data)
	got := remote.MD5Hex(readback)
	if got != want {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("local copy hash %s, downloaded %s: %w", got, want, domain.ErrVerificationMismatch)
	}
	if remoteMD5 != "" && !strings.EqualFold(remoteMD5, want) {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("downloaded hash %s, remote reported %s: %w", want, remoteMD5, domain.ErrVerificationMismatch)
	}

	if err := os.Rename(tmp, l.Path(sender, id)); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	return int64(len(readback)), nil
}

func (l *Local) writeTemp(sender, id string, data []byte) (string, error) {
	dir := filepath.Join(l.root, sender)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create sender dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+id+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Chmod(name, filePerm); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// UpdateSync sets _sync.{key} = record, leaving every other key as written.
func (l *Local) UpdateSync(sender, id, key string, record any) error {
	raw, err := l.ReadRaw(sender, id)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%s/%s: %w", sender, id, ErrCorrupt)
	}

	syncBlock := map[string]json.RawMessage{}
	if existing, ok := doc[domain.SyncKey]; ok {
		if err := json.Unmarshal(existing, &syncBlock); err != nil {
			syncBlock = map[string]json.RawMessage{}
		}
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode %s provenance: %w", key, err)
	}
	syncBlock[key] = encoded
	if doc[domain.SyncKey], err = json.Marshal(syncBlock); err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = l.Write(sender, id, out)
	return err
}
