package syncrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

// StatusStore persists SyncStatus as a JSON file. Update is the only
// read-modify-write path and is serialized by an in-process mutex.
type StatusStore struct {
	path string
	mu   sync.Mutex
}

func NewStatusStore(path string) *StatusStore {
	return &StatusStore{path: path}
}

func (s *StatusStore) Path() string { return s.path }

// Load returns the persisted status, or the default status when the file is
// missing or unreadable.
func (s *StatusStore) Load() domain.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StatusStore) load() domain.SyncStatus {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.DefaultSyncStatus()
	}
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to read sync status, using defaults")
		return domain.DefaultSyncStatus()
	}

	st := domain.DefaultSyncStatus()
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("sync status file is corrupted, using defaults")
		return domain.DefaultSyncStatus()
	}
	normalize(&st)
	return st
}

func normalize(st *domain.SyncStatus) {
	if st.LastErrors == nil {
		st.LastErrors = []string{}
	}
	if st.History == nil {
		st.History = []domain.RunRecord{}
	}
	if st.PendingSync == nil {
		st.PendingSync = []domain.PendingItem{}
	}
	if st.State == "" {
		st.State = domain.RunStateIdle
	}
}

// Update applies fn to the current status and writes the result.
func (s *StatusStore) Update(fn func(*domain.SyncStatus)) (domain.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load()
	fn(&st)
	normalize(&st)
	if err := s.save(st); err != nil {
		return st, err
	}
	return st.Clone(), nil
}

func (s *StatusStore) save(st domain.SyncStatus) error {
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync status: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create status temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write sync status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close sync status: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace sync status: %w", err)
	}
	return nil
}
