package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

// DefaultStaleAge is how long a marker may go without a heartbeat before it is reclaimed.
const DefaultStaleAge = time.Hour

// File is a marker-file lock. The marker holds "pid timestamp"; its mtime is the heartbeat.
type File struct {
	path     string
	staleAge time.Duration
	now      func() time.Time
	pid      int

	mu   sync.Mutex
	held bool
}

func NewFile(path string, staleAge time.Duration) *File {
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &File{path: path, staleAge: staleAge, now: time.Now, pid: os.Getpid()}
}

// WithClock replaces the time source.
func (l *File) WithClock(now func() time.Time) *File {
	l.now = now
	return l
}

func (l *File) Path() string { return l.path }

func (l *File) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			now := l.now()
			_, werr := fmt.Fprintf(f, "%d %s", l.pid, now.Format(time.RFC3339))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.path)
				return fmt.Errorf("write lock marker: %w", errors.Join(werr, cerr))
			}
			_ = os.Chtimes(l.path, now, now)
			l.held = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock marker: %w", err)
		}

		info, serr := os.Stat(l.path)
		if errors.Is(serr, fs.ErrNotExist) {
			continue
		}
		if serr != nil {
			return fmt.Errorf("stat lock marker: %w", serr)
		}
		age := l.now().Sub(info.ModTime())
		if age <= l.staleAge {
			return fmt.Errorf("%w: held by %s", domain.ErrLockContention, l.owner())
		}

		log.Warn().
			Str("path", l.path).
			Str("owner", l.owner()).
			Dur("age", age).
			Msg("reclaiming stale sync lock")
		if err := l.reclaim(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: marker reappeared during reclaim", domain.ErrLockContention)
}

// reclaim moves the marker aside under a unique name and checks the moved
// file is still stale. A marker re-created by another process in between is
// put back and reported as contention.
func (l *File) reclaim() error {
	aside := fmt.Sprintf("%s.stale-%d-%d", l.path, l.pid, l.now().UnixNano())
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move stale lock: %w", err)
	}

	info, err := os.Stat(aside)
	if err == nil && l.now().Sub(info.ModTime()) <= l.staleAge {
		if lerr := os.Link(aside, l.path); lerr != nil && !errors.Is(lerr, fs.ErrExist) {
			log.Error().Err(lerr).Str("path", l.path).Msg("failed to restore live sync lock")
		}
		_ = os.Remove(aside)
		return fmt.Errorf("%w: marker replaced during reclaim", domain.ErrLockContention)
	}

	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

func (l *File) owner() string {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(raw))
}

func (l *File) Heartbeat(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	now := l.now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("touch lock marker: %w", err)
	}
	return nil
}

func (l *File) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}
