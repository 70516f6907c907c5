// Package memory is an in-process remote store used for tests and local development.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

// Operation names accepted by FailNext.
const (
	OpProbe        = "probe"
	OpStat         = "stat"
	OpCreateFolder = "create_folder"
	OpUpload       = "upload"
	OpStart        = "session_start"
	OpAppend       = "session_append"
	OpFinish       = "session_finish"
	OpDownload     = "download"
	OpList         = "list"
)

type file struct {
	display  string
	data     []byte
	modified time.Time
}

type session struct {
	buf []byte
}

type fault struct {
	remaining int
	err       error
}

// Backend keeps objects in maps. The zero value is not usable; call New.
type Backend struct {
	mu       sync.Mutex
	account  string
	files    map[string]*file
	folders  map[string]string
	sessions map[string]*session
	faults   map[string]*fault
	calls    map[string]int

	// PageSize bounds listing pages so cursors get exercised.
	PageSize int
	// Now stamps ServerModified on writes.
	Now func() time.Time
	// OnUpload may rewrite stored bytes, e.g. to simulate corruption.
	OnUpload func(path string, data []byte) []byte
}

// New returns an empty store.
func New(account string) *Backend {
	return &Backend{
		account:  account,
		files:    make(map[string]*file),
		folders:  map[string]string{"/": "/"},
		sessions: make(map[string]*session),
		faults:   make(map[string]*fault),
		calls:    make(map[string]int),
		PageSize: 100,
		Now:      time.Now,
	}
}

var (
	_ remote.Backend        = (*Backend)(nil)
	_ remote.SessionAborter = (*Backend)(nil)
)

// FailNext makes the next n calls of op return err.
func (b *Backend) FailNext(op string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = &fault{remaining: n, err: err}
}

// Calls reports how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Put seeds a file directly, creating parent folders.
func (b *Backend) Put(p string, data []byte, modified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	display := remote.Clean(p)
	for _, prefix := range remote.Segments(path.Dir(display)) {
		if _, ok := b.folders[key(prefix)]; !ok {
			b.folders[key(prefix)] = prefix
		}
	}
	b.files[key(display)] = &file{display: display, data: append([]byte{}, data...), modified: modified}
}

// Get returns the stored bytes of p.
func (b *Backend) Get(p string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[key(p)]
	if !ok {
		return nil, false
	}
	return append([]byte{}, f.data...), true
}

// FolderCount reports how many folders exist, including the root.
func (b *Backend) FolderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.folders)
}

func key(p string) string {
	return strings.ToLower(remote.Clean(p))
}

func (b *Backend) enter(op string) error {
	b.calls[op]++
	f, ok := b.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (b *Backend) Probe(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpProbe); err != nil {
		return "", err
	}
	return b.account, nil
}

func (b *Backend) Stat(ctx context.Context, p string) (remote.Metadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpStat); err != nil {
		return remote.Metadata{}, false, err
	}
	k := key(p)
	if display, ok := b.folders[k]; ok {
		return folderMeta(display), true, nil
	}
	if f, ok := b.files[k]; ok {
		return b.fileMeta(f), true, nil
	}
	return remote.Metadata{}, false, nil
}

func (b *Backend) CreateFolder(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateFolder); err != nil {
		return err
	}
	k := key(p)
	if _, ok := b.folders[k]; ok {
		return fmt.Errorf("path/conflict/folder: %s", p)
	}
	if _, ok := b.folders[key(path.Dir(k))]; !ok {
		return fmt.Errorf("path/not_found: parent of %s", p)
	}
	b.folders[k] = remote.Clean(p)
	return nil
}

func (b *Backend) Upload(ctx context.Context, p string, data []byte) (remote.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUpload); err != nil {
		return remote.Metadata{}, err
	}
	return b.store(p, data)
}

func (b *Backend) store(p string, data []byte) (remote.Metadata, error) {
	k := key(p)
	if _, ok := b.folders[key(path.Dir(k))]; !ok {
		return remote.Metadata{}, fmt.Errorf("path/not_found: parent of %s", p)
	}
	stored := append([]byte{}, data...)
	if b.OnUpload != nil {
		stored = b.OnUpload(p, stored)
	}
	f := &file{display: remote.Clean(p), data: stored, modified: b.Now().UTC()}
	b.files[k] = f
	return b.fileMeta(f), nil
}

func (b *Backend) StartSession(ctx context.Context, chunk []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpStart); err != nil {
		return "", err
	}
	id := uuid.NewString()
	b.sessions[id] = &session{buf: append([]byte{}, chunk...)}
	return id, nil
}

func (b *Backend) AppendSession(ctx context.Context, id string, offset uint64, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAppend); err != nil {
		return err
	}
	s, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("upload session %s not found", id)
	}
	if uint64(len(s.buf)) != offset {
		return fmt.Errorf("incorrect_offset: have %d, got %d", len(s.buf), offset)
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

func (b *Backend) FinishSession(ctx context.Context, id string, offset uint64, chunk []byte, p string) (remote.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpFinish); err != nil {
		return remote.Metadata{}, err
	}
	s, ok := b.sessions[id]
	if !ok {
		return remote.Metadata{}, fmt.Errorf("upload session %s not found", id)
	}
	if uint64(len(s.buf)) != offset {
		return remote.Metadata{}, fmt.Errorf("incorrect_offset: have %d, got %d", len(s.buf), offset)
	}
	delete(b.sessions, id)
	return b.store(p, append(s.buf, chunk...))
}

func (b *Backend) AbortSession(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

// OpenSessions counts upload sessions neither finished nor aborted.
func (b *Backend) OpenSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Backend) Download(ctx context.Context, p string) ([]byte, remote.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDownload); err != nil {
		return nil, remote.Metadata{}, err
	}
	f, ok := b.files[key(p)]
	if !ok {
		return nil, remote.Metadata{}, fmt.Errorf("download %s: %w", p, domain.ErrNotFound)
	}
	return append([]byte{}, f.data...), b.fileMeta(f), nil
}

func (b *Backend) ListFolder(ctx context.Context, p string) (remote.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpList); err != nil {
		return remote.Page{}, err
	}
	k := key(p)
	if _, ok := b.folders[k]; !ok {
		return remote.Page{}, fmt.Errorf("list %s: %w", p, domain.ErrNotFound)
	}
	return b.page(k, 0), nil
}

func (b *Backend) ListFolderContinue(ctx context.Context, cursor string) (remote.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpList); err != nil {
		return remote.Page{}, err
	}
	folder, offsetStr, ok := strings.Cut(cursor, "|")
	if !ok {
		return remote.Page{}, fmt.Errorf("invalid cursor %q", cursor)
	}
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return remote.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return b.page(folder, offset), nil
}

func (b *Backend) page(folder string, offset int) remote.Page {
	children := b.children(folder)
	size := b.PageSize
	if size <= 0 {
		size = len(children)
	}
	end := offset + size
	if end > len(children) {
		end = len(children)
	}
	if offset > end {
		offset = end
	}
	pg := remote.Page{Entries: children[offset:end]}
	if end < len(children) {
		pg.HasMore = true
		pg.Cursor = folder + "|" + strconv.Itoa(end)
	}
	return pg
}

func (b *Backend) children(folder string) []remote.Metadata {
	var out []remote.Metadata
	for k, display := range b.folders {
		if k != folder && path.Dir(k) == folder {
			out = append(out, folderMeta(display))
		}
	}
	for k, f := range b.files {
		if path.Dir(k) == folder {
			out = append(out, b.fileMeta(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func folderMeta(display string) remote.Metadata {
	return remote.Metadata{Name: path.Base(display), Path: display, Kind: remote.KindFolder}
}

func (b *Backend) fileMeta(f *file) remote.Metadata {
	return remote.Metadata{
		Name:           path.Base(f.display),
		Path:           f.display,
		Kind:           remote.KindFile,
		Size:           uint64(len(f.data)),
		ServerModified: f.modified,
		ContentMD5:     remote.MD5Hex(f.data),
	}
}
