// Package reconcile runs sync passes between the local object tree and the
// remote store.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/storage"
)

// DefaultResyncAfter is how long a verified upload is trusted before it is re-sent.
const DefaultResyncAfter = 24 * time.Hour

// Options tune a single pass.
type Options struct {
	Verify bool
	Force  bool
	Debug  bool
}

// Config holds the engine's fixed settings.
type Config struct {
	BackupFolder string
	ResyncAfter  time.Duration
	MaxRetries   int
}

// Engine compares the two locations and moves objects between them.
// Objects are processed one at a time.
type Engine struct {
	connector remote.Connector
	transfer  *remote.Transfer
	store     storage.ObjectStore
	cfg       Config
	now       func() time.Time
}

func NewEngine(connector remote.Connector, transfer *remote.Transfer, store storage.ObjectStore, cfg Config) *Engine {
	if cfg.ResyncAfter <= 0 {
		cfg.ResyncAfter = DefaultResyncAfter
	}
	return &Engine{
		connector: connector,
		transfer:  transfer,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for staleness and provenance.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) rootPath() string {
	return remote.Clean(e.cfg.BackupFolder)
}

func (e *Engine) senderPath(sender string) string {
	return path.Join(e.rootPath(), sender)
}

// SyncToRemote uploads local objects that have no fresh verified upload record.
func (e *Engine) SyncToRemote(ctx context.Context, opts Options) *domain.SyncResult {
	res := domain.NewSyncResult(domain.DirectionToRemote)

	if !e.store.RootExists() {
		log.Info().Str("dir", e.store.Root()).Msg("local data directory does not exist, nothing to upload")
		return res.Settle()
	}

	backend, err := e.connector.Connect(ctx, opts.Debug)
	if err != nil {
		return res.Fail(fmt.Sprintf("Failed to get remote client: %v", err))
	}
	if ok, err := remote.EnsurePath(ctx, backend, e.rootPath(), opts.Debug); !ok {
		return res.Fail(fmt.Sprintf("Failed to ensure backup folder %s: %v", e.rootPath(), err))
	}

	senders, err := e.store.SenderDirs()
	if err != nil {
		return res.Fail(fmt.Sprintf("Failed to list local senders: %v", err))
	}

	for _, sender := range senders {
		if err := ctx.Err(); err != nil {
			return res.Fail(fmt.Sprintf("Sync cancelled: %v", err))
		}
		folder := e.senderPath(sender)
		if ok, err := remote.EnsurePath(ctx, backend, folder, opts.Debug); !ok {
			log.Error().Err(err).Str("folder", folder).Msg("failed to create sender folder, skipping sender")
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to create folder %s: %v", folder, err))
			continue
		}

		ids, err := e.store.ObjectIDs(sender)
		if err != nil {
			res.ObjectFailed(fmt.Sprintf("Failed to list objects of %s: %v", sender, err))
			continue
		}
		for _, id := range ids {
			e.pushOne(ctx, backend, sender, id, opts, res)
		}
	}

	log.Info().
		Int("files_synced", res.FilesSynced).
		Int("files_failed", res.FilesFailed).
		Msg("to-remote pass finished")
	return res.Settle()
}

func (e *Engine) pushOne(ctx context.Context, backend remote.Backend, sender, id string, opts Options, res *domain.SyncResult) {
	ref := domain.ObjectRef{Sender: sender, SubmissionID: id}

	raw, err := e.store.ReadRaw(sender, id)
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Error reading %s: %v", ref, err))
		return
	}
	var obj domain.StoredObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		res.ObjectFailed(fmt.Sprintf("Error reading %s: %v", ref, storage.ErrCorrupt))
		return
	}

	if !opts.Force && e.fresh(obj.Sync) {
		if opts.Debug {
			log.Debug().Str("object", ref.String()).Msg("recently synced and verified, skipping")
		}
		return
	}

	tr, err := e.upload(ctx, backend, sender, id, raw, opts)
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Failed to upload %s: %s", ref, tr.Error))
		return
	}
	res.ObjectSynced(ref)
}

// fresh reports whether the upload record is verified and within the resync window.
func (e *Engine) fresh(info *domain.SyncInfo) bool {
	if info == nil || info.Dropbox == nil || !info.Dropbox.Verified {
		return false
	}
	at, err := domain.ParseTimestamp(info.Dropbox.Timestamp)
	if err != nil {
		return false
	}
	return e.now().Sub(at) < e.cfg.ResyncAfter
}

func (e *Engine) upload(ctx context.Context, backend remote.Backend, sender, id string, raw []byte, opts Options) (*domain.TransferResult, error) {
	remotePath := domain.RemoteLocation(e.cfg.BackupFolder, sender, id)
	tr, err := e.transfer.Upload(ctx, backend, remotePath, raw, remote.UploadOptions{
		Verify:     opts.Verify,
		MaxRetries: e.cfg.MaxRetries,
		Debug:      opts.Debug,
	})
	tr.SubmissionID = id
	if err != nil {
		return tr, err
	}

	record := domain.UploadRecord{
		Timestamp: domain.FormatTimestamp(e.now()),
		Path:      remotePath,
		Verified:  tr.Verified,
		Hash:      tr.Hash,
	}
	if err := e.store.UpdateSync(sender, id, domain.UploadSyncKey, record); err != nil {
		log.Warn().Err(err).Str("sender", sender).Str("submission_id", id).Msg("failed to record upload provenance")
	}
	return tr, nil
}

// BackupObject uploads one local object regardless of its provenance.
func (e *Engine) BackupObject(ctx context.Context, sender, id string, opts Options) (*domain.TransferResult, error) {
	raw, err := e.store.ReadRaw(sender, id)
	if err != nil {
		return nil, err
	}

	backend, err := e.connector.Connect(ctx, opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to get remote client: %w", err)
	}
	folder := e.senderPath(sender)
	if ok, err := remote.EnsurePath(ctx, backend, folder, opts.Debug); !ok {
		return nil, fmt.Errorf("failed to create folder %s: %w", folder, err)
	}
	return e.upload(ctx, backend, sender, id, raw, opts)
}

// SyncFromRemote downloads remote objects that are missing locally or newer
// than the local copy.
func (e *Engine) SyncFromRemote(ctx context.Context, opts Options) *domain.SyncResult {
	res := domain.NewSyncResult(domain.DirectionFromRemote)

	if err := e.store.EnsureRoot(); err != nil {
		return res.Fail(fmt.Sprintf("Failed to create local data directory: %v", err))
	}

	backend, err := e.connector.Connect(ctx, opts.Debug)
	if err != nil {
		return res.Fail(fmt.Sprintf("Failed to get remote client: %v", err))
	}

	root := e.rootPath()
	if _, found, err := backend.Stat(ctx, root); err != nil {
		return res.Fail(fmt.Sprintf("Failed to look up backup folder %s: %v", root, err))
	} else if !found {
		return res.Fail(fmt.Sprintf("Backup folder %s does not exist in remote store", root))
	}

	entries, err := remote.List(ctx, backend, root)
	if err != nil {
		return res.Fail(fmt.Sprintf("Failed to list backup folder %s: %v", root, err))
	}

	for _, entry := range entries {
		if !entry.IsFolder() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res.Fail(fmt.Sprintf("Sync cancelled: %v", err))
		}
		sender := storage.SanitizeSender(entry.Name)
		if sender != entry.Name {
			log.Warn().Str("folder", entry.Path).Msg("remote folder name is not a valid sender, skipping")
			continue
		}
		e.pullSender(ctx, backend, sender, entry.Path, opts, res)
	}

	log.Info().
		Int("files_synced", res.FilesSynced).
		Int("files_failed", res.FilesFailed).
		Msg("from-remote pass finished")
	return res.Settle()
}

// RestoreSender downloads every remote object of one sender.
func (e *Engine) RestoreSender(ctx context.Context, sender string, opts Options) *domain.SyncResult {
	res := domain.NewSyncResult(domain.DirectionFromRemote)

	backend, err := e.connector.Connect(ctx, opts.Debug)
	if err != nil {
		return res.Fail(fmt.Sprintf("Failed to get remote client: %v", err))
	}
	folder := e.senderPath(sender)
	if _, found, err := backend.Stat(ctx, folder); err != nil {
		return res.Fail(fmt.Sprintf("Failed to look up %s: %v", folder, err))
	} else if !found {
		return res.Fail(fmt.Sprintf("Sender folder %s does not exist in remote store", folder))
	}

	e.pullSender(ctx, backend, sender, folder, opts, res)
	return res.Settle()
}

func (e *Engine) pullSender(ctx context.Context, backend remote.Backend, sender, folder string, opts Options, res *domain.SyncResult) {
	files, err := remote.List(ctx, backend, folder)
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Failed to list %s: %v", folder, err))
		return
	}
	for _, f := range files {
		if f.IsFolder() {
			continue
		}
		id, ok := domain.SubmissionIDFromName(f.Name)
		if !ok {
			continue
		}
		e.pullOne(ctx, backend, sender, id, f, opts, res)
	}
}

func (e *Engine) pullOne(ctx context.Context, backend remote.Backend, sender, id string, meta remote.Metadata, opts Options, res *domain.SyncResult) {
	ref := domain.ObjectRef{Sender: sender, SubmissionID: id}

	localMod, found, err := e.store.ModTime(sender, id)
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Error checking local copy of %s: %v", ref, err))
		return
	}
	if found && !opts.Force && !meta.ServerModified.After(localMod) {
		if opts.Debug {
			log.Debug().Str("object", ref.String()).Msg("local copy is current, skipping")
		}
		return
	}

	data, dmeta, err := e.transfer.Download(ctx, backend, meta.Path)
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Failed to download %s: %v", ref, err))
		return
	}

	if opts.Verify {
		_, err = e.store.WriteVerified(sender, id, data, dmeta.ContentMD5)
	} else {
		_, err = e.store.Write(sender, id, data)
	}
	if err != nil {
		res.ObjectFailed(fmt.Sprintf("Failed to save %s locally: %v", ref, err))
		return
	}

	record := domain.DownloadRecord{
		Timestamp: domain.FormatTimestamp(e.now()),
		Path:      meta.Path,
		Verified:  opts.Verify,
	}
	if !dmeta.ServerModified.IsZero() {
		record.ServerModified = domain.FormatTimestamp(dmeta.ServerModified)
	}
	if err := e.store.UpdateSync(sender, id, domain.DownloadSyncKey, record); err != nil {
		log.Warn().Err(err).Str("object", ref.String()).Msg("failed to record download provenance")
	}
	res.ObjectSynced(ref)
}

// SyncBoth pulls then pushes. It succeeds only when both directions succeed.
func (e *Engine) SyncBoth(ctx context.Context, opts Options) *domain.SyncResult {
	from := e.SyncFromRemote(ctx, opts)
	to := e.SyncToRemote(ctx, opts)

	res := domain.NewSyncResult(domain.DirectionBoth)
	res.FilesSynced = from.FilesSynced + to.FilesSynced
	res.FilesFailed = from.FilesFailed + to.FilesFailed
	res.Errors = append(append(res.Errors, from.Errors...), to.Errors...)
	res.Synced = append(append(res.Synced, from.Synced...), to.Synced...)
	res.FromRemote = &domain.DirectionCounts{FilesSynced: from.FilesSynced, FilesFailed: from.FilesFailed}
	res.ToRemote = &domain.DirectionCounts{FilesSynced: to.FilesSynced, FilesFailed: to.FilesFailed}
	res.Success = from.Success && to.Success
	res.Error = from.Error
	if res.Error == "" {
		res.Error = to.Error
	}
	return res
}
