// backend-go/internal/service/ingest.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/storage"
)

// Control keys a webhook caller may set. Everything except sender is removed
// from the stored payload.
const (
	KeySender      = "sender"
	KeyDebug       = "debug_dropbox"
	KeyVerify      = "verify_upload"
	KeyMaxRetries  = "max_retries"
	KeySyncToLocal = "sync_to_local"
)

// MaxRetriesLimit caps the retry budget a webhook caller may request.
// A configured default above it still applies.
const MaxRetriesLimit = 10

var controlKeys = []string{KeyDebug, KeyVerify, KeyMaxRetries, KeySyncToLocal}

// PendingQueue records fallback copies for the next to-remote pass.
type PendingQueue interface {
	QueuePending(ctx context.Context, item domain.PendingItem) error
}

// BackupFunc pushes one already stored object to the remote store.
type BackupFunc func(ctx context.Context, sender, id string) error

// Options configure an IngestService.
type Options struct {
	BackupFolder string
	Capabilities config.Capabilities
	Verify       bool
	MaxRetries   int
}

// SaveOptions tune one remote-first save.
type SaveOptions struct {
	SyncToLocal bool
	Verify      bool
	MaxRetries  int
	Debug       bool
	IP          string
}

// IngestRequest is one webhook delivery.
type IngestRequest struct {
	Payload map[string]any
	IP      string
}

// IngestService stores webhook submissions in the remote store and locally.
type IngestService struct {
	connector remote.Connector
	transfer  *remote.Transfer
	store     storage.ObjectStore
	opts      Options

	ids     *IDGenerator
	now     func() time.Time
	pending PendingQueue
	backup  BackupFunc
}

func NewIngestService(connector remote.Connector, transfer *remote.Transfer, store storage.ObjectStore, opts Options) *IngestService {
	s := &IngestService{
		connector: connector,
		transfer:  transfer,
		store:     store,
		opts:      opts,
		now:       time.Now,
	}
	s.ids = NewIDGenerator(func() time.Time { return s.now() }, store.Exists)
	return s
}

// WithClock replaces the time source used for ids and metadata.
func (s *IngestService) WithClock(now func() time.Time) *IngestService {
	s.now = now
	return s
}

func (s *IngestService) WithPending(q PendingQueue) *IngestService {
	s.pending = q
	return s
}

// WithBackup sets the hook run after a local-only save when auto backup is on.
func (s *IngestService) WithBackup(fn BackupFunc) *IngestService {
	s.backup = fn
	return s
}

// Save writes payload to the remote store first, then optionally mirrors the
// uploaded bytes locally. A remote failure fails the save; a mirror failure
// does not.
func (s *IngestService) Save(ctx context.Context, payload map[string]any, sender string, opts SaveOptions) *domain.SaveResult {
	id := s.ids.Next(sender)
	res := &domain.SaveResult{SubmissionID: id}
	remotePath := domain.RemoteLocation(s.opts.BackupFolder, sender, id)
	fail := func(msg string) *domain.SaveResult {
		log.Error().Str("sender", sender).Str("submission_id", id).Msg(msg)
		if res.Remote == nil {
			res.Remote = &domain.TransferResult{RemotePath: remotePath, SubmissionID: id, Error: msg}
		}
		res.Error = "Failed to save to remote store: " + msg
		return res
	}

	obj := s.newObject(payload, id, opts.IP)
	obj.Meta.RemotePrimary = true
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fail(fmt.Sprintf("error preparing JSON data: %v", err))
	}

	if opts.Debug {
		log.Info().Str("sender", sender).Str("submission_id", id).Msg("saving submission to remote store")
	}

	backend, err := s.connector.Connect(ctx, opts.Debug)
	if err != nil {
		return fail(fmt.Sprintf("failed to get remote client: %v", err))
	}

	folder := path.Join("/", s.opts.BackupFolder, sender)
	if ok, err := remote.EnsurePath(ctx, backend, folder, opts.Debug); !ok {
		return fail(fmt.Sprintf("failed to create path %s: %v", folder, err))
	}

	tr, err := s.transfer.Upload(ctx, backend, remotePath, data, remote.UploadOptions{
		Verify:     opts.Verify,
		MaxRetries: opts.MaxRetries,
		Debug:      opts.Debug,
	})
	tr.SubmissionID = id
	res.Remote = tr
	if err != nil {
		return fail(tr.Error)
	}
	if tr.VerificationFailed {
		log.Warn().Str("path", remotePath).Msg("remote copy failed verification")
	}
	res.Success = true

	if !opts.SyncToLocal {
		return res
	}

	local := &domain.LocalResult{Path: s.store.Path(sender, id)}
	res.Local = local
	n, err := s.store.Write(sender, id, data)
	if err != nil {
		local.Error = err.Error()
		res.Error = "Saved to remote store but failed to sync locally: " + local.Error
		log.Error().Err(err).Str("sender", sender).Str("submission_id", id).Msg("local mirror failed")
		return res
	}
	local.Success = true
	local.Size = n

	record := domain.UploadRecord{
		Timestamp: domain.FormatTimestamp(s.now()),
		Path:      remotePath,
		Verified:  tr.Verified,
		Hash:      tr.Hash,
	}
	if err := s.store.UpdateSync(sender, id, domain.UploadSyncKey, record); err != nil {
		log.Warn().Err(err).Str("sender", sender).Str("submission_id", id).Msg("failed to record upload provenance")
	}
	return res
}

// Ingest handles a webhook delivery: it resolves the sender and control keys,
// then saves remote-first or locally depending on the configured capabilities.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) *domain.IngestResponse {
	payload := make(map[string]any, len(req.Payload))
	for k, v := range req.Payload {
		payload[k] = v
	}

	senderName := req.IP
	if v, ok := payload[KeySender].(string); ok && strings.TrimSpace(v) != "" {
		senderName = v
	}
	sender := storage.SanitizeSender(senderName)

	opts := SaveOptions{
		SyncToLocal: boolOption(payload[KeySyncToLocal], true),
		Verify:      boolOption(payload[KeyVerify], s.opts.Verify),
		MaxRetries:  s.retryBudget(payload[KeyMaxRetries]),
		Debug:       boolOption(payload[KeyDebug], false),
		IP:          req.IP,
	}
	for _, k := range controlKeys {
		delete(payload, k)
	}

	if !s.opts.Capabilities.RemotePrimary {
		return s.ingestLocal(ctx, payload, sender, req.IP)
	}

	saved := s.Save(ctx, payload, sender, opts)
	resp := &domain.IngestResponse{
		Success:      saved.Success,
		ID:           saved.SubmissionID,
		RemoteResult: saved.Remote,
		LocalStorage: saved.Local,
		Error:        saved.Error,
	}
	if saved.Success {
		return resp
	}

	s.fallback(ctx, resp, payload, sender, saved.SubmissionID, req.IP)
	return resp
}

// fallback keeps a local-only copy after the remote write failed and queues
// it for reconciliation.
func (s *IngestService) fallback(ctx context.Context, resp *domain.IngestResponse, payload map[string]any, sender, id, ip string) {
	obj := s.newObject(payload, id, ip)
	obj.Meta.IsFallback = true
	data, err := json.MarshalIndent(obj, "", "  ")
	if err == nil {
		_, err = s.store.Write(sender, id, data)
	}
	if err != nil {
		log.Error().Err(err).Str("sender", sender).Str("submission_id", id).Msg("fallback save failed")
		resp.Error = fmt.Sprintf("%s; fallback save failed: %v", resp.Error, err)
		return
	}

	resp.FallbackID = id
	resp.FallbackSaved = true
	log.Warn().Str("sender", sender).Str("submission_id", id).Msg("remote write failed, stored local fallback copy")

	if s.pending == nil {
		return
	}
	item := domain.PendingItem{
		Sender:       sender,
		SubmissionID: id,
		QueuedAt:     domain.FormatTimestamp(s.now()),
		Reason:       resp.Error,
	}
	if err := s.pending.QueuePending(ctx, item); err != nil {
		log.Error().Err(err).Str("sender", sender).Str("submission_id", id).Msg("failed to queue fallback copy")
		return
	}
	resp.QueuedForSync = true
}

func (s *IngestService) ingestLocal(ctx context.Context, payload map[string]any, sender, ip string) *domain.IngestResponse {
	id := s.ids.Next(sender)
	resp := &domain.IngestResponse{ID: id}
	local := &domain.LocalResult{Path: s.store.Path(sender, id)}
	resp.LocalStorage = local

	data, err := json.MarshalIndent(s.newObject(payload, id, ip), "", "  ")
	if err == nil {
		local.Size, err = s.store.Write(sender, id, data)
	}
	if err != nil {
		local.Error = err.Error()
		resp.Error = "failed to store submission: " + local.Error
		log.Error().Err(err).Str("sender", sender).Str("submission_id", id).Msg("local save failed")
		return resp
	}
	local.Success = true
	resp.Success = true

	if s.opts.Capabilities.AutoBackup && s.backup != nil {
		log.Info().Str("submission_id", id).Msg("auto-backing up submission")
		if err := s.backup(ctx, sender, id); err != nil {
			log.Warn().Err(err).Str("submission_id", id).Msg("auto backup failed")
			resp.BackupStatus = "failed"
		} else {
			resp.BackupStatus = "success"
		}
	}
	return resp
}

func (s *IngestService) newObject(payload map[string]any, id, ip string) domain.StoredObject {
	title, _ := payload["title"].(string)
	if title == "" {
		title = "Submission " + id
	}
	return domain.StoredObject{
		Payload: payload,
		Meta: &domain.Meta{
			Timestamp: domain.FormatTimestamp(s.now()),
			Title:     title,
			IP:        ip,
		},
	}
}

func boolOption(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	case float64:
		return t != 0
	}
	return def
}

func (s *IngestService) retryBudget(v any) int {
	limit := max(MaxRetriesLimit, s.opts.MaxRetries)
	return min(intOption(v, s.opts.MaxRetries), limit)
}

func intOption(v any, def int) int {
	switch t := v.(type) {
	case float64:
		if t >= 0 {
			return int(t)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil && n >= 0 {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
