package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

// DefaultMaxRetries is the retry budget used when callers pass a negative value.
const DefaultMaxRetries = 3

const maxBackoff = 30 * time.Second

// UploadOptions tune a single upload.
type UploadOptions struct {
	Verify     bool
	MaxRetries int
	Debug      bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Transfer moves object bytes to and from a backend.
type Transfer struct {
	sleep SleepFunc
}

// NewTransfer returns a Transfer that sleeps on the wall clock between retries.
func NewTransfer() *Transfer {
	return &Transfer{sleep: contextSleep}
}

// WithSleep overrides the retry sleep, mainly for tests.
func (t *Transfer) WithSleep(fn SleepFunc) *Transfer {
	t.sleep = fn
	return t
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// MD5Hex is the content hash recorded in provenance.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Upload writes data to path, retrying on failure and optionally verifying by readback.
func (t *Transfer) Upload(ctx context.Context, b Backend, path string, data []byte, opts UploadOptions) (*domain.TransferResult, error) {
	res := &domain.TransferResult{
		RemotePath: path,
		Size:       len(data),
		Chunked:    len(data) > ChunkSize,
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if opts.Verify {
		res.Hash = MD5Hex(data)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt)
			log.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying upload")
			if err := t.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		if opts.Debug {
			log.Info().Str("path", path).Int("size", len(data)).Bool("chunked", res.Chunked).Int("attempt", attempt+1).Msg("uploading object")
		}
		lastErr = t.put(ctx, b, path, data)
		if lastErr == nil {
			break
		}
	}
	res.Retries = attempts - 1

	if lastErr != nil {
		terr := &domain.TransferError{Op: "upload", Path: path, Attempts: attempts, Err: lastErr}
		res.Error = terr.Error()
		log.Error().Err(lastErr).Str("path", path).Int("attempts", attempts).Msg("upload failed")
		return res, terr
	}

	res.Success = true
	if opts.Verify {
		t.verify(ctx, b, path, res)
	}
	return res, nil
}

func (t *Transfer) put(ctx context.Context, b Backend, path string, data []byte) error {
	if len(data) <= ChunkSize {
		_, err := b.Upload(ctx, path, data)
		return err
	}

	sessionID, err := b.StartSession(ctx, data[:ChunkSize])
	if err != nil {
		return err
	}
	offset := uint64(ChunkSize)
	for uint64(len(data))-offset > ChunkSize {
		chunk := data[offset : offset+ChunkSize]
		if err := b.AppendSession(ctx, sessionID, offset, chunk); err != nil {
			abortSession(ctx, b, sessionID)
			return err
		}
		offset += ChunkSize
	}
	if _, err = b.FinishSession(ctx, sessionID, offset, data[offset:], path); err != nil {
		abortSession(ctx, b, sessionID)
	}
	return err
}

func abortSession(ctx context.Context, b Backend, sessionID string) {
	a, ok := b.(SessionAborter)
	if !ok {
		return
	}
	if err := a.AbortSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to abort upload session")
	}
}

func (t *Transfer) verify(ctx context.Context, b Backend, path string, res *domain.TransferResult) {
	readback, _, err := b.Download(ctx, path)
	if err != nil {
		res.VerificationError = err.Error()
		log.Warn().Err(err).Str("path", path).Msg("upload verification readback failed")
		return
	}
	res.RemoteHash = MD5Hex(readback)
	if res.RemoteHash != res.Hash {
		res.VerificationFailed = true
		log.Error().Str("path", path).Str("local_hash", res.Hash).Str("remote_hash", res.RemoteHash).Msg("upload verification hash mismatch")
		return
	}
	res.Verified = true
}

// Download fetches path. Missing objects yield domain.ErrNotFound.
func (t *Transfer) Download(ctx context.Context, b Backend, path string) ([]byte, Metadata, error) {
	data, meta, err := b.Download(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, Metadata{}, err
		}
		return nil, Metadata{}, &domain.TransferError{Op: "download", Path: path, Attempts: 1, Err: err}
	}
	return data, meta, nil
}
