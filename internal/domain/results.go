package domain

// TransferResult reports a single upload.
type TransferResult struct {
	Success            bool   `json:"success"`
	Verified           bool   `json:"verified"`
	VerificationFailed bool   `json:"verification_failed,omitempty"`
	VerificationError  string `json:"verification_error,omitempty"`
	Retries            int    `json:"retries"`
	RemotePath         string `json:"dropbox_path"`
	Hash               string `json:"hash,omitempty"`
	RemoteHash         string `json:"remote_hash,omitempty"`
	Size               int    `json:"file_size"`
	Chunked            bool   `json:"chunked,omitempty"`
	SubmissionID       string `json:"submission_id,omitempty"`
	Error              string `json:"error,omitempty"`
}

// LocalResult reports a write to the local filesystem.
type LocalResult struct {
	Success bool   `json:"success"`
	Path    string `json:"local_path,omitempty"`
	Size    int64  `json:"file_size,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SaveResult is the outcome of a remote-first dual write.
type SaveResult struct {
	Success      bool            `json:"success"`
	SubmissionID string          `json:"submission_id"`
	Remote       *TransferResult `json:"dropbox"`
	Local        *LocalResult    `json:"local,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// IngestResponse is returned to the webhook caller.
type IngestResponse struct {
	Success       bool            `json:"success"`
	ID            string          `json:"id"`
	RemoteResult  *TransferResult `json:"dropbox_result,omitempty"`
	LocalStorage  *LocalResult    `json:"local_storage,omitempty"`
	Error         string          `json:"error,omitempty"`
	FallbackID    string          `json:"fallback_id,omitempty"`
	FallbackSaved bool            `json:"fallback_saved,omitempty"`
	QueuedForSync bool            `json:"queued_for_sync,omitempty"`
	BackupStatus  string          `json:"backup_status,omitempty"`
}

// DirectionCounts summarizes one direction of a two-way pass.
type DirectionCounts struct {
	FilesSynced int `json:"files_synced"`
	FilesFailed int `json:"files_failed"`
}

// SyncResult is the aggregate outcome of a reconciliation pass.
type SyncResult struct {
	Success     bool             `json:"success"`
	Direction   Direction        `json:"direction,omitempty"`
	FilesSynced int              `json:"files_synced"`
	FilesFailed int              `json:"files_failed"`
	Errors      []string         `json:"errors"`
	Synced      []ObjectRef      `json:"synced,omitempty"`
	FromRemote  *DirectionCounts `json:"from_dropbox,omitempty"`
	ToRemote    *DirectionCounts `json:"to_dropbox,omitempty"`
	Locked      bool             `json:"locked,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// NewSyncResult returns an empty, not yet successful result.
func NewSyncResult(direction Direction) *SyncResult {
	return &SyncResult{Direction: direction, Errors: []string{}}
}

// Fail records a run-level failure.
func (r *SyncResult) Fail(msg string) *SyncResult {
	r.Success = false
	r.Errors = append(r.Errors, msg)
	if r.Error == "" {
		r.Error = msg
	}
	return r
}

// ObjectFailed records a per-object failure.
func (r *SyncResult) ObjectFailed(msg string) {
	r.FilesFailed++
	r.Errors = append(r.Errors, msg)
}

// ObjectSynced records a per-object success.
func (r *SyncResult) ObjectSynced(ref ObjectRef) {
	r.FilesSynced++
	r.Synced = append(r.Synced, ref)
}

// Settle computes the aggregate success flag: partial progress still succeeds.
func (r *SyncResult) Settle() *SyncResult {
	r.Success = r.FilesFailed == 0 || r.FilesSynced > 0
	return r
}
