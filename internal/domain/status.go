package domain

import "strings"

// Direction selects which way a reconciliation pass moves objects.
type Direction string

const (
	DirectionBoth       Direction = "both"
	DirectionToRemote   Direction = "to_remote"
	DirectionFromRemote Direction = "from_remote"
)

var directionAliases = map[string]Direction{
	"both":         DirectionBoth,
	"to_remote":    DirectionToRemote,
	"to_dropbox":   DirectionToRemote,
	"from_remote":  DirectionFromRemote,
	"from_dropbox": DirectionFromRemote,
}

// ParseDirection resolves a direction name (case-insensitive, legacy aliases accepted).
func ParseDirection(name string) (Direction, bool) {
	d, ok := directionAliases[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// RunState is the coordinator state machine.
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateLocked  RunState = "locked"
	RunStateRunning RunState = "running"
	RunStateFailed  RunState = "failed"
)

// HistoryLimit bounds SyncStatus.History.
const HistoryLimit = 10

// RunRecord is one entry of the run history ring.
type RunRecord struct {
	StartTime   string    `json:"start_time" db:"started_at"`
	EndTime     string    `json:"end_time" db:"finished_at"`
	Duration    float64   `json:"duration" db:"duration_seconds"`
	Direction   Direction `json:"direction,omitempty" db:"direction"`
	Success     bool      `json:"success" db:"success"`
	FilesSynced int       `json:"files_synced" db:"files_synced"`
	FilesFailed int       `json:"files_failed" db:"files_failed"`
	Errors      []string  `json:"errors" db:"-"`
}

// PendingItem is a fallback copy waiting for the next to-remote pass.
type PendingItem struct {
	Sender       string `json:"sender"`
	SubmissionID string `json:"submission_id"`
	QueuedAt     string `json:"queued_at"`
	Reason       string `json:"reason,omitempty"`
}

// Ref returns the object identity of the pending item.
func (p PendingItem) Ref() ObjectRef {
	return ObjectRef{Sender: p.Sender, SubmissionID: p.SubmissionID}
}

// SyncStatus is the persisted aggregate of sync runs.
type SyncStatus struct {
	LastSync           *string       `json:"last_sync"`
	LastSuccessfulSync *string       `json:"last_successful_sync"`
	LastSyncDuration   float64       `json:"last_sync_duration,omitempty"`
	TotalSyncs         int           `json:"total_syncs"`
	SuccessfulSyncs    int           `json:"successful_syncs"`
	FilesSynced        int           `json:"files_synced"`
	LastErrors         []string      `json:"last_errors"`
	InProgress         bool          `json:"in_progress"`
	State              RunState      `json:"state"`
	History            []RunRecord   `json:"history"`
	PendingSync        []PendingItem `json:"pending_sync"`
}

// DefaultSyncStatus is the status before any run has been recorded.
func DefaultSyncStatus() SyncStatus {
	return SyncStatus{
		LastErrors:  []string{},
		State:       RunStateIdle,
		History:     []RunRecord{},
		PendingSync: []PendingItem{},
	}
}

// PushHistory prepends a record and trims the ring to HistoryLimit.
func (s *SyncStatus) PushHistory(rec RunRecord) {
	history := make([]RunRecord, 0, HistoryLimit)
	history = append(history, rec)
	for _, h := range s.History {
		if len(history) == HistoryLimit {
			break
		}
		history = append(history, h)
	}
	s.History = history
}

// Clone returns a deep copy safe to hand to readers.
func (s SyncStatus) Clone() SyncStatus {
	out := s
	out.LastErrors = append([]string{}, s.LastErrors...)
	out.History = make([]RunRecord, len(s.History))
	for i, h := range s.History {
		h.Errors = append([]string{}, h.Errors...)
		out.History[i] = h
	}
	out.PendingSync = append([]PendingItem{}, s.PendingSync...)
	if s.LastSync != nil {
		v := *s.LastSync
		out.LastSync = &v
	}
	if s.LastSuccessfulSync != nil {
		v := *s.LastSuccessfulSync
		out.LastSuccessfulSync = &v
	}
	return out
}
