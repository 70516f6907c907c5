// Package syncrun serializes reconciliation runs and keeps the persisted
// sync status.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/lock"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/reconcile"
)

// Syncer runs one reconciliation pass per direction.
type Syncer interface {
	SyncToRemote(ctx context.Context, opts reconcile.Options) *domain.SyncResult
	SyncFromRemote(ctx context.Context, opts reconcile.Options) *domain.SyncResult
	SyncBoth(ctx context.Context, opts reconcile.Options) *domain.SyncResult
}

// RunArchive stores completed run records outside the status file.
type RunArchive interface {
	Insert(ctx context.Context, rec domain.RunRecord) error
}

// RunRequest selects what a run does. An empty Direction means both.
type RunRequest struct {
	Direction string
	Verify    bool
	Force     bool
	Debug     bool
}

// AsyncAck is returned by RunAsync before the run finishes.
type AsyncAck struct {
	Acknowledged bool              `json:"acknowledged"`
	Message      string            `json:"message"`
	Status       domain.SyncStatus `json:"status"`
}

const defaultHeartbeat = time.Minute

// Coordinator owns the run state machine: idle, locked, running, idle.
type Coordinator struct {
	engine  Syncer
	locker  lock.Locker
	status  *StatusStore
	archive RunArchive

	heartbeat time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

func NewCoordinator(engine Syncer, locker lock.Locker, status *StatusStore) *Coordinator {
	return &Coordinator{
		engine:    engine,
		locker:    locker,
		status:    status,
		heartbeat: defaultHeartbeat,
		now:       time.Now,
	}
}

func (c *Coordinator) WithArchive(a RunArchive) *Coordinator {
	c.archive = a
	return c
}

func (c *Coordinator) WithHeartbeat(every time.Duration) *Coordinator {
	if every > 0 {
		c.heartbeat = every
	}
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Status returns a snapshot of the persisted status.
func (c *Coordinator) Status() domain.SyncStatus {
	return c.status.Load()
}

// QueuePending records a fallback copy for the next to-remote pass.
func (c *Coordinator) QueuePending(ctx context.Context, item domain.PendingItem) error {
	if item.QueuedAt == "" {
		item.QueuedAt = domain.FormatTimestamp(c.now())
	}
	_, err := c.status.Update(func(st *domain.SyncStatus) {
		for _, p := range st.PendingSync {
			if p.Ref() == item.Ref() {
				return
			}
		}
		st.PendingSync = append(st.PendingSync, item)
	})
	if err != nil {
		return fmt.Errorf("queue pending sync: %w", err)
	}
	return nil
}

// RunAsync starts a run in the background and returns the status as it was.
func (c *Coordinator) RunAsync(req RunRequest) AsyncAck {
	prev := c.Status()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.RunSync(context.Background(), req)
		if res.Locked {
			log.Info().Msg("background sync skipped, another run holds the lock")
		}
	}()
	return AsyncAck{Acknowledged: true, Message: "Sync started in background", Status: prev}
}

// Wait blocks until every run started by RunAsync has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// RunSync executes one run under the lock. Lock contention is reported in
// the result with Locked set, not as a failure.
func (c *Coordinator) RunSync(ctx context.Context, req RunRequest) *domain.SyncResult {
	name := req.Direction
	if name == "" {
		name = string(domain.DirectionBoth)
	}
	dir, known := domain.ParseDirection(name)
	if !known {
		dir = domain.Direction(name)
	}

	if err := c.locker.Acquire(ctx); err != nil {
		res := domain.NewSyncResult(dir)
		if errors.Is(err, domain.ErrLockContention) {
			log.Info().Err(err).Msg("sync already in progress")
			res.Locked = true
			res.Error = "Sync already in progress"
			return res
		}
		log.Error().Err(err).Msg("failed to acquire sync lock")
		return res.Fail(fmt.Sprintf("Failed to acquire sync lock: %v", err))
	}
	defer func() {
		if err := c.locker.Release(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to release sync lock")
		}
	}()

	start := c.now()
	startedAt := domain.FormatTimestamp(start)
	if _, err := c.status.Update(func(st *domain.SyncStatus) {
		st.LastSync = &startedAt
		st.InProgress = true
		st.State = domain.RunStateRunning
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark sync in progress")
	}

	stop := c.startHeartbeat(ctx)
	res := c.execute(ctx, dir, known, req)
	stop()

	c.finish(ctx, start, res)
	return res
}

func (c *Coordinator) startHeartbeat(ctx context.Context) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.locker.Heartbeat(hbCtx); err != nil {
					log.Warn().Err(err).Msg("sync lock heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Coordinator) execute(ctx context.Context, dir domain.Direction, known bool, req RunRequest) (res *domain.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("direction", string(dir)).Msg("sync run panicked")
			res = domain.NewSyncResult(dir).Fail(fmt.Sprintf("Sync failed with error: %v", r))
		}
	}()

	if !known {
		return domain.NewSyncResult(dir).Fail(fmt.Sprintf("Invalid sync direction: %s", dir))
	}

	opts := reconcile.Options{Verify: req.Verify, Force: req.Force, Debug: req.Debug}
	log.Info().
		Str("direction", string(dir)).
		Bool("verify", opts.Verify).
		Bool("force", opts.Force).
		Msg("starting sync run")

	switch dir {
	case domain.DirectionToRemote:
		res = c.engine.SyncToRemote(ctx, opts)
	case domain.DirectionFromRemote:
		res = c.engine.SyncFromRemote(ctx, opts)
	default:
		res = c.engine.SyncBoth(ctx, opts)
	}
	if res == nil {
		res = domain.NewSyncResult(dir).Fail("sync pass returned no result")
	}
	res.Direction = dir
	return res
}

func (c *Coordinator) finish(ctx context.Context, start time.Time, res *domain.SyncResult) {
	end := c.now()
	duration := end.Sub(start).Seconds()
	rec := domain.RunRecord{
		StartTime:   domain.FormatTimestamp(start),
		EndTime:     domain.FormatTimestamp(end),
		Duration:    duration,
		Direction:   res.Direction,
		Success:     res.Success,
		FilesSynced: res.FilesSynced,
		FilesFailed: res.FilesFailed,
		Errors:      append([]string{}, res.Errors...),
	}

	synced := make(map[domain.ObjectRef]bool, len(res.Synced))
	for _, ref := range res.Synced {
		synced[ref] = true
	}

	_, err := c.status.Update(func(st *domain.SyncStatus) {
		st.LastSyncDuration = duration
		st.TotalSyncs++
		if res.Success {
			st.SuccessfulSyncs++
			finishedAt := rec.EndTime
			st.LastSuccessfulSync = &finishedAt
		}
		st.FilesSynced = res.FilesSynced
		st.LastErrors = append([]string{}, res.Errors...)
		st.InProgress = false
		st.State = domain.RunStateIdle
		st.PushHistory(rec)

		if len(synced) > 0 {
			kept := st.PendingSync[:0]
			for _, p := range st.PendingSync {
				if !synced[p.Ref()] {
					kept = append(kept, p)
				}
			}
			st.PendingSync = kept
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record sync result")
	}

	if c.archive != nil {
		if err := c.archive.Insert(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("failed to archive sync run")
		}
	}

	log.Info().
		Str("direction", string(res.Direction)).
		Bool("success", res.Success).
		Int("files_synced", res.FilesSynced).
		Int("files_failed", res.FilesFailed).
		Float64("duration_seconds", duration).
		Msg("sync run finished")
}
