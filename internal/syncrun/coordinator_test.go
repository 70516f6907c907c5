package syncrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/lock"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/reconcile"
)

type fakeSyncer struct {
	calls atomic.Int32
	run   func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult
}

func (f *fakeSyncer) do(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(dir, opts)
	}
	res := domain.NewSyncResult(dir)
	res.ObjectSynced(domain.ObjectRef{Sender: "acme", SubmissionID: "1"})
	return res.Settle()
}

func (f *fakeSyncer) SyncToRemote(ctx context.Context, opts reconcile.Options) *domain.SyncResult {
	return f.do(domain.DirectionToRemote, opts)
}

func (f *fakeSyncer) SyncFromRemote(ctx context.Context, opts reconcile.Options) *domain.SyncResult {
	return f.do(domain.DirectionFromRemote, opts)
}

func (f *fakeSyncer) SyncBoth(ctx context.Context, opts reconcile.Options) *domain.SyncResult {
	return f.do(domain.DirectionBoth, opts)
}

type recordingArchive struct {
	mu   sync.Mutex
	recs []domain.RunRecord
}

func (a *recordingArchive) Insert(ctx context.Context, rec domain.RunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

type env struct {
	dir      string
	lockPath string
	syncer   *fakeSyncer
	status   *StatusStore
	coord    *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:      dir,
		lockPath: filepath.Join(dir, ".sync_in_progress"),
		syncer:   &fakeSyncer{},
		status:   NewStatusStore(filepath.Join(dir, "sync_status.json")),
	}
	e.coord = NewCoordinator(e.syncer, lock.NewFile(e.lockPath, time.Hour), e.status)
	return e
}

func TestRunSyncRecordsStatus(t *testing.T) {
	e := newEnv(t)
	archive := &recordingArchive{}
	e.coord.WithArchive(archive)

	res := e.coord.RunSync(context.Background(), RunRequest{Direction: "to_dropbox", Verify: true})
	require.True(t, res.Success)
	assert.Equal(t, domain.DirectionToRemote, res.Direction)
	assert.NoFileExists(t, e.lockPath)

	st := e.coord.Status()
	assert.Equal(t, 1, st.TotalSyncs)
	assert.Equal(t, 1, st.SuccessfulSyncs)
	assert.Equal(t, 1, st.FilesSynced)
	assert.False(t, st.InProgress)
	assert.Equal(t, domain.RunStateIdle, st.State)
	require.NotNil(t, st.LastSync)
	require.NotNil(t, st.LastSuccessfulSync)
	require.Len(t, st.History, 1)
	assert.Equal(t, domain.DirectionToRemote, st.History[0].Direction)
	assert.True(t, st.History[0].Success)

	require.Len(t, archive.recs, 1)
	assert.Equal(t, 1, archive.recs[0].FilesSynced)
}

func TestRunSyncDefaultsToBoth(t *testing.T) {
	e := newEnv(t)
	var got domain.Direction
	e.syncer.run = func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
		got = dir
		return domain.NewSyncResult(dir).Settle()
	}

	res := e.coord.RunSync(context.Background(), RunRequest{})
	assert.True(t, res.Success)
	assert.Equal(t, domain.DirectionBoth, got)
}

func TestConcurrentRunsYieldOneRunner(t *testing.T) {
	e := newEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	e.syncer.run = func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
		close(entered)
		<-release
		return domain.NewSyncResult(dir).Settle()
	}

	var first *domain.SyncResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		first = e.coord.RunSync(context.Background(), RunRequest{})
	}()
	<-entered

	assert.Equal(t, domain.RunStateRunning, e.coord.Status().State)
	assert.True(t, e.coord.Status().InProgress)

	second := e.coord.RunSync(context.Background(), RunRequest{})
	assert.True(t, second.Locked)
	assert.False(t, second.Success)
	assert.FileExists(t, e.lockPath)

	close(release)
	<-done
	assert.True(t, first.Success)
	assert.NoFileExists(t, e.lockPath)
	assert.Equal(t, int32(1), e.syncer.calls.Load())
	assert.Equal(t, 1, e.coord.Status().TotalSyncs)
}

func TestRunSyncRecoversPanic(t *testing.T) {
	e := newEnv(t)
	e.syncer.run = func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
		panic("boom")
	}

	res := e.coord.RunSync(context.Background(), RunRequest{Direction: "from_remote"})
	assert.False(t, res.Success)
	assert.Equal(t, "Sync failed with error: boom", res.Error)
	assert.NoFileExists(t, e.lockPath)

	st := e.coord.Status()
	assert.Equal(t, 1, st.TotalSyncs)
	assert.Zero(t, st.SuccessfulSyncs)
	assert.Nil(t, st.LastSuccessfulSync)
	assert.Equal(t, []string{"Sync failed with error: boom"}, st.LastErrors)
	assert.False(t, st.InProgress)
}

func TestRunSyncUnknownDirection(t *testing.T) {
	e := newEnv(t)

	res := e.coord.RunSync(context.Background(), RunRequest{Direction: "sideways"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Invalid sync direction: sideways")
	assert.Zero(t, e.syncer.calls.Load())
	assert.Equal(t, 1, e.coord.Status().TotalSyncs)
}

func TestHistoryIsBounded(t *testing.T) {
	e := newEnv(t)
	n := 0
	e.syncer.run = func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
		n++
		res := domain.NewSyncResult(dir)
		res.FilesSynced = n
		return res.Settle()
	}

	for i := 0; i < domain.HistoryLimit+2; i++ {
		e.coord.RunSync(context.Background(), RunRequest{})
	}

	st := e.coord.Status()
	require.Len(t, st.History, domain.HistoryLimit)
	assert.Equal(t, domain.HistoryLimit+2, st.History[0].FilesSynced)
	assert.Equal(t, 3, st.History[domain.HistoryLimit-1].FilesSynced)
	assert.Equal(t, domain.HistoryLimit+2, st.TotalSyncs)
}

func TestPendingQueueIsPrunedBySyncedRefs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.coord.QueuePending(ctx, domain.PendingItem{Sender: "acme", SubmissionID: "1", Reason: "remote down"}))
	require.NoError(t, e.coord.QueuePending(ctx, domain.PendingItem{Sender: "acme", SubmissionID: "1"}))
	require.NoError(t, e.coord.QueuePending(ctx, domain.PendingItem{Sender: "acme", SubmissionID: "2"}))

	st := e.coord.Status()
	require.Len(t, st.PendingSync, 2)
	assert.NotEmpty(t, st.PendingSync[0].QueuedAt)

	e.coord.RunSync(ctx, RunRequest{Direction: "to_remote"})

	st = e.coord.Status()
	require.Len(t, st.PendingSync, 1)
	assert.Equal(t, "2", st.PendingSync[0].SubmissionID)
}

func TestRunAsyncReturnsPreviousStatus(t *testing.T) {
	e := newEnv(t)

	ack := e.coord.RunAsync(RunRequest{Direction: "both"})
	assert.True(t, ack.Acknowledged)
	assert.Zero(t, ack.Status.TotalSyncs)

	e.coord.Wait()
	assert.Equal(t, 1, e.coord.Status().TotalSyncs)
}

type countingLocker struct {
	heartbeats atomic.Int32
	acquireErr error
}

func (l *countingLocker) Acquire(ctx context.Context) error   { return l.acquireErr }
func (l *countingLocker) Heartbeat(ctx context.Context) error { l.heartbeats.Add(1); return nil }
func (l *countingLocker) Release(ctx context.Context) error   { return nil }

func TestHeartbeatWhileRunning(t *testing.T) {
	e := newEnv(t)
	locker := &countingLocker{}
	e.coord = NewCoordinator(e.syncer, locker, e.status).WithHeartbeat(5 * time.Millisecond)
	e.syncer.run = func(dir domain.Direction, opts reconcile.Options) *domain.SyncResult {
		time.Sleep(50 * time.Millisecond)
		return domain.NewSyncResult(dir).Settle()
	}

	e.coord.RunSync(context.Background(), RunRequest{})
	beats := locker.heartbeats.Load()
	assert.GreaterOrEqual(t, beats, int32(1))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, beats, locker.heartbeats.Load(), "heartbeat must stop with the run")
}

func TestLockFailureIsNotContention(t *testing.T) {
	e := newEnv(t)
	e.coord = NewCoordinator(e.syncer, &countingLocker{acquireErr: errors.New("redis down")}, e.status)

	res := e.coord.RunSync(context.Background(), RunRequest{})
	assert.False(t, res.Locked)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "redis down")
	assert.Zero(t, e.syncer.calls.Load())
}

func TestStatusStoreCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_status.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))

	st := NewStatusStore(path).Load()
	assert.Equal(t, domain.RunStateIdle, st.State)
	assert.Empty(t, st.History)
	assert.NotNil(t, st.PendingSync)
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewScheduler(e.coord, 5*time.Millisecond, RunRequest{Direction: "to_remote"}).Start(ctx)
	}()

	require.Eventually(t, func() bool { return e.syncer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.NoFileExists(t, e.lockPath)
}

func TestSchedulerDisabled(t *testing.T) {
	e := newEnv(t)
	NewScheduler(e.coord, 0, RunRequest{}).Start(context.Background())
	assert.Zero(t, e.syncer.calls.Load())
}
