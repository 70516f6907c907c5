package lock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

func TestFileAcquireWritesOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", ".sync_in_progress")
	l := NewFile(path, time.Hour)

	require.NoError(t, l.Acquire(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	fields := strings.Fields(string(raw))
	require.Len(t, fields, 2)
	assert.Equal(t, strconv.Itoa(os.Getpid()), fields[0])
	_, err = time.Parse(time.RFC3339, fields[1])
	assert.NoError(t, err)
}

func TestFileContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_in_progress")
	first := NewFile(path, time.Hour)
	second := NewFile(path, time.Hour)

	require.NoError(t, first.Acquire(context.Background()))
	err := second.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockContention)

	// Releasing a lock we never held must not remove the owner's marker.
	require.NoError(t, second.Release(context.Background()))
	assert.FileExists(t, path)

	require.NoError(t, first.Release(context.Background()))
	assert.NoFileExists(t, path)
	require.NoError(t, second.Acquire(context.Background()))
}

func TestFileReclaimsStaleMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_in_progress")
	require.NoError(t, os.WriteFile(path, []byte("4242 2024-01-01T00:00:00Z"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l := NewFile(path, time.Hour)
	require.NoError(t, l.Acquire(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), strconv.Itoa(os.Getpid())+" "))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileReclaimKeepsMarkerRecreatedByAnotherOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_in_progress")
	// Another process replaced the stale marker after we saw it.
	require.NoError(t, os.WriteFile(path, []byte("777 fresh"), 0o644))

	l := NewFile(path, time.Hour)
	err := l.reclaim()
	assert.ErrorIs(t, err, domain.ErrLockContention)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "777 fresh", string(raw))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileHeartbeatKeepsMarkerFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_in_progress")
	now := time.Now().Add(-90 * time.Minute).Truncate(time.Second)
	l := NewFile(path, time.Hour).WithClock(func() time.Time { return now })

	require.NoError(t, l.Acquire(context.Background()))
	now = now.Add(50 * time.Minute)
	require.NoError(t, l.Heartbeat(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(now), "mtime %s, want %s", info.ModTime(), now)

	// 40 minutes after the heartbeat the marker is not yet stale.
	other := NewFile(path, time.Hour).WithClock(func() time.Time { return now.Add(40 * time.Minute) })
	assert.ErrorIs(t, other.Acquire(context.Background()), domain.ErrLockContention)
}

func TestFileReleaseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_in_progress")
	l := NewFile(path, 0)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, l.Heartbeat(context.Background()))
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisAcquireAndContention(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	a := NewRedis(client, "vault:lock", time.Minute)
	b := NewRedis(client, "vault:lock", time.Minute)

	require.NoError(t, a.Acquire(ctx))
	assert.True(t, mr.Exists("vault:lock"))
	assert.ErrorIs(t, b.Acquire(ctx), domain.ErrLockContention)

	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("vault:lock"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("vault:lock"))
	require.NoError(t, b.Acquire(ctx))
}

func TestRedisHeartbeatExtendsTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	l := NewRedis(client, "vault:lock", time.Minute)
	require.NoError(t, l.Acquire(ctx))

	mr.FastForward(45 * time.Second)
	require.NoError(t, l.Heartbeat(ctx))
	mr.FastForward(45 * time.Second)
	assert.True(t, mr.Exists("vault:lock"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("vault:lock"))
	assert.ErrorIs(t, l.Heartbeat(ctx), domain.ErrLockContention)
}

func TestRedisReleaseDoesNotStealForeignLock(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	l := NewRedis(client, "vault:lock", time.Minute)
	require.NoError(t, l.Acquire(ctx))

	// Expiry followed by another owner taking the key.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("vault:lock", "someone-else"))

	require.NoError(t, l.Release(ctx))
	got, err := mr.Get("vault:lock")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestBuildRedisOptions(t *testing.T) {
	opts, err := buildRedisOptions(config.LockConfig{RedisHost: "cache", RedisPort: "6380", RedisDB: 2})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)

	opts, err = buildRedisOptions(config.LockConfig{RedisURL: "redis://:secret@localhost:6379/3"})
	require.NoError(t, err)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)

	_, err = buildRedisOptions(config.LockConfig{RedisURL: "http://nope"})
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	mr, _ := newMiniredis(t)
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.App.LockFile = filepath.Join(t.TempDir(), ".lock")
	l, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &File{}, l)

	cfg.Lock = config.LockConfig{Backend: config.LockRedis, RedisURL: "redis://" + mr.Addr(), Key: "k"}
	l, err = New(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, l)

	cfg.Lock.Backend = "zookeeper"
	_, err = New(ctx, cfg)
	assert.Error(t, err)
}
