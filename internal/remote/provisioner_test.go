package remote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote/memory"
)

func TestSegments(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, remote.Segments("/a/b/c"))
	assert.Equal(t, []string{"/a"}, remote.Segments("a/"))
	assert.Empty(t, remote.Segments("/"))
}

func TestClean(t *testing.T) {
	assert.Equal(t, "/WebhookBackup", remote.Clean("WebhookBackup/"))
	assert.Equal(t, "/", remote.Clean(""))
	assert.Equal(t, "/a/b", remote.Clean("//a//b"))
}

func TestEnsurePath_Idempotent(t *testing.T) {
	b := memory.New("acct")
	ctx := context.Background()

	ok, err := remote.EnsurePath(ctx, b, "/WebhookBackup/acme", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, b.FolderCount())
	assert.Equal(t, 2, b.Calls(memory.OpCreateFolder))

	ok, err = remote.EnsurePath(ctx, b, "/WebhookBackup/acme", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, b.FolderCount())
	assert.Equal(t, 2, b.Calls(memory.OpCreateFolder))
}

func TestEnsurePath_LookupErrorAborts(t *testing.T) {
	b := memory.New("acct")
	b.FailNext(memory.OpStat, 1, errors.New("internal_error"))

	ok, err := remote.EnsurePath(context.Background(), b, "/WebhookBackup/acme", false)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Calls(memory.OpCreateFolder))
	assert.Equal(t, 1, b.FolderCount())
}

func TestEnsurePath_FileInTheWay(t *testing.T) {
	b := memory.New("acct")
	b.Put("/WebhookBackup", []byte("x"), time.Now())

	ok, err := remote.EnsurePath(context.Background(), b, "/WebhookBackup/acme", false)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestList_FollowsCursors(t *testing.T) {
	b := memory.New("acct")
	b.PageSize = 2
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		b.Put("/root/"+name+".json", []byte("{}"), time.Now())
	}

	entries, err := remote.List(context.Background(), b, "/root")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "a.json", entries[0].Name)
	assert.Equal(t, "e.json", entries[4].Name)
	assert.Equal(t, 3, b.Calls(memory.OpList))
}

func TestList_ErrorReturnsEmpty(t *testing.T) {
	b := memory.New("acct")

	entries, err := remote.List(context.Background(), b, "/missing")
	require.Error(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestStaticConnector_ProbesEveryCall(t *testing.T) {
	b := memory.New("acct")
	builds := 0
	c := remote.NewStaticConnector(func(context.Context) (remote.Backend, error) {
		builds++
		return b, nil
	})

	for i := 0; i < 2; i++ {
		got, err := c.Connect(context.Background(), true)
		require.NoError(t, err)
		assert.Same(t, b, got)
	}
	assert.Equal(t, 1, builds)
	assert.Equal(t, 2, b.Calls(memory.OpProbe))

	b.FailNext(memory.OpProbe, 1, errors.New("expired"))
	_, err := c.Connect(context.Background(), false)
	assert.Error(t, err)
}
