package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote/memory"
)

// tokenBackend accepts only the tokens in its valid set.
type tokenBackend struct {
	*memory.Backend
	token   string
	valid   map[string]bool
	offline bool
}

func (b *tokenBackend) Probe(ctx context.Context) (string, error) {
	if b.offline {
		return "", fmt.Errorf("%w: dial tcp: timeout", domain.ErrConnection)
	}
	if !b.valid[b.token] {
		return "", fmt.Errorf("%w: expired_access_token", domain.ErrAuth)
	}
	return "user@example.com", nil
}

type fakeRefresher struct {
	calls atomic.Int32
	token string
	err   error
	gate  chan struct{}
}

func (r *fakeRefresher) Refresh(ctx context.Context) (string, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.token, r.err
}

type recordingPersister struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (p *recordingPersister) Persist(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return p.err
}

func factoryFor(valid map[string]bool, offline bool) BackendFactory {
	return func(token string, debug bool) remote.Backend {
		return &tokenBackend{Backend: memory.New("user@example.com"), token: token, valid: valid, offline: offline}
	}
}

func TestConnectUsesValidCachedToken(t *testing.T) {
	r := &fakeRefresher{token: "fresh"}
	m := NewManager("cached", factoryFor(map[string]bool{"cached": true}, false), r, nil)

	b, err := m.Connect(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "cached", b.(*tokenBackend).token)
	assert.Zero(t, r.calls.Load())

	token, valid := m.Token()
	assert.Equal(t, "cached", token)
	assert.True(t, valid)
}

func TestConnectRefreshesExpiredToken(t *testing.T) {
	r := &fakeRefresher{token: "fresh"}
	p := &recordingPersister{err: errors.New("read-only filesystem")}
	m := NewManager("stale", factoryFor(map[string]bool{"fresh": true}, false), r, p)

	b, err := m.Connect(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "fresh", b.(*tokenBackend).token)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, []string{"fresh"}, p.tokens)

	token, valid := m.Token()
	assert.Equal(t, "fresh", token)
	assert.True(t, valid)
}

func TestConnectWithoutTokenRefreshes(t *testing.T) {
	r := &fakeRefresher{token: "fresh"}
	m := NewManager("", factoryFor(map[string]bool{"fresh": true}, false), r, nil)

	_, err := m.Connect(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestConnectRefreshFailure(t *testing.T) {
	r := &fakeRefresher{err: fmt.Errorf("%w: refresh token rejected", domain.ErrAuth)}
	m := NewManager("stale", factoryFor(map[string]bool{}, false), r, nil)

	_, err := m.Connect(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestConnectRefreshedTokenStillRejected(t *testing.T) {
	r := &fakeRefresher{token: "also-bad"}
	m := NewManager("stale", factoryFor(map[string]bool{}, false), r, nil)

	_, err := m.Connect(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "refreshed token failed validation")
}

func TestConnectOfflineDoesNotRefresh(t *testing.T) {
	r := &fakeRefresher{token: "fresh"}
	m := NewManager("cached", factoryFor(map[string]bool{"cached": true}, true), r, nil)

	_, err := m.Connect(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Zero(t, r.calls.Load())
}

func TestConcurrentConnectRefreshesOnce(t *testing.T) {
	r := &fakeRefresher{token: "fresh", gate: make(chan struct{})}
	m := NewManager("stale", factoryFor(map[string]bool{"fresh": true}, false), r, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), false)
			errs <- err
		}()
	}
	close(r.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), r.calls.Load())
}

func tokenServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-me", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "app-key", r.PostForm.Get("client_id"))
		assert.Equal(t, "app-secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthRefresherSuccess(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, map[string]any{
		"access_token": "sl.new-token",
		"token_type":   "bearer",
		"expires_in":   14400,
	})

	r := NewOAuthRefresher("app-key", "app-secret", "refresh-me", srv.URL, srv.Client())
	token, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sl.new-token", token)
}

func TestOAuthRefresherRejected(t *testing.T) {
	srv := tokenServer(t, http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "refresh token is malformed",
	})

	r := NewOAuthRefresher("app-key", "app-secret", "refresh-me", srv.URL, srv.Client())
	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestOAuthRefresherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewOAuthRefresher("app-key", "app-secret", "refresh-me", url, nil)
	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestOAuthRefresherWithoutRefreshToken(t *testing.T) {
	r := NewOAuthRefresher("app-key", "app-secret", "", "", nil)
	_, err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestEnvFilePersister(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DROPBOX_APP_KEY=abc\nDROPBOX_ACCESS_TOKEN=old\n"), 0o600))
	t.Setenv(AccessTokenEnv, "old")

	require.NoError(t, NewEnvFilePersister(path).Persist("new-token"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "new-token", env[AccessTokenEnv])
	assert.Equal(t, "abc", env["DROPBOX_APP_KEY"])
	assert.Equal(t, "new-token", os.Getenv(AccessTokenEnv))
}

func TestEnvFilePersisterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	t.Setenv(AccessTokenEnv, "")

	require.NoError(t, NewEnvFilePersister(path).Persist("first"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "first", env[AccessTokenEnv])
}
