// Package credentials owns the remote access token: it validates the cached
// token, refreshes it when it stops working, and persists refreshed tokens.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
)

// BackendFactory builds a remote client for an access token.
type BackendFactory func(token string, debug bool) remote.Backend

// Refresher exchanges the long-lived refresh credential for an access token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// TokenPersister stores a refreshed token for later process restarts.
type TokenPersister interface {
	Persist(token string) error
}

// Manager is the process-wide credential state. It implements remote.Connector.
type Manager struct {
	factory   BackendFactory
	refresher Refresher
	persister TokenPersister

	mu    sync.RWMutex
	token string
	valid bool

	group singleflight.Group
}

var _ remote.Connector = (*Manager)(nil)

// NewManager seeds the cache with token, which may be empty. persister may be nil.
func NewManager(token string, factory BackendFactory, refresher Refresher, persister TokenPersister) *Manager {
	return &Manager{
		factory:   factory,
		refresher: refresher,
		persister: persister,
		token:     token,
	}
}

// Token returns the cached token and whether it passed its last probe.
func (m *Manager) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.valid
}

func (m *Manager) markValid(token string, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.valid = valid
	}
}

// Connect returns a backend whose token passed an identity probe.
func (m *Manager) Connect(ctx context.Context, debug bool) (remote.Backend, error) {
	token, _ := m.Token()
	if token != "" {
		b := m.factory(token, debug)
		account, err := b.Probe(ctx)
		if err == nil {
			m.markValid(token, true)
			if debug {
				log.Info().Str("account", account).Msg("cached access token is valid")
			}
			return b, nil
		}
		if errors.Is(err, domain.ErrConnection) {
			return nil, err
		}
		m.markValid(token, false)
		log.Info().Err(err).Msg("access token rejected, refreshing")
	}

	fresh, err := m.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	b := m.factory(fresh, debug)
	account, err := b.Probe(ctx)
	if err != nil {
		m.markValid(fresh, false)
		return nil, fmt.Errorf("%w: refreshed token failed validation: %v", domain.ErrAuth, err)
	}
	m.markValid(fresh, true)
	log.Info().Str("account", account).Msg("connected with refreshed access token")
	return b, nil
}

// refresh coalesces concurrent refreshes. A caller that observed stale finds
// the token already replaced if another refresh finished in between.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		if current, _ := m.Token(); current != "" && current != stale {
			return current, nil
		}

		token, err := m.refresher.Refresh(ctx)
		if err != nil {
			log.Error().Err(err).Msg("access token refresh failed")
			return "", err
		}

		m.mu.Lock()
		m.token = token
		m.valid = false
		m.mu.Unlock()

		if m.persister != nil {
			if err := m.persister.Persist(token); err != nil {
				log.Warn().Err(err).Msg("failed to persist refreshed access token")
			}
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
