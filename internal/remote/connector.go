package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// StaticConnector serves backends whose credentials never need refreshing.
// The backend is built once and probed on every Connect.
type StaticConnector struct {
	build func(ctx context.Context) (Backend, error)

	mu      sync.Mutex
	backend Backend
}

// NewStaticConnector wraps a backend factory.
func NewStaticConnector(build func(ctx context.Context) (Backend, error)) *StaticConnector {
	return &StaticConnector{build: build}
}

// StaticBackend wraps an already constructed backend.
func StaticBackend(b Backend) *StaticConnector {
	return &StaticConnector{backend: b}
}

func (c *StaticConnector) Connect(ctx context.Context, debug bool) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		b, err := c.build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build remote backend: %w", err)
		}
		c.backend = b
	}

	account, err := c.backend.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if debug {
		log.Info().Str("account", account).Msg("connected to remote store")
	}
	return c.backend, nil
}
