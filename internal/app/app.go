// Package app wires configuration into the running components shared by the
// server and the sync CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/credentials"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/drive"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/lock"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/reconcile"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote/dropbox"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote/memory"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/remote/s3"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/repository/postgres"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/service"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/storage"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/syncrun"
)

const remoteHTTPTimeout = 2 * time.Minute

// App holds the components built from one Config.
type App struct {
	Config       *config.Config
	Capabilities config.Capabilities

	Store       *storage.Local
	Connector   remote.Connector
	Transfer    *remote.Transfer
	Engine      *reconcile.Engine
	Coordinator *syncrun.Coordinator
	Ingest      *service.IngestService
	Runs        *postgres.RunRepository

	closers []io.Closer
}

// New builds every component the configuration enables.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:       cfg,
		Capabilities: cfg.Capabilities(),
		Store:        storage.NewLocal(cfg.App.DataDir),
		Transfer:     remote.NewTransfer(),
	}

	if a.Capabilities.Remote {
		conn, err := NewConnector(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Connector = conn
	}

	if a.Capabilities.RunArchive {
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("run archive disabled, database unavailable")
		} else {
			a.closers = append(a.closers, db)
			a.Runs = postgres.NewRunRepository(db)
			if err := a.Runs.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to prepare run archive schema")
			}
		}
	}

	if a.Connector != nil {
		a.Engine = reconcile.NewEngine(a.Connector, a.Transfer, a.Store, reconcile.Config{
			BackupFolder: cfg.Remote.BackupFolder,
			ResyncAfter:  cfg.Sync.ResyncAfter,
			MaxRetries:   cfg.Sync.MaxRetries,
		})

		locker, err := lock.New(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init sync lock: %w", err)
		}
		if c, ok := locker.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}

		a.Coordinator = syncrun.NewCoordinator(a.Engine, locker, syncrun.NewStatusStore(cfg.App.StatusFile)).
			WithHeartbeat(cfg.Sync.HeartbeatEvery)
		if a.Runs != nil {
			a.Coordinator.WithArchive(a.Runs)
		}
	}

	a.Ingest = service.NewIngestService(a.Connector, a.Transfer, a.Store, service.Options{
		BackupFolder: cfg.Remote.BackupFolder,
		Capabilities: a.Capabilities,
		Verify:       cfg.Sync.Verify,
		MaxRetries:   cfg.Sync.MaxRetries,
	})
	if a.Coordinator != nil {
		a.Ingest.WithPending(a.Coordinator)
	}
	if a.Engine != nil {
		engine := a.Engine
		verify := cfg.Sync.Verify
		a.Ingest.WithBackup(func(ctx context.Context, sender, id string) error {
			_, err := engine.BackupObject(ctx, sender, id, reconcile.Options{Verify: verify})
			return err
		})
	}

	return a, nil
}

// NewConnector returns the connector for cfg.Remote.Backend.
func NewConnector(ctx context.Context, cfg *config.Config) (remote.Connector, error) {
	switch cfg.Remote.Backend {
	case config.BackendDropbox:
		httpClient := &http.Client{Timeout: remoteHTTPTimeout}
		d := cfg.Dropbox
		refresher := credentials.NewOAuthRefresher(d.AppKey, d.AppSecret, d.RefreshToken, d.TokenURL, httpClient)
		factory := func(token string, debug bool) remote.Backend {
			return dropbox.New(token, httpClient, debug)
		}
		return credentials.NewManager(d.AccessToken, factory, refresher, credentials.NewEnvFilePersister(cfg.App.EnvFile)), nil

	case config.BackendS3:
		s := cfg.S3
		return remote.NewStaticConnector(func(ctx context.Context) (remote.Backend, error) {
			return s3.New(s3.Config{
				Endpoint:  s.Endpoint,
				AccessKey: s.AccessKey,
				SecretKey: s.SecretKey,
				Bucket:    s.Bucket,
				Region:    s.Region,
				UseSSL:    s.UseSSL,
			})
		}), nil

	case config.BackendDrive:
		dc := cfg.Drive
		return remote.NewStaticConnector(func(ctx context.Context) (remote.Backend, error) {
			creds := dc.CredentialsJSON
			if creds == "" && dc.CredentialsFile != "" {
				raw, err := os.ReadFile(dc.CredentialsFile)
				if err != nil {
					return nil, fmt.Errorf("read drive credentials: %w", err)
				}
				creds = string(raw)
			}
			if creds == "" {
				return nil, errors.New("drive credentials must be provided")
			}
			return drive.NewService(ctx, creds, dc.RootFolderID)
		}), nil

	case config.BackendMemory:
		log.Warn().Msg("using in-memory remote store, data is lost on exit")
		return remote.StaticBackend(memory.New("memory")), nil

	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}
}

// Close releases database and redis connections.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
