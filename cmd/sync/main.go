package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/app"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/reconcile"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/syncrun"
	"github.com/andresuchdata/webhook-vault/backend-go/pkg/logger"
)

type appKey struct{}

var errSyncFailed = errors.New("sync failed")

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "verify",
			Usage: "Verify content hashes after each transfer",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Transfer every object regardless of freshness",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Log every remote call",
		},
	}
}

func initApp(c *cli.Context) error {
	cfg := config.Load()
	if _, err := logger.Setup(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Pretty: cfg.Log.Pretty}); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	a, err := app.New(c.Context, cfg)
	if err != nil {
		return err
	}
	c.Context = context.WithValue(c.Context, appKey{}, a)
	return nil
}

func closeApp(c *cli.Context) error {
	if a, ok := c.Context.Value(appKey{}).(*app.App); ok && a != nil {
		a.Close()
	}
	return nil
}

func fromContext(c *cli.Context) (*app.App, error) {
	a, ok := c.Context.Value(appKey{}).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	if a.Coordinator == nil {
		return nil, errors.New("no remote backend configured, set REMOTE_BACKEND")
	}
	return a, nil
}

func main() {
	cliApp := &cli.App{
		Name:   "sync",
		Usage:  "Reconcile the local data directory with the remote store",
		Before: initApp,
		After:  closeApp,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a reconciliation pass",
				Flags: append(runFlags(), &cli.StringFlag{
					Name:  "direction",
					Usage: "both, to_remote or from_remote",
					Value: string(domain.DirectionBoth),
				}),
				Action: func(c *cli.Context) error {
					return runDirection(c, c.String("direction"))
				},
			},
			{
				Name:  "backup",
				Usage: "Push every local object to the remote store",
				Flags: runFlags(),
				Action: func(c *cli.Context) error {
					return runDirection(c, string(domain.DirectionToRemote))
				},
			},
			{
				Name:  "restore",
				Usage: "Pull every remote object into the data directory",
				Flags: runFlags(),
				Action: func(c *cli.Context) error {
					return runDirection(c, string(domain.DirectionFromRemote))
				},
			},
			{
				Name:      "restore-sender",
				Usage:     "Pull one sender's objects",
				ArgsUsage: "<sender>",
				Flags:     runFlags(),
				Action:    restoreSender,
			},
			{
				Name:      "backup-file",
				Usage:     "Push a single object",
				ArgsUsage: "<sender> <submission-id>",
				Flags:     runFlags(),
				Action:    backupFile,
			},
			{
				Name:   "status",
				Usage:  "Print the persisted sync status",
				Action: printStatus,
			},
			{
				Name:  "history",
				Usage: "Print recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs to print",
						Value: domain.HistoryLimit,
					},
				},
				Action: printHistory,
			},
			{
				Name:   "test-connection",
				Usage:  "Check credentials against the remote store",
				Action: testConnection,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		if !errors.Is(err, errSyncFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func optionsFrom(c *cli.Context) reconcile.Options {
	return reconcile.Options{
		Verify: c.Bool("verify"),
		Force:  c.Bool("force"),
		Debug:  c.Bool("debug"),
	}
}

func runDirection(c *cli.Context, direction string) error {
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	opts := optionsFrom(c)
	res := a.Coordinator.RunSync(c.Context, syncrun.RunRequest{
		Direction: direction,
		Verify:    opts.Verify,
		Force:     opts.Force,
		Debug:     opts.Debug,
	})
	return report(c.App.Writer, res)
}

func restoreSender(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: sync restore-sender <sender>", 2)
	}
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	return report(c.App.Writer, a.Engine.RestoreSender(c.Context, c.Args().First(), optionsFrom(c)))
}

func backupFile(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: sync backup-file <sender> <submission-id>", 2)
	}
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	sender, id := c.Args().Get(0), c.Args().Get(1)
	res, err := a.Engine.BackupObject(c.Context, sender, id, optionsFrom(c))
	if err != nil {
		fmt.Fprintf(c.App.Writer, "Backup failed: %v\n", err)
		return errSyncFailed
	}
	fmt.Fprintf(c.App.Writer, "Backed up %s/%s to %s (%d bytes, verified: %t)\n", sender, id, res.RemotePath, res.Size, res.Verified)
	return nil
}

func printStatus(c *cli.Context) error {
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, a.Coordinator.Status())
}

func printHistory(c *cli.Context) error {
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	limit := c.Int("limit")

	if a.Runs != nil {
		runs, err := a.Runs.Recent(c.Context, limit)
		if err == nil {
			return writeJSON(c.App.Writer, runs)
		}
		fmt.Fprintf(c.App.ErrWriter, "run archive unavailable, using status file: %v\n", err)
	}

	history := a.Coordinator.Status().History
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return writeJSON(c.App.Writer, history)
}

func testConnection(c *cli.Context) error {
	a, err := fromContext(c)
	if err != nil {
		return err
	}
	backend, err := a.Connector.Connect(c.Context, false)
	if err != nil {
		fmt.Fprintf(c.App.Writer, "Connection failed: %v\n", err)
		return errSyncFailed
	}
	account, err := backend.Probe(c.Context)
	if err != nil {
		fmt.Fprintf(c.App.Writer, "Connection failed: %v\n", err)
		return errSyncFailed
	}
	fmt.Fprintf(c.App.Writer, "Connected to %s as %s\n", a.Config.Remote.Backend, account)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
