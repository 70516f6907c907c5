package main

import (
	"fmt"
	"io"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

const maxPrintedErrors = 5

// report prints the run summary and returns errSyncFailed for a failed run.
func report(w io.Writer, res *domain.SyncResult) error {
	if res.Locked {
		fmt.Fprintln(w, "Sync already in progress, try again later")
		return errSyncFailed
	}

	outcome := "Successful"
	if !res.Success {
		outcome = "Failed"
	}
	fmt.Fprintf(w, "Sync %s: %d files synced, %d files failed\n", outcome, res.FilesSynced, res.FilesFailed)

	if res.FromRemote != nil && res.ToRemote != nil {
		fmt.Fprintf(w, "  from remote: %d synced, %d failed\n", res.FromRemote.FilesSynced, res.FromRemote.FilesFailed)
		fmt.Fprintf(w, "  to remote:   %d synced, %d failed\n", res.ToRemote.FilesSynced, res.ToRemote.FilesFailed)
	}

	if res.FilesFailed > 0 || !res.Success {
		errs := res.Errors
		if len(errs) > 0 {
			fmt.Fprintln(w, "Errors:")
			for i, e := range errs {
				if i == maxPrintedErrors {
					fmt.Fprintf(w, "  ... and %d more errors\n", len(errs)-maxPrintedErrors)
					break
				}
				fmt.Fprintf(w, "  - %s\n", e)
			}
		}
	}

	if !res.Success {
		return errSyncFailed
	}
	return nil
}
