// backend-go/internal/repository/postgres/runs_repository.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
)

const createRunsTable = `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id               BIGSERIAL PRIMARY KEY,
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL,
		direction        TEXT NOT NULL,
		success          BOOLEAN NOT NULL,
		files_synced     INTEGER NOT NULL DEFAULT 0,
		files_failed     INTEGER NOT NULL DEFAULT 0,
		errors           TEXT[] NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

type runRow struct {
	StartedAt   time.Time      `db:"started_at"`
	FinishedAt  time.Time      `db:"finished_at"`
	Duration    float64        `db:"duration_seconds"`
	Direction   string         `db:"direction"`
	Success     bool           `db:"success"`
	FilesSynced int            `db:"files_synced"`
	FilesFailed int            `db:"files_failed"`
	Errors      pq.StringArray `db:"errors"`
}

// RunRepository archives completed sync runs.
type RunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("failed to create sync_runs table: %w", err)
	}
	return nil
}

func (r *RunRepository) Insert(ctx context.Context, rec domain.RunRecord) error {
	started, err := domain.ParseTimestamp(rec.StartTime)
	if err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	finished, err := domain.ParseTimestamp(rec.EndTime)
	if err != nil {
		return fmt.Errorf("invalid end time: %w", err)
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO sync_runs (
				started_at, finished_at, duration_seconds, direction,
				success, files_synced, files_failed, errors
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.ExecContext(ctx, query,
			started,
			finished,
			rec.Duration,
			string(rec.Direction),
			rec.Success,
			rec.FilesSynced,
			rec.FilesFailed,
			pq.Array(errs),
		)
		if err != nil {
			return fmt.Errorf("failed to insert sync run: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit runs, newest first.
func (r *RunRepository) Recent(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = domain.HistoryLimit
	}

	query := `
		SELECT started_at, finished_at, duration_seconds, direction,
		       success, files_synced, files_failed, errors
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}

	out := make([]domain.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.RunRecord{
			StartTime:   domain.FormatTimestamp(row.StartedAt),
			EndTime:     domain.FormatTimestamp(row.FinishedAt),
			Duration:    row.Duration,
			Direction:   domain.Direction(row.Direction),
			Success:     row.Success,
			FilesSynced: row.FilesSynced,
			FilesFailed: row.FilesFailed,
			Errors:      append([]string{}, row.Errors...),
		})
	}
	return out, nil
}
