package repo

import (
	"context"
	"database/sql"
	"errors"
)

// JobRow is the persisted history of one migration run.
type JobRow struct {
	ID            string
	Scope         string
	InstanceID    string
	State         string
	FromVersion   int
	ToVersion     int
	CurrentPlugin string
	Processed     int64
	Migrated      int64
	Skipped       int64
	Error         string
	StartedAt     string
	FinishedAt    string
}

const jobColumns = `id,scope,instance_id,state,from_version,to_version,COALESCE(current_plugin,''),processed,migrated,skipped,COALESCE(error,''),started_at,COALESCE(finished_at,'')`

func scanJob(scan func(dest ...any) error) (JobRow, error) {
	var j JobRow
	err := scan(&j.ID, &j.Scope, &j.InstanceID, &j.State, &j.FromVersion, &j.ToVersion, &j.CurrentPlugin,
		&j.Processed, &j.Migrated, &j.Skipped, &j.Error, &j.StartedAt, &j.FinishedAt)
	return j, err
}

// SaveJob inserts or updates a job row.
func (r Repo) SaveJob(ctx context.Context, j JobRow) error {
	return r.retry(ctx, "repo.save_job", func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO migration_jobs(id,scope,instance_id,state,from_version,to_version,current_plugin,processed,migrated,skipped,error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, to_version=excluded.to_version, current_plugin=excluded.current_plugin,
processed=excluded.processed, migrated=excluded.migrated, skipped=excluded.skipped, error=excluded.error, finished_at=excluded.finished_at`,
			j.ID, j.Scope, j.InstanceID, j.State, j.FromVersion, j.ToVersion, nullable(j.CurrentPlugin),
			j.Processed, j.Migrated, j.Skipped, nullable(j.Error), j.StartedAt, nullable(j.FinishedAt))
		return err
	})
}

func (r Repo) GetJob(ctx context.Context, scope, id string) (JobRow, error) {
	var j JobRow
	err := r.retry(ctx, "repo.get_job", func() error {
		var err error
		j, err = scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE scope=? AND id=?`, scope, id).Scan)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return JobRow{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns the most recent jobs of scope first.
func (r Repo) ListJobs(ctx context.Context, scope string, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var res []JobRow
	err := r.retry(ctx, "repo.list_jobs", func() error {
		res = res[:0]
		rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE scope=? ORDER BY started_at DESC, id DESC LIMIT ?`, scope, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows.Scan)
			if err != nil {
				return err
			}
			res = append(res, j)
		}
		return rows.Err()
	})
	return res, err
}
