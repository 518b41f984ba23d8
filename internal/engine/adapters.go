package engine

import (
	"context"
	"errors"
	"time"

	"migline/internal/domain"
	"migline/internal/engine/auth"
	"migline/internal/events"
	"migline/internal/migration"
	"migline/internal/repo"
)

// journal records manager events in the events table, attributed to the
// actor carried by ctx.
type journal struct {
	writer events.Writer
}

func (j journal) Record(ctx context.Context, evtType, scope, jobID, plugin string, payload map[string]any) error {
	actorID := ""
	if a, ok := auth.FromContext(ctx); ok {
		actorID = a.ID
	}
	return j.writer.Append(ctx, nil, evtType, scope, jobID, plugin, actorID, events.EventPayload(payload))
}

// jobLog persists job snapshots in migration_jobs.
type jobLog struct {
	repo repo.Repo
}

func (l jobLog) SaveJob(ctx context.Context, job migration.Job) error {
	return l.repo.SaveJob(ctx, jobRow(job))
}

func (l jobLog) LoadJob(ctx context.Context, scope, jobID string) (migration.Job, error) {
	row, err := l.repo.GetJob(ctx, scope, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return migration.Job{}, migration.ErrJobNotFound
	}
	if err != nil {
		return migration.Job{}, err
	}
	return jobFromRow(row), nil
}

func (l jobLog) ListJobs(ctx context.Context, scope string, limit int) ([]migration.Job, error) {
	rows, err := l.repo.ListJobs(ctx, scope, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]migration.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, jobFromRow(row))
	}
	return jobs, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func jobRow(j migration.Job) repo.JobRow {
	return repo.JobRow{
		ID:            j.ID,
		Scope:         j.Scope,
		InstanceID:    j.InstanceID,
		State:         string(j.State),
		FromVersion:   j.FromVersion,
		ToVersion:     j.ToVersion,
		CurrentPlugin: j.CurrentPlugin,
		Processed:     j.Progress.Processed,
		Migrated:      j.Progress.Migrated,
		Skipped:       j.Progress.Skipped,
		Error:         j.Error,
		StartedAt:     formatTime(j.StartedAt),
		FinishedAt:    formatTime(j.FinishedAt),
	}
}

func jobFromRow(r repo.JobRow) migration.Job {
	return migration.Job{
		ID:            r.ID,
		Scope:         r.Scope,
		InstanceID:    r.InstanceID,
		State:         migration.JobState(r.State),
		FromVersion:   r.FromVersion,
		ToVersion:     r.ToVersion,
		CurrentPlugin: r.CurrentPlugin,
		Progress: migration.ProgressSnapshot{
			Processed: r.Processed,
			Migrated:  r.Migrated,
			Skipped:   r.Skipped,
		},
		Error:      r.Error,
		StartedAt:  parseTime(r.StartedAt),
		FinishedAt: parseTime(r.FinishedAt),
	}
}

func jobView(j migration.Job) domain.Job {
	return domain.Job{
		ID:             j.ID,
		Scope:          j.Scope,
		InstanceID:     j.InstanceID,
		State:          string(j.State),
		FromVersion:    j.FromVersion,
		ToVersion:      j.ToVersion,
		CurrentVersion: j.CurrentVersion,
		CurrentPlugin:  j.CurrentPlugin,
		Applied:        j.Applied,
		Processed:      j.Progress.Processed,
		Migrated:       j.Progress.Migrated,
		Skipped:        j.Progress.Skipped,
		Error:          j.Error,
		StartedAt:      formatTime(j.StartedAt),
		FinishedAt:     formatTime(j.FinishedAt),
	}
}

func statusView(st migration.Status) domain.ScopeStatus {
	pending := st.Pending
	if pending == nil {
		pending = []int{}
	}
	return domain.ScopeStatus{
		Scope:          st.Scope,
		State:          string(st.State),
		Version:        st.Record.Version,
		StatusCode:     st.Record.StatusCode,
		StatusName:     migration.CodeName(st.Record.StatusCode),
		StatusMessage:  st.Record.StatusMessage,
		LatestVersion:  st.LatestVersion,
		Pending:        pending,
		RunningVersion: st.RunningVersion,
		JobID:          st.JobID,
		InstanceID:     st.InstanceID,
		Remote:         st.Remote,
		Stale:          st.Stale,
		LastError:      st.LastError,
	}
}
