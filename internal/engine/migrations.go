package engine

import (
	"context"
	"sort"
	"time"

	"migline/internal/domain"
	"migline/internal/engine/auth"
	"migline/internal/migration"
)

// MigrateOptions are parameters for starting migrations.
type MigrateOptions struct {
	Force bool
	// Timeout overrides migration.timeout from the config when positive.
	Timeout time.Duration
	// Wait blocks until the run finishes.
	Wait bool
}

func (e *Engine) startOptions(opts MigrateOptions) migration.StartOptions {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.Config.Migration.Timeout
	}
	return migration.StartOptions{Timeout: timeout, Force: opts.Force}
}

func (e *Engine) Plugins(actor auth.Actor) ([]domain.Plugin, error) {
	if err := auth.Require(actor, auth.PermRead); err != nil {
		return nil, err
	}
	infos := e.Manager.Plugins()
	res := make([]domain.Plugin, 0, len(infos))
	for _, p := range infos {
		res = append(res, domain.Plugin{Name: p.Name, TargetVersion: p.TargetVersion})
	}
	return res, nil
}

// Scopes lists every scope holding entities or a status record.
func (e *Engine) Scopes(ctx context.Context, actor auth.Actor) ([]string, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return nil, err
	}
	tracked, err := e.Manager.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := e.Repo.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var res []string
	for _, s := range append(tracked, stored...) {
		if !seen[s] {
			seen[s] = true
			res = append(res, s)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (e *Engine) Status(ctx context.Context, actor auth.Actor, scope string) (domain.ScopeStatus, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return domain.ScopeStatus{}, err
	}
	st, err := e.Manager.Status(ctx, scope)
	if err != nil {
		return domain.ScopeStatus{}, err
	}
	return statusView(st), nil
}

// Migrate starts the pending plugins of scope. Without opts.Wait it returns
// the job as soon as the scope is claimed.
func (e *Engine) Migrate(ctx context.Context, actor auth.Actor, scope string, opts MigrateOptions) (domain.Job, error) {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return domain.Job{}, err
	}
	if opts.Wait {
		job, err := e.Manager.Run(ctx, scope, e.startOptions(opts))
		return jobView(job), err
	}
	run, err := e.Manager.Start(ctx, scope, e.startOptions(opts))
	if err != nil {
		return domain.Job{}, err
	}
	return jobView(run.Snapshot()), nil
}

// MigrateAll runs every given scope to completion, migration.concurrency at
// a time. Scopes defaults to every known scope.
func (e *Engine) MigrateAll(ctx context.Context, actor auth.Actor, scopes []string, opts MigrateOptions) (map[string]domain.Job, error) {
	if len(scopes) == 0 {
		var err error
		if scopes, err = e.Scopes(ctx, actor); err != nil {
			return nil, err
		}
	}
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return nil, err
	}
	jobs, err := e.Manager.RunAll(ctx, scopes, e.startOptions(opts), e.Config.Migration.Concurrency)
	res := make(map[string]domain.Job, len(jobs))
	for scope, job := range jobs {
		res[scope] = jobView(job)
	}
	return res, err
}

func (e *Engine) Jobs(ctx context.Context, actor auth.Actor, scope string) ([]domain.Job, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return nil, err
	}
	jobs, err := e.Manager.Jobs(ctx, scope)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, jobView(j))
	}
	return res, nil
}

func (e *Engine) Job(ctx context.Context, actor auth.Actor, scope, jobID string) (domain.Job, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := e.Manager.Job(ctx, scope, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return jobView(job), nil
}

// Cancel requests cancellation of a running job of this instance.
func (e *Engine) Cancel(ctx context.Context, actor auth.Actor, scope, jobID string) error {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return err
	}
	return e.Manager.Cancel(ctx, scope, jobID)
}

// Reset clears a failed, cancelled or stale status of scope.
func (e *Engine) Reset(ctx context.Context, actor auth.Actor, scope string, force bool) (domain.ScopeStatus, error) {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return domain.ScopeStatus{}, err
	}
	if _, err := e.Manager.Reset(ctx, scope, force); err != nil {
		return domain.ScopeStatus{}, err
	}
	st, err := e.Manager.Status(ctx, scope)
	if err != nil {
		return domain.ScopeStatus{}, err
	}
	return statusView(st), nil
}

// EventsQuery filters the journal.
type EventsQuery struct {
	Scope  string
	Type   string
	JobID  string
	Limit  int
	Before int64
}

// Events returns journal entries newest first.
func (e *Engine) Events(ctx context.Context, actor auth.Actor, q EventsQuery) ([]domain.Event, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, q.Limit, q.Before, q.Scope, q.Type, q.JobID)
}
