// Package migration runs versioned data-format plugins over scopes.
//
// A run claims its scope by compare-and-set on the status record before any
// plugin executes, advances the stored version after each completed plugin
// and stops at the first failure. The status store is the only point of
// coordination, so several processes may share it safely.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"migline/internal/events"
	"migline/internal/status"
)

const (
	defaultTerminalTimeout = 30 * time.Second
	historyLimit           = 100
)

// Journal receives an event for every run transition.
type Journal interface {
	Record(ctx context.Context, evtType, scope, jobID, plugin string, payload map[string]any) error
}

// JobLog persists job history beyond the lifetime of the process.
type JobLog interface {
	SaveJob(ctx context.Context, job Job) error
	// LoadJob returns ErrJobNotFound for unknown jobs.
	LoadJob(ctx context.Context, scope, id string) (Job, error)
	ListJobs(ctx context.Context, scope string, limit int) ([]Job, error)
}

type StartOptions struct {
	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration
	// Force takes over a scope claimed by another instance.
	Force bool
}

type Manager struct {
	logger          *zap.Logger
	store           status.Store
	plugins         []Plugin
	instanceID      string
	journal         Journal
	jobLog          JobLog
	metrics         *Metrics
	now             func() time.Time
	terminalTimeout time.Duration

	mu      sync.Mutex
	active  map[string]*Run
	history []*Run
}

// NewManager validates and orders plugins. Two plugins with the same target
// version, or a non-positive version, fail with *ConfigurationError.
func NewManager(logger *zap.Logger, store status.Store, plugins ...Plugin) (*Manager, error) {
	if store == nil {
		return nil, &ConfigurationError{Reason: "status store is required"}
	}
	sorted, err := sortPlugins(plugins)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:          logger,
		store:           store,
		plugins:         sorted,
		instanceID:      defaultInstanceID(),
		now:             time.Now,
		terminalTimeout: defaultTerminalTimeout,
		active:          map[string]*Run{},
	}, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "migline"
	}
	return sanitizeInstanceID(host) + "-" + uuid.NewString()[:8]
}

func sanitizeInstanceID(id string) string {
	return strings.Join(strings.Fields(id), "-")
}

// WithInstanceID names this process in scope claims. Claims left by the same
// instance without a live run are reported as stale.
func (m *Manager) WithInstanceID(id string) *Manager {
	if id = sanitizeInstanceID(id); id != "" {
		m.instanceID = id
	}
	return m
}

func (m *Manager) WithJournal(j Journal) *Manager {
	m.journal = j
	return m
}

func (m *Manager) WithJobLog(l JobLog) *Manager {
	m.jobLog = l
	return m
}

func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// WithTerminalTimeout bounds status writes made after a run is cancelled.
func (m *Manager) WithTerminalTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.terminalTimeout = d
	}
	return m
}

func (m *Manager) InstanceID() string { return m.instanceID }

func (m *Manager) Plugins() []PluginInfo {
	res := make([]PluginInfo, 0, len(m.plugins))
	for _, p := range m.plugins {
		res = append(res, PluginInfo{Name: p.Name(), TargetVersion: p.TargetVersion()})
	}
	return res
}

// LatestVersion is the highest registered target version, 0 without plugins.
func (m *Manager) LatestVersion() int {
	if len(m.plugins) == 0 {
		return 0
	}
	return m.plugins[len(m.plugins)-1].TargetVersion()
}

func (m *Manager) pending(version int) []Plugin {
	var res []Plugin
	for _, p := range m.plugins {
		if p.TargetVersion() > version {
			res = append(res, p)
		}
	}
	return res
}

func versions(plugins []Plugin) []int {
	res := make([]int, 0, len(plugins))
	for _, p := range plugins {
		res = append(res, p.TargetVersion())
	}
	return res
}

// Scopes lists the scopes known to the status store.
func (m *Manager) Scopes(ctx context.Context) ([]string, error) {
	return m.store.Scopes(ctx)
}

// Status derives the state of scope. A running claim left by this instance
// without a live run is reported Failed and Stale.
func (m *Manager) Status(ctx context.Context, scope string) (Status, error) {
	rec, err := m.store.Read(ctx, scope)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	run := m.active[scope]
	m.mu.Unlock()
	return m.derive(scope, rec, run), nil
}

func (m *Manager) derive(scope string, rec status.Record, run *Run) Status {
	pending := m.pending(rec.Version)
	st := Status{
		Scope:         scope,
		Record:        rec,
		LatestVersion: m.LatestVersion(),
		Pending:       versions(pending),
	}
	switch rec.StatusCode {
	case CodeRunning:
		c, _ := parseClaim(rec)
		st.JobID = c.JobID
		st.InstanceID = c.InstanceID
		switch {
		case run != nil && run.JobID() == c.JobID:
			st.State = StateRunning
			st.RunningVersion = run.Snapshot().CurrentVersion
		case c.InstanceID == m.instanceID || c.JobID == "":
			st.State = StateFailed
			st.Stale = true
			st.LastError = fmt.Sprintf("stale claim by job %s: run is no longer alive", c.JobID)
		default:
			st.State = StateRunning
			st.Remote = true
		}
		if st.State == StateRunning && st.RunningVersion == 0 && len(pending) > 0 {
			st.RunningVersion = pending[0].TargetVersion()
		}
	case CodeFailed:
		st.State = StateFailed
		st.LastError = rec.Message()
	default:
		if len(pending) == 0 {
			st.State = StateCompleted
		} else {
			st.State = StateIdle
		}
	}
	return st
}

// Start claims scope and runs its pending plugins on a new goroutine. The
// claim is made before Start returns: a lost race fails with
// *status.ConflictError, a live claim with *RunInProgressError. The run
// outlives ctx; stop it with Run.Cancel or opts.Timeout.
func (m *Manager) Start(ctx context.Context, scope string, opts StartOptions) (*Run, error) {
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	rec, err := m.store.Read(ctx, scope)
	if err != nil {
		return nil, err
	}
	if c, ok := parseClaim(rec); ok && c.InstanceID != m.instanceID && !opts.Force {
		return nil, &RunInProgressError{Scope: scope, JobID: c.JobID, InstanceID: c.InstanceID, Remote: true}
	}

	pending := m.pending(rec.Version)
	job := Job{
		ID:          uuid.NewString(),
		Scope:       scope,
		InstanceID:  m.instanceID,
		State:       JobRunning,
		FromVersion: rec.Version,
		ToVersion:   rec.Version,
		StartedAt:   m.now().UTC(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if opts.Timeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, opts.Timeout)
	}
	run := newRun(job, cancel)
	jobID := job.ID

	// Reserve the scope in this process before claiming it in the store, so
	// a concurrent local Start cannot mistake our fresh claim for a stale one.
	m.mu.Lock()
	if other := m.active[scope]; other != nil {
		m.mu.Unlock()
		cancel()
		return nil, &RunInProgressError{Scope: scope, JobID: other.JobID(), InstanceID: m.instanceID}
	}
	m.active[scope] = run
	m.mu.Unlock()

	claimed := status.Record{Version: rec.Version, StatusCode: CodeRunning}.WithMessage(claimMessage(jobID, m.instanceID))
	if err := m.store.CompareAndSet(ctx, scope, rec, claimed); err != nil {
		m.mu.Lock()
		delete(m.active, scope)
		m.mu.Unlock()
		cancel()
		if status.IsConflict(err) {
			m.metrics.conflict()
			m.logger.Info("scope claim lost",
				zap.String("scope", scope),
				zap.String("migration_event", events.TypeClaimConflict),
				zap.Error(err),
			)
		}
		return nil, err
	}
	m.mu.Lock()
	m.remember(run)
	m.mu.Unlock()
	m.metrics.runStarted()

	log := m.logger.With(zap.String("scope", scope), zap.String("job_id", jobID))
	log.Info("migration started",
		zap.String("migration_event", events.TypeMigrationStarted),
		zap.Int("from_version", rec.Version),
		zap.Ints("pending", versions(pending)),
		zap.Bool("forced", opts.Force && rec.StatusCode == CodeRunning),
	)
	m.record(ctx, events.TypeMigrationStarted, scope, jobID, "", map[string]any{
		"from_version": rec.Version,
		"pending":      versions(pending),
		"instance_id":  m.instanceID,
		"previous":     codeName(rec.StatusCode),
	})
	m.saveJob(ctx, run)

	go m.execute(runCtx, log, run, claimed, pending)
	return run, nil
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

// Run starts scope and waits for it. Cancelling ctx cancels the run.
func (m *Manager) Run(ctx context.Context, scope string, opts StartOptions) (Job, error) {
	run, err := m.Start(ctx, scope, opts)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Cancel()
		<-run.Done()
	}
	return run.Snapshot(), run.Err()
}

// RunAll runs several scopes with at most concurrency runs at a time. Every
// scope is attempted; failures are combined.
func (m *Manager) RunAll(ctx context.Context, scopes []string, opts StartOptions, concurrency int) (map[string]Job, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		jobs = make(map[string]Job, len(scopes))
		errs error
	)
	g.SetLimit(concurrency)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			job, err := m.Run(ctx, scope, opts)
			mu.Lock()
			defer mu.Unlock()
			if job.ID != "" {
				jobs[scope] = job
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("scope %s: %w", scope, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return jobs, errs
}

func (m *Manager) execute(ctx context.Context, log *zap.Logger, run *Run, current status.Record, pending []Plugin) {
	scope := run.Scope()
	var (
		state = JobCompleted
		cause error
	)
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			state, cause = JobCancelled, fmt.Errorf("%w: %w", ErrCancelled, err)
			break
		}
		version, name := p.TargetVersion(), p.Name()
		run.update(func(j *Job) {
			j.CurrentVersion = version
			j.CurrentPlugin = name
		})
		plog := log.With(zap.String("plugin", name), zap.Int("target_version", version))
		plog.Info("plugin started", zap.String("migration_event", events.TypePluginStarted))
		m.record(ctx, events.TypePluginStarted, scope, run.JobID(), name, map[string]any{"target_version": version})

		before := run.progress.Snapshot()
		started := m.now()
		outcome := m.apply(ctx, scope, p, run.progress)
		elapsed := m.now().Sub(started)
		delta := run.progress.Snapshot().sub(before)
		m.metrics.observePlugin(name, outcome.Kind, elapsed, delta)

		if outcome.Kind != OutcomeCompleted {
			if outcome.Kind == OutcomeCancelled || ctx.Err() != nil && isContextErr(outcome.Reason) {
				reason := ctx.Err()
				if reason == nil {
					reason = context.Canceled
				}
				state, cause = JobCancelled, fmt.Errorf("%w: %w", ErrCancelled, reason)
			} else {
				state, cause = JobFailed, &PluginError{Version: version, Name: name, Reason: outcome.Reason}
			}
			plog.Info("plugin stopped", zap.Stringer("outcome", outcome), zap.Duration("elapsed", elapsed))
			break
		}

		next := status.Record{Version: version, StatusCode: CodeRunning}.WithMessage(claimMessage(run.JobID(), m.instanceID))
		if err := m.writeStatus(ctx, scope, current, next); err != nil {
			state, cause = JobFailed, m.lostClaim(err)
			current = status.Record{}
			break
		}
		current = next
		run.update(func(j *Job) {
			j.ToVersion = version
			j.Applied = append(j.Applied, version)
		})
		plog.Info("plugin completed",
			zap.String("migration_event", events.TypePluginCompleted),
			zap.Duration("elapsed", elapsed),
			zap.Int64("migrated", delta.Migrated),
			zap.Int64("skipped", delta.Skipped),
		)
		m.record(ctx, events.TypePluginCompleted, scope, run.JobID(), name, map[string]any{
			"target_version": version,
			"migrated":       delta.Migrated,
			"skipped":        delta.Skipped,
			"elapsed_ms":     elapsed.Milliseconds(),
		})
		m.saveJob(ctx, run)
	}
	m.finish(ctx, log, run, current, state, cause)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// apply runs one plugin, turning a panic into a failed outcome.
func (m *Manager) apply(ctx context.Context, scope string, p Plugin, progress *Progress) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	out = p.Apply(ctx, scope, progress)
	switch out.Kind {
	case OutcomeCompleted, OutcomeCancelled:
	case OutcomeFailed:
		if out.Reason == nil {
			out = Failed(nil)
		}
	default:
		out = Failed(fmt.Errorf("invalid outcome %s", out.Kind))
	}
	return out
}

// writeStatus performs a status transition. It ignores the run's
// cancellation so progress already made is still recorded.
func (m *Manager) writeStatus(ctx context.Context, scope string, expected, next status.Record) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.terminalTimeout)
	defer cancel()
	err := m.store.CompareAndSet(wctx, scope, expected, next)
	if status.IsConflict(err) {
		m.metrics.conflict()
	}
	return err
}

func (m *Manager) lostClaim(err error) error {
	if status.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrClaimLost, err)
	}
	return err
}

func (m *Manager) finish(ctx context.Context, log *zap.Logger, run *Run, current status.Record, state JobState, cause error) {
	scope := run.Scope()
	var (
		next    status.Record
		evtType string
	)
	switch state {
	case JobCompleted:
		next = status.Record{Version: current.Version, StatusCode: CodeComplete}
		evtType = events.TypeMigrationCompleted
	case JobCancelled:
		next = status.Record{Version: current.Version, StatusCode: CodeCancelled}.
			WithMessage(fmt.Sprintf("job=%s: %v", run.JobID(), cause))
		evtType = events.TypeMigrationCancelled
	default:
		next = status.Record{Version: current.Version, StatusCode: CodeFailed}.WithMessage(cause.Error())
		evtType = events.TypeMigrationFailed
	}
	// A zero current record means the claim is gone; there is nothing of
	// ours left to overwrite.
	if current.StatusCode == CodeRunning {
		if err := m.writeStatus(ctx, scope, current, next); err != nil {
			log.Error("final status write failed", zap.Error(err))
			if state == JobCompleted {
				state = JobFailed
			}
			cause = multierr.Append(cause, m.lostClaim(err))
		}
	}

	run.finish(state, cause, m.now().UTC())
	job := run.Snapshot()
	fields := []zap.Field{
		zap.String("migration_event", evtType),
		zap.Int("version", job.ToVersion),
		zap.Int("status_code", next.StatusCode),
		zap.Int64("processed", job.Progress.Processed),
	}
	if cause != nil {
		log.Warn("migration stopped", append(fields, zap.Error(cause))...)
	} else {
		log.Info("migration completed", fields...)
	}
	payload := map[string]any{
		"from_version": job.FromVersion,
		"version":      job.ToVersion,
		"applied":      job.Applied,
		"processed":    job.Progress.Processed,
		"migrated":     job.Progress.Migrated,
		"skipped":      job.Progress.Skipped,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	m.record(ctx, evtType, scope, run.JobID(), "", payload)
	m.saveJob(ctx, run)

	m.mu.Lock()
	if m.active[scope] == run {
		delete(m.active, scope)
	}
	m.mu.Unlock()
	m.metrics.runFinished()
	close(run.done)
}

func (m *Manager) remember(run *Run) {
	m.history = append(m.history, run)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func (m *Manager) record(ctx context.Context, evtType, scope, jobID, plugin string, payload map[string]any) {
	if m.journal == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.terminalTimeout)
	defer cancel()
	if err := m.journal.Record(wctx, evtType, scope, jobID, plugin, payload); err != nil {
		m.logger.Warn("journal append failed", zap.String("scope", scope), zap.String("migration_event", evtType), zap.Error(err))
	}
}

func (m *Manager) saveJob(ctx context.Context, run *Run) {
	if m.jobLog == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.terminalTimeout)
	defer cancel()
	if err := m.jobLog.SaveJob(wctx, run.Snapshot()); err != nil {
		m.logger.Warn("job log write failed", zap.String("scope", run.Scope()), zap.String("job_id", run.JobID()), zap.Error(err))
	}
}

func (m *Manager) localRun(scope, jobID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if r := m.history[i]; r.JobID() == jobID && r.Scope() == scope {
			return r
		}
	}
	return nil
}

// Job returns a job of scope, live or from history.
func (m *Manager) Job(ctx context.Context, scope, jobID string) (Job, error) {
	if run := m.localRun(scope, jobID); run != nil {
		return run.Snapshot(), nil
	}
	if m.jobLog != nil {
		return m.jobLog.LoadJob(ctx, scope, jobID)
	}
	return Job{}, ErrJobNotFound
}

// Jobs lists the jobs of scope, newest first.
func (m *Manager) Jobs(ctx context.Context, scope string) ([]Job, error) {
	var local []Job
	m.mu.Lock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if r := m.history[i]; r.Scope() == scope {
			local = append(local, r.Snapshot())
		}
	}
	m.mu.Unlock()
	if m.jobLog == nil {
		return local, nil
	}
	stored, err := m.jobLog.ListJobs(ctx, scope, historyLimit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(local))
	for _, j := range local {
		seen[j.ID] = true
	}
	res := local
	for _, j := range stored {
		if !seen[j.ID] {
			res = append(res, j)
		}
	}
	sortJobs(res)
	return res, nil
}

func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
}

// Cancel stops a job running in this process. It returns once the request is
// made; wait on the run or poll Job for the final state.
func (m *Manager) Cancel(ctx context.Context, scope, jobID string) error {
	m.mu.Lock()
	run := m.active[scope]
	m.mu.Unlock()
	if run != nil && run.JobID() == jobID {
		run.Cancel()
		return nil
	}
	job, err := m.Job(ctx, scope, jobID)
	if err != nil {
		return err
	}
	if job.State.Finished() {
		return ErrJobFinished
	}
	if job.InstanceID == m.instanceID {
		return fmt.Errorf("%w: job %s has no live run in this process; reset the scope", ErrJobFinished, jobID)
	}
	return &RunInProgressError{Scope: scope, JobID: jobID, InstanceID: job.InstanceID, Remote: true}
}

// Reset clears a failed, cancelled or stale status so the scope reads Idle.
// The version is kept. A claim held by another instance is only cleared with
// force.
func (m *Manager) Reset(ctx context.Context, scope string, force bool) (status.Record, error) {
	m.mu.Lock()
	run := m.active[scope]
	m.mu.Unlock()
	if run != nil {
		return status.Record{}, &RunInProgressError{Scope: scope, JobID: run.JobID(), InstanceID: m.instanceID}
	}
	rec, err := m.store.Read(ctx, scope)
	if err != nil {
		return status.Record{}, err
	}
	if c, ok := parseClaim(rec); ok && c.InstanceID != m.instanceID && !force {
		return rec, &RunInProgressError{Scope: scope, JobID: c.JobID, InstanceID: c.InstanceID, Remote: true}
	}
	next := status.Record{Version: rec.Version, StatusCode: CodeNone}
	if rec.Equal(next) {
		return rec, nil
	}
	if err := m.store.CompareAndSet(ctx, scope, rec, next); err != nil {
		if status.IsConflict(err) {
			m.metrics.conflict()
		}
		return status.Record{}, err
	}
	m.logger.Info("migration status reset",
		zap.String("scope", scope),
		zap.String("migration_event", events.TypeMigrationReset),
		zap.Int("version", rec.Version),
		zap.String("previous", codeName(rec.StatusCode)),
	)
	m.record(ctx, events.TypeMigrationReset, scope, "", "", map[string]any{
		"version":          rec.Version,
		"previous_code":    rec.StatusCode,
		"previous_message": rec.Message(),
	})
	return next, nil
}
