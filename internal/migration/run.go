package migration

import (
	"context"
	"sync"
	"time"
)

type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Finished() bool { return s != JobRunning }

// Job is the observable progress of one migration run of one scope.
type Job struct {
	ID             string
	Scope          string
	InstanceID     string
	State          JobState
	FromVersion    int
	ToVersion      int
	CurrentVersion int
	CurrentPlugin  string
	Applied        []int
	Progress       ProgressSnapshot
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Run is a migration executing on its own goroutine. Completion and
// cancellation are observed through Done, Wait and Err.
type Run struct {
	progress *Progress
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	job Job
	err error
}

func newRun(job Job, cancel context.CancelFunc) *Run {
	return &Run{
		progress: &Progress{},
		cancel:   cancel,
		done:     make(chan struct{}),
		job:      job,
	}
}

func (r *Run) JobID() string { return r.job.ID }
func (r *Run) Scope() string { return r.job.Scope }

// Done is closed once the run has written its final status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks the running plugin to stop at its next checkpoint.
func (r *Run) Cancel() { r.cancel() }

// Err returns the run's failure once Done is closed: nil on success, a
// *PluginError, an error matching ErrCancelled or ErrClaimLost, or a storage
// error.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run finishes or ctx is done. Giving up on ctx does
// not stop the run.
func (r *Run) Wait(ctx context.Context) (Job, error) {
	select {
	case <-r.done:
		return r.Snapshot(), r.Err()
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Run) Snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.job
	job.Applied = append([]int(nil), r.job.Applied...)
	if job.State == JobRunning {
		job.Progress = r.progress.Snapshot()
	}
	return job
}

func (r *Run) update(fn func(j *Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
}

// finish records the terminal state. The caller closes done afterwards.
func (r *Run) finish(state JobState, err error, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.State = state
	r.job.Progress = r.progress.Snapshot()
	r.job.CurrentPlugin = ""
	r.job.CurrentVersion = 0
	r.job.FinishedAt = at
	if err != nil {
		r.job.Error = err.Error()
	}
	r.err = err
}
