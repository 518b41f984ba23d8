package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is matched by *RunInProgressError.
	ErrRunInProgress = errors.New("migration already running")
	ErrJobNotFound   = errors.New("migration job not found")
	ErrJobFinished   = errors.New("migration job already finished")
	// ErrCancelled is returned by runs stopped by Cancel or their deadline.
	ErrCancelled = errors.New("migration cancelled")
	// ErrClaimLost is returned by runs whose scope claim was overwritten by
	// another writer while they ran.
	ErrClaimLost = errors.New("migration claim lost")
)

// ConfigurationError reports an invalid plugin set. It is detected when the
// manager is built, before any migration runs.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "migration configuration: " + e.Reason
}

// PluginError records why a plugin could not complete.
type PluginError struct {
	Version int
	Name    string
	Reason  error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin v%d %s failed: %v", e.Version, e.Name, e.Reason)
}

func (e *PluginError) Unwrap() error { return e.Reason }

// RunInProgressError is returned when a scope is already claimed by a live run.
type RunInProgressError struct {
	Scope      string
	JobID      string
	InstanceID string
	Remote     bool
}

func (e *RunInProgressError) Error() string {
	where := "this instance"
	if e.Remote {
		where = "instance " + e.InstanceID
	}
	return fmt.Sprintf("scope %q: job %s already running on %s", e.Scope, e.JobID, where)
}

func (e *RunInProgressError) Is(target error) bool { return target == ErrRunInProgress }
