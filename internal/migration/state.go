package migration

import (
	"fmt"
	"strings"

	"migline/internal/status"
)

// Status codes persisted in the status record.
const (
	CodeNone      = 0
	CodeRunning   = 1
	CodeComplete  = 2
	CodeFailed    = 3
	CodeCancelled = 4
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// Status is the manager's view of one scope, derived from the stored
// record, the registered plugins and the runs of this process.
type Status struct {
	Scope          string
	State          State
	Record         status.Record
	LatestVersion  int
	Pending        []int
	RunningVersion int
	JobID          string
	InstanceID     string
	Remote         bool
	Stale          bool
	LastError      string
}

// claim identifies the job holding a scope's running sentinel.
type claim struct {
	JobID      string
	InstanceID string
}

func claimMessage(jobID, instanceID string) string {
	return fmt.Sprintf("job=%s instance=%s", jobID, instanceID)
}

func parseClaim(rec status.Record) (claim, bool) {
	if rec.StatusCode != CodeRunning {
		return claim{}, false
	}
	var c claim
	for _, part := range strings.Fields(rec.Message()) {
		switch {
		case strings.HasPrefix(part, "job="):
			c.JobID = strings.TrimPrefix(part, "job=")
		case strings.HasPrefix(part, "instance="):
			c.InstanceID = strings.TrimPrefix(part, "instance=")
		}
	}
	return c, c.JobID != ""
}

func codeName(code int) string {
	switch code {
	case CodeNone:
		return "none"
	case CodeRunning:
		return "running"
	case CodeComplete:
		return "complete"
	case CodeFailed:
		return "failed"
	case CodeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("code(%d)", code)
	}
}

// CodeName renders a persisted status code for display.
func CodeName(code int) string { return codeName(code) }
