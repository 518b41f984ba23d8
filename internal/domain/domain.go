package domain

// Plugin describes one registered migration step.
type Plugin struct {
	Name          string `json:"name"`
	TargetVersion int    `json:"target_version"`
}

type ScopeStatus struct {
	Scope          string  `json:"scope"`
	State          string  `json:"state" enum:"idle,running,failed,completed"`
	Version        int     `json:"version"`
	StatusCode     int     `json:"status_code"`
	StatusName     string  `json:"status_name"`
	StatusMessage  *string `json:"status_message,omitempty"`
	LatestVersion  int     `json:"latest_version"`
	Pending        []int   `json:"pending"`
	RunningVersion int     `json:"running_version,omitempty"`
	JobID          string  `json:"job_id,omitempty"`
	InstanceID     string  `json:"instance_id,omitempty"`
	Remote         bool    `json:"remote,omitempty"`
	Stale          bool    `json:"stale,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

type Job struct {
	ID             string `json:"id"`
	Scope          string `json:"scope"`
	InstanceID     string `json:"instance_id"`
	State          string `json:"state" enum:"running,completed,failed,cancelled"`
	FromVersion    int    `json:"from_version"`
	ToVersion      int    `json:"to_version"`
	CurrentVersion int    `json:"current_version,omitempty"`
	CurrentPlugin  string `json:"current_plugin,omitempty"`
	Applied        []int  `json:"applied,omitempty"`
	Processed      int64  `json:"processed"`
	Migrated       int64  `json:"migrated"`
	Skipped        int64  `json:"skipped"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at" format:"date-time"`
	FinishedAt     string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Scope   string `json:"scope"`
	JobID   string `json:"job_id,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
