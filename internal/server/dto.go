package server

import (
	"encoding/json"

	"migline/internal/domain"
)

// Request payloads

type StartMigrationRequest struct {
	// Force takes over a scope claimed by another instance.
	Force bool `json:"force,omitempty"`
	// Timeout bounds the run, as a Go duration such as "90s".
	Timeout string `json:"timeout,omitempty" example:"10m"`
	// Wait blocks the request until the run finishes.
	Wait bool `json:"wait,omitempty"`
}

type ResetRequest struct {
	Force bool `json:"force,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
}

type PluginsResponse struct {
	Items         []domain.Plugin `json:"items"`
	LatestVersion int             `json:"latest_version"`
}

type ScopesResponse struct {
	Items []string `json:"items"`
}

type JobsResponse struct {
	Items []domain.Job `json:"items"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Scope   string         `json:"scope"`
	JobID   string         `json:"job_id,omitempty"`
	Plugin  string         `json:"plugin,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		Scope:   e.Scope,
		JobID:   e.JobID,
		Plugin:  e.Plugin,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
