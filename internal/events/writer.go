package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Migration journal event types.
const (
	TypeMigrationStarted   = "migration.started"
	TypePluginStarted      = "plugin.started"
	TypePluginCompleted    = "plugin.completed"
	TypeMigrationCompleted = "migration.completed"
	TypeMigrationFailed    = "migration.failed"
	TypeMigrationCancelled = "migration.cancelled"
	TypeMigrationReset     = "migration.reset"
	TypeClaimConflict      = "migration.conflict"
)

type Writer struct {
	DB      *sql.DB
	Now     func() time.Time
	ActorID string
}

type EventPayload map[string]any

// Append writes one event. When tx is nil the event is written on its own.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, scope, jobID, plugin, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = w.ActorID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,scope,job_id,plugin,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, scope, nullable(jobID), nullable(plugin), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// Record appends an event outside any transaction, attributed to the
// writer's actor.
func (w Writer) Record(ctx context.Context, evtType, scope, jobID, plugin string, payload map[string]any) error {
	return w.Append(ctx, nil, evtType, scope, jobID, plugin, "", EventPayload(payload))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
