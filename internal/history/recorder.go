// Package history is the audit boundary of the pipeline. The engine appends
// one event per mutation; storage of the log is owned by the recorder, not
// by the engine.
package history

import (
	"context"
	"database/sql"
	"time"

	"flockline/internal/domain"
)

// Entry is the payload for one audit event.
type Entry struct {
	PersonID    string
	Action      string
	Description string
	Before      string
	After       string
}

// Recorder appends audit events inside the caller's transaction.
type Recorder interface {
	Append(ctx context.Context, tx *sql.Tx, org domain.OrgContext, e Entry) error
}

// Writer is the default SQL-backed Recorder.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, org domain.OrgContext, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO history_events(person_id,org_id,action,description,before_value,after_value,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullable(e.PersonID), org.OrgID, e.Action, nullable(e.Description), nullable(e.Before), nullable(e.After), org.ActorID, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
