package status

import (
	"context"
	"database/sql"
	"time"
)

// SQLStore keeps records in the migration_status table.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

func (s *SQLStore) now() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s *SQLStore) Read(ctx context.Context, scope string) (Record, error) {
	var rec Record
	var msg sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT version,status_code,status_message FROM migration_status WHERE scope=?`, scope).
		Scan(&rec.Version, &rec.StatusCode, &msg)
	if err == sql.ErrNoRows {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	if msg.Valid {
		rec = rec.WithMessage(msg.String)
	}
	return rec, nil
}

// Write upserts rec in one statement; the update branch only fires when the
// stored version does not exceed the new one.
func (s *SQLStore) Write(ctx context.Context, scope string, rec Record) error {
	if err := validate(scope, rec); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO migration_status(scope,version,status_code,status_message,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(scope) DO UPDATE SET version=excluded.version, status_code=excluded.status_code, status_message=excluded.status_message, updated_at=excluded.updated_at
WHERE migration_status.version <= excluded.version`,
		scope, rec.Version, rec.StatusCode, nullableMessage(rec.StatusMessage), s.now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.Read(ctx, scope)
		if err != nil {
			return err
		}
		return checkAdvance(scope, current, rec)
	}
	return nil
}

// CompareAndSet claims a fresh scope with INSERT .. DO NOTHING, or advances an
// existing row with an UPDATE conditioned on every stored column.
func (s *SQLStore) CompareAndSet(ctx context.Context, scope string, expected, next Record) error {
	if err := validate(scope, next); err != nil {
		return err
	}
	if err := checkAdvance(scope, expected, next); err != nil {
		return err
	}
	if expected.Equal(Record{}) {
		res, err := s.DB.ExecContext(ctx, `INSERT INTO migration_status(scope,version,status_code,status_message,updated_at) VALUES (?,?,?,?,?) ON CONFLICT(scope) DO NOTHING`,
			scope, next.Version, next.StatusCode, nullableMessage(next.StatusMessage), s.now())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE migration_status SET version=?, status_code=?, status_message=?, updated_at=?
WHERE scope=? AND version=? AND status_code=? AND status_message IS ?`,
		next.Version, next.StatusCode, nullableMessage(next.StatusMessage), s.now(),
		scope, expected.Version, expected.StatusCode, nullableMessage(expected.StatusMessage))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	actual, err := s.Read(ctx, scope)
	if err != nil {
		return err
	}
	return &ConflictError{Scope: scope, Expected: expected.clone(), Actual: actual}
}

func (s *SQLStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT scope FROM migration_status ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func nullableMessage(msg *string) any {
	if msg == nil {
		return nil
	}
	return *msg
}
