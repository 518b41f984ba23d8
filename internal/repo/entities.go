package repo

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"migline/internal/field"
)

type Entity struct {
	Scope      string
	Collection string
	ID         string
	Fields     []field.Field
	UpdatedAt  string
}

// RawEntity carries a body as stored, which may predate the current encoding.
type RawEntity struct {
	Scope      string
	Collection string
	ID         string
	Body       []byte
	UpdatedAt  string
}

// Cursor positions a scan after (Collection, ID).
type Cursor struct {
	Collection string
	ID         string
}

func (c Cursor) IsZero() bool { return c.Collection == "" && c.ID == "" }

func (e RawEntity) Cursor() Cursor { return Cursor{Collection: e.Collection, ID: e.ID} }

func checkKey(scope, collection, id string) error {
	switch {
	case scope == "":
		return errors.New("scope required")
	case collection == "":
		return errors.New("collection required")
	case id == "":
		return errors.New("id required")
	}
	return nil
}

// Put encodes e and stores it, replacing any previous body. Fields flagged
// unique are indexed in the same transaction; a value already owned by
// another entity fails with *UniqueViolationError and nothing is written.
func (r Repo) Put(ctx context.Context, e Entity) error {
	if err := checkKey(e.Scope, e.Collection, e.ID); err != nil {
		return err
	}
	body, err := r.codec().EncodeAll(e.Fields)
	if err != nil {
		return err
	}
	return r.inTx(ctx, "repo.put", func(tx *sql.Tx) error {
		if err := upsertBody(ctx, tx, e.Scope, e.Collection, e.ID, body, r.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM unique_values WHERE scope=? AND collection=? AND entity_id=?`,
			e.Scope, e.Collection, e.ID); err != nil {
			return err
		}
		for _, f := range e.Fields {
			if !f.Unique() {
				continue
			}
			if err := r.indexUnique(ctx, tx, e.Scope, e.Collection, e.ID, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertBody(ctx context.Context, tx *sql.Tx, scope, collection, id string, body []byte, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(scope,collection,id,body,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(scope,collection,id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		scope, collection, id, body, now)
	return err
}

// PutRaw stores body without decoding it. Used to import records written in
// an older format; the unique index is left to the migration that owns it.
func (r Repo) PutRaw(ctx context.Context, e RawEntity) error {
	if err := checkKey(e.Scope, e.Collection, e.ID); err != nil {
		return err
	}
	if len(e.Body) == 0 {
		return errors.New("body required")
	}
	return r.inTx(ctx, "repo.put_raw", func(tx *sql.Tx) error {
		if err := upsertBody(ctx, tx, e.Scope, e.Collection, e.ID, e.Body, r.now()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM unique_values WHERE scope=? AND collection=? AND entity_id=?`, e.Scope, e.Collection, e.ID)
		return err
	})
}

func (r Repo) GetRaw(ctx context.Context, scope, collection, id string) (RawEntity, error) {
	e := RawEntity{Scope: scope, Collection: collection, ID: id}
	err := r.retry(ctx, "repo.get", func() error {
		return r.DB.QueryRowContext(ctx, `SELECT body,updated_at FROM entities WHERE scope=? AND collection=? AND id=?`,
			scope, collection, id).Scan(&e.Body, &e.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return RawEntity{}, ErrNotFound
	}
	return e, err
}

// Get returns the decoded entity. Bodies not in the current encoding fail
// with *field.DecodeError.
func (r Repo) Get(ctx context.Context, scope, collection, id string) (Entity, error) {
	raw, err := r.GetRaw(ctx, scope, collection, id)
	if err != nil {
		return Entity{}, err
	}
	return r.decode(raw)
}

func (r Repo) decode(raw RawEntity) (Entity, error) {
	fields, err := r.codec().DecodeAll(raw.Body)
	if err != nil {
		return Entity{}, fmt.Errorf("entity %s/%s/%s: %w", raw.Scope, raw.Collection, raw.ID, err)
	}
	return Entity{Scope: raw.Scope, Collection: raw.Collection, ID: raw.ID, Fields: fields, UpdatedAt: raw.UpdatedAt}, nil
}

func (r Repo) Delete(ctx context.Context, scope, collection, id string) error {
	return r.inTx(ctx, "repo.delete", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM unique_values WHERE scope=? AND collection=? AND entity_id=?`, scope, collection, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE scope=? AND collection=? AND id=?`, scope, collection, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns decoded entities of one collection ordered by id.
func (r Repo) List(ctx context.Context, scope, collection string, limit int) ([]Entity, error) {
	clauses := []string{"scope=?"}
	args := []any{scope}
	if collection != "" {
		clauses = append(clauses, "collection=?")
		args = append(args, collection)
	}
	query := `SELECT collection,id,body,updated_at FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY collection, id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	raws, err := r.queryRaw(ctx, scope, query, args...)
	if err != nil {
		return nil, err
	}
	res := make([]Entity, 0, len(raws))
	for _, raw := range raws {
		e, err := r.decode(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// ScanRaw returns up to limit raw entities of scope ordered by
// (collection, id), strictly after cursor.
func (r Repo) ScanRaw(ctx context.Context, scope string, cursor Cursor, limit int) ([]RawEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"scope=?"}
	args := []any{scope}
	if !cursor.IsZero() {
		clauses = append(clauses, "(collection > ? OR (collection = ? AND id > ?))")
		args = append(args, cursor.Collection, cursor.Collection, cursor.ID)
	}
	query := `SELECT collection,id,body,updated_at FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY collection, id LIMIT ?`
	args = append(args, limit)
	return r.queryRaw(ctx, scope, query, args...)
}

func (r Repo) queryRaw(ctx context.Context, scope, query string, args ...any) ([]RawEntity, error) {
	var res []RawEntity
	err := r.retry(ctx, "repo.scan", func() error {
		res = res[:0]
		rows, err := r.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e := RawEntity{Scope: scope}
			if err := rows.Scan(&e.Collection, &e.ID, &e.Body, &e.UpdatedAt); err != nil {
				return err
			}
			res = append(res, e)
		}
		return rows.Err()
	})
	return res, err
}

// ReplaceRaw swaps the body of one entity only if it still equals expected.
// It reports false when the entity changed or disappeared in between.
func (r Repo) ReplaceRaw(ctx context.Context, scope, collection, id string, expected, next []byte) (bool, error) {
	if bytes.Equal(expected, next) {
		return true, nil
	}
	var replaced bool
	err := r.inTx(ctx, "repo.replace_raw", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE entities SET body=?, updated_at=? WHERE scope=? AND collection=? AND id=? AND body=?`,
			next, r.now(), scope, collection, id, expected)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		replaced = n == 1
		return nil
	})
	return replaced, err
}

// CountByScope returns the number of entities stored for scope.
func (r Repo) CountByScope(ctx context.Context, scope string) (int, error) {
	var n int
	err := r.retry(ctx, "repo.count", func() error {
		return r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE scope=?`, scope).Scan(&n)
	})
	return n, err
}

// Scopes lists the scopes that hold at least one entity.
func (r Repo) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	err := r.retry(ctx, "repo.scopes", func() error {
		scopes = scopes[:0]
		rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT scope FROM entities ORDER BY scope`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return err
			}
			scopes = append(scopes, s)
		}
		return rows.Err()
	})
	return scopes, err
}
