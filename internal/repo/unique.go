package repo

import (
	"context"
	"database/sql"
	"errors"

	"migline/internal/field"
)

// IndexUnique records f as a unique value owned by entity id. Indexing the
// same value for the same owner again is a no-op.
func (r Repo) IndexUnique(ctx context.Context, scope, collection, id string, f field.Field) error {
	if err := checkKey(scope, collection, id); err != nil {
		return err
	}
	return r.inTx(ctx, "repo.index_unique", func(tx *sql.Tx) error {
		return r.indexUnique(ctx, tx, scope, collection, id, f)
	})
}

func (r Repo) indexUnique(ctx context.Context, tx *sql.Tx, scope, collection, id string, f field.Field) error {
	value, err := r.codec().EncodeValue(f)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO unique_values(scope,collection,field_name,value,entity_id) VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
		scope, collection, f.Name(), value, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT entity_id FROM unique_values WHERE scope=? AND collection=? AND field_name=? AND value=?`,
		scope, collection, f.Name(), value).Scan(&owner); err != nil {
		return err
	}
	if owner == id {
		return nil
	}
	return &UniqueViolationError{Scope: scope, Collection: collection, Field: f.Name(), EntityID: id, OwnerID: owner}
}

// UniqueOwner returns the entity owning a unique value, or ErrNotFound.
func (r Repo) UniqueOwner(ctx context.Context, scope, collection string, f field.Field) (string, error) {
	value, err := r.codec().EncodeValue(f)
	if err != nil {
		return "", err
	}
	var owner string
	err = r.retry(ctx, "repo.unique_owner", func() error {
		return r.DB.QueryRowContext(ctx, `SELECT entity_id FROM unique_values WHERE scope=? AND collection=? AND field_name=? AND value=?`,
			scope, collection, f.Name(), value).Scan(&owner)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}
