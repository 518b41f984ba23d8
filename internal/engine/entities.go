package engine

import (
	"context"
	"errors"

	"migline/internal/engine/auth"
	"migline/internal/field"
	"migline/internal/repo"
)

// PutEntity stores an entity in the current encoding, indexing its unique
// fields.
func (e *Engine) PutEntity(ctx context.Context, actor auth.Actor, ent repo.Entity) error {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return err
	}
	return e.Repo.Put(ctx, ent)
}

// ImportLegacy stores a JSON object body as-is, for the encode-legacy-json
// plugin to convert.
func (e *Engine) ImportLegacy(ctx context.Context, actor auth.Actor, scope, collection, id string, body []byte) error {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return err
	}
	if !field.LooksLikeJSON(body) {
		return errors.New("legacy body must be a JSON object")
	}
	return e.Repo.PutRaw(ctx, repo.RawEntity{Scope: scope, Collection: collection, ID: id, Body: body})
}

func (e *Engine) GetEntity(ctx context.Context, actor auth.Actor, scope, collection, id string) (repo.Entity, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return repo.Entity{}, err
	}
	return e.Repo.Get(ctx, scope, collection, id)
}

func (e *Engine) ListEntities(ctx context.Context, actor auth.Actor, scope, collection string, limit int) ([]repo.Entity, error) {
	ctx, err := authorize(ctx, actor, auth.PermRead)
	if err != nil {
		return nil, err
	}
	return e.Repo.List(ctx, scope, collection, limit)
}

func (e *Engine) DeleteEntity(ctx context.Context, actor auth.Actor, scope, collection, id string) error {
	ctx, err := authorize(ctx, actor, auth.PermRun)
	if err != nil {
		return err
	}
	return e.Repo.Delete(ctx, scope, collection, id)
}
