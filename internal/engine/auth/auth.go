// Package auth checks operator permissions on the migration API.
package auth

import (
	"context"
	"fmt"
)

const (
	PermRead = "migrations.read"
	PermRun  = "migrations.run"

	wildcard = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is an authenticated operator.
type Actor struct {
	ID          string
	Permissions []string
}

// Local returns an actor holding every permission, used by the CLI.
func Local(id string) Actor {
	if id == "" {
		id = "local"
	}
	return Actor{ID: id, Permissions: []string{wildcard}}
}

func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == wildcard {
			return true
		}
	}
	return false
}

// Require fails with ForbiddenError when a lacks perm.
func Require(a Actor, perm string) error {
	if a.Can(perm) {
		return nil
	}
	return ForbiddenError{ActorID: a.ID, Permission: perm}
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
