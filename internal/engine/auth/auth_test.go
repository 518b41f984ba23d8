package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migline/internal/engine/auth"
)

func TestRequire(t *testing.T) {
	reader := auth.Actor{ID: "ops", Permissions: []string{auth.PermRead}}
	require.NoError(t, auth.Require(reader, auth.PermRead))

	err := auth.Require(reader, auth.PermRun)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, auth.PermRun, forbidden.Permission)
	assert.Equal(t, "ops", forbidden.ActorID)

	assert.NoError(t, auth.Require(auth.Local(""), auth.PermRun))
	assert.Error(t, auth.Require(auth.Actor{ID: "nobody"}, auth.PermRead))
}

func TestActorContext(t *testing.T) {
	_, ok := auth.FromContext(context.Background())
	assert.False(t, ok)

	ctx := auth.WithActor(context.Background(), auth.Local("me"))
	a, ok := auth.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "me", a.ID)
}
