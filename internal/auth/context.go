package auth

import (
	"context"
	"fmt"

	"swarm-scheduler/internal/apperr"
)

var ErrNoIdentity = fmt.Errorf("%w: no identity in context", apperr.ErrAuth)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Role: role})
}

// IdentityFrom returns the caller stored by RequireAccessToken.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// UserID is the campaign owner id of the caller.
func UserID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.UserID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	if id.Role == "" {
		return "", fmt.Errorf("%w: role missing", apperr.ErrAuth)
	}
	return id.Role, nil
}
