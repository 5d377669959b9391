package auth

import (
	"context"
	"errors"
)

type identityKey struct{}

type identity struct {
	userID string
	role   string
}

var (
	errNoUser = errors.New("user_id not in context")
	errNoRole = errors.New("role not in context")
)

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{userID: userID, role: role})
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(identityKey{}).(identity); ok && id.userID != "" {
		return id.userID, nil
	}
	return "", errNoUser
}

func Role(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(identityKey{}).(identity); ok && id.role != "" {
		return id.role, nil
	}
	return "", errNoRole
}
