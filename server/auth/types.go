// Package auth authenticates CalDAV requests with HTTP Basic credentials.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidCredentials covers both an unknown user and a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Principal is the authenticated caller. ID is the user segment of the
// CalDAV URL tree, so a principal only reaches /<ID>/...
type Principal struct {
	ID string
}

// Credentials as decoded from the Authorization header.
type Credentials struct {
	Username string
	Password string
}

// Authenticator checks credentials. Failures wrap ErrInvalidCredentials;
// any other error means the check itself could not run.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// AuthenticatorFunc adapts a plain function.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (*Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	return f(ctx, creds)
}
