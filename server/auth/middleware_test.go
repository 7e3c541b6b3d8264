package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/open-xchange/appsuite-middleware-sub085/server/auth"
	"github.com/open-xchange/appsuite-middleware-sub085/server/auth/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMiddleware(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.AddUser("u1", "secret"))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.UserID(r)
		w.WriteHeader(http.StatusNoContent)
	})
	h := auth.Middleware(store, "bridge", zaptest.NewLogger(t))(next)

	tests := []struct {
		name     string
		path     string
		user     string
		password string
		code     int
		seen     string
	}{
		{name: "valid", path: "/caldav/u1/", user: "u1", password: "secret", code: http.StatusNoContent, seen: "u1"},
		{name: "wrong password", path: "/caldav/u1/", user: "u1", password: "nope", code: http.StatusUnauthorized},
		{name: "unknown user", path: "/caldav/u2/", user: "u2", password: "secret", code: http.StatusUnauthorized},
		{name: "no credentials", path: "/caldav/u1/", code: http.StatusUnauthorized},
		{name: "well-known", path: "/.well-known/caldav", code: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.seen, seen)
			if tt.code == http.StatusUnauthorized {
				assert.Equal(t, `Basic realm="bridge"`, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestMiddleware_AuthenticatorFailure(t *testing.T) {
	down := auth.AuthenticatorFunc(func(context.Context, auth.Credentials) (*auth.Principal, error) {
		return nil, errors.New("directory unreachable")
	})
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	h := auth.Middleware(down, "", zaptest.NewLogger(t))(next)

	req := httptest.NewRequest(http.MethodGet, "/caldav/u1/", nil)
	req.SetBasicAuth("u1", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="CalDAV Server"`, rec.Header().Get("WWW-Authenticate"))
	assert.False(t, called)
}

func TestPrincipalContext(t *testing.T) {
	assert.Nil(t, auth.PrincipalFrom(context.Background()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, auth.UserID(req))
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{ID: "u1"}))
	assert.Equal(t, "u1", auth.UserID(req))
}
