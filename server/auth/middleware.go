package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the middleware, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// UserID returns the authenticated user of r, empty when there is none.
func UserID(r *http.Request) string {
	if p := PrincipalFrom(r.Context()); p != nil {
		return p.ID
	}
	return ""
}

// Middleware demands Basic credentials on everything but /.well-known/.
// Rejected credentials and store failures both answer 401; only the latter
// is logged at error level.
func Middleware(authenticator Authenticator, realm string, logger *zap.Logger) func(http.Handler) http.Handler {
	if realm == "" {
		realm = "CalDAV Server"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// discovery redirects are public
			if strings.HasPrefix(r.URL.Path, "/.well-known/") {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				requestAuth(w, realm)
				return
			}
			principal, err := authenticator.Authenticate(r.Context(), Credentials{Username: username, Password: password})
			if err != nil {
				level := zap.InfoLevel
				if !errors.Is(err, ErrInvalidCredentials) {
					level = zap.ErrorLevel
				}
				logger.Log(level, "authentication failed",
					zap.String("username", username),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				requestAuth(w, realm)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func requestAuth(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
