package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
)

type ctxKey string

const identityKey ctxKey = "identity"

// TokenValidator is the part of Issuer the guard needs.
type TokenValidator interface {
	Validate(token string) (*Identity, error)
}

// IdentityFromContext returns the identity stored by Guard.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// ContextWithIdentity stores id the way Guard does.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Guard admits requests carrying a valid "Authorization: Bearer" token.
func Guard(v TokenValidator, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get(common.AuthorizationHeaderName))
			if !ok {
				unauthorized(w, "missing token")
				return
			}

			id, err := v.Validate(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, common.ErrTokenExpired) {
					msg = "token expired"
				}
				logger.Debug(r.Context(), "token rejected", "path", r.URL.Path, "reason", msg)
				unauthorized(w, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// AdminSecretGuard admits requests whose X-Admin-Secret header equals
// secret. An empty secret rejects everything.
func AdminSecretGuard(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(common.AdminSecretHeaderName)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				unauthorized(w, "invalid admin secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	if !strings.HasPrefix(value, common.BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(value[len(common.BearerPrefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
