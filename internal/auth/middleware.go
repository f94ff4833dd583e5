package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

type identityKey struct{}

// WithIdentity stores the authenticated principal on ctx
func WithIdentity(ctx context.Context, identity types.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the principal stored by the middleware
func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(types.Identity)
	return identity, ok
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the "token" query parameter
// TECHNICAL DISCOVERY: Browsers cannot set headers on a WebSocket upgrade, so
// socket clients pass the token in the query string
func TokenFromRequest(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if len(raw) > len("bearer ") && strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(raw[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireDevice rejects requests without a valid device token
func (v *Verifier) RequireDevice(next http.Handler) http.Handler {
	return v.require(v.AuthenticateDevice, next)
}

// RequireStaff rejects requests without a valid, licensed staff token
func (v *Verifier) RequireStaff(next http.Handler) http.Handler {
	return v.require(v.AuthenticateStaff, next)
}

func (v *Verifier) require(authenticate func(context.Context, string) (types.Identity, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			WriteError(w, ErrMissingToken)
			return
		}
		identity, err := authenticate(r.Context(), token)
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// WriteError answers an authentication failure: 403 for a missing license, 401 otherwise
func WriteError(w http.ResponseWriter, err error) {
	status, code := http.StatusUnauthorized, "UNAUTHORIZED"
	switch {
	case errors.Is(err, types.ErrForbidden):
		status, code = http.StatusForbidden, "LICENSE_REQUIRED"
	case errors.Is(err, ErrMissingToken):
		code = "MISSING_TOKEN"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"code":    code,
		"message": err.Error(),
	})
}
