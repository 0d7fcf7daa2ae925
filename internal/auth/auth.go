// Package auth resolves API keys to principals. It stands in for the
// storefront's real session layer: all the admission engine needs from a
// caller is a stable id and a role set.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

type ctxKey int

const keyPrincipal ctxKey = 0

type Principal struct {
	ID    string
	Roles []string
}

func (p Principal) HasRole(role string) bool { return slices.Contains(p.Roles, role) }

// Store is a static in-memory key store: secret -> principal
type Store struct {
	header   string
	bySecret map[string]Principal
	reject   http.Handler
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// keys: map of secret -> principal
func NewStatic(header string, keys map[string]Principal) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: keys, reject: http.HandlerFunc(invalidKey)}
}

// OnFailure wraps the handler that answers requests carrying an unknown key.
// The wrapped handler runs with no principal in the context, so whatever mw
// does (admission, abuse tracking) sees the caller as anonymous.
func (s *Store) OnFailure(mw func(http.Handler) http.Handler) {
	s.reject = mw(http.HandlerFunc(invalidKey))
}

func invalidKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusUnauthorized, "INVALID_API_KEY", "API key not recognized")
}

func (s *Store) principalFor(secret string) (Principal, bool) {
	p, ok := s.bySecret[secret]
	return p, ok
}

// WithPrincipal injects the principal into context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom extracts the principal from context (if present).
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(keyPrincipal).(Principal)
	return p, ok
}

// Middleware resolves the API key if one is sent. Requests without a key pass
// through anonymously; an unknown key goes to the OnFailure chain, which ends
// in a 401. Paths in skipPaths are never inspected.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := s.principalFor(secret)
			if !ok {
				s.reject.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers that are anonymous (401) or lack role (403).
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "UNAUTHENTICATED", "API key required")
				return
			}
			if !p.HasRole(role) {
				writeJSON(w, http.StatusForbidden, "FORBIDDEN", "role "+role+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
