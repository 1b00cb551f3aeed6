package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const (
	keyPrincipal ctxKey = iota
)

// Principal is the caller resolved from an API key.
type Principal struct {
	UserID       string
	DepartmentID string
}

// Store is a static in-memory key store: secret -> principal.
// Session issuance lives in the document service; docgate only maps the
// keys it hands out.
type Store struct {
	header         string
	bySecret       map[string]Principal
	allowAnonymous bool
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> principal
func NewStatic(header string, pairs map[string]Principal, allowAnonymous bool) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	if pairs == nil {
		pairs = map[string]Principal{}
	}
	return &Store{header: h, bySecret: pairs, allowAnonymous: allowAnonymous}
}

func (s *Store) principalFor(secret string) (Principal, bool) {
	p, ok := s.bySecret[secret]
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(keyPrincipal).(Principal)
	return p, ok
}

// UserIDFrom extracts the authenticated user id from context (if present).
func UserIDFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// DepartmentFrom extracts the caller's department from context (if present).
func DepartmentFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.DepartmentID == "" {
		return "", false
	}
	return p.DepartmentID, true
}

// Middleware validates the API key and writes JSON errors on failure.
// Requests without a key pass through unauthenticated when the store allows
// anonymous access.
func (s *Store) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				if s.allowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			p, ok := s.principalFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
