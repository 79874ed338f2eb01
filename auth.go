package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scope is the permission level attached to an API key.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// Auth failures are tagged errors so callers match on the variant, never on
// message text.
var (
	ErrMissingAuth       = errors.New("missing authorization")
	ErrUnknownToken      = errors.New("unknown token")
	ErrKeyRevoked        = errors.New("api key revoked")
	ErrScopeInsufficient = errors.New("insufficient scope")
)

var scopeRank = map[Scope]int{ScopeRead: 1, ScopeWrite: 2, ScopeAdmin: 3}

// Allows reports whether s grants at least the required scope.
func (s Scope) Allows(required Scope) bool {
	return scopeRank[s] >= scopeRank[required]
}

// ParseScope validates a scope name from a request.
func ParseScope(v string) (Scope, error) {
	s := Scope(v)
	if _, ok := scopeRank[s]; !ok {
		return "", fmt.Errorf("invalid scope %q", v)
	}
	return s, nil
}

// Principal identifies the authenticated caller for the current request.
type Principal struct {
	KeyID   string
	Label   string
	OwnerID string
	Scope   Scope
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// hashToken is how bearer tokens are stored and compared; plaintext tokens
// never touch the database.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthMiddleware resolves the bearer token to a Principal. The bootstrap
// admin token from config short-circuits to admin scope; everything else is
// looked up in the api_keys table by hash.
func AuthMiddleware(storage *Storage, adminTokenHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, `{"error":"missing or malformed authorization"}`, http.StatusUnauthorized)
			return
		}

		hash := hashToken(token)
		if adminTokenHash != "" && hash == adminTokenHash {
			p := &Principal{KeyID: "bootstrap", Label: "bootstrap-admin", OwnerID: "admin", Scope: ScopeAdmin}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}

		key, err := storage.LookupAPIKey(hash)
		switch {
		case errors.Is(err, ErrUnknownToken):
			http.Error(w, `{"error":"invalid token"}`, http.StatusForbidden)
			return
		case errors.Is(err, ErrKeyRevoked):
			http.Error(w, `{"error":"token revoked"}`, http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, `{"error":"authorization check failed"}`, http.StatusInternalServerError)
			return
		}

		p := &Principal{KeyID: key.ID, Label: key.Label, OwnerID: key.OwnerID, Scope: key.Scope}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("%w: expected bearer scheme", ErrMissingAuth)
	}
	return parts[1], nil
}
