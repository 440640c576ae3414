package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/ryanuber/go-glob"

	"github.com/kenneth/selfencrypt/internal/config"
)

// routeVars reads the {bucket}/{key} mux vars set by gorilla/mux route
// matching. Only meaningful when called from a middleware registered via
// (*mux.Router).Use, which runs after matching but before the handler.
func routeVars(r *http.Request) (bucket, key string) {
	vars := mux.Vars(r)
	return vars["bucket"], vars["key"]
}

// TokenAuthorizer checks a bearer token against the glob allow-lists in
// config.AuthConfig, adapted from the teacher's internal/api/auth.go, which
// validated full AWS Signature V4 requests against a single shared secret.
// A self-encryption gateway has no canonical-request/payload-hash surface to
// sign over (object bodies are never forwarded verbatim to a backend that
// cares about their exact bytes), so this core drops SigV4 in favor of the
// simpler token/glob model the teacher's own AuthConfig.Tokens field names.
type TokenAuthorizer struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

// NewTokenAuthorizer builds an authorizer from cfg. A nil or empty
// cfg.Tokens disables authorization entirely (every request is allowed) —
// useful for the loadtest harness and local development.
func NewTokenAuthorizer(cfg config.AuthConfig) *TokenAuthorizer {
	return &TokenAuthorizer{tokens: cfg.Tokens}
}

// Reload swaps in a freshly loaded set of token allow-lists, letting
// cmd/se-gateway's config.WatchReload update authorization without
// restarting the listener.
func (a *TokenAuthorizer) Reload(cfg config.AuthConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = cfg.Tokens
}

// Authorize reports whether token may access bucket/key, matching
// "bucket/key" against each of token's allowed glob patterns (e.g.
// "logs/*", "tenant-42/**"). With no tokens configured every request is
// allowed; otherwise an unknown token is rejected.
func (a *TokenAuthorizer) Authorize(token, bucket, key string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.tokens) == 0 {
		return true
	}
	patterns, ok := a.tokens[token]
	if !ok {
		return false
	}
	subject := bucket + "/" + key
	for _, pattern := range patterns {
		if glob.Glob(pattern, subject) {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from "Authorization: Bearer <token>", or
// the empty string if absent.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// Middleware wraps next, rejecting requests whose bearer token isn't
// authorized for the request's {bucket}/{key} mux vars. Requests with no
// bucket/key vars (health checks, metrics) pass through unchecked.
func (a *TokenAuthorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key := routeVars(r)
		if bucket == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Authorize(bearerToken(r), bucket, key) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
