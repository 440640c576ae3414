package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/kenneth/selfencrypt/internal/config"
)

func TestTokenAuthorizerNoTokensAllowsEverything(t *testing.T) {
	a := NewTokenAuthorizer(config.AuthConfig{})
	assert.True(t, a.Authorize("", "bucket", "any/key"))
}

func TestTokenAuthorizerGlobMatch(t *testing.T) {
	a := NewTokenAuthorizer(config.AuthConfig{
		Tokens: map[string][]string{
			"tok1": {"logs/*"},
		},
	})

	assert.True(t, a.Authorize("tok1", "logs", "2024/01/01.log"))
	assert.False(t, a.Authorize("tok1", "secrets", "db-password"))
	assert.False(t, a.Authorize("unknown-token", "logs", "2024/01/01.log"))
}

func TestTokenAuthorizerReload(t *testing.T) {
	a := NewTokenAuthorizer(config.AuthConfig{Tokens: map[string][]string{"tok1": {"a/*"}}})
	assert.False(t, a.Authorize("tok1", "b", "x"))

	a.Reload(config.AuthConfig{Tokens: map[string][]string{"tok1": {"b/*"}}})
	assert.True(t, a.Authorize("tok1", "b", "x"))
	assert.False(t, a.Authorize("tok1", "a", "x"))
}

func TestTokenAuthorizerMiddlewareRejectsForbidden(t *testing.T) {
	a := NewTokenAuthorizer(config.AuthConfig{Tokens: map[string][]string{"tok1": {"logs/*"}}})

	router := mux.NewRouter()
	router.HandleFunc("/{bucket}/{key:.*}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Use(a.Middleware)

	req := httptest.NewRequest(http.MethodGet, "/secrets/db-password", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenAuthorizerMiddlewareAllowsMatchingToken(t *testing.T) {
	a := NewTokenAuthorizer(config.AuthConfig{Tokens: map[string][]string{"tok1": {"logs/*"}}})

	router := mux.NewRouter()
	router.HandleFunc("/{bucket}/{key:.*}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Use(a.Middleware)

	req := httptest.NewRequest(http.MethodGet, "/logs/today.log", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
