// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package session_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/services/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, secret string) *session.Manager {
	t.Helper()
	mgr, err := session.NewManager(&config.SessionConfig{
		CookieName: "_session",
		Secret:     secret,
		MaxAge:     3600,
	}, true)
	require.NoError(t, err)
	return mgr
}

func TestCreateAndReadSession(t *testing.T) {
	mgr := newManager(t, "test-secret")

	cookie, err := mgr.Create(42, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "_session", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	user := mgr.UserFromRequest(req)
	require.NotNil(t, user)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "a@example.com", user.Email)
}

func TestUserFromRequest_NoCookie(t *testing.T) {
	mgr := newManager(t, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, mgr.UserFromRequest(req))
}

func TestUserFromRequest_TamperedCookie(t *testing.T) {
	mgr := newManager(t, "test-secret")

	cookie, err := mgr.Create(42, "a@example.com")
	require.NoError(t, err)
	cookie.Value += "x"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	assert.Nil(t, mgr.UserFromRequest(req))
}

func TestUserFromRequest_WrongSecret(t *testing.T) {
	issuer := newManager(t, "secret-one")
	verifier := newManager(t, "secret-two")

	cookie, err := issuer.Create(42, "a@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	assert.Nil(t, verifier.UserFromRequest(req))
}

func TestClear(t *testing.T) {
	mgr := newManager(t, "test-secret")

	cookie := mgr.Clear()
	assert.Equal(t, "_session", cookie.Name)
	assert.Empty(t, cookie.Value)
	assert.Equal(t, -1, cookie.MaxAge)
}

func TestNewManager_EmptySecret(t *testing.T) {
	// An empty secret falls back to an ephemeral key; sessions still work
	// within the process lifetime.
	mgr := newManager(t, "")

	cookie, err := mgr.Create(7, "a@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	user := mgr.UserFromRequest(req)
	require.NotNil(t, user)
	assert.Equal(t, int64(7), user.ID)
}
