// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package session issues and reads signed session cookies.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"

	"codeberg.org/gwlabs/maillink/internal/config"
	"github.com/gorilla/securecookie"
)

// User is the authenticated identity carried by a session cookie.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Manager creates and validates signed session cookies.
type Manager struct {
	sc         *securecookie.SecureCookie
	cookieName string
	maxAge     int
	secure     bool
}

// NewManager creates a session manager. An empty secret gets replaced by an
// ephemeral random key, which invalidates all sessions on restart.
func NewManager(cfg *config.SessionConfig, secureCookies bool) (*Manager, error) {
	secret := cfg.Secret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
		secret = string(buf)
		slog.Warn("session secret not configured, using ephemeral key")
	}

	// Derive a fixed-length hash key from the configured secret.
	hashKey := sha256.Sum256([]byte(secret))
	sc := securecookie.New(hashKey[:], nil)
	sc.MaxAge(cfg.MaxAge)

	return &Manager{
		sc:         sc,
		cookieName: cfg.CookieName,
		maxAge:     cfg.MaxAge,
		secure:     secureCookies,
	}, nil
}

// Create returns a signed session cookie binding the given user.
func (m *Manager) Create(userID int64, email string) (*http.Cookie, error) {
	encoded, err := m.sc.Encode(m.cookieName, &User{ID: userID, Email: email})
	if err != nil {
		return nil, fmt.Errorf("encoding session cookie: %w", err)
	}

	return &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   m.maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Clear returns a cookie that removes any existing session.
func (m *Manager) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// UserFromRequest decodes the session cookie of the request. It returns nil
// without error when no valid session is present.
func (m *Manager) UserFromRequest(r *http.Request) *User {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil
	}

	var user User
	if err := m.sc.Decode(m.cookieName, cookie.Value, &user); err != nil {
		return nil
	}
	if user.ID == 0 {
		return nil
	}
	return &user
}
