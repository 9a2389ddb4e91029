// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package login_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/i18n"
	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/repository"
	"codeberg.org/gwlabs/maillink/internal/services/login"
	"codeberg.org/gwlabs/maillink/internal/services/session"
	"codeberg.org/gwlabs/maillink/internal/services/token"
	"codeberg.org/gwlabs/maillink/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	resolver *login.Resolver
	tokens   *token.Manager
	sessions *session.Manager
	repo     *repository.Repository
	echo     *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, i18n.Init())

	_, repo := testutil.NewTestDB(t)

	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: "https://site.example"},
		Session: config.SessionConfig{
			CookieName: "_session",
			Secret:     "test-secret",
			MaxAge:     3600,
		},
		MagicLogin: config.MagicLoginConfig{
			TokenExpiryHours:    24,
			LoggingEnabled:      true,
			RedirectDecodeDepth: 2,
		},
	}

	tokens := token.NewManager(repo, &cfg.MagicLogin)
	sessions, err := session.NewManager(&cfg.Session, false)
	require.NoError(t, err)

	return &fixture{
		resolver: login.NewResolver(tokens, sessions, repo, cfg),
		tokens:   tokens,
		sessions: sessions,
		repo:     repo,
		echo:     echo.New(),
	}
}

// request builds an Echo context for a path on the configured site host.
func (f *fixture) request(target string) (echo.Context, *httptest.ResponseRecorder) {
	c, rec := testutil.NewEchoContext(f.echo, http.MethodGet, target, nil)
	c.Request().Host = "site.example"
	return c, rec
}

func (f *fixture) attempts(t *testing.T) []models.LoginAttempt {
	t.Helper()
	attempts, err := f.repo.ListLoginAttempts(context.Background(), 100)
	require.NoError(t, err)
	return attempts
}

func TestProcess_NoTokenParameter(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request("/jobs/42?utm=x")
	handled, err := f.resolver.Process(c)

	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
	assert.Empty(t, f.attempts(t))
}

func TestProcess_GarbageToken(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request("/login?agw_token=%21%21%21")
	handled, err := f.resolver.Process(c)

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, http.StatusFound, rec.Code)
	// Magic params are stripped from the redirect back to the current page.
	assert.Equal(t, "http://site.example/login", rec.Header().Get(echo.HeaderLocation))

	attempts := f.attempts(t)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Equal(t, token.CodeInvalid, attempts[0].ErrorCode)
}

func TestProcess_UnknownToken(t *testing.T) {
	f := newFixture(t)

	c, rec := f.request("/login?agw_token=doesnotexist123")
	handled, err := f.resolver.Process(c)

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, http.StatusFound, rec.Code)

	attempts := f.attempts(t)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Equal(t, token.CodeInvalid, attempts[0].ErrorCode)
	assert.NotEmpty(t, attempts[0].ErrorMessage)
}

func TestProcess_SuccessfulLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	target := "/welcome?agw_token=" + tok +
		"&agw_redirect=" + url.QueryEscape("https://site.example/jobs/42?utm=x")
	c, rec := f.request(target)

	handled, err := f.resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://site.example/jobs/42?utm=x", rec.Header().Get(echo.HeaderLocation))

	// The response binds a session for the token's user.
	sessionUser := sessionFromResponse(t, f.sessions, rec)
	require.NotNil(t, sessionUser)
	assert.Equal(t, user.ID, sessionUser.ID)
	assert.Equal(t, user.Email, sessionUser.Email)

	record, err := f.repo.GetLoginToken(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, record.Used)

	attempts := f.attempts(t)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, user.ID, attempts[0].UserID)
}

func TestProcess_ReplayedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	c, _ := f.request("/login?agw_token=" + tok)
	handled, err := f.resolver.Process(c)
	require.NoError(t, err)
	require.True(t, handled)

	// The link is clicked a second time.
	c, rec := f.request("/login?agw_token=" + tok)
	handled, err = f.resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, http.StatusFound, rec.Code)

	// No session is issued on the replay.
	assert.Nil(t, sessionFromResponse(t, f.sessions, rec))

	attempts := f.attempts(t)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Equal(t, token.CodeUsed, attempts[0].ErrorCode)
}

func TestProcess_DoubleEncodedRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	// The destination arrives percent-encoded twice, as link trackers do it.
	c, rec := f.request("/login?agw_token=" + tok + "&agw_redirect=%252Fjobs%252F42")
	handled, err := f.resolver.Process(c)

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "/jobs/42", rec.Header().Get(echo.HeaderLocation))
}

func TestProcess_WrappedTrackerURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	target := "/login?agw_token=" + tok +
		"&url=" + url.QueryEscape("https://site.example/docs")
	c, rec := f.request(target)

	handled, err := f.resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "https://site.example/docs", rec.Header().Get(echo.HeaderLocation))
}

func TestProcess_RejectsExternalRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	target := "/login?agw_token=" + tok +
		"&agw_redirect=" + url.QueryEscape("https://evil.example/phish")
	c, rec := f.request(target)

	handled, err := f.resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)

	// The foreign host is ignored; the redirect stays on the current page
	// with the magic parameters removed.
	location := rec.Header().Get(echo.HeaderLocation)
	assert.Equal(t, "http://site.example/login", location)
}

func TestProcess_RejectsBackslashRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")

	// Browsers turn /\evil.com and //evil.com into a navigation to
	// evil.com; neither may survive as a redirect target.
	for _, encoded := range []string{
		"%2F%5Cevil.com",
		"%2F%2Fevil.com",
		"%252F%255Cevil.com",
	} {
		tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
		require.NoError(t, err)

		c, rec := f.request("/login?agw_token=" + tok + "&agw_redirect=" + encoded)
		handled, err := f.resolver.Process(c)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Equal(t, "http://site.example/login", rec.Header().Get(echo.HeaderLocation),
			"redirect=%s", encoded)
	}
}

func TestProcess_RedirectStripsMagicParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	target := "/login?agw_token=" + tok +
		"&agw_redirect=" + url.QueryEscape("https://site.example/jobs?agw_token=stale&page=2")
	c, rec := f.request(target)

	handled, err := f.resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "https://site.example/jobs?page=2", rec.Header().Get(echo.HeaderLocation))
}

func TestProcess_LoggingDisabled(t *testing.T) {
	require.NoError(t, i18n.Init())
	_, repo := testutil.NewTestDB(t)

	cfg := &config.Config{
		Server:     config.ServerConfig{BaseURL: "https://site.example"},
		Session:    config.SessionConfig{CookieName: "_session", Secret: "test-secret", MaxAge: 3600},
		MagicLogin: config.MagicLoginConfig{TokenExpiryHours: 24, RedirectDecodeDepth: 2},
	}
	tokens := token.NewManager(repo, &cfg.MagicLogin)
	sessions, err := session.NewManager(&cfg.Session, false)
	require.NoError(t, err)
	resolver := login.NewResolver(tokens, sessions, repo, cfg)

	c, _ := testutil.NewEchoContext(echo.New(), http.MethodGet, "/login?agw_token=unknowntoken", nil)
	handled, err := resolver.Process(c)
	require.NoError(t, err)
	assert.True(t, handled)

	attempts, err := repo.ListLoginAttempts(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestProcess_SuccessListener(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var notified int64
	f.resolver.OnLoginSuccess(func(userID int64, _ *models.LoginToken) { notified = userID })

	user := testutil.NewTestUser(t, f.repo, "a@example.com")
	tok, err := f.tokens.Generate(ctx, user.Email, user.ID, "")
	require.NoError(t, err)

	c, _ := f.request("/login?agw_token=" + tok)
	_, err = f.resolver.Process(c)
	require.NoError(t, err)

	assert.Equal(t, user.ID, notified)
}

// sessionFromResponse replays the response cookies against the session
// manager and returns the bound user, if any.
func sessionFromResponse(t *testing.T, sessions *session.Manager, rec *httptest.ResponseRecorder) *session.User {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Value != "" {
			req.AddCookie(cookie)
		}
	}
	return sessions.UserFromRequest(req)
}
