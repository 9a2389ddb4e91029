// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package login resolves inbound magic-link requests: token validation,
// session hand-off and the safe redirect afterwards.
package login

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/i18n"
	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/repository"
	"codeberg.org/gwlabs/maillink/internal/services/rewrite"
	"codeberg.org/gwlabs/maillink/internal/services/session"
	"codeberg.org/gwlabs/maillink/internal/services/token"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// WrappedURLParam carries the destination when an upstream link tracker
// wrapped the magic link.
const WrappedURLParam = "url"

// attemptRingCapacity bounds the audit log; the oldest entries give way.
const attemptRingCapacity = 1000

// SuccessListener observes completed logins.
type SuccessListener func(userID int64, record *models.LoginToken)

// Resolver drives a magic-link request from token detection to redirect.
type Resolver struct {
	tokens   *token.Manager
	sessions *session.Manager
	repo     *repository.Repository

	siteHost       string
	siteRoot       string
	loggingEnabled bool
	decodeDepth    int

	successListeners []SuccessListener
}

// NewResolver wires the resolver with its collaborators.
func NewResolver(tokens *token.Manager, sessions *session.Manager, repo *repository.Repository, cfg *config.Config) *Resolver {
	decodeDepth := cfg.MagicLogin.RedirectDecodeDepth
	if decodeDepth < 0 {
		decodeDepth = 0
	}

	siteRoot := strings.TrimSuffix(cfg.Server.BaseURL, "/")

	return &Resolver{
		tokens:         tokens,
		sessions:       sessions,
		repo:           repo,
		siteHost:       cfg.SiteHost(),
		siteRoot:       siteRoot,
		loggingEnabled: cfg.MagicLogin.LoggingEnabled,
		decodeDepth:    decodeDepth,
	}
}

// OnLoginSuccess registers a listener fired synchronously after a login.
func (rs *Resolver) OnLoginSuccess(fn SuccessListener) {
	rs.successListeners = append(rs.successListeners, fn)
}

// Process handles the request when it carries a magic-login token. It
// reports true when it emitted a redirect and the caller must not run any
// further handling, false when no token parameter was present at all.
func (rs *Resolver) Process(c echo.Context) (bool, error) {
	if !c.QueryParams().Has(rewrite.TokenParam) {
		return false, nil
	}

	tok := sanitizeToken(c.QueryParam(rewrite.TokenParam))
	if tok == "" {
		rs.logAttempt(c, 0, models.AttemptFailed, token.CodeInvalid, rs.failureMessage(c, token.CodeInvalid))
		return true, rs.redirect(c)
	}

	outcome, err := rs.tokens.Validate(c.Request().Context(), tok)
	if err != nil {
		// An unreadable store must never log anyone in.
		slog.Error("magic login: token validation failed", "error", err)
		rs.logAttempt(c, 0, models.AttemptFailed, token.CodeInvalid, rs.failureMessage(c, token.CodeInvalid))
		return true, rs.redirect(c)
	}

	if !outcome.Valid {
		rs.logAttempt(c, 0, models.AttemptFailed, outcome.Code, rs.failureMessage(c, outcome.Code))
		return true, rs.redirect(c)
	}

	// Consumption is conditional on the record still being unused, so of two
	// requests racing on the same token only one reaches the session below.
	if err := rs.tokens.Consume(c.Request().Context(), outcome.UserID); err != nil {
		rs.logAttempt(c, 0, models.AttemptFailed, token.CodeUsed, rs.failureMessage(c, token.CodeUsed))
		return true, rs.redirect(c)
	}

	rs.logAttempt(c, outcome.UserID, models.AttemptSuccess, "", "")

	// Drop any prior session before binding the new one.
	c.SetCookie(rs.sessions.Clear())
	cookie, err := rs.sessions.Create(outcome.UserID, outcome.Record.Email)
	if err != nil {
		slog.Error("magic login: session creation failed", "error", err, "user_id", outcome.UserID)
		return true, rs.redirect(c)
	}
	c.SetCookie(cookie)

	for _, fn := range rs.successListeners {
		fn(outcome.UserID, outcome.Record)
	}

	return true, rs.redirect(c)
}

// redirect sends the request to the first safe target: the redirect
// parameter, the wrapped tracker URL, the current URL without magic
// parameters, or the site root.
func (rs *Resolver) redirect(c echo.Context) error {
	return c.Redirect(http.StatusFound, rs.redirectTarget(c))
}

func (rs *Resolver) redirectTarget(c echo.Context) string {
	for _, param := range []string{rewrite.RedirectParam, WrappedURLParam} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		// The decoded value is checked before stripping: stripping rebuilds
		// the URL with percent-encoding, which would mask a raw backslash.
		decoded := rs.decodeParam(raw)
		if !rs.isLocal(decoded, c) {
			continue
		}
		candidate := rewrite.StripMagicParams(decoded)
		if candidate != "" && rs.isLocal(candidate, c) {
			return candidate
		}
	}

	if current := rs.currentURLWithoutMagicParams(c); current != "" && rs.isLocal(current, c) {
		return current
	}

	return rs.siteRoot
}

// decodeParam undoes up to decodeDepth levels of percent-encoding, stopping
// early once the value no longer changes. Upstream trackers tend to encode
// the destination a second time.
func (rs *Resolver) decodeParam(value string) string {
	decoded := value
	for i := 0; i < rs.decodeDepth; i++ {
		next, err := url.QueryUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

// isLocal accepts host-relative paths and hosts matching either the
// configured site or the host this request arrived on.
func (rs *Resolver) isLocal(rawurl string, c echo.Context) bool {
	// Browsers normalize backslashes to slashes, so /\evil.com navigates to
	// the scheme-relative //evil.com even though url.Parse sees a plain
	// host-relative path.
	if strings.Contains(rawurl, "\\") || strings.HasPrefix(rawurl, "//") {
		return false
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	if u.Host == "" {
		return true
	}
	return u.Host == rs.siteHost || u.Host == c.Request().Host
}

func (rs *Resolver) currentURLWithoutMagicParams(c echo.Context) string {
	req := c.Request()
	if req.Host == "" || req.RequestURI == "" {
		return ""
	}
	current := c.Scheme() + "://" + req.Host + req.RequestURI
	return rewrite.StripMagicParams(current)
}

func (rs *Resolver) failureMessage(c echo.Context, code string) string {
	ctx := c.Request().Context()
	switch code {
	case token.CodeExpired:
		return i18n.T(ctx, "login_link_expired")
	case token.CodeUsed:
		return i18n.T(ctx, "login_link_used")
	default:
		return i18n.T(ctx, "login_link_invalid")
	}
}

func (rs *Resolver) logAttempt(c echo.Context, userID int64, status, code, message string) {
	if !rs.loggingEnabled {
		return
	}

	attempt := &models.LoginAttempt{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       status,
		IPAddress:    c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
		CreatedAt:    time.Now(),
		ErrorCode:    code,
		ErrorMessage: message,
	}

	if err := rs.repo.InsertLoginAttempt(c.Request().Context(), attempt, attemptRingCapacity); err != nil {
		slog.Warn("magic login: failed to record attempt", "error", err)
	}
}

// sanitizeToken reduces the raw parameter to the token alphabet. Anything
// else in the value is attacker-controlled noise.
func sanitizeToken(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
