// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package token manages the lifecycle of magic-login tokens: issuance,
// validation, consumption and cleanup.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/repository"
)

// Length is the number of characters of an issued token.
const Length = 32

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Validation error kinds. They never reach the user directly; the resolver
// collapses all of them into one generic message.
var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenAlreadyUsed = errors.New("token already used")
	ErrMalformedToken   = errors.New("malformed token")
)

// Error codes recorded in the audit ring.
const (
	CodeInvalid = "invalid"
	CodeExpired = "expired"
	CodeUsed    = "used"
)

// Outcome is the result of validating a token.
type Outcome struct {
	Valid  bool
	Code   string // set on invalid outcomes: invalid, expired, used
	UserID int64
	Record *models.LoginToken
}

// CreatedListener observes token issuance.
type CreatedListener func(token string, userID int64, record *models.LoginToken)

// UsedListener observes token consumption.
type UsedListener func(userID int64, record *models.LoginToken)

// SweepListener observes completed cleanup runs.
type SweepListener func(deleted int)

// Stats aggregates the state of all stored token records.
type Stats struct {
	Total   int `json:"total"`
	Used    int `json:"used"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Manager issues and validates magic-login tokens. It is the only writer of
// login token records.
type Manager struct {
	repo        *repository.Repository
	expiryHours int

	createdListeners []CreatedListener
	usedListeners    []UsedListener
	sweepListeners   []SweepListener
}

// NewManager creates a token manager. The expiry from the configuration is
// clamped to the supported range.
func NewManager(repo *repository.Repository, cfg *config.MagicLoginConfig) *Manager {
	return &Manager{
		repo:        repo,
		expiryHours: config.ClampExpiryHours(cfg.TokenExpiryHours),
	}
}

// OnTokenCreated registers a listener fired synchronously after issuance.
func (m *Manager) OnTokenCreated(fn CreatedListener) {
	m.createdListeners = append(m.createdListeners, fn)
}

// OnTokenUsed registers a listener fired synchronously after consumption.
func (m *Manager) OnTokenUsed(fn UsedListener) {
	m.usedListeners = append(m.usedListeners, fn)
}

// OnSweepDone registers a listener fired synchronously after each sweep.
func (m *Manager) OnSweepDone(fn SweepListener) {
	m.sweepListeners = append(m.sweepListeners, fn)
}

// Generate issues a fresh token for the user, overwriting any previous
// record. The email is stored as a snapshot alongside the token.
func (m *Manager) Generate(ctx context.Context, email string, userID int64, issuingIP string) (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	now := time.Now()
	record := &models.LoginToken{
		UserID:    userID,
		Token:     tok,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(m.expiryHours) * time.Hour),
		IssuingIP: issuingIP,
	}

	if err := m.repo.UpsertLoginToken(ctx, record); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}

	for _, fn := range m.createdListeners {
		fn(tok, userID, record)
	}

	return tok, nil
}

// Validate resolves a token value to its record. Records found in a terminal
// state are deleted on the spot, so a replayed token can never probe the same
// outcome twice. The returned error is reserved for storage failures; a bad
// token is reported through the outcome.
func (m *Manager) Validate(ctx context.Context, tok string) (*Outcome, error) {
	if tok == "" {
		return &Outcome{Code: CodeInvalid}, nil
	}

	record, err := m.repo.FindLoginTokenByValue(ctx, tok)
	if errors.Is(err, repository.ErrNotFound) {
		return &Outcome{Code: CodeInvalid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	now := time.Now()
	if record.Expired(now) {
		if err := m.repo.DeleteLoginToken(ctx, record.UserID); err != nil {
			return nil, fmt.Errorf("deleting expired token: %w", err)
		}
		return &Outcome{Code: CodeExpired}, nil
	}

	if record.Used {
		if err := m.repo.DeleteLoginToken(ctx, record.UserID); err != nil {
			return nil, fmt.Errorf("deleting used token: %w", err)
		}
		return &Outcome{Code: CodeUsed}, nil
	}

	return &Outcome{Valid: true, UserID: record.UserID, Record: record}, nil
}

// Consume marks the user's token as used. The underlying update only
// succeeds while the record is still unused, so of two concurrent consumers
// exactly one wins. Consuming without a live record fails with
// ErrTokenNotFound.
func (m *Manager) Consume(ctx context.Context, userID int64) error {
	ok, err := m.repo.MarkLoginTokenUsed(ctx, userID, time.Now())
	if err != nil {
		return fmt.Errorf("consuming token: %w", err)
	}
	if !ok {
		return ErrTokenNotFound
	}

	if len(m.usedListeners) > 0 {
		record, err := m.repo.GetLoginToken(ctx, userID)
		if err == nil {
			for _, fn := range m.usedListeners {
				fn(userID, record)
			}
		}
	}

	return nil
}

// Sweep removes all expired or consumed records and reports how many were
// deleted. Failures on individual records are logged and skipped; the sweep
// is idempotent and safe to run concurrently with live validations because
// the delete re-checks the terminal state.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	records, err := m.repo.ListLoginTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tokens: %w", err)
	}

	now := time.Now()
	deleted := 0
	for i := range records {
		record := &records[i]
		if !record.Expired(now) && !record.Used {
			continue
		}
		ok, err := m.repo.DeleteLoginTokenIfTerminal(ctx, record.UserID, now)
		if err != nil {
			slog.Warn("sweep: failed to delete token record", "user_id", record.UserID, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}

	for _, fn := range m.sweepListeners {
		fn(deleted)
	}

	return deleted, nil
}

// Statistics classifies every stored record in a single pass.
func (m *Manager) Statistics(ctx context.Context) (Stats, error) {
	records, err := m.repo.ListLoginTokens(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing tokens: %w", err)
	}

	now := time.Now()
	stats := Stats{Total: len(records)}
	for i := range records {
		switch record := &records[i]; {
		case record.Used:
			stats.Used++
		case record.Expired(now):
			stats.Expired++
		default:
			stats.Active++
		}
	}

	return stats, nil
}

// randomToken draws Length characters from the alphanumeric alphabet using
// crypto/rand. Bytes at or above the largest multiple of the alphabet size
// are rejected, keeping the distribution uniform.
func randomToken() (string, error) {
	const limit = byte(256 - 256%len(alphabet))

	out := make([]byte, 0, Length)
	buf := make([]byte, Length)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}
