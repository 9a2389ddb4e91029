// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/gwlabs/maillink/internal/models"
)

// UpsertLoginToken stores the user's login token, overwriting any previous
// record for that user.
func (r *Repository) UpsertLoginToken(ctx context.Context, t *models.LoginToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_tokens (user_id, token, email, created_at, expires_at, used, used_at, issuing_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   token = excluded.token,
		   email = excluded.email,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at,
		   used = excluded.used,
		   used_at = excluded.used_at,
		   issuing_ip = excluded.issuing_ip`,
		t.UserID, t.Token, t.Email, t.CreatedAt, t.ExpiresAt, t.Used, t.UsedAt, t.IssuingIP)
	return err
}

// GetLoginToken retrieves the login token record of a user.
func (r *Repository) GetLoginToken(ctx context.Context, userID int64) (*models.LoginToken, error) {
	var token models.LoginToken
	if err := r.db.GetContext(ctx, &token, `SELECT * FROM login_tokens WHERE user_id = ?`, userID); err != nil {
		return nil, wrapError(err)
	}
	return &token, nil
}

// FindLoginTokenByValue retrieves the record holding the given token value.
func (r *Repository) FindLoginTokenByValue(ctx context.Context, token string) (*models.LoginToken, error) {
	var record models.LoginToken
	if err := r.db.GetContext(ctx, &record, `SELECT * FROM login_tokens WHERE token = ?`, token); err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

// ListLoginTokens returns all stored login token records.
func (r *Repository) ListLoginTokens(ctx context.Context) ([]models.LoginToken, error) {
	var tokens []models.LoginToken
	if err := r.db.SelectContext(ctx, &tokens, `SELECT * FROM login_tokens ORDER BY user_id`); err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeleteLoginToken deletes the login token record of a user.
func (r *Repository) DeleteLoginToken(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM login_tokens WHERE user_id = ?`, userID)
	return err
}

// MarkLoginTokenUsed marks the user's token as consumed. The update is
// conditional on the record still being unused, so two concurrent consumers
// see exactly one success. Returns false when no unused record existed.
func (r *Repository) MarkLoginTokenUsed(ctx context.Context, userID int64, usedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE login_tokens SET used = 1, used_at = ? WHERE user_id = ? AND used = 0`,
		usedAt, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteLoginTokenIfTerminal deletes the user's record only when it is still
// expired or used at the time of the delete. The condition keeps a sweep from
// racing a reissue that happened after the record was inspected.
func (r *Repository) DeleteLoginTokenIfTerminal(ctx context.Context, userID int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM login_tokens WHERE user_id = ? AND (expires_at < ? OR used = 1)`,
		userID, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
