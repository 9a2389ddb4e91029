// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"

	"codeberg.org/gwlabs/maillink/internal/models"
)

// InsertLoginAttempt appends an attempt record and evicts the oldest rows
// once the table exceeds capacity (bounded ring semantics).
func (r *Repository) InsertLoginAttempt(ctx context.Context, attempt *models.LoginAttempt, capacity int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_attempts (id, user_id, status, ip_address, user_agent, created_at, error_code, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.UserID, attempt.Status, attempt.IPAddress,
		attempt.UserAgent, attempt.CreatedAt, attempt.ErrorCode, attempt.ErrorMessage)
	if err != nil {
		return err
	}

	// Insertion order equals rowid order, so the ring trims by rowid.
	_, err = r.db.ExecContext(ctx,
		`DELETE FROM login_attempts WHERE rowid NOT IN
		   (SELECT rowid FROM login_attempts ORDER BY rowid DESC LIMIT ?)`,
		capacity)
	return err
}

// ListLoginAttempts returns the most recent attempts, newest first.
func (r *Repository) ListLoginAttempts(ctx context.Context, limit int) ([]models.LoginAttempt, error) {
	var attempts []models.LoginAttempt
	err := r.db.SelectContext(ctx, &attempts,
		`SELECT * FROM login_attempts ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// CountLoginAttempts returns the number of stored attempt records.
func (r *Repository) CountLoginAttempts(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM login_attempts`); err != nil {
		return 0, err
	}
	return count, nil
}
