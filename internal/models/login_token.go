// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// LoginToken is the single live magic-login token of a user. A new issuance
// overwrites the previous row, so there is at most one record per user.
type LoginToken struct { //nolint:govet // fieldalignment: readability over optimization
	UserID    int64      `db:"user_id" json:"user_id"`
	Token     string     `db:"token" json:"-"`
	Email     string     `db:"email" json:"email"` // snapshot at issuance
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	Used      bool       `db:"used" json:"used"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
	IssuingIP string     `db:"issuing_ip" json:"issuing_ip"`
}

// Expired reports whether the token's deadline has passed at the given time.
func (t *LoginToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}
