// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/repository"
	"codeberg.org/gwlabs/maillink/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToken(userID int64, email, value string, expiresAt time.Time) *models.LoginToken {
	now := time.Now()
	return &models.LoginToken{
		UserID:    userID,
		Token:     value,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		IssuingIP: "203.0.113.7",
	}
}

func TestUpsertLoginToken(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "a@example.com")
	expiresAt := time.Now().Add(24 * time.Hour)

	err := repo.UpsertLoginToken(ctx, newToken(user.ID, user.Email, "tokenvalue1", expiresAt))
	require.NoError(t, err)

	stored, err := repo.GetLoginToken(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "tokenvalue1", stored.Token)
	assert.Equal(t, user.Email, stored.Email)
	assert.False(t, stored.Used)
	assert.WithinDuration(t, expiresAt, stored.ExpiresAt, time.Second)
}

func TestUpsertLoginToken_OverwritesPreviousRecord(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "a@example.com")
	expiresAt := time.Now().Add(24 * time.Hour)

	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(user.ID, user.Email, "firsttoken", expiresAt)))
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(user.ID, user.Email, "secondtoken", expiresAt)))

	stored, err := repo.GetLoginToken(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "secondtoken", stored.Token)

	// The first token no longer resolves.
	_, err = repo.FindLoginTokenByValue(ctx, "firsttoken")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFindLoginTokenByValue(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "a@example.com")
	expiresAt := time.Now().Add(time.Hour)
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(user.ID, user.Email, "findme", expiresAt)))

	stored, err := repo.FindLoginTokenByValue(ctx, "findme")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)

	_, err = repo.FindLoginTokenByValue(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkLoginTokenUsed(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "a@example.com")
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(user.ID, user.Email, "tok", time.Now().Add(time.Hour))))

	ok, err := repo.MarkLoginTokenUsed(ctx, user.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.GetLoginToken(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.Used)
	require.NotNil(t, stored.UsedAt)

	// A second consume finds no unused record.
	ok, err = repo.MarkLoginTokenUsed(ctx, user.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkLoginTokenUsed_NoRecord(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	ok, err := repo.MarkLoginTokenUsed(context.Background(), 4711, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteLoginTokenIfTerminal(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	expired := testutil.NewTestUser(t, repo, "expired@example.com")
	active := testutil.NewTestUser(t, repo, "active@example.com")

	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(expired.ID, expired.Email, "expiredtok", time.Now().Add(-time.Hour))))
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(active.ID, active.Email, "activetok", time.Now().Add(time.Hour))))

	ok, err := repo.DeleteLoginTokenIfTerminal(ctx, expired.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// A live record survives the conditional delete.
	ok, err = repo.DeleteLoginTokenIfTerminal(ctx, active.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.GetLoginToken(ctx, active.ID)
	require.NoError(t, err)
}

func TestListLoginTokens(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := testutil.NewTestUser(t, repo, "a@example.com")
	b := testutil.NewTestUser(t, repo, "b@example.com")
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(a.ID, a.Email, "tok1", time.Now().Add(time.Hour))))
	require.NoError(t, repo.UpsertLoginToken(ctx, newToken(b.ID, b.Email, "tok2", time.Now().Add(time.Hour))))

	tokens, err := repo.ListLoginTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
