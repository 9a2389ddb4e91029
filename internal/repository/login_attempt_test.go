// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttempt(userID int64, status string) *models.LoginAttempt {
	return &models.LoginAttempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    status,
		IPAddress: "203.0.113.7",
		UserAgent: "test-agent",
		CreatedAt: time.Now(),
	}
}

func TestInsertLoginAttempt(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	err := repo.InsertLoginAttempt(ctx, newAttempt(1, models.AttemptSuccess), 1000)
	require.NoError(t, err)

	attempts, err := repo.ListLoginAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, int64(1), attempts[0].UserID)
	assert.Equal(t, models.AttemptSuccess, attempts[0].Status)
}

func TestInsertLoginAttempt_EvictsOldestAtCapacity(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	const capacity = 5
	for i := 0; i < capacity+3; i++ {
		attempt := newAttempt(int64(i), models.AttemptFailed)
		attempt.ErrorCode = fmt.Sprintf("code-%d", i)
		require.NoError(t, repo.InsertLoginAttempt(ctx, attempt, capacity))
	}

	count, err := repo.CountLoginAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(capacity), count)

	// The survivors are the newest entries, newest first.
	attempts, err := repo.ListLoginAttempts(ctx, capacity)
	require.NoError(t, err)
	require.Len(t, attempts, capacity)
	assert.Equal(t, "code-7", attempts[0].ErrorCode)
	assert.Equal(t, "code-3", attempts[capacity-1].ErrorCode)
}

func TestListLoginAttempts_Limit(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.InsertLoginAttempt(ctx, newAttempt(int64(i), models.AttemptSuccess), 1000))
	}

	attempts, err := repo.ListLoginAttempts(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}
