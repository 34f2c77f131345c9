package util

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDatabaseLocked(t *testing.T) {
	assert.False(t, IsDatabaseLocked(nil))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
	assert.True(t, IsDatabaseLocked(errors.New("database is locked")))
	assert.True(t, IsDatabaseLocked(fmt.Errorf("exec: %w", errors.New("SQLITE_BUSY: busy"))))
}

func TestRetryOnlyLockErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	}, LockRetry(ctx, "test")...)
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("constraint failed")
	err = Retry(ctx, func() error {
		calls++
		return boom
	}, LockRetry(ctx, "test")...)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
