package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.True(t, IsSQLiteConflictError(errors.New("exec: SQLITE_BUSY (5)")))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked")))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
	assert.False(t, IsSQLiteConflictError(nil))
}

func TestRetryOnConflictRetriesBusyOnly(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := RetryOnConflict(context.Background(), policy, "busy", func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryOnConflict(context.Background(), policy, "fatal", func() error {
		calls++
		return errors.New("disk I/O error")
	})
	assert.EqualError(t, err, "disk I/O error")
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "busy", func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDefaultRetryPolicyAttempts(t *testing.T) {
	calls := 0
	start := time.Now()
	err := RetryOnConflict(context.Background(), DefaultRetryPolicy, "busy", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	// Two sleeps: 50ms then 100ms.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}
