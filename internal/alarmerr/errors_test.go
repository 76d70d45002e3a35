package alarmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("replay: %w", SyncConflict("a1", "deleted remotely"))
	assert.True(t, IsCode(err, CodeSyncConflict))
	assert.False(t, IsCode(err, CodeDelivery))
	assert.False(t, IsCode(errors.New("plain"), CodeSyncConflict))
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("upsert: %w", Retryable("remote unavailable", base))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(ReconciliationFailure("a1", "rejected", nil)))
}

func TestError_Message(t *testing.T) {
	err := TransitionRejected("s1", "snooze_limit_reached")
	assert.Equal(t, "TRANSITION_REJECTED: snooze_limit_reached (session=s1)", err.Error())

	err = Scheduling("a1", errors.New("bad date"))
	assert.Equal(t, "SCHEDULING: recurrence cannot be resolved (alarm=a1): bad date", err.Error())
}
