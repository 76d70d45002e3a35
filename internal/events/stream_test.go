package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/models"
)

func TestStream_FanOut(t *testing.T) {
	s := NewStream(4)
	a, closeA := s.Subscribe()
	b, closeB := s.Subscribe()
	defer closeA()
	defer closeB()

	s.PublishTransition(models.TransitionEvent{
		SessionID: "s1", AlarmID: "a1",
		From: models.SessionStateRinging, To: models.SessionStateDismissed,
		Method: models.MethodVoice, Counter: 2,
		Timestamp: time.Date(2026, 10, 19, 7, 1, 0, 0, time.UTC),
	})
	s.PublishLoss(models.ReconciliationLoss{AlarmID: "a1", MutationID: "m1", Discarded: true, Reason: "deleted"})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, TypeTransition, e.Type)
		require.NotNil(t, e.Transition)
		assert.Equal(t, models.SessionStateDismissed, e.Transition.To)
		assert.Nil(t, e.Loss)

		e = <-ch
		assert.Equal(t, TypeReconciliationLoss, e.Type)
		require.NotNil(t, e.Loss)
		assert.True(t, e.Loss.Discarded)
	}
}

func TestStream_SlowSubscriberDrops(t *testing.T) {
	s := NewStream(2)
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		s.PublishLoss(models.ReconciliationLoss{AlarmID: "a1"})
	}
	assert.Len(t, ch, 2)
}

func TestStream_Unsubscribe(t *testing.T) {
	s := NewStream(0)
	ch, unsubscribe := s.Subscribe()
	assert.Equal(t, 1, s.Subscribers())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, s.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	s.PublishLoss(models.ReconciliationLoss{AlarmID: "a1"})
}
