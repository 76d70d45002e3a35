package agent

import (
	"time"

	"github.com/joescharf/wake/internal/models"
)

// Kind distinguishes the two sorts of heap entries.
type Kind string

const (
	// KindOccurrence is a ScheduledOccurrence computed from a definition.
	KindOccurrence Kind = "occurrence"
	// KindSnooze is the wake-up of a snoozed session.
	KindSnooze Kind = "snooze"
)

type entry struct {
	kind      Kind
	alarmID   string
	sessionID string
	at        time.Time
	def       *models.AlarmDefinition // occurrences only; used to compute the next one
	index     int
}

// entryHeap is a container/heap min-heap ordered by fire instant.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	if h[i].alarmID != h[j].alarmID {
		return h[i].alarmID < h[j].alarmID
	}
	return h[i].sessionID < h[j].sessionID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
