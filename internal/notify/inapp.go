package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joescharf/wake/internal/models"
)

// InAppNotifier keeps alerts inside the application: foreground surfaces
// (the HTTP API, MCP tools) list them with Pending and answer with Select.
// It never needs platform permission, which makes it the fallback surface.
type InAppNotifier struct {
	mu      sync.Mutex
	pending map[string]*inAppAlert
}

type inAppAlert struct {
	alert Alert
	reply chan Selection
}

// NewInAppNotifier creates an empty in-app alert queue.
func NewInAppNotifier() *InAppNotifier {
	return &InAppNotifier{pending: make(map[string]*inAppAlert)}
}

func (n *InAppNotifier) Name() string { return "inapp" }

func (n *InAppNotifier) Permission(_ context.Context) (bool, error) { return true, nil }

func (n *InAppNotifier) ShowAlert(ctx context.Context, a Alert) (Selection, error) {
	p := &inAppAlert{alert: a, reply: make(chan Selection, 1)}

	n.mu.Lock()
	n.pending[a.SessionID] = p
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if n.pending[a.SessionID] == p {
			delete(n.pending, a.SessionID)
		}
		n.mu.Unlock()
	}()

	select {
	case sel := <-p.reply:
		return sel, nil
	case <-ctx.Done():
		return Selection{}, ctx.Err()
	}
}

// Pending lists the alerts currently waiting for an answer, oldest first.
func (n *InAppNotifier) Pending() []Alert {
	n.mu.Lock()
	out := make([]Alert, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p.alert)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Select answers the pending alert of a session.
func (n *InAppNotifier) Select(sessionID string, action Action, method models.TransitionMethod) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.pending[sessionID]
	if !ok {
		return fmt.Errorf("no pending alert for session %s", sessionID)
	}
	if !p.alert.Offers(action) {
		return fmt.Errorf("alert for session %s does not offer %s", sessionID, action)
	}
	delete(n.pending, sessionID)
	p.reply <- Selection{SessionID: sessionID, Action: action, Method: method}
	return nil
}
