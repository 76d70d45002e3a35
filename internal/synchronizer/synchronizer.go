package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/sessions"
)

// SessionMachine is the part of sessions.Manager the synchronizer drives.
type SessionMachine interface {
	Converge(ctx context.Context, snap *models.AlarmSession) (*sessions.Result, error)
	Dismiss(ctx context.Context, sessionID string, method models.TransitionMethod) (*sessions.Result, error)
	Snooze(ctx context.Context, sessionID string, method models.TransitionMethod) (*sessions.Result, error)
	List(ctx context.Context, states ...models.SessionState) ([]*models.AlarmSession, error)
}

// DefinitionHandler applies a definition change observed in another context.
type DefinitionHandler func(ctx context.Context, m DefinitionChanged) error

// Synchronizer broadcasts this context's transitions and applies the ones
// other contexts broadcast. It never invents states: remote snapshots are
// only adopted through the session machine's convergence rule.
type Synchronizer struct {
	bus      Bus
	userID   string
	origin   string
	sessions SessionMachine
	defs     DefinitionHandler
	now      func() time.Time
	log      zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}

	// Delays between resubscription attempts.
	retryInitial time.Duration
	retryMax     time.Duration
}

// New creates a synchronizer for one context.
func New(bus Bus, userID, origin string, sm SessionMachine, defs DefinitionHandler, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		bus:      bus,
		userID:   userID,
		origin:   origin,
		sessions: sm,
		defs:     defs,
		now:      time.Now,
		log:      logger,
		ready:    make(chan struct{}),

		retryInitial: 250 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
}

// Ready is closed once Run has subscribed.
func (s *Synchronizer) Ready() <-chan struct{} { return s.ready }

// Broadcast publishes msg to every other context of the user.
func (s *Synchronizer) Broadcast(ctx context.Context, msg Message) error {
	env, err := Encode(s.origin, s.userID, msg, s.now())
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, Topic(s.userID), env); err != nil {
		return err
	}
	metrics.SyncMessagesTotal.WithLabelValues("out", string(msg.Kind())).Inc()
	return nil
}

// Observer returns a session observer that broadcasts local transitions.
func (s *Synchronizer) Observer() sessions.Observer {
	return func(ctx context.Context, c sessions.Change) {
		if !c.Local || c.Superseded {
			return
		}
		if err := s.Broadcast(ctx, MessageFor(c)); err != nil {
			s.log.Warn().Err(err).Str("session_id", c.Session.ID).Msg("broadcast failed")
		}
	}
}

// Run consumes the user's topic until ctx is done. Every subscription,
// including one made after the bus dropped the previous, starts by
// announcing this context's live sessions.
func (s *Synchronizer) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, Topic(s.userID))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		s.announce(ctx)
		s.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}

		s.log.Warn().Msg("subscription closed, resubscribing")
		sub, err = s.resubscribe(ctx)
		if err != nil {
			return nil
		}
	}
}

// consume returns when ctx is done or the subscription closes.
func (s *Synchronizer) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			s.Handle(ctx, env)
		}
	}
}

func (s *Synchronizer) resubscribe(ctx context.Context) (Subscription, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = s.retryMax

	return backoff.Retry(ctx, func() (Subscription, error) {
		return s.bus.Subscribe(ctx, Topic(s.userID))
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn().Err(err).Dur("retry_in", next).Msg("resubscribe failed")
		}),
	)
}

// announce resends the live sessions so contexts that missed a transition
// while this one was away converge. A context holding a newer state answers.
func (s *Synchronizer) announce(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	live, err := s.sessions.List(ctx, models.SessionStateRinging, models.SessionStateSnoozed)
	if err != nil {
		s.log.Warn().Err(err).Msg("list live sessions failed")
		return
	}
	for _, sess := range live {
		if err := s.Broadcast(ctx, SyncStateUpdate{Session: sess}); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("announce failed")
		}
	}
}

// Handle applies one envelope. Own messages and other users' messages are
// ignored; malformed ones are logged and dropped.
func (s *Synchronizer) Handle(ctx context.Context, env Envelope) {
	if env.Origin == s.origin || env.UserID != s.userID {
		return
	}
	msg, err := Decode(env)
	if err != nil {
		s.log.Warn().Err(err).Str("origin", env.Origin).Msg("dropping message")
		return
	}
	metrics.SyncMessagesTotal.WithLabelValues("in", string(msg.Kind())).Inc()

	if err := s.apply(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("kind", string(msg.Kind())).Str("origin", env.Origin).Msg("apply message failed")
	}
}

func (s *Synchronizer) apply(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case Trigger:
		return s.converge(ctx, m.Session)
	case SyncStateUpdate:
		return s.converge(ctx, m.Session)
	case Dismiss:
		if m.Session != nil {
			return s.converge(ctx, m.Session)
		}
		_, err := s.sessions.Dismiss(ctx, m.SessionID, methodOr(m.Method))
		return err
	case Snooze:
		if m.Session != nil {
			return s.converge(ctx, m.Session)
		}
		_, err := s.sessions.Snooze(ctx, m.SessionID, methodOr(m.Method))
		return err
	case DefinitionChanged:
		if s.defs != nil {
			return s.defs(ctx, m)
		}
	}
	return nil
}

// converge offers snap to the session machine. When this context already
// holds a newer state of the same session, the sender is behind and gets
// that state back.
func (s *Synchronizer) converge(ctx context.Context, snap *models.AlarmSession) error {
	if snap == nil {
		return errors.New("message without session")
	}
	res, err := s.sessions.Converge(ctx, snap)
	if err != nil {
		return err
	}
	cur := res.Session
	if res.Outcome != sessions.OutcomeNoop || cur == nil || cur.ID != snap.ID || !cur.Supersedes(snap) {
		return nil
	}
	return s.Broadcast(ctx, SyncStateUpdate{Session: cur})
}

func methodOr(m models.TransitionMethod) models.TransitionMethod {
	if m == "" {
		return models.MethodAPI
	}
	return m
}
