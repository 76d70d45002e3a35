package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/wake/internal/agent"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/notify"
	"github.com/joescharf/wake/internal/reconcile"
	"github.com/joescharf/wake/internal/sessions"
	"github.com/joescharf/wake/internal/store"
	"github.com/joescharf/wake/internal/synchronizer"
)

// onTrigger turns an agent trigger into a session transition.
func (e *Engine) onTrigger(ctx context.Context, t agent.Trigger) {
	var (
		res *sessions.Result
		err error
	)
	switch t.Kind {
	case agent.KindOccurrence:
		res, err = e.sessions.Trigger(ctx, t.AlarmID, t.FireAt)
	case agent.KindSnooze:
		res, err = e.sessions.Rering(ctx, t.SessionID, t.FireAt)
	default:
		err = fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	if err != nil {
		e.log.Error().Err(err).Str("alarm_id", t.AlarmID).Str("session_id", t.SessionID).Msg("trigger failed")
		return
	}
	e.log.Debug().
		Str("alarm_id", t.AlarmID).
		Str("session_id", res.Session.ID).
		Str("state", string(res.Session.State)).
		Str("outcome", string(res.Outcome)).
		Msg("trigger handled")
}

// onSelect feeds the user's answer to an alert into the session machine.
func (e *Engine) onSelect(ctx context.Context, sel notify.Selection) {
	var (
		res *sessions.Result
		err error
	)
	switch sel.Action {
	case notify.ActionDismiss:
		res, err = e.sessions.Dismiss(ctx, sel.SessionID, sel.Method)
	case notify.ActionSnooze:
		res, err = e.sessions.Snooze(ctx, sel.SessionID, sel.Method)
	default:
		err = fmt.Errorf("unknown action %q", sel.Action)
	}
	if err != nil {
		e.log.Error().Err(err).Str("session_id", sel.SessionID).Msg("alert answer failed")
		return
	}
	if res.Outcome == sessions.OutcomeRejected {
		e.log.Warn().Str("session_id", sel.SessionID).Str("reason", res.Reason).Msg("no more snoozes")
		// Put the alert back up; only dismiss is offered now.
		if res.Session.State == models.SessionStateRinging {
			e.alert(ctx, res.Session)
		}
	}
}

// observe reacts to every accepted transition, local or converged.
// It runs under the session machine's lock and must not call back into it.
func (e *Engine) observe(ctx context.Context, c sessions.Change) {
	s := c.Session
	if c.Superseded {
		e.agent.CancelSnooze(s.ID)
		e.dispatcher.Withdraw(s.ID)
		return
	}
	e.events.PublishTransition(c.Event)

	switch s.State {
	case models.SessionStateRinging:
		e.agent.CancelSnooze(s.ID)
		e.alert(ctx, s)
	case models.SessionStateSnoozed:
		e.dispatcher.Withdraw(s.ID)
		if s.SnoozedUntil != nil {
			e.agent.ScheduleSnooze(s.ID, s.AlarmID, *s.SnoozedUntil)
		}
	case models.SessionStateDismissed, models.SessionStateSuppressed:
		e.agent.CancelSnooze(s.ID)
		e.dispatcher.Withdraw(s.ID)
	}

	if !c.Local {
		return
	}
	var op models.MutationOp
	switch s.State {
	case models.SessionStateDismissed:
		op = models.MutationDismiss
	case models.SessionStateSnoozed:
		op = models.MutationSnooze
	default:
		return
	}
	if err := e.enqueue(ctx, &models.PendingMutation{AlarmID: s.AlarmID, Op: op, Session: s.Clone()}); err != nil {
		e.log.Error().Err(err).Str("session_id", s.ID).Msg("queue session outcome failed")
		return
	}
	e.notifyReconciler()
}

// alert shows a ringing session. A session whose definition this context
// does not have is still shown, titled from its fire instant.
func (e *Engine) alert(ctx context.Context, s *models.AlarmSession) {
	def, err := e.store.GetAlarm(ctx, s.AlarmID)
	if err != nil {
		ft := s.FireAt
		def = &models.AlarmDefinition{
			ID:        s.AlarmID,
			TimeOfDay: models.TimeOfDay{Hour: ft.Hour(), Minute: ft.Minute(), Second: ft.Second()},
			Date:      ft.Format(models.DateLayout),
		}
	}
	e.dispatcher.Dispatch(ctx, notify.NewAlert(def, s))
}

// applyDefinition applies a definition change broadcast by another context.
// The agent is always rescheduled: a context sharing this cache may already
// have written the row.
func (e *Engine) applyDefinition(ctx context.Context, m synchronizer.DefinitionChanged) error {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	if m.Deleted {
		if err := e.store.DeleteAlarm(ctx, m.AlarmID); err != nil {
			return err
		}
		e.agent.Cancel(m.AlarmID)
		return nil
	}

	def := m.Definition.Clone()
	if def.UserID != e.uc.UserID {
		return fmt.Errorf("definition %s belongs to another user", def.ID)
	}
	cur, err := e.store.GetAlarm(ctx, def.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := e.clock.Now().UTC()
		def.LastFiredAt = &now
	case err != nil:
		return err
	case !reconcile.Newer(def, cur):
		return e.agent.Reschedule(ctx, def.ID)
	default:
		def.LastFiredAt = cur.LastFiredAt
	}
	if err := e.store.PutAlarm(ctx, def); err != nil {
		return err
	}
	return e.agent.Reschedule(ctx, def.ID)
}

// onRemoteChanged runs after the reconciler pulled a definition.
func (e *Engine) onRemoteChanged(ctx context.Context, def *models.AlarmDefinition) {
	if err := e.agent.Reschedule(ctx, def.ID); err != nil {
		e.log.Warn().Err(err).Str("alarm_id", def.ID).Msg("alarm cannot be scheduled")
	}
	e.broadcast(ctx, synchronizer.DefinitionChanged{AlarmID: def.ID, Definition: def})
}

// onRemoteRemoved runs after the reconciler deleted a definition the remote
// store no longer has.
func (e *Engine) onRemoteRemoved(ctx context.Context, alarmID string) {
	e.agent.Cancel(alarmID)
	e.broadcast(ctx, synchronizer.DefinitionChanged{AlarmID: alarmID, Deleted: true})
}

// onRemoteSession converges a session snapshot pulled from the remote store.
// Finished snapshots are adopted too: they keep a late firing of the same
// occurrence from ringing here.
func (e *Engine) onRemoteSession(ctx context.Context, snap *models.AlarmSession) bool {
	if snap.UserID != e.uc.UserID || snap.FireAt.Before(e.retentionCutoff()) {
		return false
	}
	res, err := e.sessions.Converge(ctx, snap)
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", snap.ID).Msg("remote session not applied")
		return false
	}
	return res.Outcome == sessions.OutcomeApplied
}

// onRescan runs on the agent's periodic rescan. A short-lived process
// sharing the cache (the CLI) may have answered an alert this process shows.
func (e *Engine) onRescan(ctx context.Context) {
	if _, err := e.sessions.Rescan(ctx); err != nil {
		e.log.Warn().Err(err).Msg("session rescan failed")
	}
	e.prune(ctx)
}

// prune drops finished sessions past retention. With a remote store the
// reconciler prunes as well.
func (e *Engine) prune(ctx context.Context) {
	n, err := e.store.PruneSessions(ctx, e.uc.UserID, e.retentionCutoff())
	if err != nil {
		e.log.Warn().Err(err).Msg("prune sessions failed")
		return
	}
	if n > 0 {
		e.log.Debug().Int64("pruned", n).Msg("pruned finished sessions")
	}
}

func (e *Engine) retentionCutoff() time.Time {
	return e.clock.Now().Add(-models.TerminalRetention)
}
