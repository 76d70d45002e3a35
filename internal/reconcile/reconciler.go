// Package reconcile replays the offline mutation queue against the remote
// store and pulls remote-only changes back into the local cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
)

// RemoteStore is the authoritative store. Every write is idempotent under key.
type RemoteStore interface {
	FetchAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error)
	UpsertAlarm(ctx context.Context, def *models.AlarmDefinition, key string) error
	DeleteAlarm(ctx context.Context, userID, alarmID, key string) error
	RecordSession(ctx context.Context, s *models.AlarmSession, key string) error
	FetchSessions(ctx context.Context, userID string) ([]*models.AlarmSession, error)
}

// Store is the part of the local cache the reconciler uses.
type Store interface {
	ListMutations(ctx context.Context, userID string) ([]*models.PendingMutation, error)
	CountMutations(ctx context.Context, userID string) (int, error)
	RecordMutationAttempt(ctx context.Context, seq int64, lastErr string) error
	DeleteMutation(ctx context.Context, seq int64) error
	MarkSessionSynced(ctx context.Context, id string, counter int64) error
	PruneSessions(ctx context.Context, userID string, before time.Time) (int64, error)

	ListAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error)
	PutAlarm(ctx context.Context, def *models.AlarmDefinition) error
	DeleteAlarm(ctx context.Context, id string) error
}

// Hooks let the owner react to cache changes the reconciler makes. Any may be nil.
type Hooks struct {
	// AlarmChanged runs after a remote definition was written to the cache.
	AlarmChanged func(ctx context.Context, def *models.AlarmDefinition)
	// AlarmRemoved runs after a definition was deleted from the cache
	// because the remote store no longer has it.
	AlarmRemoved func(ctx context.Context, alarmID string)
	// Loss runs for every discarded mutation.
	Loss func(ctx context.Context, loss models.ReconciliationLoss)
	// Session offers a remote session snapshot to the session machine and
	// reports whether it was adopted. Pulls recover outcomes whose broadcast
	// this context missed.
	Session func(ctx context.Context, snap *models.AlarmSession) bool
}

// Config tunes retries and scheduling.
type Config struct {
	UserID         string
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Concurrency    int
	Interval       time.Duration
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

func (c *Config) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Report summarizes one drain.
type Report struct {
	Applied  int
	Kept     int
	Losses   []models.ReconciliationLoss
	Failures []error
	Pull     *PullReport

	mu sync.Mutex
}

func (r *Report) applied() {
	r.mu.Lock()
	r.Applied++
	r.mu.Unlock()
}

func (r *Report) kept(n int) {
	r.mu.Lock()
	r.Kept += n
	r.mu.Unlock()
}

func (r *Report) lost(loss models.ReconciliationLoss, failure error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Losses = append(r.Losses, loss)
	if failure != nil {
		r.Failures = append(r.Failures, failure)
	}
}

// PullReport summarizes one pull.
type PullReport struct {
	Added     int
	Updated   int
	Removed   int
	Converged int
	Pruned    int64
}

// Reconciler drains one user's queue.
type Reconciler struct {
	store  Store
	remote RemoteStore
	hooks  Hooks
	cfg    Config
	log    zerolog.Logger

	drainMu sync.Mutex
	notify  chan struct{}
}

func New(s Store, remote RemoteStore, hooks Hooks, cfg Config) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		store:  s,
		remote: remote,
		hooks:  hooks,
		cfg:    cfg,
		log:    cfg.Logger,
		notify: make(chan struct{}, 1),
	}
}

// Notify requests a sync pass, e.g. after connectivity was restored or a
// mutation was queued. It never blocks; requests coalesce.
func (r *Reconciler) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run syncs once, then on every Notify and interval tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		t := r.cfg.Clock.NewTicker(r.cfg.Interval)
		defer t.Stop()
		tick = t.Chan()
	}

	for {
		if _, err := r.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Msg("sync pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.notify:
		case <-tick:
		}
	}
}

// Sync drains the queue and, when nothing is left pending, pulls.
func (r *Reconciler) Sync(ctx context.Context) (*Report, error) {
	rep, err := r.Drain(ctx)
	if err != nil {
		return rep, err
	}
	if rep.Kept > 0 {
		return rep, nil
	}
	pull, err := r.Pull(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pull = pull
	return rep, nil
}

// Drain replays the queue. Mutations of one alarm are replayed strictly in
// sequence order; different alarms proceed concurrently.
func (r *Reconciler) Drain(ctx context.Context) (*Report, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	rep := &Report{}
	muts, err := r.store.ListMutations(ctx, r.cfg.UserID)
	if err != nil {
		return rep, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groupByAlarm(muts) {
		g.Go(func() error { return r.replay(gctx, group, rep) })
	}
	err = g.Wait()

	if n, cerr := r.store.CountMutations(ctx, r.cfg.UserID); cerr == nil {
		metrics.PendingMutations.Set(float64(n))
	}
	if len(muts) > 0 {
		r.log.Info().
			Int("applied", rep.Applied).
			Int("kept", rep.Kept).
			Int("discarded", len(rep.Losses)).
			Msg("queue drained")
	}
	return rep, err
}

// groupByAlarm splits a seq-ordered queue into per-alarm runs, keeping
// sequence order inside each run.
func groupByAlarm(muts []*models.PendingMutation) [][]*models.PendingMutation {
	idx := make(map[string]int)
	var groups [][]*models.PendingMutation
	for _, m := range muts {
		i, ok := idx[m.AlarmID]
		if !ok {
			i = len(groups)
			idx[m.AlarmID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func (r *Reconciler) replay(ctx context.Context, group []*models.PendingMutation, rep *Report) error {
	removed := false
	for i, m := range group {
		err := r.sendWithRetry(ctx, m)
		switch {
		case err == nil:
			if err := r.store.DeleteMutation(ctx, m.Seq); err != nil {
				return err
			}
			if m.Op.SessionOp() && m.Session != nil {
				if err := r.store.MarkSessionSynced(ctx, m.Session.ID, m.Session.Counter); err != nil {
					return err
				}
			}
			metrics.ReconcileTotal.WithLabelValues(string(m.Op), "applied").Inc()
			rep.applied()

		case alarmerr.IsCode(err, alarmerr.CodeSyncConflict):
			// The remote delete wins over anything queued here.
			if err := r.discard(ctx, m, "conflict", err, nil, rep); err != nil {
				return err
			}
			if !removed {
				removed = true
				if err := r.removeLocal(ctx, m.AlarmID); err != nil {
					return err
				}
			}

		case alarmerr.IsCode(err, alarmerr.CodeReconciliationFailure):
			if err := r.discard(ctx, m, "rejected", err, err, rep); err != nil {
				return err
			}

		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := r.store.RecordMutationAttempt(ctx, m.Seq, err.Error()); rerr != nil {
				return rerr
			}
			metrics.ReconcileTotal.WithLabelValues(string(m.Op), "deferred").Inc()
			r.log.Warn().Err(err).
				Str("alarm_id", m.AlarmID).
				Int64("seq", m.Seq).
				Int("waiting", len(group)-i).
				Msg("mutation deferred")
			rep.kept(len(group) - i)
			return nil
		}
	}
	return nil
}

func (r *Reconciler) discard(ctx context.Context, m *models.PendingMutation, result string, cause, failure error, rep *Report) error {
	if err := r.store.DeleteMutation(ctx, m.Seq); err != nil {
		return err
	}
	loss := models.ReconciliationLoss{
		AlarmID:    m.AlarmID,
		MutationID: m.ID,
		Seq:        m.Seq,
		Op:         m.Op,
		Discarded:  true,
		Reason:     cause.Error(),
	}
	metrics.ReconcileTotal.WithLabelValues(string(m.Op), result).Inc()
	metrics.LossesTotal.WithLabelValues(string(m.Op)).Inc()
	r.log.Warn().Err(cause).
		Str("alarm_id", m.AlarmID).
		Int64("seq", m.Seq).
		Str("op", string(m.Op)).
		Msg("mutation discarded")

	rep.lost(loss, failure)
	if r.hooks.Loss != nil {
		r.hooks.Loss(ctx, loss)
	}
	return nil
}

func (r *Reconciler) removeLocal(ctx context.Context, alarmID string) error {
	if err := r.store.DeleteAlarm(ctx, alarmID); err != nil {
		return err
	}
	if r.hooks.AlarmRemoved != nil {
		r.hooks.AlarmRemoved(ctx, alarmID)
	}
	return nil
}

func (r *Reconciler) sendWithRetry(ctx context.Context, m *models.PendingMutation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.send(ctx, m)
		if err == nil {
			return struct{}{}, nil
		}
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxAttempts))
	return err
}

// permanent reports whether retrying err cannot help. Errors outside the
// taxonomy are treated as transient.
func permanent(err error) bool {
	var e *alarmerr.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == alarmerr.CodeSyncConflict || e.Code == alarmerr.CodeReconciliationFailure
}

func (r *Reconciler) send(ctx context.Context, m *models.PendingMutation) error {
	key := m.IdempotencyKey()
	switch m.Op {
	case models.MutationCreate, models.MutationUpdate:
		if m.Definition == nil {
			return alarmerr.ReconciliationFailure(m.AlarmID, fmt.Sprintf("%s mutation %d has no definition", m.Op, m.Seq), nil)
		}
		return r.remote.UpsertAlarm(ctx, m.Definition, key)
	case models.MutationDelete:
		return r.remote.DeleteAlarm(ctx, m.UserID, m.AlarmID, key)
	case models.MutationDismiss, models.MutationSnooze:
		if m.Session == nil {
			return alarmerr.ReconciliationFailure(m.AlarmID, fmt.Sprintf("%s mutation %d has no session", m.Op, m.Seq), nil)
		}
		return r.remote.RecordSession(ctx, m.Session, key)
	default:
		return alarmerr.ReconciliationFailure(m.AlarmID, fmt.Sprintf("unknown mutation op %q", m.Op), nil)
	}
}

// Pull applies remote-only changes to the cache. Alarms with queued
// mutations are left alone; their local state is newer by construction.
// Local alarms are read before the queue, and writers enqueue before they
// touch the cache, so an unreplayed edit is always seen as pending.
func (r *Reconciler) Pull(ctx context.Context) (*PullReport, error) {
	local, err := r.store.ListAlarms(ctx, r.cfg.UserID)
	if err != nil {
		return nil, err
	}
	muts, err := r.store.ListMutations(ctx, r.cfg.UserID)
	if err != nil {
		return nil, err
	}
	remote, err := r.remote.FetchAlarms(ctx, r.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote alarms: %w", err)
	}

	pending := make(map[string]bool, len(muts))
	for _, m := range muts {
		pending[m.AlarmID] = true
	}
	byID := make(map[string]*models.AlarmDefinition, len(local))
	for _, def := range local {
		byID[def.ID] = def
	}

	rep := &PullReport{}
	seen := make(map[string]bool, len(remote))
	for _, def := range remote {
		seen[def.ID] = true
		if pending[def.ID] || def.UserID != r.cfg.UserID {
			continue
		}
		cur, ok := byID[def.ID]
		switch {
		case !ok:
			// Never fire a backlog for a definition this device has just learned about.
			now := r.cfg.Clock.Now().UTC()
			def.LastFiredAt = &now
			rep.Added++
		case Newer(def, cur):
			def.LastFiredAt = cur.LastFiredAt
			rep.Updated++
		default:
			continue
		}
		if err := r.store.PutAlarm(ctx, def); err != nil {
			return rep, err
		}
		if r.hooks.AlarmChanged != nil {
			r.hooks.AlarmChanged(ctx, def)
		}
	}

	for _, def := range local {
		if seen[def.ID] || pending[def.ID] {
			continue
		}
		if err := r.removeLocal(ctx, def.ID); err != nil {
			return rep, err
		}
		rep.Removed++
	}

	if r.hooks.Session != nil {
		snaps, err := r.remote.FetchSessions(ctx, r.cfg.UserID)
		if err != nil {
			return rep, fmt.Errorf("fetch remote sessions: %w", err)
		}
		for _, snap := range snaps {
			if snap.UserID != r.cfg.UserID {
				continue
			}
			if r.hooks.Session(ctx, snap) {
				rep.Converged++
			}
		}
	}

	pruned, err := r.store.PruneSessions(ctx, r.cfg.UserID, r.cfg.Clock.Now().Add(-models.TerminalRetention))
	if err != nil {
		return rep, err
	}
	rep.Pruned = pruned

	if rep.Added+rep.Updated+rep.Removed+rep.Converged > 0 {
		r.log.Info().
			Int("added", rep.Added).
			Int("updated", rep.Updated).
			Int("removed", rep.Removed).
			Int("converged", rep.Converged).
			Msg("pulled remote changes")
	}
	return rep, nil
}

// Newer reports whether definition a should replace b: a higher version
// wins, then a later update time.
func Newer(a, b *models.AlarmDefinition) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
