package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/metrics"
)

// SelectFunc receives the user's answer to an alert.
type SelectFunc func(ctx context.Context, sel Selection)

// Dispatcher shows alerts on a primary notifier and falls back to the in-app
// surface when the primary one is not permitted or fails. Each alert is
// shown on its own goroutine so a slow answer never holds up other alarms.
type Dispatcher struct {
	primary  Notifier
	fallback *InAppNotifier
	onSelect SelectFunc
	log      zerolog.Logger

	// OnDeliveryError, if set, receives every DELIVERY error after the
	// fallback has been engaged.
	OnDeliveryError func(err error)

	mu      sync.Mutex
	showing map[string]*showing
	wg      sync.WaitGroup
}

type showing struct {
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. primary may be the fallback itself.
func NewDispatcher(primary Notifier, fallback *InAppNotifier, onSelect SelectFunc, logger zerolog.Logger) *Dispatcher {
	if primary == nil {
		primary = fallback
	}
	return &Dispatcher{
		primary:  primary,
		fallback: fallback,
		onSelect: onSelect,
		log:      logger,
		showing:  make(map[string]*showing),
	}
}

// InApp returns the fallback surface.
func (d *Dispatcher) InApp() *InAppNotifier { return d.fallback }

// Dispatch shows the alert asynchronously. A newer alert for the same
// session replaces the older one.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) {
	actx, cancel := context.WithCancel(ctx)
	sh := &showing{cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.showing[a.SessionID]; ok {
		prev.cancel()
	}
	d.showing[a.SessionID] = sh
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(a.SessionID, sh)

		sel, err := d.deliver(actx, a)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				d.log.Error().Err(err).Str("session_id", a.SessionID).Msg("alert delivery failed")
			}
			return
		}
		if d.onSelect != nil {
			d.onSelect(ctx, sel)
		}
	}()
}

// Withdraw takes down the alert of a session that was answered elsewhere.
func (d *Dispatcher) Withdraw(sessionID string) {
	d.mu.Lock()
	sh, ok := d.showing[sessionID]
	delete(d.showing, sessionID)
	d.mu.Unlock()
	if ok {
		sh.cancel()
	}
}

// Wait blocks until every outstanding alert goroutine has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) (Selection, error) {
	if d.primary == Notifier(d.fallback) {
		return d.fallback.ShowAlert(ctx, a)
	}

	ok, err := d.primary.Permission(ctx)
	switch {
	case err != nil:
		d.report(alarmerr.Delivery(a.SessionID, "permission query failed on "+d.primary.Name(), err), "permission_error")
	case !ok:
		d.report(alarmerr.Delivery(a.SessionID, "notification permission denied on "+d.primary.Name(), nil), "permission_denied")
	default:
		sel, err := d.primary.ShowAlert(ctx, a)
		if err == nil || ctx.Err() != nil {
			return sel, err
		}
		d.report(alarmerr.Delivery(a.SessionID, d.primary.Name()+" notification failed", err), "platform_failure")
	}
	return d.fallback.ShowAlert(ctx, a)
}

func (d *Dispatcher) report(err *alarmerr.Error, reason string) {
	metrics.DeliveryFallbackTotal.WithLabelValues(reason).Inc()
	d.log.Warn().Err(err).Msg("falling back to in-app alert")
	if d.OnDeliveryError != nil {
		d.OnDeliveryError(err)
	}
}

func (d *Dispatcher) release(sessionID string, sh *showing) {
	sh.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	// A replacement may already be registered.
	if d.showing[sessionID] == sh {
		delete(d.showing, sessionID)
	}
}
