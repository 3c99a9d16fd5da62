package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/entity"
	"github.com/nerrad567/device-hub-core/internal/subscription"
)

// Logger is the minimal logging surface the dispatcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PrincipalResolver returns the current principal for a subscriber.
// The default resolver hands back the subscribe-time snapshot; a
// deployment with revocable keys plugs in one that consults the
// revocation source.
type PrincipalResolver interface {
	Resolve(subscriberID string, snapshot *auth.Principal) *auth.Principal
}

type snapshotResolver struct{}

func (snapshotResolver) Resolve(_ string, snapshot *auth.Principal) *auth.Principal {
	return snapshot
}

// Recorder receives dispatch telemetry. Implementations must be fast;
// they run on the append path.
type Recorder interface {
	Fanout(kind entity.Kind, candidates, delivered int)
	QueueDrop(kind entity.Kind, subscriberID string)
	WaitResolved(outcome string, latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) Fanout(entity.Kind, int, int)       {}
func (noopRecorder) QueueDrop(entity.Kind, string)      {}
func (noopRecorder) WaitResolved(string, time.Duration) {}

// Config carries the dispatcher's tunables.
type Config struct {
	// MaxWait caps the long-poll wait duration.
	MaxWait time.Duration
	// ReplayLimit bounds how many stored entities a poll or replay
	// returns in one batch.
	ReplayLimit int
}

type updateKey struct {
	deviceID string
	id       int64
}

// Dispatcher routes appended entities to push sinks and parked
// waiters. It is registered as the entity store's append hook.
type Dispatcher struct {
	registry *subscription.Registry
	store    entity.Store
	resolver PrincipalResolver
	rec      Recorder
	log      Logger
	cfg      Config

	mu            sync.Mutex
	sinks         map[string]Sink
	waiters       map[string]*waiter // subscription ID -> waiter
	updateWaiters map[updateKey][]*waiter
}

// New creates a dispatcher. Optional collaborators left nil get no-op
// defaults.
func New(registry *subscription.Registry, store entity.Store, cfg Config, log Logger, resolver PrincipalResolver, rec Recorder) *Dispatcher {
	if log == nil {
		log = noopLogger{}
	}
	if resolver == nil {
		resolver = snapshotResolver{}
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 1000
	}
	return &Dispatcher{
		registry:      registry,
		store:         store,
		resolver:      resolver,
		rec:           rec,
		log:           log,
		cfg:           cfg,
		sinks:         make(map[string]Sink),
		waiters:       make(map[string]*waiter),
		updateWaiters: make(map[updateKey][]*waiter),
	}
}

// AttachSink registers the push endpoint for a subscriber. A second
// attach for the same subscriber replaces the first.
func (d *Dispatcher) AttachSink(subscriberID string, sink Sink) {
	d.mu.Lock()
	d.sinks[subscriberID] = sink
	d.mu.Unlock()
}

// DetachSink removes the subscriber's push endpoint, drops its
// subscriptions, and cancels any of its parked waiters. Safe to call
// more than once.
func (d *Dispatcher) DetachSink(subscriberID string) {
	d.mu.Lock()
	delete(d.sinks, subscriberID)
	d.mu.Unlock()

	for _, sub := range d.registry.ListFor(subscriberID) {
		d.cancelWaiter(sub.ID)
	}
	d.registry.RemoveAllFor(subscriberID)
}

// OnAppended is the store's append hook. It runs inside the per-device
// ordering section, so everything here must stay non-blocking.
func (d *Dispatcher) OnAppended(e *entity.Entity) {
	if e.Kind == entity.KindCommand && e.IsUpdate {
		d.resolveUpdateWaiters(e)
	}

	candidates := d.registry.CandidatesFor(e)
	if len(candidates) == 0 {
		return
	}

	action := auth.ActionNotificationGet
	if e.Kind == entity.KindCommand {
		action = auth.ActionCommandGet
	}

	delivered := 0
	for _, sub := range candidates {
		current := d.resolver.Resolve(sub.SubscriberID, sub.Principal)
		if current == nil {
			continue
		}
		req := current.AccessFor(action)
		req.DeviceID = e.DeviceID
		req.NetworkID = e.NetworkID
		if !auth.Allows(current.Permissions, req) {
			d.log.Debug("delivery suppressed by access re-check",
				"subscriber", sub.SubscriberID, "device", e.DeviceID)
			continue
		}

		if sub.Mode == subscription.ModePoll {
			d.resolveWaiter(sub.ID)
			delivered++
			continue
		}

		if !sub.ShouldDeliver(e) {
			continue
		}
		d.mu.Lock()
		sink := d.sinks[sub.SubscriberID]
		d.mu.Unlock()
		if sink == nil {
			continue
		}
		if sink.Deliver(Delivery{Subscription: sub, Entity: e}) {
			delivered++
			continue
		}
		d.handleOverflow(sub.SubscriberID, sink, e)
	}

	d.rec.Fanout(e.Kind, len(candidates), delivered)
}

// handleOverflow applies the backpressure policy for a full sink.
// Notifications are droppable; commands are not, so the connection is
// torn down rather than lied to.
func (d *Dispatcher) handleOverflow(subscriberID string, sink Sink, e *entity.Entity) {
	d.rec.QueueDrop(e.Kind, subscriberID)
	if e.Kind == entity.KindNotification {
		d.log.Warn("notification dropped: subscriber queue full",
			"subscriber", subscriberID, "device", e.DeviceID, "name", e.Name)
		return
	}
	d.log.Error("command queue full, closing subscriber connection",
		"subscriber", subscriberID, "device", e.DeviceID)
	sink.Close("command delivery queue overflow")
	d.DetachSink(subscriberID)
}

// PollRequest describes one long-poll wait.
type PollRequest struct {
	Kind      entity.Kind
	DeviceIDs []string
	Names     []string
	Since     time.Time
	Timeout   time.Duration
}

// Await blocks until at least one entity matching the request exists
// with a timestamp after Since, the timeout lapses, or the context is
// cancelled. A nil slice with nil error means the wait timed out
// empty. Already-stored matches return immediately without parking.
func (d *Dispatcher) Await(ctx context.Context, principal *auth.Principal, subscriberID string, req PollRequest) ([]entity.Entity, error) {
	started := time.Now()
	if req.Timeout > d.cfg.MaxWait {
		req.Timeout = d.cfg.MaxWait
	}

	sub, err := d.registry.Subscribe(principal, subscriberID, subscription.Request{
		Kind:      req.Kind,
		Mode:      subscription.ModePoll,
		DeviceIDs: req.DeviceIDs,
		Names:     req.Names,
		Since:     req.Since,
	})
	if err != nil {
		return nil, err
	}
	defer d.registry.Remove(subscriberID, sub.ID)

	w := newWaiter()
	d.mu.Lock()
	d.waiters[sub.ID] = w
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, sub.ID)
		d.mu.Unlock()
	}()

	// The waiter is parked before the backlog check, so an entity
	// appended between the query and the wait resolves the waiter
	// instead of slipping through the gap.
	results, err := d.queryFor(ctx, sub, req.Since)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		w.claim(waitMatched)
		d.rec.WaitResolved("immediate", time.Since(started))
		return results, nil
	}

	if req.Timeout <= 0 {
		w.claim(waitTimedOut)
		d.rec.WaitResolved("empty", time.Since(started))
		return nil, nil
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		switch w.outcome() {
		case waitMatched:
			d.rec.WaitResolved("matched", time.Since(started))
			return d.queryFor(ctx, sub, req.Since)
		default:
			d.rec.WaitResolved("cancelled", time.Since(started))
			return nil, context.Canceled
		}
	case <-timer.C:
		if w.claim(waitTimedOut) {
			d.rec.WaitResolved("timeout", time.Since(started))
			return nil, nil
		}
		// Lost the race to a concurrent match.
		d.rec.WaitResolved("matched", time.Since(started))
		return d.queryFor(ctx, sub, req.Since)
	case <-ctx.Done():
		w.claim(waitCancelled)
		d.rec.WaitResolved("cancelled", time.Since(started))
		return nil, ctx.Err()
	}
}

// AwaitUpdate blocks until the addressed command has been updated, the
// timeout lapses, or the context is cancelled. A nil entity with nil
// error means the update did not arrive in time.
func (d *Dispatcher) AwaitUpdate(ctx context.Context, deviceID string, commandID int64, timeout time.Duration) (*entity.Entity, error) {
	started := time.Now()
	if timeout > d.cfg.MaxWait {
		timeout = d.cfg.MaxWait
	}

	key := updateKey{deviceID: deviceID, id: commandID}
	w := newWaiter()
	d.mu.Lock()
	d.updateWaiters[key] = append(d.updateWaiters[key], w)
	d.mu.Unlock()
	defer d.removeUpdateWaiter(key, w)

	// Park first, then check: an update committed in between wakes the
	// waiter rather than being missed.
	upd, err := d.store.GetUpdate(ctx, deviceID, commandID)
	if err == nil {
		w.claim(waitMatched)
		d.rec.WaitResolved("immediate", time.Since(started))
		return upd, nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("checking command update: %w", err)
	}

	if timeout <= 0 {
		w.claim(waitTimedOut)
		d.rec.WaitResolved("empty", time.Since(started))
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		if w.outcome() != waitMatched {
			d.rec.WaitResolved("cancelled", time.Since(started))
			return nil, context.Canceled
		}
		d.rec.WaitResolved("matched", time.Since(started))
		return d.store.GetUpdate(ctx, deviceID, commandID)
	case <-timer.C:
		if w.claim(waitTimedOut) {
			d.rec.WaitResolved("timeout", time.Since(started))
			return nil, nil
		}
		d.rec.WaitResolved("matched", time.Since(started))
		return d.store.GetUpdate(ctx, deviceID, commandID)
	case <-ctx.Done():
		w.claim(waitCancelled)
		d.rec.WaitResolved("cancelled", time.Since(started))
		return nil, ctx.Err()
	}
}

// queryFor reads the stored backlog for a poll subscription, scoped to
// its effective device filter.
func (d *Dispatcher) queryFor(ctx context.Context, sub *subscription.Subscription, since time.Time) ([]entity.Entity, error) {
	f := entity.Filter{}
	if !sub.AllDevices {
		f.DeviceIDs = make([]string, 0, len(sub.DeviceIDs))
		for id := range sub.DeviceIDs {
			f.DeviceIDs = append(f.DeviceIDs, id)
		}
	}
	if sub.Names != nil {
		f.Names = make([]string, 0, len(sub.Names))
		for n := range sub.Names {
			f.Names = append(f.Names, n)
		}
	}
	results, err := d.store.QueryAfter(ctx, sub.Kind, f, since, d.cfg.ReplayLimit)
	if err != nil {
		return nil, fmt.Errorf("querying entity backlog: %w", err)
	}
	return results, nil
}

func (d *Dispatcher) resolveWaiter(subID string) {
	d.mu.Lock()
	w := d.waiters[subID]
	d.mu.Unlock()
	if w != nil {
		w.claim(waitMatched)
	}
}

func (d *Dispatcher) cancelWaiter(subID string) {
	d.mu.Lock()
	w := d.waiters[subID]
	d.mu.Unlock()
	if w != nil {
		w.claim(waitCancelled)
	}
}

func (d *Dispatcher) resolveUpdateWaiters(e *entity.Entity) {
	key := updateKey{deviceID: e.DeviceID, id: e.ID}
	d.mu.Lock()
	ws := d.updateWaiters[key]
	delete(d.updateWaiters, key)
	d.mu.Unlock()
	for _, w := range ws {
		w.claim(waitMatched)
	}
}

func (d *Dispatcher) removeUpdateWaiter(key updateKey, w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := d.updateWaiters[key]
	for i, cand := range ws {
		if cand == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(d.updateWaiters, key)
	} else {
		d.updateWaiters[key] = ws
	}
}
