package subscription

import (
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/entity"
)

// Mode distinguishes how matched entities reach the subscriber.
type Mode string

const (
	// ModePush delivers through a long-lived connection sink.
	ModePush Mode = "push"
	// ModePoll parks a one-shot waiter that resolves on first match.
	ModePoll Mode = "poll"
)

var (
	// ErrNotFound is returned when a subscription ID does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidKind is returned for kinds outside command/notification.
	ErrInvalidKind = errors.New("invalid subscription kind")
)

// Subscription is one subscriber's standing interest in entities of a
// single kind. Filter fields are immutable after creation; the
// delivery cursor is the only mutable state and is guarded internally.
type Subscription struct {
	ID           string
	SubscriberID string
	Kind         entity.Kind
	Mode         Mode

	// AllDevices is true when the principal's accessible scope was
	// unbounded and no explicit device filter was requested.
	AllDevices bool
	// DeviceIDs is the effective device filter: the intersection of
	// the requested devices and the principal's accessible scope.
	// Ignored when AllDevices is true.
	DeviceIDs map[string]struct{}
	// Names restricts matches by entity name. Nil means any name.
	Names map[string]struct{}

	// Since is the timestamp floor the subscriber asked for. Entities
	// at or before it are never delivered.
	Since time.Time

	// Principal is the access snapshot taken at subscribe time. The
	// dispatcher resolves the current principal through it before
	// every delivery.
	Principal *auth.Principal

	CreatedAt time.Time

	mu      sync.Mutex
	cursors map[string]time.Time
	gated   bool
	pending []*entity.Entity
}

// Matches reports whether an appended entity falls inside this
// subscription's kind, device and name filters. It does not consult
// the delivery cursor or re-check access.
func (s *Subscription) Matches(e *entity.Entity) bool {
	if e.Kind != s.Kind {
		return false
	}
	if !s.AllDevices {
		if _, ok := s.DeviceIDs[e.DeviceID]; !ok {
			return false
		}
	}
	if s.Names != nil {
		if _, ok := s.Names[e.Name]; !ok {
			return false
		}
	}
	return true
}

// ShouldDeliver reports whether the entity is new for this
// subscription and, if so, advances the per-device cursor. Per-device
// timestamps are strictly increasing, so comparing against the last
// delivered timestamp deduplicates the replay/live overlap without a
// seen-set. While the subscription is gated, matches are buffered for
// Release instead of delivered.
func (s *Subscription) ShouldDeliver(e *entity.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gated {
		s.pending = append(s.pending, e)
		return false
	}
	return s.advance(e)
}

// Advance runs the cursor check for a replayed entity without touching
// the gate. The owner calls it for each backlog entity before Release.
func (s *Subscription) Advance(e *entity.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(e)
}

// Release opens the gate and returns the buffered live matches that
// the replay did not already cover, in arrival order. Idempotent; a
// second call returns nothing.
func (s *Subscription) Release() []*entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gated = false
	buffered := s.pending
	s.pending = nil
	var out []*entity.Entity
	for _, e := range buffered {
		if s.advance(e) {
			out = append(out, e)
		}
	}
	return out
}

// advance is the cursor check proper. Caller holds mu.
func (s *Subscription) advance(e *entity.Entity) bool {
	if !e.Timestamp.After(s.Since) {
		return false
	}
	if s.cursors == nil {
		s.cursors = make(map[string]time.Time)
	}
	if last, ok := s.cursors[e.DeviceID]; ok && !e.Timestamp.After(last) {
		return false
	}
	s.cursors[e.DeviceID] = e.Timestamp
	return true
}

// snapshot returns a copy safe to hand to callers. The cursor map is
// deliberately not copied; copies are read-only views.
func (s *Subscription) snapshot() Subscription {
	out := Subscription{
		ID:           s.ID,
		SubscriberID: s.SubscriberID,
		Kind:         s.Kind,
		Mode:         s.Mode,
		AllDevices:   s.AllDevices,
		Since:        s.Since,
		Principal:    s.Principal,
		CreatedAt:    s.CreatedAt,
	}
	if s.DeviceIDs != nil {
		out.DeviceIDs = make(map[string]struct{}, len(s.DeviceIDs))
		for k := range s.DeviceIDs {
			out.DeviceIDs[k] = struct{}{}
		}
	}
	if s.Names != nil {
		out.Names = make(map[string]struct{}, len(s.Names))
		for k := range s.Names {
			out.Names[k] = struct{}{}
		}
	}
	return out
}
