package subscription

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/entity"
)

const shardCount = 16

// Request describes a subscription to create. DeviceIDs and Names nil
// or empty mean "no explicit filter".
type Request struct {
	Kind      entity.Kind
	Mode      Mode
	DeviceIDs []string
	Names     []string
	Since     time.Time
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // subscriberID -> subID -> sub
}

// Registry holds all live subscriptions, sharded by subscriber ID.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]map[string]*Subscription)}
	}
	return r
}

func (r *Registry) shardFor(subscriberID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(subscriberID))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe registers a standing interest for the principal. The
// effective device filter is the intersection of the requested devices
// and the principal's accessible scope. When the caller asked for
// specific devices and none survive the intersection, the whole
// request is rejected with auth.ErrAuthorizationDenied rather than
// silently narrowed to nothing.
func (r *Registry) Subscribe(principal *auth.Principal, subscriberID string, req Request) (*Subscription, error) {
	if req.Kind != entity.KindCommand && req.Kind != entity.KindNotification {
		return nil, ErrInvalidKind
	}
	action := auth.ActionNotificationGet
	if req.Kind == entity.KindCommand {
		action = auth.ActionCommandGet
	}
	// The principal's source address and origin host travel into the
	// scope computation, so a record restricted by subnet or domain
	// only contributes its grants when the caller satisfies them.
	scope := auth.AccessibleScope(principal.Permissions, principal.AccessFor(action))

	sub := &Subscription{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		Kind:         req.Kind,
		Mode:         req.Mode,
		Since:        req.Since,
		Principal:    principal,
		CreatedAt:    time.Now().UTC(),
	}
	if sub.Mode == "" {
		sub.Mode = ModePush
	}
	// Push subscriptions start gated: live matches buffer until the
	// owner has wired its delivery path and replayed the backlog, then
	// Release drains the buffer through the cursor. Without the gate an
	// entity appended between this registration and the backlog query
	// could advance the cursor past older stored entities and lose them.
	if sub.Mode == ModePush {
		sub.gated = true
	}

	if len(req.DeviceIDs) == 0 {
		if scope.AllDevices {
			sub.AllDevices = true
		} else {
			sub.DeviceIDs = make(map[string]struct{}, len(scope.DeviceIDs))
			for _, id := range scope.DeviceIDs {
				sub.DeviceIDs[id] = struct{}{}
			}
		}
	} else {
		effective := scope.IntersectDevices(req.DeviceIDs)
		if len(effective) == 0 {
			return nil, auth.ErrAuthorizationDenied
		}
		sub.DeviceIDs = make(map[string]struct{}, len(effective))
		for _, id := range effective {
			sub.DeviceIDs[id] = struct{}{}
		}
	}

	if len(req.Names) > 0 {
		sub.Names = make(map[string]struct{}, len(req.Names))
		for _, n := range req.Names {
			sub.Names[n] = struct{}{}
		}
	}

	sh := r.shardFor(subscriberID)
	sh.mu.Lock()
	bucket := sh.subs[subscriberID]
	if bucket == nil {
		bucket = make(map[string]*Subscription)
		sh.subs[subscriberID] = bucket
	}
	bucket[sub.ID] = sub
	sh.mu.Unlock()

	return sub, nil
}

// Unsubscribe narrows or removes the subscriber's subscriptions of the
// given kind. With no filters every subscription of that kind goes.
// With filters, the named devices and names are pruned from matching
// subscriptions; a subscription whose explicit filter empties out is
// removed. The operation is idempotent.
func (r *Registry) Unsubscribe(subscriberID string, kind entity.Kind, deviceIDs, names []string) {
	sh := r.shardFor(subscriberID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket := sh.subs[subscriberID]
	if bucket == nil {
		return
	}
	for id, sub := range bucket {
		if sub.Kind != kind {
			continue
		}
		if len(deviceIDs) == 0 && len(names) == 0 {
			delete(bucket, id)
			continue
		}
		if prune(sub, deviceIDs, names) {
			delete(bucket, id)
		}
	}
	if len(bucket) == 0 {
		delete(sh.subs, subscriberID)
	}
}

// prune strips the given devices/names from the subscription's filters
// and reports whether the subscription no longer matches anything.
func prune(sub *Subscription, deviceIDs, names []string) bool {
	if len(deviceIDs) > 0 && !sub.AllDevices {
		for _, d := range deviceIDs {
			delete(sub.DeviceIDs, d)
		}
		if len(sub.DeviceIDs) == 0 {
			return true
		}
	}
	if len(names) > 0 && sub.Names != nil {
		for _, n := range names {
			delete(sub.Names, n)
		}
		if len(sub.Names) == 0 {
			return true
		}
	}
	return false
}

// Remove deletes a single subscription by ID.
func (r *Registry) Remove(subscriberID, subID string) error {
	sh := r.shardFor(subscriberID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket := sh.subs[subscriberID]
	if bucket == nil {
		return ErrNotFound
	}
	if _, ok := bucket[subID]; !ok {
		return ErrNotFound
	}
	delete(bucket, subID)
	if len(bucket) == 0 {
		delete(sh.subs, subscriberID)
	}
	return nil
}

// RemoveAllFor drops every subscription owned by the subscriber and
// returns how many were removed. Called when a connection closes.
func (r *Registry) RemoveAllFor(subscriberID string) int {
	sh := r.shardFor(subscriberID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := len(sh.subs[subscriberID])
	delete(sh.subs, subscriberID)
	return n
}

// ListFor returns read-only copies of the subscriber's subscriptions.
func (r *Registry) ListFor(subscriberID string) []Subscription {
	sh := r.shardFor(subscriberID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	bucket := sh.subs[subscriberID]
	out := make([]Subscription, 0, len(bucket))
	for _, sub := range bucket {
		out = append(out, sub.snapshot())
	}
	return out
}

// CandidatesFor collects every live subscription whose filters match
// the entity. Each shard is held under a read lock only long enough to
// copy the matching pointers out.
func (r *Registry) CandidatesFor(e *entity.Entity) []*Subscription {
	var out []*Subscription
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, bucket := range sh.subs {
			for _, sub := range bucket {
				if sub.Matches(e) {
					out = append(out, sub)
				}
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count reports the total number of live subscriptions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, bucket := range sh.subs {
			n += len(bucket)
		}
		sh.mu.RUnlock()
	}
	return n
}
