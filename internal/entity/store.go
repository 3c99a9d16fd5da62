package entity

import (
	"context"
	"time"
)

// AppendHook is invoked after a successful append and before the
// producer is acknowledged. The dispatcher registers itself here so
// every new entity reaches subscribers exactly where the ordering
// guarantee was established.
type AppendHook func(e *Entity)

// Filter narrows a query to specific devices and/or names.
// Nil slices mean no restriction on that dimension.
type Filter struct {
	DeviceIDs []string
	Names     []string
}

// Store is the append-only, per-device-ordered entity log.
type Store interface {
	// Append assigns ID (unless the entity is an update) and a per-device
	// strictly increasing timestamp, persists the entity, and invokes the
	// registered hook. The entity is updated in place.
	Append(ctx context.Context, e *Entity) error

	// QueryAfter returns entities of the given kind with
	// timestamp > since, matching the filter, ordered by
	// (timestamp, id). Updates are included for commands.
	QueryAfter(ctx context.Context, kind Kind, f Filter, since time.Time, limit int) ([]Entity, error)

	// Get returns the original (non-update) entity for a device/ID pair.
	Get(ctx context.Context, kind Kind, deviceID string, id int64) (*Entity, error)

	// GetUpdate returns the update entity linked to a command, or
	// ErrNotFound when the command has not been updated yet.
	GetUpdate(ctx context.Context, deviceID string, id int64) (*Entity, error)

	// SetHook registers the append hook. Must be called before any
	// producer runs; not synchronised against concurrent appends.
	SetHook(hook AppendHook)
}
