package entity

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind distinguishes commands from notifications.
type Kind string

const (
	// KindCommand is a client-originated instruction addressed to a device.
	KindCommand Kind = "command"

	// KindNotification is a device-originated event report.
	KindNotification Kind = "notification"
)

// IsValid reports whether the kind is one of the two known values.
func (k Kind) IsValid() bool {
	return k == KindCommand || k == KindNotification
}

// Entity is a timestamped, identified command or notification.
//
// ID is monotonic per device and Timestamp strictly increasing per
// device; both are assigned by the store on append. A command update is
// a second entity with the original's ID and IsUpdate=true.
type Entity struct {
	// ID is the per-device monotonic identifier.
	ID int64 `json:"id"`

	// DeviceID is the GUID of the reporting or addressed device.
	DeviceID string `json:"deviceGuid"`

	// NetworkID is the network the device belongs to, if any.
	NetworkID *int64 `json:"networkId,omitempty"`

	// Kind is command or notification.
	Kind Kind `json:"-"`

	// Name identifies the command/notification type, e.g. "temperature".
	Name string `json:"notification,omitempty"`

	// Timestamp is assigned by the store, strictly increasing per device.
	Timestamp time.Time `json:"timestamp"`

	// Parameters is the free-form payload.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Status and Result are command-only fields, set by the update entity.
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// IsUpdate marks the linked second entity of a command update.
	IsUpdate bool `json:"-"`

	// Origin identifies the producing principal, recorded for auditing.
	Origin string `json:"-"`
}

// Sentinel errors for store operations.
var (
	ErrNotFound       = errors.New("entity not found")
	ErrInvalidEntity  = errors.New("invalid entity")
	ErrAlreadyUpdated = errors.New("command has already been updated")
)

// Validate checks the fields a producer must supply before append.
func (e *Entity) Validate() error {
	if !e.Kind.IsValid() {
		return errors.Join(ErrInvalidEntity, errors.New("unknown entity kind"))
	}
	if e.DeviceID == "" {
		return errors.Join(ErrInvalidEntity, errors.New("device GUID is required"))
	}
	if e.Name == "" {
		return errors.Join(ErrInvalidEntity, errors.New("entity name is required"))
	}
	if e.IsUpdate && e.Kind != KindCommand {
		return errors.Join(ErrInvalidEntity, errors.New("only commands carry updates"))
	}
	if e.IsUpdate && e.ID == 0 {
		return errors.Join(ErrInvalidEntity, errors.New("command update requires the original ID"))
	}
	return nil
}
