package device

import (
	"errors"
	"time"
)

// Device is one registered device known to the hub.
type Device struct {
	// GUID is the device's globally unique identifier, assigned at
	// registration and used in every API path and entity row.
	GUID string `json:"guid"`

	// Name is the human-readable device name.
	Name string `json:"name"`

	// NetworkID is the network the device belongs to, if any.
	// Permission records may scope grants to networks.
	NetworkID *int64 `json:"networkId,omitempty"`

	// IsOnline reflects the device transport's view (MQTT LWT or
	// last REST contact).
	IsOnline bool `json:"isOnline"`

	// LastSeenAt is the last time the device contacted the hub.
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Sentinel errors for directory operations.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already registered")
)
