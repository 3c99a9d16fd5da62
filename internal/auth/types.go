package auth

import (
	"errors"
	"net/netip"
)

// PrincipalKind identifies the category of an authenticated caller.
type PrincipalKind string

const (
	// KindUser is a human account (web or mobile client).
	KindUser PrincipalKind = "user"

	// KindDevice is a device identity reporting notifications and
	// consuming commands addressed to it.
	KindDevice PrincipalKind = "device"

	// KindAccessKey is a delegated key issued to a user or integration,
	// carrying its own permission records.
	KindAccessKey PrincipalKind = "key"
)

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleClient is a regular client restricted to its permission records.
	RoleClient Role = "client"

	// RoleAdmin is an administrative account. Admin tokens are issued with
	// an unrestricted permission record; the evaluator itself never
	// special-cases the role.
	RoleAdmin Role = "admin"
)

// Action constants consumed by the route table and permission records.
const (
	ActionNotificationGet    = "notification:get"
	ActionNotificationCreate = "notification:create"
	ActionCommandGet         = "command:get"
	ActionCommandCreate      = "command:create"
	ActionCommandUpdate      = "command:update"
	ActionDeviceGet          = "device:get"
)

// Principal is an immutable snapshot of a resolved caller identity.
// It is constructed once per request or connection and never mutated.
type Principal struct {
	Kind        PrincipalKind      `json:"kind"`
	ID          string             `json:"id"`
	Role        Role               `json:"role"`
	Permissions []PermissionRecord `json:"permissions"`

	// SourceIP and Domain are the caller's resolved source address and
	// origin host, captured at authentication. They are not token
	// claims; the transport layer fills them in so subnet and domain
	// restricted records stay restricted in every scope computation,
	// not just the door check.
	SourceIP netip.Addr `json:"-"`
	Domain   string     `json:"-"`
}

// AccessFor builds an access request for the action on behalf of this
// principal, carrying its source address and origin host. Callers add
// target fields (device, network) before evaluation.
func (p *Principal) AccessFor(action string) AccessRequest {
	return AccessRequest{
		Action:   action,
		SourceIP: p.SourceIP,
		Domain:   p.Domain,
	}
}

// AccessRequest describes one requested access for evaluation.
//
// Zero-valued fields are absent: an absent field skips its dimension
// check, so a scope query (no target device) still matches records that
// restrict device IDs and collects their grants.
type AccessRequest struct {
	// Action is the capability being exercised, e.g. "command:create".
	Action string

	// NetworkID is the target network, or nil when not network-addressed.
	NetworkID *int64

	// DeviceID is the target device GUID, or empty.
	DeviceID string

	// SourceIP is the caller's source address. The zero Addr skips
	// subnet checks.
	SourceIP netip.Addr

	// Domain is the caller's origin host, compared as a suffix.
	Domain string
}

// Sentinel errors for authorisation and token handling.
var (
	ErrAuthorizationDenied = errors.New("access is denied")
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token has expired")
)
