package auth

import (
	"encoding/json"
	"net/netip"
	"strings"
)

// PermissionRecord is a single authorisation grant. Each dimension is a
// set of allowed values; a nil dimension matches every value.
type PermissionRecord struct {
	Actions    []string       `json:"actions,omitempty"`
	Subnets    []string       `json:"subnets,omitempty"`
	Domains    []string       `json:"domains,omitempty"`
	NetworkIDs NetworkIDList  `json:"networkIds,omitempty"`
	DeviceIDs  []string       `json:"deviceIds,omitempty"`
}

// NetworkIDList is a set of network IDs that also accepts the "*"
// wildcard form on the wire. The wildcard decodes to nil (match all).
type NetworkIDList []int64

// UnmarshalJSON accepts a JSON array of integers, the string "*", or null.
func (n *NetworkIDList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `"*"` {
		*n = nil
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*n = ids
	return nil
}

// Matches reports whether this record grants the requested access.
//
// Every dimension present on the record must contain the request's
// corresponding value; absent request values skip their dimension.
func (p *PermissionRecord) Matches(req AccessRequest) bool {
	if !p.matchesAction(req.Action) {
		return false
	}
	if !p.matchesSubnet(req.SourceIP) {
		return false
	}
	if !p.matchesDomain(req.Domain) {
		return false
	}
	if !p.matchesNetwork(req.NetworkID) {
		return false
	}
	return p.matchesDevice(req.DeviceID)
}

func (p *PermissionRecord) matchesAction(action string) bool {
	if p.Actions == nil || action == "" {
		return true
	}
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// matchesSubnet checks source IP containment. A malformed subnet entry is
// treated as non-matching, never as a wildcard (fail closed).
func (p *PermissionRecord) matchesSubnet(ip netip.Addr) bool {
	if p.Subnets == nil || !ip.IsValid() {
		return true
	}
	for _, s := range p.Subnets {
		prefix, err := parseSubnet(s)
		if err != nil {
			continue
		}
		if prefix.Contains(ip.Unmap()) {
			return true
		}
	}
	return false
}

// matchesDomain checks the origin host against allowed domain suffixes.
// The comparison is case-insensitive and purely suffix-based: ".com"
// matches both "hub.example.com" and "test.hub.example.com".
func (p *PermissionRecord) matchesDomain(host string) bool {
	if p.Domains == nil || host == "" {
		return true
	}
	lower := strings.ToLower(host)
	for _, d := range p.Domains {
		if strings.HasSuffix(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func (p *PermissionRecord) matchesNetwork(networkID *int64) bool {
	if p.NetworkIDs == nil || networkID == nil {
		return true
	}
	for _, id := range p.NetworkIDs {
		if id == *networkID {
			return true
		}
	}
	return false
}

func (p *PermissionRecord) matchesDevice(deviceID string) bool {
	if p.DeviceIDs == nil || deviceID == "" {
		return true
	}
	for _, id := range p.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// parseSubnet parses "addr" or "addr/prefix" into a netip.Prefix.
// A bare address defaults to /32 (IPv4) or /128 (IPv6).
func parseSubnet(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
