package auth

import (
	"math/rand"
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parsing addr %q: %v", s, err)
	}
	return addr
}

func TestAllows_EmptyPermissionSetDenies(t *testing.T) {
	req := AccessRequest{Action: ActionCommandGet}

	if Allows(nil, req) {
		t.Error("nil permission set should deny everything")
	}
	if Allows([]PermissionRecord{}, req) {
		t.Error("empty permission set should deny everything")
	}
}

func TestAllows_WildcardRecordMatchesEverything(t *testing.T) {
	perms := []PermissionRecord{{}}

	req := AccessRequest{
		Action:   ActionNotificationCreate,
		DeviceID: "e50d6085-2aba-48e9-b1c3-73c673e414be",
		SourceIP: mustAddr(t, "192.0.2.17"),
		Domain:   "example.com",
	}

	if !Allows(perms, req) {
		t.Error("record with all dimensions absent should match any request")
	}
}

func TestAllows_AllDimensionsMustMatch(t *testing.T) {
	netID := int64(42)
	perms := []PermissionRecord{{
		Actions:    []string{ActionCommandCreate},
		Subnets:    []string{"203.0.113.0/24"},
		Domains:    []string{".hub.example.com"},
		NetworkIDs: NetworkIDList{42},
		DeviceIDs:  []string{"dev-1"},
	}}

	good := AccessRequest{
		Action:    ActionCommandCreate,
		NetworkID: &netID,
		DeviceID:  "dev-1",
		SourceIP:  mustAddr(t, "203.0.113.5"),
		Domain:    "test.hub.example.com",
	}
	if !Allows(perms, good) {
		t.Fatal("request matching every dimension should be allowed")
	}

	// Flip each dimension in turn; any single mismatch must deny.
	otherNet := int64(7)
	cases := map[string]AccessRequest{
		"action":  {Action: ActionCommandUpdate, NetworkID: &netID, DeviceID: "dev-1", SourceIP: good.SourceIP, Domain: good.Domain},
		"subnet":  {Action: good.Action, NetworkID: &netID, DeviceID: "dev-1", SourceIP: mustAddr(t, "203.0.114.1"), Domain: good.Domain},
		"domain":  {Action: good.Action, NetworkID: &netID, DeviceID: "dev-1", SourceIP: good.SourceIP, Domain: "evil.example.org"},
		"network": {Action: good.Action, NetworkID: &otherNet, DeviceID: "dev-1", SourceIP: good.SourceIP, Domain: good.Domain},
		"device":  {Action: good.Action, NetworkID: &netID, DeviceID: "dev-2", SourceIP: good.SourceIP, Domain: good.Domain},
	}
	for name, req := range cases {
		if Allows(perms, req) {
			t.Errorf("mismatched %s dimension should deny", name)
		}
	}
}

func TestAllows_AnyRecordSuffices(t *testing.T) {
	perms := []PermissionRecord{
		{Actions: []string{ActionCommandUpdate}},
		{Actions: []string{ActionNotificationGet}},
	}

	if !Allows(perms, AccessRequest{Action: ActionNotificationGet}) {
		t.Error("second record should grant access (OR across records)")
	}
	if Allows(perms, AccessRequest{Action: ActionCommandCreate}) {
		t.Error("no record grants command:create")
	}
}

func TestAllows_CIDRBoundary(t *testing.T) {
	perms := []PermissionRecord{{Subnets: []string{"203.0.113.0/24"}}}

	for _, ip := range []string{"203.0.113.0", "203.0.113.1", "203.0.113.128", "203.0.113.255"} {
		if !Allows(perms, AccessRequest{SourceIP: mustAddr(t, ip)}) {
			t.Errorf("%s should be inside 203.0.113.0/24", ip)
		}
	}
	for _, ip := range []string{"203.0.114.0", "203.0.112.255", "198.51.100.1"} {
		if Allows(perms, AccessRequest{SourceIP: mustAddr(t, ip)}) {
			t.Errorf("%s should be outside 203.0.113.0/24", ip)
		}
	}
}

func TestAllows_BareAddressSubnet(t *testing.T) {
	perms := []PermissionRecord{{Subnets: []string{"198.51.100.7"}}}

	if !Allows(perms, AccessRequest{SourceIP: mustAddr(t, "198.51.100.7")}) {
		t.Error("bare address should default to /32 and match itself")
	}
	if Allows(perms, AccessRequest{SourceIP: mustAddr(t, "198.51.100.8")}) {
		t.Error("bare address should not match a neighbouring address")
	}
}

func TestAllows_IPv6Subnet(t *testing.T) {
	perms := []PermissionRecord{{Subnets: []string{"2001:db8::/32"}}}

	if !Allows(perms, AccessRequest{SourceIP: mustAddr(t, "2001:db8::1")}) {
		t.Error("2001:db8::1 should be inside 2001:db8::/32")
	}
	if Allows(perms, AccessRequest{SourceIP: mustAddr(t, "2001:db9::1")}) {
		t.Error("2001:db9::1 should be outside 2001:db8::/32")
	}
}

func TestAllows_MalformedSubnetFailsClosed(t *testing.T) {
	perms := []PermissionRecord{{Subnets: []string{"not-a-subnet", "256.1.2.3/8"}}}

	if Allows(perms, AccessRequest{SourceIP: mustAddr(t, "10.0.0.1")}) {
		t.Error("malformed subnets must deny, never act as wildcards")
	}
}

func TestAllows_DomainFixtures(t *testing.T) {
	const host = "test.hub.example.com"

	deny := []PermissionRecord{{Domains: []string{".net", ".amm.ru"}}}
	if Allows(deny, AccessRequest{Domain: host}) {
		t.Errorf("domains [.net .amm.ru] should deny host %s", host)
	}

	allow := []PermissionRecord{{Domains: []string{".hub.example.com"}}}
	if !Allows(allow, AccessRequest{Domain: host}) {
		t.Errorf("domain .hub.example.com should allow host %s", host)
	}
}

func TestAllows_DomainSuffixRule(t *testing.T) {
	perms := []PermissionRecord{{Domains: []string{".com"}}}

	// Pure suffix match: no leading-dot significance is enforced.
	for _, host := range []string{"hub.example.com", "test.hub.example.com", "EXAMPLE.COM"} {
		if !Allows(perms, AccessRequest{Domain: host}) {
			t.Errorf(".com should match host %s", host)
		}
	}
	if Allows(perms, AccessRequest{Domain: "hub.example.org"}) {
		t.Error(".com should not match hub.example.org")
	}
}

// TestAllows_Property exercises the any-record-OR / all-dimension-AND rule
// over randomly generated grants and requests, comparing the evaluator
// against a naive reference.
func TestAllows_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	actions := []string{ActionCommandGet, ActionCommandCreate, ActionNotificationGet, ActionNotificationCreate}
	devices := []string{"dev-a", "dev-b", "dev-c", "dev-d"}

	pick := func(vals []string) []string {
		if rng.Intn(3) == 0 {
			return nil // wildcard
		}
		n := 1 + rng.Intn(len(vals))
		out := make([]string, 0, n)
		perm := rng.Perm(len(vals))
		for _, idx := range perm[:n] {
			out = append(out, vals[idx])
		}
		return out
	}

	contains := func(set []string, v string) bool {
		if set == nil || v == "" {
			return true
		}
		for _, s := range set {
			if s == v {
				return true
			}
		}
		return false
	}

	for i := 0; i < 500; i++ {
		var perms []PermissionRecord
		for r := 0; r < rng.Intn(4); r++ {
			perms = append(perms, PermissionRecord{
				Actions:   pick(actions),
				DeviceIDs: pick(devices),
			})
		}

		req := AccessRequest{
			Action:   actions[rng.Intn(len(actions))],
			DeviceID: devices[rng.Intn(len(devices))],
		}

		want := false
		for _, p := range perms {
			if contains(p.Actions, req.Action) && contains(p.DeviceIDs, req.DeviceID) {
				want = true
				break
			}
		}

		if got := Allows(perms, req); got != want {
			t.Fatalf("iteration %d: Allows() = %v, reference = %v (perms %+v, req %+v)", i, got, want, perms, req)
		}
	}
}

func TestAccessibleScope_UnionOfMatchingRecords(t *testing.T) {
	perms := []PermissionRecord{
		{Actions: []string{ActionNotificationGet}, DeviceIDs: []string{"dev-1", "dev-2"}, NetworkIDs: NetworkIDList{1}},
		{Actions: []string{ActionNotificationGet}, DeviceIDs: []string{"dev-3"}, NetworkIDs: NetworkIDList{2}},
		{Actions: []string{ActionCommandUpdate}, DeviceIDs: []string{"dev-9"}}, // wrong action, excluded
	}

	scope := AccessibleScope(perms, AccessRequest{Action: ActionNotificationGet})

	if scope.AllDevices {
		t.Fatal("no matching record has a device wildcard")
	}
	if len(scope.DeviceIDs) != 3 {
		t.Errorf("DeviceIDs = %v, want 3 devices", scope.DeviceIDs)
	}
	if scope.CanAccessDevice("dev-9") {
		t.Error("dev-9 comes from a non-matching record")
	}
	if !scope.CanAccessDevice("dev-3") {
		t.Error("dev-3 should be in scope")
	}
	if scope.AllNetworks || len(scope.NetworkIDs) != 2 {
		t.Errorf("NetworkIDs = %v (all=%v), want 2 networks", scope.NetworkIDs, scope.AllNetworks)
	}
}

func TestAccessibleScope_WildcardDominates(t *testing.T) {
	perms := []PermissionRecord{
		{DeviceIDs: []string{"dev-1"}},
		{}, // wildcard record
	}

	scope := AccessibleScope(perms, AccessRequest{Action: ActionCommandGet})

	if !scope.AllDevices {
		t.Error("wildcard record should make the device union ALL")
	}
	if !scope.AllNetworks {
		t.Error("wildcard record should make the network union ALL")
	}
	if !scope.CanAccessDevice("anything") {
		t.Error("wildcard scope should cover any device")
	}
}

func TestAccessibleScope_EmptyPermissions(t *testing.T) {
	scope := AccessibleScope(nil, AccessRequest{Action: ActionCommandGet})

	if scope.AllDevices || len(scope.DeviceIDs) != 0 {
		t.Error("empty permission set should produce an empty scope")
	}
}

func TestScope_IntersectDevices(t *testing.T) {
	scope := Scope{DeviceIDs: []string{"dev-1", "dev-2"}}

	got := scope.IntersectDevices([]string{"dev-2", "dev-3"})
	if len(got) != 1 || got[0] != "dev-2" {
		t.Errorf("IntersectDevices = %v, want [dev-2]", got)
	}

	all := Scope{AllDevices: true}
	got = all.IntersectDevices([]string{"dev-7"})
	if len(got) != 1 || got[0] != "dev-7" {
		t.Errorf("wildcard IntersectDevices = %v, want request unchanged", got)
	}
}
