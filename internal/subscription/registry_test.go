package subscription

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/entity"
)

func wildcardPrincipal() *auth.Principal {
	return &auth.Principal{
		Kind:        auth.KindUser,
		ID:          "user-1",
		Role:        auth.RoleAdmin,
		Permissions: []auth.PermissionRecord{{}},
	}
}

func restrictedPrincipal(devices ...string) *auth.Principal {
	return &auth.Principal{
		Kind: auth.KindAccessKey,
		ID:   "key-1",
		Role: auth.RoleClient,
		Permissions: []auth.PermissionRecord{
			{DeviceIDs: devices},
		},
	}
}

func testEntity(kind entity.Kind, deviceID, name string, ts time.Time) *entity.Entity {
	return &entity.Entity{
		Kind:      kind,
		DeviceID:  deviceID,
		Name:      name,
		Timestamp: ts,
	}
}

func TestSubscribeWildcardScope(t *testing.T) {
	r := NewRegistry()

	sub, err := r.Subscribe(wildcardPrincipal(), "conn-1", Request{
		Kind: entity.KindNotification,
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.AllDevices {
		t.Error("expected wildcard scope to produce an all-devices subscription")
	}
	if sub.Mode != ModePush {
		t.Errorf("expected default mode push, got %q", sub.Mode)
	}

	e := testEntity(entity.KindNotification, "any-device", "temperature", time.Now())
	if got := r.CandidatesFor(e); len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
}

func TestSubscribeIntersectsRequestedDevices(t *testing.T) {
	r := NewRegistry()
	p := restrictedPrincipal("dev-1", "dev-2")

	sub, err := r.Subscribe(p, "conn-1", Request{
		Kind:      entity.KindCommand,
		DeviceIDs: []string{"dev-2", "dev-3"},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, ok := sub.DeviceIDs["dev-2"]; !ok {
		t.Error("accessible requested device missing from effective filter")
	}
	if _, ok := sub.DeviceIDs["dev-3"]; ok {
		t.Error("inaccessible device leaked into effective filter")
	}
}

func TestSubscribeDeniedWhenNoRequestedDeviceAccessible(t *testing.T) {
	r := NewRegistry()
	p := restrictedPrincipal("dev-1")

	_, err := r.Subscribe(p, "conn-1", Request{
		Kind:      entity.KindCommand,
		DeviceIDs: []string{"dev-9"},
	})
	if !errors.Is(err, auth.ErrAuthorizationDenied) {
		t.Fatalf("expected authorization denied, got %v", err)
	}
	if r.Count() != 0 {
		t.Error("rejected subscription must not be registered")
	}
}

func TestSubscribeNoFilterNarrowsToScope(t *testing.T) {
	r := NewRegistry()
	p := restrictedPrincipal("dev-1")

	if _, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindNotification}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	in := testEntity(entity.KindNotification, "dev-1", "n", time.Now())
	out := testEntity(entity.KindNotification, "dev-2", "n", time.Now())
	if len(r.CandidatesFor(in)) != 1 {
		t.Error("entity from accessible device not matched")
	}
	if len(r.CandidatesFor(out)) != 0 {
		t.Error("entity from inaccessible device matched")
	}
}

func TestSubscribeScopeHonoursCallerAddress(t *testing.T) {
	r := NewRegistry()

	// One narrow unrestricted record plus one wildcard record that only
	// applies inside 10.0.0.0/8. The wildcard must not widen the scope
	// for callers outside the subnet.
	perms := []auth.PermissionRecord{
		{Actions: []string{auth.ActionNotificationGet}, DeviceIDs: []string{"dev-a"}},
		{Actions: []string{auth.ActionNotificationGet}, Subnets: []string{"10.0.0.0/8"}},
	}

	outside := &auth.Principal{
		Kind: auth.KindAccessKey, ID: "key-1", Role: auth.RoleClient,
		Permissions: perms,
		SourceIP:    netip.MustParseAddr("1.2.3.4"),
	}
	sub, err := r.Subscribe(outside, "conn-out", Request{Kind: entity.KindNotification})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.AllDevices {
		t.Error("subnet-restricted wildcard record widened scope outside the subnet")
	}
	if _, ok := sub.DeviceIDs["dev-a"]; !ok || len(sub.DeviceIDs) != 1 {
		t.Errorf("effective filter = %v, want only dev-a", sub.DeviceIDs)
	}

	inside := &auth.Principal{
		Kind: auth.KindAccessKey, ID: "key-1", Role: auth.RoleClient,
		Permissions: perms,
		SourceIP:    netip.MustParseAddr("10.1.2.3"),
	}
	sub, err = r.Subscribe(inside, "conn-in", Request{Kind: entity.KindNotification})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.AllDevices {
		t.Error("wildcard record not applied to a caller inside its subnet")
	}
}

func TestSubscribeScopeHonoursCallerDomain(t *testing.T) {
	r := NewRegistry()

	perms := []auth.PermissionRecord{
		{Actions: []string{auth.ActionCommandGet}, DeviceIDs: []string{"dev-a"}},
		{Actions: []string{auth.ActionCommandGet}, Domains: []string{".trusted.example"}},
	}
	p := &auth.Principal{
		Kind: auth.KindAccessKey, ID: "key-1", Role: auth.RoleClient,
		Permissions: perms,
		Domain:      "app.other.example",
	}

	sub, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindCommand})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.AllDevices {
		t.Error("domain-restricted wildcard record widened scope for a foreign origin")
	}
}

func TestSubscribeInvalidKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Subscribe(wildcardPrincipal(), "conn-1", Request{Kind: entity.Kind("audit")}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestCandidatesForRespectsKindAndName(t *testing.T) {
	r := NewRegistry()
	p := wildcardPrincipal()

	if _, err := r.Subscribe(p, "conn-1", Request{
		Kind:  entity.KindNotification,
		Names: []string{"temperature"},
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	now := time.Now()
	cases := []struct {
		e    *entity.Entity
		want int
	}{
		{testEntity(entity.KindNotification, "d", "temperature", now), 1},
		{testEntity(entity.KindNotification, "d", "humidity", now), 0},
		{testEntity(entity.KindCommand, "d", "temperature", now), 0},
	}
	for _, tc := range cases {
		if got := len(r.CandidatesFor(tc.e)); got != tc.want {
			t.Errorf("CandidatesFor(%s/%s) = %d, want %d", tc.e.Kind, tc.e.Name, got, tc.want)
		}
	}
}

func TestUnsubscribePrunesFilters(t *testing.T) {
	r := NewRegistry()
	p := wildcardPrincipal()

	if _, err := r.Subscribe(p, "conn-1", Request{
		Kind:  entity.KindNotification,
		Names: []string{"a", "b"},
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	r.Unsubscribe("conn-1", entity.KindNotification, nil, []string{"a"})

	if len(r.CandidatesFor(testEntity(entity.KindNotification, "d", "a", time.Now()))) != 0 {
		t.Error("pruned name still matching")
	}
	if len(r.CandidatesFor(testEntity(entity.KindNotification, "d", "b", time.Now()))) != 1 {
		t.Error("remaining name no longer matching")
	}

	// Pruning the last name removes the subscription entirely.
	r.Unsubscribe("conn-1", entity.KindNotification, nil, []string{"b"})
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d subscriptions", r.Count())
	}
}

func TestUnsubscribeAllOfKindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := wildcardPrincipal()

	if _, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindCommand}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindNotification}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	r.Unsubscribe("conn-1", entity.KindCommand, nil, nil)
	r.Unsubscribe("conn-1", entity.KindCommand, nil, nil)

	subs := r.ListFor("conn-1")
	if len(subs) != 1 || subs[0].Kind != entity.KindNotification {
		t.Fatalf("expected only the notification subscription to survive, got %+v", subs)
	}
}

func TestRemoveAndRemoveAllFor(t *testing.T) {
	r := NewRegistry()
	p := wildcardPrincipal()

	sub, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindCommand})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := r.Subscribe(p, "conn-1", Request{Kind: entity.KindNotification}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := r.Remove("conn-1", sub.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := r.Remove("conn-1", sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}

	if n := r.RemoveAllFor("conn-1"); n != 1 {
		t.Errorf("RemoveAllFor removed %d, want 1", n)
	}
	if n := r.RemoveAllFor("conn-1"); n != 0 {
		t.Errorf("RemoveAllFor on empty subscriber removed %d, want 0", n)
	}
}

func TestShouldDeliverDeduplicatesReplayOverlap(t *testing.T) {
	base := time.Now().UTC()
	sub := &Subscription{
		Kind:       entity.KindNotification,
		AllDevices: true,
		Since:      base,
	}

	e1 := testEntity(entity.KindNotification, "dev-1", "n", base.Add(1*time.Millisecond))
	e2 := testEntity(entity.KindNotification, "dev-1", "n", base.Add(2*time.Millisecond))
	other := testEntity(entity.KindNotification, "dev-2", "n", base.Add(1*time.Millisecond))

	// Replay path delivers e1 and e2.
	if !sub.ShouldDeliver(e1) || !sub.ShouldDeliver(e2) {
		t.Fatal("fresh entities must be delivered")
	}
	// Live path races the replay and offers e2 again.
	if sub.ShouldDeliver(e2) {
		t.Error("duplicate entity delivered twice")
	}
	// Cursors are per device: another device is unaffected.
	if !sub.ShouldDeliver(other) {
		t.Error("independent device suppressed by unrelated cursor")
	}
	// Nothing at or before the requested floor is delivered.
	old := testEntity(entity.KindNotification, "dev-3", "n", base)
	if sub.ShouldDeliver(old) {
		t.Error("entity at the since floor delivered")
	}
}

func TestPushSubscriptionGateCoversBacklogWindow(t *testing.T) {
	r := NewRegistry()
	base := time.Now().UTC()

	sub, err := r.Subscribe(wildcardPrincipal(), "conn-1", Request{
		Kind:  entity.KindNotification,
		Mode:  ModePush,
		Since: base,
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Stored before the subscription existed; only the backlog query
	// will see it.
	older := testEntity(entity.KindNotification, "dev-1", "n", base.Add(1*time.Millisecond))
	// Appended after registration but before the backlog query: the
	// gate buffers it instead of letting it advance the cursor.
	newer := testEntity(entity.KindNotification, "dev-1", "n", base.Add(2*time.Millisecond))
	if sub.ShouldDeliver(newer) {
		t.Fatal("gated subscription delivered a live entity before release")
	}

	// The backlog query returned both; replay delivers them in order.
	if !sub.Advance(older) {
		t.Error("older backlog entity suppressed")
	}
	if !sub.Advance(newer) {
		t.Error("newer backlog entity suppressed")
	}

	// Release drains the buffer through the cursor: the replayed entity
	// must not be delivered a second time.
	if leftovers := sub.Release(); len(leftovers) != 0 {
		t.Errorf("replayed entity delivered again from the gate buffer: %v", leftovers)
	}

	// After release, live delivery resumes as normal.
	live := testEntity(entity.KindNotification, "dev-1", "n", base.Add(3*time.Millisecond))
	if !sub.ShouldDeliver(live) {
		t.Error("live entity suppressed after release")
	}
}

func TestReleaseReturnsUnreplayedBuffer(t *testing.T) {
	r := NewRegistry()
	base := time.Now().UTC()

	sub, err := r.Subscribe(wildcardPrincipal(), "conn-1", Request{
		Kind:  entity.KindCommand,
		Mode:  ModePush,
		Since: base,
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Appended after the backlog query snapshot: only the gate saw it.
	missed := testEntity(entity.KindCommand, "dev-1", "c", base.Add(1*time.Millisecond))
	if sub.ShouldDeliver(missed) {
		t.Fatal("gated subscription delivered instead of buffering")
	}

	got := sub.Release()
	if len(got) != 1 || got[0] != missed {
		t.Fatalf("Release() = %v, want the buffered entity", got)
	}
	if again := sub.Release(); len(again) != 0 {
		t.Errorf("second Release() = %v, want empty", again)
	}
}
