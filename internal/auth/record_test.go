package auth

import (
	"encoding/json"
	"testing"
)

func TestNetworkIDList_UnmarshalArray(t *testing.T) {
	var rec PermissionRecord
	if err := json.Unmarshal([]byte(`{"networkIds": [1, 2, 3]}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rec.NetworkIDs) != 3 {
		t.Errorf("NetworkIDs = %v, want 3 entries", rec.NetworkIDs)
	}
}

func TestNetworkIDList_UnmarshalWildcard(t *testing.T) {
	var rec PermissionRecord
	if err := json.Unmarshal([]byte(`{"networkIds": "*"}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.NetworkIDs != nil {
		t.Errorf("wildcard should decode to nil, got %v", rec.NetworkIDs)
	}

	// nil network dimension matches any network
	id := int64(99)
	if !rec.Matches(AccessRequest{NetworkID: &id}) {
		t.Error("wildcard networkIds should match any network")
	}
}

func TestNetworkIDList_UnmarshalNull(t *testing.T) {
	var rec PermissionRecord
	if err := json.Unmarshal([]byte(`{"networkIds": null}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.NetworkIDs != nil {
		t.Errorf("null should decode to nil, got %v", rec.NetworkIDs)
	}
}

func TestNetworkIDList_UnmarshalInvalid(t *testing.T) {
	var rec PermissionRecord
	if err := json.Unmarshal([]byte(`{"networkIds": "seven"}`), &rec); err == nil {
		t.Error("non-wildcard string should be a decode error")
	}
}

func TestParseSubnet_Defaults(t *testing.T) {
	tests := []struct {
		input    string
		wantBits int
		wantErr  bool
	}{
		{input: "10.0.0.1", wantBits: 32},
		{input: "10.0.0.0/8", wantBits: 8},
		{input: "2001:db8::1", wantBits: 128},
		{input: "2001:db8::/48", wantBits: 48},
		{input: "garbage", wantErr: true},
		{input: "10.0.0.0/33", wantErr: true},
	}

	for _, tt := range tests {
		prefix, err := parseSubnet(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSubnet(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSubnet(%q) error = %v", tt.input, err)
			continue
		}
		if prefix.Bits() != tt.wantBits {
			t.Errorf("parseSubnet(%q).Bits() = %d, want %d", tt.input, prefix.Bits(), tt.wantBits)
		}
	}
}
