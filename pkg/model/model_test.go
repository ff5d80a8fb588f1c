package model

import (
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestParseVesselHandle(t *testing.T) {
	tests := []struct {
		in     string
		nodeID NodeID
		name   string
		ok     bool
	}{
		{"abc:v1", "abc", "v1", true},
		{"abc", "", "", false},
		{"abc:v1:extra", "", "", false},
		{":v1", "", "", false},
		{"abc:", "", "", false},
	}
	for _, tt := range tests {
		nodeID, name, err := ParseVesselHandle(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseVesselHandle(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, ErrInvalidHandle) {
				t.Errorf("ParseVesselHandle(%q) err = %v, want ErrInvalidHandle", tt.in, err)
			}
			continue
		}
		if nodeID != tt.nodeID || name != tt.name {
			t.Errorf("ParseVesselHandle(%q) = %q, %q", tt.in, nodeID, name)
		}
	}

	h := NewVesselHandle("node", "v7")
	if h.NodeID() != "node" || h.Name() != "v7" {
		t.Errorf("handle %q split into %q %q", h, h.NodeID(), h.Name())
	}
	if err := ValidateHandles([]VesselHandle{h, "bad"}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("ValidateHandles = %v", err)
	}
}

func TestNodeLocation(t *testing.T) {
	loc := NodeLocation("10.0.0.1:1224")
	if err := loc.Validate(); err != nil {
		t.Fatal(err)
	}
	if loc.Host() != "10.0.0.1" || loc.Port() != 1224 {
		t.Errorf("split into %q %d", loc.Host(), loc.Port())
	}
	for _, bad := range []string{"", "host", "host:0", "host:70000", ":1224", "host:port"} {
		if err := NodeLocation(bad).Validate(); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("%q: err = %v", bad, err)
		}
	}
}

func TestStatusSets(t *testing.T) {
	for _, s := range []VesselStatus{StatusFresh, StatusStarted, StatusStopped, StatusStale, StatusTerminated} {
		if !s.Active() || s.Inactive() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []VesselStatus{StatusNoSuchNode, StatusNoSuchVessel, StatusNodeUnreachable} {
		if s.Active() || !s.Inactive() {
			t.Errorf("%s should be inactive", s)
		}
	}
	if StatusUnknown.Active() || StatusUnknown.Inactive() {
		t.Error("unknown status belongs to a set")
	}
}

func TestIdentityKeyStrings(t *testing.T) {
	id, err := GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}

	full, err := IdentityFromKeyStrings(id.PublicKeyString(), id.PrivateKeyString(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !full.HasPrivateKey() || full.Fingerprint() != id.Fingerprint() {
		t.Errorf("reloaded identity differs")
	}

	// 32 字节 seed 形式的私钥
	seed := EncodeKey(id.PrivateKey.Seed())
	if _, err := IdentityFromKeyStrings(id.PublicKeyString(), seed, ""); err != nil {
		t.Errorf("seed private key: %v", err)
	}

	other, _ := GenerateIdentity("bob")
	if _, err := IdentityFromKeyStrings(id.PublicKeyString(), other.PrivateKeyString(), ""); err == nil {
		t.Error("mismatched keypair accepted")
	}
	if _, err := IdentityFromKeyStrings("not base64!", "", ""); err == nil {
		t.Error("garbage public key accepted")
	}
	if _, err := IdentityFromKeyStrings(EncodeKey([]byte("short")), "", ""); err == nil {
		t.Error("short public key accepted")
	}
}

func TestIdentityValidateAndSign(t *testing.T) {
	id, err := GenerateIdentity("")
	if err != nil {
		t.Fatal(err)
	}
	public := &Identity{PublicKey: id.PublicKey}

	if err := public.Validate(false, false); err != nil {
		t.Errorf("public-only identity: %v", err)
	}
	if err := public.Validate(true, false); !errors.Is(err, ErrIdentityIncomplete) {
		t.Errorf("missing private key: %v", err)
	}
	if err := id.Validate(false, true); !errors.Is(err, ErrIdentityIncomplete) {
		t.Errorf("missing username: %v", err)
	}
	var none *Identity
	if err := none.Validate(false, false); !errors.Is(err, ErrIdentityIncomplete) {
		t.Errorf("nil identity: %v", err)
	}

	if _, err := public.Sign([]byte("msg")); !errors.Is(err, ErrIdentityIncomplete) {
		t.Errorf("signing without a private key: %v", err)
	}
	sig, err := id.Sign([]byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(id.PublicKey, []byte("msg"), sig) {
		t.Error("signature does not verify")
	}
}

func TestVesselUsableBy(t *testing.T) {
	v := VesselInfo{OwnerKey: "owner", UserKeys: []string{"u1", "u2"}}
	for key, want := range map[string]bool{"owner": true, "u2": true, "stranger": false} {
		if got := v.UsableBy(key); got != want {
			t.Errorf("UsableBy(%q) = %v", key, got)
		}
	}

	dicts := []VesselDict{{Handle: "n:a"}, {Handle: "n:b"}}
	if hs := Handles(dicts); len(hs) != 2 || hs[1] != "n:b" {
		t.Errorf("Handles = %v", hs)
	}
}

func TestAccountAllows(t *testing.T) {
	a := AccountInfo{MaxVessels: 3, UserPort: 63100}
	if !a.Allows(0) || !a.Allows(3) || a.Allows(4) || a.Allows(-1) {
		t.Errorf("Allows wrong for %+v", a)
	}
	if !VesselTypeRand.Valid() || VesselType("cloud").Valid() {
		t.Error("vessel type validation wrong")
	}
}
