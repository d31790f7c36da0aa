package invocation

import "testing"

func TestParseVpnRef(t *testing.T) {
	cases := []struct {
		in       string
		wantKind refKind
	}{
		{"", refNone},
		{"office", refName},
		{"/etc/wireguard/office.conf", refPath},
		{"./office.conf", refPath},
		{"../office.conf", refPath},
		{"~/vpn/office.conf", refPath},
	}

	for _, c := range cases {
		got := ParseVpnRef(c.in)
		if got.kind != c.wantKind {
			t.Errorf("ParseVpnRef(%q).kind = %v, want %v", c.in, got.kind, c.wantKind)
		}
	}
}

func TestVpnRefRoundTrip(t *testing.T) {
	byName := VpnByName("office")
	if !byName.IsSet() || !byName.IsName() || byName.IsPath() {
		t.Fatalf("VpnByName: unexpected predicates for %+v", byName)
	}
	if byName.String() != "name:office" {
		t.Errorf("String() = %q, want name:office", byName.String())
	}

	byPath := VpnByPath("/etc/wireguard/office.conf")
	if !byPath.IsSet() || !byPath.IsPath() || byPath.IsName() {
		t.Fatalf("VpnByPath: unexpected predicates for %+v", byPath)
	}

	none := NoVpn()
	if none.IsSet() {
		t.Fatalf("NoVpn() should report IsSet() == false")
	}
	if none.String() != "none" {
		t.Errorf("String() = %q, want none", none.String())
	}
}
