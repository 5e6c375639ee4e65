package discovery

import (
	"net"
	"testing"
)

func TestSortIPsByPreference(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("fe80::42"),
		net.ParseIP("192.168.1.40"),
		net.ParseIP("fd12:3456::1"),
		net.ParseIP("2001:db8::7"),
	}

	sorted := SortIPsByPreference(ips)

	want := []string{
		"2001:db8::7",   // global IPv6
		"fd12:3456::1",  // ULA
		"192.168.1.40",  // IPv4
		"fe80::42",      // link-local, needs a zone to dial
		"127.0.0.1",     // loopback
	}
	if len(sorted) != len(want) {
		t.Fatalf("length changed: %d", len(sorted))
	}
	for i, w := range want {
		if !sorted[i].Equal(net.ParseIP(w)) {
			t.Errorf("position %d: got %v, want %s", i, sorted[i], w)
		}
	}

	// The input slice stays untouched.
	if !ips[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Error("input slice was reordered")
	}
}

func TestSortIPsByPreferenceStable(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	sorted := SortIPsByPreference([]net.IP{a, b})
	if !sorted[0].Equal(a) || !sorted[1].Equal(b) {
		t.Errorf("equal-priority order not preserved: %v", sorted)
	}
}

func TestFilters(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("192.168.1.40"),
		net.ParseIP("2001:db8::7"),
		net.ParseIP("10.0.0.5"),
	}

	v4 := FilterIPv4(ips)
	if len(v4) != 2 {
		t.Errorf("FilterIPv4: %v", v4)
	}
	v6 := FilterIPv6(ips)
	if len(v6) != 1 || !v6[0].Equal(net.ParseIP("2001:db8::7")) {
		t.Errorf("FilterIPv6: %v", v6)
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"u=admin", "Flag", "k=v=w", "", "=nokey"})

	if got["u"] != "admin" {
		t.Errorf("u = %q", got["u"])
	}
	if v, ok := got["flag"]; !ok || v != "" {
		t.Errorf("boolean attribute not lowercased to flag: %v", got)
	}
	if got["k"] != "v=w" {
		t.Errorf("value with '=' mangled: %q", got["k"])
	}
	if _, ok := got[""]; ok {
		t.Error("empty key retained")
	}
	if len(got) != 3 {
		t.Errorf("unexpected extra keys: %v", got)
	}
}
