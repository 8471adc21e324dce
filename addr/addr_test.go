package addr

import (
	"testing"

	"github.com/m-lab/bmi-rdma/taxonomy"
)

func TestParseValid(t *testing.T) {
	cases := []struct {
		raw  string
		want Addr
	}{
		{"rdma://10.0.0.1:7174", Addr{Scheme: SchemeRDMA, Host: "10.0.0.1", Port: 7174}},
		{"ib://host1:19000/orangefs", Addr{Scheme: SchemeIB, Host: "host1", Port: 19000, FSName: "orangefs"}},
		{"portals://nid0001:4000", Addr{Scheme: SchemePortals, Host: "nid0001", Port: 4000}},
	}
	for _, c := range cases {
		got, err := Parse(c.raw)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"10.0.0.1:7174",          // missing scheme
		"foo://host:7174",        // unsupported scheme
		"rdma://host",            // missing port
		"rdma://host:70000",      // port out of range
		"rdma://host:7174extra",  // trailing garbage before fs_name
		"rdma://:7174",           // empty host
		"rdma://host:7174/",      // empty fs_name after slash
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		} else if !taxonomy.Is(err, taxonomy.Address) {
			t.Errorf("Parse(%q) error class = %v, want Address", raw, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	a := Addr{Scheme: SchemeRDMA, Host: "10.0.0.1", Port: 7174, FSName: "pvfs2"}
	got, err := Parse(a.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", a.String(), err)
	}
	if got != a {
		t.Errorf("round trip = %+v, want %+v", got, a)
	}
}

func TestDirectoryDedupesAndRefcounts(t *testing.T) {
	d := NewDirectory()
	a1, err := d.Lookup("rdma://10.0.0.1:7174")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := d.Lookup("rdma://10.0.0.1:7174")
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Errorf("two lookups of the same peer returned different descriptors")
	}
	if rc := d.RefCount(a1); rc != 2 {
		t.Errorf("RefCount = %d, want 2", rc)
	}

	d.Release(a1)
	if rc := d.RefCount(a1); rc != 1 {
		t.Errorf("RefCount after one Release = %d, want 1", rc)
	}
	d.Release(a1)
	if rc := d.RefCount(a1); rc != 0 {
		t.Errorf("RefCount after entry should be evicted = %d, want 0", rc)
	}
}
