package mactable

import (
	"testing"

	"github.com/psaab/lbswitch/pkg/l2"
)

var (
	hostA = l2.MustParseMAC("02:00:00:00:00:0a")
	hostB = l2.MustParseMAC("02:00:00:00:00:0b")
)

func TestObserve(t *testing.T) {
	tbl := New()

	if !tbl.Observe(hostA, 1) {
		t.Error("first observation should report a change")
	}
	if tbl.Observe(hostA, 1) {
		t.Error("repeat observation should not report a change")
	}
	if port, ok := tbl.Lookup(hostA); !ok || port != 1 {
		t.Errorf("Lookup = %d,%v, want 1,true", port, ok)
	}

	// Host moved.
	if !tbl.Observe(hostA, 4) {
		t.Error("move should report a change")
	}
	if port, _ := tbl.Lookup(hostA); port != 4 {
		t.Errorf("after move port = %d, want 4", port)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestObserveIdempotent(t *testing.T) {
	tbl := New()
	tbl.Observe(hostB, 3)
	before := tbl.Entries()
	tbl.Observe(hostB, 3)
	after := tbl.Entries()
	if len(before) != len(after) || before[0] != after[0] {
		t.Errorf("entries changed: %v -> %v", before, after)
	}
}

func TestLookupUnknown(t *testing.T) {
	tbl := New()
	if _, ok := tbl.Lookup(hostA); ok {
		t.Error("Lookup on empty table returned ok")
	}
}

func TestEntriesSorted(t *testing.T) {
	tbl := New()
	tbl.Observe(hostB, 2)
	tbl.Observe(hostA, 1)

	got := tbl.Entries()
	want := []Entry{{MAC: hostA, Port: 1}, {MAC: hostB, Port: 2}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
