package remap

import "testing"

func TestMapAssignsBasePID(t *testing.T) {
	tbl := New()
	got := tbl.Map(100, 500)
	if got != 500 {
		t.Fatalf("got %d, want 500", got)
	}
	if !tbl.Invariant(100) {
		t.Fatal("invariant violated after Map")
	}
}

func TestMapIsIdempotent(t *testing.T) {
	tbl := New()
	first := tbl.Map(100, 500)
	second := tbl.Map(100, 500)
	if first != second {
		t.Fatalf("remapping the same orig twice gave different pids: %d vs %d", first, second)
	}
}

func TestMapCollisionWalksForward(t *testing.T) {
	tbl := New()
	tbl.Map(100, 500)
	got := tbl.Map(200, 500)
	if got != 501 {
		t.Fatalf("got %d, want 501 (first free slot after collision)", got)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	tbl := New()
	tbl.Map(100, 500)
	tbl.Release(100)
	if _, ok := tbl.Lookup(100); ok {
		t.Fatal("expected no mapping after Release")
	}
	got := tbl.Map(200, 500)
	if got != 500 {
		t.Fatalf("got %d, want 500 to be reusable after Release", got)
	}
}
