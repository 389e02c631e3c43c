package ca

import (
	"testing"

	"github.com/zsiec/dvbroute/internal/table"
)

type fakeCoordinator struct {
	adds, updates, deletes []uint16
}

func (f *fakeCoordinator) AddPMT(sid uint16, pmt table.PMT) error {
	f.adds = append(f.adds, sid)
	return nil
}
func (f *fakeCoordinator) UpdatePMT(sid uint16, pmt table.PMT) error {
	f.updates = append(f.updates, sid)
	return nil
}
func (f *fakeCoordinator) DeletePMT(sid uint16) error {
	f.deletes = append(f.deletes, sid)
	return nil
}

func TestTrackerAddOnFirstSubscriber(t *testing.T) {
	fc := &fakeCoordinator{}
	tr := NewTracker(fc)
	tr.Subscribe(1, table.PMT{ProgramNumber: 1})
	tr.Subscribe(1, table.PMT{ProgramNumber: 1})
	if len(fc.adds) != 1 {
		t.Fatalf("adds = %v, want exactly one add on first subscriber", fc.adds)
	}
}

func TestTrackerDeleteOnLastUnsubscribe(t *testing.T) {
	fc := &fakeCoordinator{}
	tr := NewTracker(fc)
	tr.Subscribe(1, table.PMT{})
	tr.Subscribe(1, table.PMT{})
	tr.Unsubscribe(1)
	if len(fc.deletes) != 0 {
		t.Fatal("should not delete while one subscriber remains")
	}
	tr.Unsubscribe(1)
	if len(fc.deletes) != 1 {
		t.Fatalf("deletes = %v, want one delete on last unsubscribe", fc.deletes)
	}
}

func TestTrackerUpdateOnlyWhileSubscribed(t *testing.T) {
	fc := &fakeCoordinator{}
	tr := NewTracker(fc)
	tr.NotifyPMTChanged(1, table.PMT{}) // no subscribers yet
	if len(fc.updates) != 0 {
		t.Fatal("should not update with zero subscribers")
	}
	tr.Subscribe(1, table.PMT{})
	tr.NotifyPMTChanged(1, table.PMT{ProgramNumber: 1})
	if len(fc.updates) != 1 {
		t.Fatalf("updates = %v, want one update", fc.updates)
	}
}

func TestTrackerResetReplaysAdds(t *testing.T) {
	fc := &fakeCoordinator{}
	tr := NewTracker(fc)
	tr.Subscribe(1, table.PMT{ProgramNumber: 1})
	tr.Subscribe(2, table.PMT{ProgramNumber: 2})
	fc.adds = nil

	if err := tr.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(fc.adds) != 2 {
		t.Fatalf("adds after reset = %v, want 2", fc.adds)
	}
}
