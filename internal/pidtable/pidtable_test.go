package pidtable

import (
	"testing"
	"time"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

func TestObserveSequential(t *testing.T) {
	tbl := New()
	info := tbl.Get(100)
	now := time.Unix(0, 0)

	for cc := uint8(0); cc < 3; cc++ {
		res := info.Observe(tspacket.Header{PID: 100, HasPayload: true, ContinuityCounter: cc}, 188, now)
		if res != CCOK {
			t.Fatalf("cc %d: result = %v, want CCOK", cc, res)
		}
	}
	if info.Packets != 3 {
		t.Errorf("packets = %d, want 3", info.Packets)
	}
}

func TestObserveDuplicate(t *testing.T) {
	tbl := New()
	info := tbl.Get(100)
	now := time.Unix(0, 0)
	info.Observe(tspacket.Header{PID: 100, HasPayload: true, ContinuityCounter: 0}, 188, now)
	res := info.Observe(tspacket.Header{PID: 100, HasPayload: true, ContinuityCounter: 0}, 188, now)
	if res != CCDuplicate {
		t.Fatalf("result = %v, want CCDuplicate", res)
	}
	if info.CCErrors != 0 {
		t.Errorf("CCErrors = %d, want 0 for a duplicate", info.CCErrors)
	}
}

func TestObserveDiscontinuity(t *testing.T) {
	tbl := New()
	info := tbl.Get(100)
	now := time.Unix(0, 0)
	info.Observe(tspacket.Header{PID: 100, HasPayload: true, ContinuityCounter: 0}, 188, now)
	res := info.Observe(tspacket.Header{PID: 100, HasPayload: true, ContinuityCounter: 5}, 188, now)
	if res != CCDiscontinuity {
		t.Fatalf("result = %v, want CCDiscontinuity", res)
	}
	if info.CCErrors != 1 {
		t.Errorf("CCErrors = %d, want 1", info.CCErrors)
	}
}

func TestPresenceTimer(t *testing.T) {
	tbl := New()
	info := tbl.Get(50)
	now := time.Unix(0, 0)
	info.ArmPresenceTimer(now, 2*time.Second)

	if info.PresenceExpired(now.Add(time.Second)) {
		t.Error("should not be expired after 1s of a 2s timeout")
	}
	if !info.PresenceExpired(now.Add(3 * time.Second)) {
		t.Error("should be expired after 3s of a 2s timeout")
	}
	info.RefreshPresence(now.Add(time.Second), 2*time.Second)
	if info.PresenceExpired(now.Add(2500 * time.Millisecond)) {
		t.Error("refresh should have pushed the deadline forward")
	}
}

func TestSubscribersAndFilter(t *testing.T) {
	tbl := New()
	info := tbl.Get(200)
	if info.HasFilter() {
		t.Fatal("no subscribers or PSI refs yet: should have no filter")
	}
	info.AddSubscriber(3)
	info.AddSubscriber(3) // idempotent
	if len(info.Subscribers) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(info.Subscribers))
	}
	if !info.HasFilter() {
		t.Fatal("expected filter armed with a subscriber present")
	}
	info.RemoveSubscriber(3)
	if info.HasFilter() {
		t.Fatal("expected no filter once last subscriber removed")
	}
}
