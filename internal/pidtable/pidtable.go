// Package pidtable implements the fixed 8192-entry PID state table of
// spec §3: per-PID filter/PSI reference counts, continuity/error counters,
// a presence timer, and the list of outputs subscribing to that PID.
//
// Grounded on the teacher's per-PID bookkeeping in internal/mpegts/demuxer.go
// (continuity-counter tracking keyed by PID) generalized here to the full
// accounting surface spec §3 and §4.6 require: duplicate/discontinuity
// detection, transport-error counting, scrambling bits, and a bytes/sec
// sampling window.
package pidtable

import (
	"time"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

// NumPIDs is the size of the PID state table (13-bit PID space).
const NumPIDs = tspacket.NumPIDs

// Info is the accounting and subscription state for one PID.
type Info struct {
	// FilterRefcount counts active hardware filter holders; PSIRefcount
	// counts PSI-assembly holders. Invariant (spec §3): a PID with zero
	// subscribers and zero PSI refs has no hardware filter set.
	// internal/demux keeps FilterRefcount == len(Subscribers) + PSIRefcount
	// on every change; there is no budget mode that relaxes this.
	FilterRefcount int
	PSIRefcount    int
	EMM            bool
	PESCarrying    bool

	haveCC  bool
	lastCC  uint8
	present bool

	Subscribers []int // stable output indices (spec §9: arena-style, no back-pointers)

	Packets            uint64
	CCErrors           uint64
	TransportErrors    uint64
	ScrambledPackets   uint64
	FirstSeen          time.Time
	LastSeen           time.Time
	bytesWindowStart   time.Time
	bytesWindowCount   uint64
	BytesPerSecond     uint64

	PresenceTimerDeadline time.Time
	PresenceTimerArmed    bool
}

// Table is the fixed-size PID state table.
type Table struct {
	entries [NumPIDs]Info
}

// New returns a freshly zeroed Table.
func New() *Table {
	return &Table{}
}

// Get returns a pointer to the Info for pid, for direct mutation by the
// router's hot path. A PID value above NumPIDs-1 is a caller bug; since PID
// is always derived from a 13-bit field this cannot happen from wire data.
func (t *Table) Get(pid uint16) *Info {
	return &t.entries[pid]
}

// CCResult classifies a continuity-counter observation.
type CCResult int

const (
	CCOK CCResult = iota
	CCDuplicate
	CCDiscontinuity
)

// Observe updates packet/byte counters and classifies the continuity
// counter for one arriving packet on this PID, per spec §4.6 step 2.
// hasAdaptationOnly packets (no payload) do not advance the CC sequence,
// matching ISO/IEC 13818-1's continuity_counter semantics.
func (info *Info) Observe(hdr tspacket.Header, packetLen int, now time.Time) CCResult {
	info.Packets++
	if info.FirstSeen.IsZero() {
		info.FirstSeen = now
	}
	info.LastSeen = now
	info.present = true

	if info.bytesWindowStart.IsZero() {
		info.bytesWindowStart = now
	}
	info.bytesWindowCount += uint64(packetLen)
	if now.Sub(info.bytesWindowStart) >= time.Second {
		info.BytesPerSecond = info.bytesWindowCount
		info.bytesWindowCount = 0
		info.bytesWindowStart = now
	}

	if hdr.TransportErrorIndicator {
		info.TransportErrors++
	}

	if !hdr.HasPayload {
		return CCOK
	}

	result := CCOK
	if info.haveCC {
		if hdr.ContinuityCounter == info.lastCC {
			result = CCDuplicate
		} else if hdr.ContinuityCounter != (info.lastCC+1)&0x0F {
			result = CCDiscontinuity
			if !hdr.DiscontinuityIndicator {
				info.CCErrors++
			}
		}
	}
	info.haveCC = true
	info.lastCC = hdr.ContinuityCounter
	return result
}

// ArmPresenceTimer schedules the PID-presence-down deadline described in
// spec §5 ("PID presence: when enabled, each PID starts a timer equal to
// es_timeout").
func (info *Info) ArmPresenceTimer(now time.Time, timeout time.Duration) {
	info.PresenceTimerArmed = true
	info.PresenceTimerDeadline = now.Add(timeout)
}

// RefreshPresence pushes the presence deadline forward on a validated PES
// packet, per spec §5.
func (info *Info) RefreshPresence(now time.Time, timeout time.Duration) {
	if info.PresenceTimerArmed {
		info.PresenceTimerDeadline = now.Add(timeout)
	}
}

// PresenceExpired reports whether the presence timer has elapsed without
// being refreshed — the PID should be reported "down".
func (info *Info) PresenceExpired(now time.Time) bool {
	return info.PresenceTimerArmed && !now.Before(info.PresenceTimerDeadline)
}

// AddSubscriber registers output index idx as a subscriber of this PID, if
// not already present.
func (info *Info) AddSubscriber(idx int) {
	for _, s := range info.Subscribers {
		if s == idx {
			return
		}
	}
	info.Subscribers = append(info.Subscribers, idx)
}

// RemoveSubscriber unregisters output index idx.
func (info *Info) RemoveSubscriber(idx int) {
	for i, s := range info.Subscribers {
		if s == idx {
			info.Subscribers = append(info.Subscribers[:i], info.Subscribers[i+1:]...)
			return
		}
	}
}

// HasFilter reports whether this PID currently needs a hardware filter:
// any subscriber or PSI reference keeps it armed (spec §3 invariant).
func (info *Info) HasFilter() bool {
	return len(info.Subscribers) > 0 || info.PSIRefcount > 0
}
