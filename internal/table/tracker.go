// Package table implements the PSI table tracker described in spec §4.3:
// a "next" set of sections accumulated per table per transport, switched
// atomically into "current" once complete, with byte-equality and version
// shortcuts to avoid spurious change notifications.
//
// Grounded on the atomic current/next table-switch protocol plus the
// teacher's CRC-validated section handling in internal/mpegts/psi.go —
// restructured here with an explicit two-generation section map instead of
// the teacher's one-shot per-payload parse, since PAT/CAT/NIT/SDT can span
// many sections and must switch as a unit.
package table

import (
	"fmt"

	"github.com/zsiec/dvbroute/internal/psi"
)

// Tracker holds the current and in-progress ("next") generation of one
// multi-section PSI table (PAT, CAT, NIT actual, or SDT actual, on one
// transport). It is not safe for concurrent use; callers serialize access
// through the single router loop per spec §5.
type Tracker struct {
	current map[uint8]psi.Section
	next    map[uint8]psi.Section
	version uint8
	haveVer bool
}

// NewTracker returns an empty Tracker with no current table yet observed.
func NewTracker() *Tracker {
	return &Tracker{
		current: make(map[uint8]psi.Section),
		next:    make(map[uint8]psi.Section),
	}
}

// Switched reports the outcome of Add.
type Switched int

const (
	// NoChange means the section was accepted but did not complete or
	// alter the table (including the byte-equal shortcut).
	NoChange Switched = iota
	// Completed means the "next" generation became complete and differed
	// from "current", so the tracker switched; Current() now returns the
	// new generation.
	Completed
)

// Add inserts one CRC-valid PSI section into the tracker's in-progress
// generation. Only sections with current_next_indicator set participate
// (spec §4.3.1: "only considered when psi_get_current is set"). A version
// change relative to the in-progress generation restarts accumulation from
// empty, discarding any partial sections of the stale version.
func (t *Tracker) Add(sec psi.Section) (Switched, error) {
	if !sec.CurrentNext() {
		return NoChange, nil
	}

	v := sec.Version()
	if !t.haveVer || v != t.version {
		t.next = make(map[uint8]psi.Section)
		t.version = v
		t.haveVer = true
	}

	t.next[sec.SectionNumber()] = sec.Clone()

	last := sec.LastSectionNumber()
	for n := uint8(0); ; n++ {
		s, ok := t.next[n]
		if !ok {
			return NoChange, nil // still incomplete
		}
		if s.Version() != v || s.LastSectionNumber() != last {
			return NoChange, fmt.Errorf("table: inconsistent section in progress")
		}
		if n == last {
			break
		}
	}

	if sectionsEqual(t.current, t.next, last) {
		return NoChange, nil // byte-equal shortcut
	}

	t.current = t.next
	t.next = make(map[uint8]psi.Section)
	return Completed, nil
}

func sectionsEqual(a, b map[uint8]psi.Section, last uint8) bool {
	if len(a) != len(b) {
		return false
	}
	for n := uint8(0); ; n++ {
		sa, oka := a[n]
		sb, okb := b[n]
		if oka != okb {
			return false
		}
		if oka && !bytesEqual(sa, sb) {
			return false
		}
		if n == last {
			break
		}
	}
	return true
}

func bytesEqual(a, b psi.Section) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Current returns the current generation's sections ordered by section
// number, or nil if no complete generation has ever been observed.
func (t *Tracker) Current() []psi.Section {
	if len(t.current) == 0 {
		return nil
	}
	out := make([]psi.Section, 0, len(t.current))
	for n := uint8(0); int(n) < len(t.current); n++ {
		s, ok := t.current[n]
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// Version returns the version_number of the current generation.
func (t *Tracker) Version() uint8 {
	if len(t.current) == 0 {
		return 0
	}
	for _, s := range t.current {
		return s.Version()
	}
	return 0
}
