// Package remap implements the per-output PID remapping table of spec
// §4.5: two 8192-entry arrays mapping original PIDs to remapped PIDs and
// reserving remapped slots against collision, with forward-scan allocation
// when a configured base PID is already taken.
package remap

import "github.com/zsiec/dvbroute/internal/tspacket"

const unused = -1

// Table holds one output's (or the global) remap state. The zero value is
// not usable; use New.
type Table struct {
	newpids  [tspacket.NumPIDs]int32 // newpids[orig] = remapped pid, or unused
	freepids [tspacket.NumPIDs]int32 // freepids[new] = orig pid occupying that slot, or unused
}

// New returns an empty remap Table with no active mappings.
func New() *Table {
	t := &Table{}
	for i := range t.newpids {
		t.newpids[i] = unused
		t.freepids[i] = unused
	}
	return t
}

// Map assigns orig a remapped PID starting at basePID, walking forward to
// the first free slot on collision (spec §4.5). Calling Map again for a
// PID already mapped returns its existing assignment unchanged — a stream
// is mapped once, for the lifetime of the PMT generation that selected it.
func (t *Table) Map(orig, basePID uint16) uint16 {
	if t.newpids[orig] != unused {
		return uint16(t.newpids[orig])
	}
	pid := basePID
	for int(pid) < tspacket.NumPIDs-1 && t.freepids[pid] != unused {
		pid++
	}
	t.freepids[pid] = int32(orig)
	t.newpids[orig] = int32(pid)
	return pid
}

// Lookup returns the remapped PID for orig, if any mapping is active.
func (t *Table) Lookup(orig uint16) (uint16, bool) {
	v := t.newpids[orig]
	if v == unused {
		return 0, false
	}
	return uint16(v), true
}

// Release removes the mapping for orig, freeing its remapped slot for
// reuse — called when the stream leaves the PMT's selection (spec §4.3.4
// unselect case).
func (t *Table) Release(orig uint16) {
	v := t.newpids[orig]
	if v == unused {
		return
	}
	t.freepids[v] = unused
	t.newpids[orig] = unused
}

// Invariant reports whether the bidirectional mapping for orig is
// consistent: freepids[newpids[orig]] == orig. Used by tests; the
// production remapper never leaves this false between calls.
func (t *Table) Invariant(orig uint16) bool {
	v := t.newpids[orig]
	if v == unused {
		return true
	}
	return t.freepids[v] == int32(orig)
}
