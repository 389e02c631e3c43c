// Package eit tracks per-service EIT (Event Information Table) sections.
// Unlike internal/table's PAT/CAT/NIT/SDT tracker, EIT sections are stored
// directly indexed by (table_id, section_number) without a current/next
// generation concept: spec §4.3 explicitly allows holes in the EIT section
// space (not every section_number need ever arrive), so there is no
// completeness test to gate on — only a byte-equality shortcut to avoid
// re-forwarding unchanged sections.
//
// Grounded on the teacher's section-indexed map pattern in
// internal/mpegts/psi.go, adapted from PAT/PMT's table_id switch to EIT's
// per-service/table-id/section-number 2D indexing.
package eit

import "github.com/zsiec/dvbroute/internal/psi"

// EITPFActual is the lowest EIT table_id (present/following, actual TS).
// Map keys sections by their raw (table_id, section_number), not by an
// offset from this value.
const EITPFActual = 0x4E

// key addresses one EIT section within a service: table_id and
// section_number together, since a service may carry both present/
// following (0x4E/0x4F) and schedule (0x50-0x5F / 0x60-0x6F) tables.
type key struct {
	tableID       uint8
	sectionNumber uint8
}

// Map holds all known EIT sections for one service (SID).
type Map struct {
	sections map[key]psi.Section
}

// NewMap returns an empty per-service EIT section map.
func NewMap() *Map {
	return &Map{sections: make(map[key]psi.Section)}
}

// Add stores a CRC-valid EIT section. It reports whether the section's
// content changed relative to what was previously stored for the same
// (table_id, section_number) — callers use this to decide whether the
// section needs re-forwarding to subscribing outputs.
func (m *Map) Add(sec psi.Section) (changed bool) {
	k := key{tableID: sec.TableID(), sectionNumber: sec.SectionNumber()}
	prev, existed := m.sections[k]
	if existed && bytesEqual(prev, sec) {
		return false
	}
	m.sections[k] = sec.Clone()
	return true
}

// Get returns the stored section for (tableID, sectionNumber), if any.
func (m *Map) Get(tableID, sectionNumber uint8) (psi.Section, bool) {
	s, ok := m.sections[key{tableID: tableID, sectionNumber: sectionNumber}]
	return s, ok
}

// All returns every section currently tracked, in no particular order.
func (m *Map) All() []psi.Section {
	out := make([]psi.Section, 0, len(m.sections))
	for _, s := range m.sections {
		out = append(out, s)
	}
	return out
}

// Len reports how many distinct sections are tracked.
func (m *Map) Len() int { return len(m.sections) }

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
