package table

import (
	"testing"

	"github.com/zsiec/dvbroute/internal/psi"
)

func buildSingleSectionPAT(tsid uint16, version uint8, programs [][2]uint16) psi.Section {
	body := []byte{byte(tsid >> 8), byte(tsid)}
	body = append(body, (version<<1)|0x01) // reserved bits ignored, current_next=1
	body = append(body, 0x00, 0x00)        // section_number, last_section_number
	for _, p := range programs {
		body = append(body, byte(p[0]>>8), byte(p[0]))
		body = append(body, byte(p[1]>>8&0x1F), byte(p[1]))
	}
	sectionLength := len(body) + 4
	sec := []byte{TableIDPAT, 0x80 | byte(sectionLength>>8&0x0F), byte(sectionLength)}
	sec = append(sec, body...)
	return psi.Section(psi.AppendCRC32(sec))
}

func TestTrackerSwitchesOnComplete(t *testing.T) {
	tr := NewTracker()
	sec := buildSingleSectionPAT(1, 0, [][2]uint16{{1, 100}})

	sw, err := tr.Add(sec)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sw != Completed {
		t.Fatalf("switched = %v, want Completed", sw)
	}
	if len(tr.Current()) != 1 {
		t.Fatalf("current sections = %d, want 1", len(tr.Current()))
	}
}

func TestTrackerByteEqualShortcut(t *testing.T) {
	tr := NewTracker()
	sec := buildSingleSectionPAT(1, 0, [][2]uint16{{1, 100}})
	if _, err := tr.Add(sec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sec2 := buildSingleSectionPAT(1, 0, [][2]uint16{{1, 100}})
	sw, err := tr.Add(sec2)
	if err != nil {
		t.Fatalf("Add replay: %v", err)
	}
	if sw != NoChange {
		t.Errorf("replaying identical section switched = %v, want NoChange", sw)
	}
}

func TestTrackerVersionBumpSwitches(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Add(buildSingleSectionPAT(1, 0, [][2]uint16{{1, 100}})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sw, err := tr.Add(buildSingleSectionPAT(1, 1, [][2]uint16{{1, 200}}))
	if err != nil {
		t.Fatalf("Add v2: %v", err)
	}
	if sw != Completed {
		t.Fatalf("switched = %v, want Completed on version bump", sw)
	}
}

func TestParsePATAndDiff(t *testing.T) {
	sec := buildSingleSectionPAT(7, 0, [][2]uint16{{1, 100}, {2, 200}, {0, NITPID}})
	pat, err := ParsePAT([]psi.Section{sec})
	if err != nil {
		t.Fatalf("ParsePAT: %v", err)
	}
	if pat.NITPID != NITPID {
		t.Errorf("NITPID = %#x, want %#x", pat.NITPID, NITPID)
	}
	if len(pat.Programs) != 2 {
		t.Fatalf("programs = %d, want 2", len(pat.Programs))
	}

	newSec := buildSingleSectionPAT(7, 1, [][2]uint16{{1, 100}, {3, 300}})
	newPAT, err := ParsePAT([]psi.Section{newSec})
	if err != nil {
		t.Fatalf("ParsePAT new: %v", err)
	}

	diff := DiffPAT(pat, newPAT)
	if len(diff.Added) != 1 || diff.Added[0].ProgramNumber != 3 {
		t.Errorf("added = %+v, want sid 3", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].ProgramNumber != 2 {
		t.Errorf("removed = %+v, want sid 2", diff.Removed)
	}
}

func buildPMT(sid uint16, version uint8, pcrPID uint16, programCA []uint16, esList []ElementaryStream) psi.Section {
	progInfo := descBytes(programCA)
	body := []byte{byte(sid >> 8), byte(sid)}
	body = append(body, (version<<1)|0x01)
	body = append(body, 0x00, 0x00)
	body = append(body, byte(pcrPID>>8&0x1F), byte(pcrPID))
	body = append(body, byte(len(progInfo)>>8&0x0F), byte(len(progInfo)))
	body = append(body, progInfo...)
	for _, es := range esList {
		esDesc := descBytes(es.CAPIDs)
		body = append(body, es.StreamType)
		body = append(body, byte(es.PID>>8&0x1F), byte(es.PID))
		body = append(body, byte(len(esDesc)>>8&0x0F), byte(len(esDesc)))
		body = append(body, esDesc...)
	}
	sectionLength := len(body) + 4
	sec := []byte{TableIDPMT, 0x80 | byte(sectionLength>>8&0x0F), byte(sectionLength)}
	sec = append(sec, body...)
	return psi.Section(psi.AppendCRC32(sec))
}

func descBytes(caPIDs []uint16) []byte {
	var out []byte
	for _, pid := range caPIDs {
		out = append(out, caDescriptorTag, 0x04, 0x00, 0x01, byte(pid>>8&0x1F), byte(pid))
	}
	return out
}

func TestParsePMTGhostRejected(t *testing.T) {
	sec := buildPMT(5, 0, 100, nil, nil)
	_, err := ParsePMT(sec, 6)
	if err == nil {
		t.Fatal("expected ghost_pmt error for mismatched sid")
	}
}

func TestParsePMTAndPIDBitmapDiff(t *testing.T) {
	oldSec := buildPMT(5, 0, 102, nil, []ElementaryStream{
		{StreamType: 0x1B, PID: 100},
		{StreamType: 0x0F, PID: 101},
	})
	oldPMT, err := ParsePMT(oldSec, 5)
	if err != nil {
		t.Fatalf("ParsePMT old: %v", err)
	}
	if oldPMT.PCRPID != 102 {
		t.Errorf("PCRPID = %d, want 102", oldPMT.PCRPID)
	}

	newSec := buildPMT(5, 1, 102, []uint16{900}, []ElementaryStream{
		{StreamType: 0x1B, PID: 100},
		{StreamType: 0x0F, PID: 103}, // audio PID changed 101 -> 103
	})
	newPMT, err := ParsePMT(newSec, 5)
	if err != nil {
		t.Fatalf("ParsePMT new: %v", err)
	}

	diff := DiffPMTPIDs(&oldPMT, &newPMT, true)
	wantSelect := map[uint16]bool{103: true, 900: true}
	for _, pid := range diff.Select {
		if !wantSelect[pid] {
			t.Errorf("unexpected select pid %d", pid)
		}
		delete(wantSelect, pid)
	}
	if len(wantSelect) != 0 {
		t.Errorf("missing expected selects: %+v", wantSelect)
	}
	if len(diff.Unselect) != 1 || diff.Unselect[0] != 101 {
		t.Errorf("unselect = %+v, want [101]", diff.Unselect)
	}
}
