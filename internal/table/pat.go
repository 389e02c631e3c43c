package table

import (
	"fmt"

	"github.com/zsiec/dvbroute/internal/psi"
)

// TableIDPAT is the PAT table_id.
const TableIDPAT = 0x00

// NITPID is the conventional PID carrying the NIT, advertised in a PAT
// entry with program_number 0.
const NITPID = 0x10

// Program is one PAT entry: a service id mapped to its PMT PID, or the
// network PID when ProgramNumber is zero.
type Program struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PAT is the parsed content of a complete PAT generation.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []Program // excludes the program_number==0 NIT entry
	NITPID            uint16    // 0 if no NIT entry present
}

// ParsePAT concatenates the section_number-ordered sections of a complete
// PAT generation and extracts its program entries. Sections must already be
// CRC-validated (done by internal/psi.Assembler) — ParsePAT re-checks only
// structural consistency.
func ParsePAT(sections []psi.Section) (PAT, error) {
	var pat PAT
	if len(sections) == 0 {
		return pat, fmt.Errorf("table: empty PAT generation")
	}
	pat.TransportStreamID = sections[0].TableIDExtension()
	pat.Version = sections[0].Version()

	for _, s := range sections {
		if s.TableID() != TableIDPAT {
			return pat, fmt.Errorf("table: non-PAT table_id %#x in PAT generation", s.TableID())
		}
		body := s[8 : s.Total()-4] // after last_section_number, before CRC
		for i := 0; i+4 <= len(body); i += 4 {
			num := uint16(body[i])<<8 | uint16(body[i+1])
			pid := uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3])
			if num == 0 {
				pat.NITPID = pid
				if pid != NITPID {
					// non-conventional NIT PID: still honored, logged by caller.
				}
				continue
			}
			pat.Programs = append(pat.Programs, Program{ProgramNumber: num, PMTPID: pid})
		}
	}
	return pat, nil
}

// PATDiff is the set of SID changes between two PAT generations, driving
// SelectPMT/DeleteProgram calls per spec §4.3.3.
type PATDiff struct {
	Added   []Program // present in new, absent (by SID) in old
	Removed []Program // present in old, absent in new
	// Changed holds programs whose PMT PID moved without the SID itself
	// disappearing; spec treats this the same as a remove+add pair.
	Changed []Program
}

// DiffPAT computes which services were added, removed, or moved to a
// different PMT PID between two PAT generations.
func DiffPAT(oldPAT, newPAT PAT) PATDiff {
	oldBySID := make(map[uint16]Program, len(oldPAT.Programs))
	for _, p := range oldPAT.Programs {
		oldBySID[p.ProgramNumber] = p
	}
	newBySID := make(map[uint16]Program, len(newPAT.Programs))
	for _, p := range newPAT.Programs {
		newBySID[p.ProgramNumber] = p
	}

	var diff PATDiff
	for sid, np := range newBySID {
		op, existed := oldBySID[sid]
		switch {
		case !existed:
			diff.Added = append(diff.Added, np)
		case op.PMTPID != np.PMTPID:
			diff.Changed = append(diff.Changed, np)
		}
	}
	for sid, op := range oldBySID {
		if _, stillPresent := newBySID[sid]; !stillPresent {
			diff.Removed = append(diff.Removed, op)
		}
	}
	return diff
}
