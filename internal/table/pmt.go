package table

import (
	"fmt"

	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

// TableIDPMT is the PMT table_id.
const TableIDPMT = 0x02

// caDescriptorTag is the CA_descriptor tag (ECM/EMM PID announcement),
// scanned in both program-info and per-ES descriptor loops per spec §4.4.
const caDescriptorTag = 0x09

// ElementaryStream is one ES entry from a PMT.
type ElementaryStream struct {
	StreamType     uint8
	PID            uint16
	CAPIDs         []uint16 // ECM PIDs announced in this ES's descriptor loop
	DescriptorTags []uint8  // every descriptor tag in this ES's loop, for internal/service's type policy
	Descriptors    []byte   // raw ES_info descriptor loop bytes, for internal/rebuild to copy into an output PMT
}

// PMT is the parsed content of a single PMT section (PMTs are always
// exactly one section per spec §4.3's tie-break note).
type PMT struct {
	ProgramNumber     uint16
	Version           uint8
	PCRPID            uint16
	ProgramCAPIDs     []uint16 // ECM PIDs from the program-info descriptor loop
	ProgramDescriptors []byte  // raw program_info descriptor loop bytes
	ElementaryStreams []ElementaryStream
}

// DescriptorsWithoutCA returns descriptors with every CA_descriptor (tag
// 0x09) stripped, for internal/rebuild's "drop CA descriptors unless ECM
// passthrough" copy rule (spec §4.7).
func DescriptorsWithoutCA(descriptors []byte) []byte {
	var out []byte
	off := 0
	for off+2 <= len(descriptors) {
		tag := descriptors[off]
		length := int(descriptors[off+1])
		if 2+length > len(descriptors[off:]) {
			break
		}
		if tag != caDescriptorTag {
			out = append(out, descriptors[off:off+2+length]...)
		}
		off += 2 + length
	}
	return out
}

// ParsePMT parses a single CRC-validated PMT section. sid is the service
// this PMT is expected to describe; a mismatch is a "ghost_pmt" per spec
// §4.3's tie-break rule and is reported as an error so the caller can log
// and drop it without altering tracked state.
func ParsePMT(sec psi.Section, sid uint16) (PMT, error) {
	var pmt PMT
	if sec.TableID() != TableIDPMT {
		return pmt, fmt.Errorf("table: non-PMT table_id %#x", sec.TableID())
	}
	pmt.ProgramNumber = sec.TableIDExtension()
	if pmt.ProgramNumber != sid {
		return pmt, fmt.Errorf("table: ghost_pmt: section describes sid %d, tracked sid %d", pmt.ProgramNumber, sid)
	}
	pmt.Version = sec.Version()

	total := sec.Total()
	if len(sec) < 12 || total > len(sec) {
		return pmt, fmt.Errorf("table: PMT section too short")
	}

	pmt.PCRPID = uint16(sec[8]&0x1F)<<8 | uint16(sec[9])
	programInfoLength := int(sec[10]&0x0F)<<8 | int(sec[11])
	off := 12

	if off+programInfoLength > total-4 {
		return pmt, fmt.Errorf("table: PMT program_info_length out of range")
	}
	pmt.ProgramCAPIDs = scanCADescriptors(sec[off : off+programInfoLength])
	pmt.ProgramDescriptors = append([]byte(nil), sec[off:off+programInfoLength]...)
	off += programInfoLength

	for off+5 <= total-4 {
		streamType := sec[off]
		pid := uint16(sec[off+1]&0x1F)<<8 | uint16(sec[off+2])
		esInfoLength := int(sec[off+3]&0x0F)<<8 | int(sec[off+4])
		descStart := off + 5
		descEnd := descStart + esInfoLength
		if descEnd > total-4 {
			return pmt, fmt.Errorf("table: PMT ES_info_length out of range")
		}

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, ElementaryStream{
			StreamType:     streamType,
			PID:            pid,
			CAPIDs:         scanCADescriptors(sec[descStart:descEnd]),
			DescriptorTags: scanDescriptorTags(sec[descStart:descEnd]),
			Descriptors:    append([]byte(nil), sec[descStart:descEnd]...),
		})
		off = descEnd
	}

	return pmt, nil
}

// scanDescriptorTags returns every descriptor tag present in a loop, used
// by internal/service's type/private-data selection policy.
func scanDescriptorTags(descriptors []byte) []uint8 {
	var tags []uint8
	off := 0
	for off+2 <= len(descriptors) {
		tag := descriptors[off]
		length := int(descriptors[off+1])
		if 2+length > len(descriptors[off:]) {
			break
		}
		tags = append(tags, tag)
		off += 2 + length
	}
	return tags
}

// scanCADescriptors walks a descriptor loop looking for CA_descriptors,
// returning the ECM PID each one announces.
func scanCADescriptors(descriptors []byte) []uint16 {
	var pids []uint16
	off := 0
	for off+2 <= len(descriptors) {
		tag := descriptors[off]
		length := int(descriptors[off+1])
		body := descriptors[off+2:]
		if length > len(body) {
			break
		}
		if tag == caDescriptorTag && length >= 4 {
			pid := uint16(body[2]&0x1F)<<8 | uint16(body[3])
			pids = append(pids, pid)
		}
		off += 2 + length
	}
	return pids
}

// AllPIDs returns every PID this PMT's ES loop, its PCR PID (unless
// padding), and (if ecmPassthrough) its program- and ES-level CA
// descriptors would select absent an explicit PID list — i.e. the PIDs eligible to participate in
// the bitmap diff of spec §4.3.4, independent of the type/tag filtering
// internal/service.GetPIDS applies on top.
func (p PMT) AllPIDs(ecmPassthrough bool) []uint16 {
	set := make(map[uint16]bool)
	for _, es := range p.ElementaryStreams {
		set[es.PID] = true
		if ecmPassthrough {
			for _, pid := range es.CAPIDs {
				set[pid] = true
			}
		}
	}
	if ecmPassthrough {
		for _, pid := range p.ProgramCAPIDs {
			set[pid] = true
		}
	}
	if p.PCRPID != tspacket.PaddingPID {
		set[p.PCRPID] = true
	}
	out := make([]uint16, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	return out
}

// PIDBitmapDiff computes, over the 8192-entry PID space, which PIDs must
// be newly selected and which must be unselected when replacing oldPMT
// with newPMT, per spec §4.3.4: `old & ¬new` unselects, `¬old & new`
// selects, `old & new` is left alone.
type PIDBitmapDiff struct {
	Select   []uint16
	Unselect []uint16
}

// DiffPMTPIDs computes PIDBitmapDiff for a PMT replacement. Either pointer
// may be nil, to model "no PMT yet" (oldPMT) or "service removed" (newPMT).
func DiffPMTPIDs(oldPMT, newPMT *PMT, ecmPassthrough bool) PIDBitmapDiff {
	var oldSet, newSet map[uint16]bool
	if oldPMT != nil {
		oldSet = toSet(oldPMT.AllPIDs(ecmPassthrough))
	}
	if newPMT != nil {
		newSet = toSet(newPMT.AllPIDs(ecmPassthrough))
	}

	var diff PIDBitmapDiff
	for pid := range oldSet {
		if !newSet[pid] {
			diff.Unselect = append(diff.Unselect, pid)
		}
	}
	for pid := range newSet {
		if !oldSet[pid] {
			diff.Select = append(diff.Select, pid)
		}
	}
	return diff
}

func toSet(pids []uint16) map[uint16]bool {
	set := make(map[uint16]bool, len(pids))
	for _, p := range pids {
		set[p] = true
	}
	return set
}
