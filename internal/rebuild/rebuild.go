// Package rebuild constructs the PAT/PMT/NIT/SDT sections an output emits
// for its selected service, and packetizes completed sections into
// 188-byte transport packets, per spec §4.7 and the `OutputPSISection`
// TS-packetization logic in DVBlast's demux.c (lines ~1252-1313 of
// original_source), reimplemented here against internal/psi.Section and
// internal/tspacket rather than raw byte pointers (spec §9's "owned
// PsiSection value type" redesign note).
package rebuild

import (
	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/table"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

// Versions tracks the independent, monotonically-incrementing (mod 32)
// version_number for each table an output rebuilds, plus each table's
// independent continuity counter (spec §4.7: "Continuity counters are per
// output and per PID").
type Versions struct {
	PAT, PMT, NIT, SDT, EIT uint8
	ccPAT, ccPMT, ccNIT, ccSDT, ccEIT uint8
}

func bumpVersion(v uint8) uint8 { return (v + 1) & 0x1F }

func bumpCC(cc uint8) uint8 { return (cc + 1) & 0x0F }

// PATCC, PMTCC, NITCC, SDTCC, and EITCC return this Versions' per-table
// continuity-counter cell, for passing to SplitSection: each output table
// gets its own independent CC sequence on its own PID (spec §4.7).
func (v *Versions) PATCC() *uint8 { return &v.ccPAT }
func (v *Versions) PMTCC() *uint8 { return &v.ccPMT }
func (v *Versions) NITCC() *uint8 { return &v.ccNIT }
func (v *Versions) SDTCC() *uint8 { return &v.ccSDT }
func (v *Versions) EITCC() *uint8 { return &v.ccEIT }

// BuildPAT constructs the output's PAT: one program entry for sid at
// pmtPID (or no entries at all but a bumped version if sid is valid but
// its program is not yet available — "empty PAT" per spec §4.7), plus a
// NIT location entry at nitPID when dvbMode is set.
func (v *Versions) BuildPAT(tsid, sid, pmtPID, nitPID uint16, dvbMode bool, havePMT bool) psi.Section {
	v.PAT = bumpVersion(v.PAT)
	body := []byte{byte(tsid >> 8), byte(tsid), (v.PAT << 1) | 0x01, 0x00, 0x00}
	if dvbMode {
		body = append(body, 0x00, 0x00, byte(nitPID>>8&0x1F), byte(nitPID))
	}
	if havePMT {
		body = append(body, byte(sid>>8), byte(sid), byte(pmtPID>>8&0x1F), byte(pmtPID))
	}
	return buildSection(table.TableIDPAT, body)
}

// BuildPMT constructs the output's PMT for sid at pcrPID, carrying
// programDescriptors (program-info, CA descriptors already filtered by the
// caller unless ECM passthrough is enabled) and esList (already remapped
// and filtered to the output's selection; descriptors per-ES are copied
// verbatim by the caller into es.Descriptors).
func (v *Versions) BuildPMT(sid, pcrPID uint16, programDescriptors []byte, esList []PMTOutputES) psi.Section {
	v.PMT = bumpVersion(v.PMT)
	body := []byte{byte(sid >> 8), byte(sid), (v.PMT << 1) | 0x01, 0x00, 0x00}
	body = append(body, byte(pcrPID>>8&0x1F), byte(pcrPID))
	body = append(body, byte(len(programDescriptors)>>8&0x0F), byte(len(programDescriptors)))
	body = append(body, programDescriptors...)
	for _, es := range esList {
		body = append(body, es.StreamType)
		body = append(body, byte(es.PID>>8&0x1F), byte(es.PID))
		body = append(body, byte(len(es.Descriptors)>>8&0x0F), byte(len(es.Descriptors)))
		body = append(body, es.Descriptors...)
	}
	return buildSection(table.TableIDPMT, body)
}

// PMTOutputES is one ES entry ready for BuildPMT: remapped PID, original
// stream type, and copied descriptor bytes.
type PMTOutputES struct {
	StreamType  uint8
	PID         uint16
	Descriptors []byte
}

// NITTableID is the NIT actual table_id.
const NITTableID = 0x40

// BuildNIT constructs a minimal NIT: one TS loop entry naming this
// output's TSID/ONID, with an optional network-name descriptor.
func (v *Versions) BuildNIT(networkID, tsid, onid uint16, networkNameDescriptor []byte) psi.Section {
	v.NIT = bumpVersion(v.NIT)
	body := []byte{byte(networkID >> 8), byte(networkID), (v.NIT << 1) | 0x01, 0x00, 0x00}
	body = append(body, byte(len(networkNameDescriptor)>>8&0x0F), byte(len(networkNameDescriptor)))
	body = append(body, networkNameDescriptor...)

	tsLoop := []byte{byte(tsid >> 8), byte(tsid), byte(onid >> 8), byte(onid), 0x00, 0x00}
	body = append(body, byte(len(tsLoop)>>8&0x0F), byte(len(tsLoop)))
	body = append(body, tsLoop...)

	return buildSection(NITTableID, body)
}

// SDTTableID is the SDT actual table_id.
const SDTTableID = 0x42

// BuildSDT constructs a minimal SDT with one service entry for sid,
// carrying a service descriptor built by the caller (provider/service
// names already charset-encoded) and the EIT present/following and
// schedule flags.
func (v *Versions) BuildSDT(tsid, onid, sid uint16, runningStatus uint8, eitPF, eitSchedule bool, serviceDescriptor []byte) psi.Section {
	v.SDT = bumpVersion(v.SDT)
	body := []byte{byte(tsid >> 8), byte(tsid), (v.SDT << 1) | 0x01, 0x00, 0x00}
	body = append(body, byte(onid>>8), byte(onid), 0xFF)

	eitScheduleFlag := byte(0)
	if eitSchedule {
		eitScheduleFlag = 0x02
	}
	eitPFFlag := byte(0)
	if eitPF {
		eitPFFlag = 0x01
	}
	descLen := len(serviceDescriptor)
	// running_status(3) + free_CA_mode(1, left clear: no free-CA) +
	// descriptors_loop_length(12), packed into 2 bytes total.
	statusAndFlags := (runningStatus&0x07)<<5 | byte(descLen>>8&0x0F)

	entry := []byte{byte(sid >> 8), byte(sid), 0xFC | eitScheduleFlag | eitPFFlag}
	entry = append(entry, statusAndFlags, byte(descLen))
	entry = append(entry, serviceDescriptor...)
	body = append(body, entry...)

	return buildSection(SDTTableID, body)
}

func buildSection(tableID uint8, body []byte) psi.Section {
	sectionLength := len(body) + 4
	sec := []byte{tableID, 0x80 | byte(sectionLength>>8&0x0F), byte(sectionLength)}
	sec = append(sec, body...)
	return psi.Section(psi.AppendCRC32(sec))
}

// SplitSection packetizes a complete PSI section into 188-byte TS packets
// on pid, advancing cc per packet (spec §4.7, DVBlast's OutputPSISection).
// The first packet sets payload_unit_start_indicator and a zero pointer
// field; the final packet is stuffed with 0xFF padding bytes.
func SplitSection(sec psi.Section, pid uint16, cc *uint8) []tspacket.Packet {
	return splitPayload([]byte(sec), pid, cc)
}

// SplitBuffer packetizes a buffer holding one or more already-serialized,
// back-to-back sections (spec §4.8's EIT buffer, which batches several
// sections before a packet group closes rather than starting a fresh
// packet per section) into 188-byte TS packets on pid.
func SplitBuffer(buf []byte, pid uint16, cc *uint8) []tspacket.Packet {
	return splitPayload(buf, pid, cc)
}

func splitPayload(sec []byte, pid uint16, cc *uint8) []tspacket.Packet {
	data := append([]byte{0x00}, sec...) // pointer field
	var packets []tspacket.Packet
	first := true
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 184 {
			chunk = chunk[:184]
		}
		data = data[len(chunk):]

		payload := append([]byte(nil), chunk...)
		for len(payload) < 184 {
			payload = append(payload, 0xFF)
		}

		packets = append(packets, tspacket.Packet{
			Header: tspacket.Header{
				PID:                       pid,
				PayloadUnitStartIndicator: first,
				HasPayload:                true,
				ContinuityCounter:         *cc,
			},
			Payload: payload,
		})
		*cc = bumpCC(*cc)
		first = false
	}
	return packets
}

// AppendToPending appends a section's bytes, back to back with no pointer
// field added, to an in-progress EIT packetization buffer, returning the
// updated buffer; SplitBuffer writes the buffer's single leading pointer
// field. Used for EIT, which DVBlast packs
// multiple sections per datagram rather than always starting a fresh
// packet group (spec §4.8's EIT buffer).
func AppendToPending(pending []byte, sec psi.Section) []byte {
	return append(pending, sec...)
}
