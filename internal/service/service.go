// Package service implements the service registry and the GetPIDS
// selection algorithm of spec §3/§4.4: mapping a service id to its current
// PMT PID/section/EIT map, and deriving the set of PIDs an output should
// forward from a service plus (optionally) its PCR PID.
//
// GetPIDS is grounded directly on DVBlast's demux.c GetPIDS/PIDWouldBeSelected
// (lines ~1147-1247 of the original source): explicit PID list override,
// type/descriptor-tag policy, ECM passthrough scanning both program- and
// ES-level CA descriptors, and the PCR-as-partial-subscription rule.
package service

import (
	"github.com/zsiec/dvbroute/internal/eit"
	"github.com/zsiec/dvbroute/internal/table"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

// Service holds the tracked state for one SID: its PMT PID (from the PAT),
// the current PMT, and its EIT section map.
type Service struct {
	SID    uint16
	PMTPID uint16
	PMT    *table.PMT
	EIT    *eit.Map
}

// Registry maps SID to Service. A service exists iff present in the
// current PAT or explicitly created (spec §3).
type Registry struct {
	services map[uint16]*Service
}

// NewRegistry returns an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[uint16]*Service)}
}

// Ensure returns the Service for sid, creating it (with pmtPID, and a fresh
// EIT map) if it does not already exist.
func (r *Registry) Ensure(sid, pmtPID uint16) *Service {
	svc, ok := r.services[sid]
	if !ok {
		svc = &Service{SID: sid, PMTPID: pmtPID, EIT: eit.NewMap()}
		r.services[sid] = svc
		return svc
	}
	svc.PMTPID = pmtPID
	return svc
}

// Get returns the Service for sid, if tracked.
func (r *Registry) Get(sid uint16) (*Service, bool) {
	s, ok := r.services[sid]
	return s, ok
}

// Delete removes sid from the registry, per spec §3: "on deletion, all
// subordinate ECM/PCR/ES filters owned only by that service are released"
// — releasing filters is done by internal/demux's deleteProgram, which
// clears the selection of every output selecting the deleted service.
func (r *Registry) Delete(sid uint16) {
	delete(r.services, sid)
}

// All returns every tracked service, in no particular order.
func (r *Registry) All() []*Service {
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// Video stream types eligible for PIDWouldBeSelected's "type" branch:
// MPEG-1, MPEG-2, MPEG-4 part 2, H.264/AVC, H.265/HEVC, AVS.
var videoStreamTypes = map[uint8]bool{
	0x01: true, 0x02: true, 0x10: true, 0x1B: true, 0x24: true, 0x42: true,
}

// Audio stream types eligible for PIDWouldBeSelected's "type" branch:
// MPEG-1, MPEG-2, AAC ADTS, AAC LATM, AC-3, E-AC-3.
var audioStreamTypes = map[uint8]bool{
	0x03: true, 0x04: true, 0x0F: true, 0x11: true, 0x81: true, 0x87: true,
}

// Private-data descriptor tags eligible for PIDWouldBeSelected's
// descriptor-tag branch (VBI+teletext, teletext, DVB subtitles, AC-3,
// E-AC-3, DTS, AAC signaled via descriptor rather than stream_type).
var privateDescriptorTags = map[uint8]bool{
	0x46: true, 0x56: true, 0x59: true, 0x6a: true, 0x7a: true, 0x7b: true, 0x7c: true,
}

// Policy configures GetPIDS's auto-selection behavior.
type Policy struct {
	// AnyType, if set, selects every ES regardless of type or descriptor
	// tag (spec §4.4: "An 'any type' policy may be enabled").
	AnyType bool
	// ECMPassthrough adds every CA-descriptor PID (program- and ES-level)
	// to the selection.
	ECMPassthrough bool
}

// dvbSubtitleDescriptorTag is the subtitling_descriptor tag (EN 300 468
// table 12), used only to classify a PID for remap-base selection — it is
// not itself a selection criterion (that's privateDescriptorTags above,
// which already includes it).
const dvbSubtitleDescriptorTag = 0x59

// RemapClass names which of an output's four pidmap= base PIDs (pmt,
// audio, video, subtitle) a given ES belongs under, for internal/remap's
// per-class base-PID allocation (spec §6's `pidmap=pmt,apid,vpid,spupid`).
type RemapClass int

const (
	RemapClassOther RemapClass = iota
	RemapClassVideo
	RemapClassAudio
	RemapClassSubtitle
)

// ClassifyES reports es's RemapClass.
func ClassifyES(es table.ElementaryStream) RemapClass {
	switch {
	case videoStreamTypes[es.StreamType]:
		return RemapClassVideo
	case audioStreamTypes[es.StreamType]:
		return RemapClassAudio
	}
	for _, tag := range es.DescriptorTags {
		if tag == dvbSubtitleDescriptorTag {
			return RemapClassSubtitle
		}
	}
	return RemapClassOther
}

// PIDWouldBeSelected reports whether es would be auto-selected absent an
// explicit PID list, under policy.
func PIDWouldBeSelected(es table.ElementaryStream, policy Policy) bool {
	if policy.AnyType {
		return true
	}
	if videoStreamTypes[es.StreamType] || audioStreamTypes[es.StreamType] {
		return true
	}
	for _, tag := range es.DescriptorTags {
		if privateDescriptorTags[tag] {
			return true
		}
	}
	return false
}

// Selection is the result of GetPIDS.
type Selection struct {
	PIDs   []uint16
	PCRPID uint16 // 0 with HasPCRPID false if no partial PCR subscription is needed
	HasPCRPID bool
}

// GetPIDS computes the set of PIDs an output should forward for one
// service, plus an optional partial PCR subscription, per spec §4.4.
//
//   - explicitPIDs non-empty: start from that list verbatim (and, when
//     sid == 0, return exactly that list: raw slicing mode, no PMT lookup).
//   - otherwise: auto-select from pmt's ES loop by PIDWouldBeSelected.
//   - ECM passthrough adds every program- and ES-level CA PID.
//   - if the PMT's PCR PID is not the padding PID, not already selected,
//     and not equal to pmtPID itself, it is added to PIDs and also
//     returned as a partial PCR-only subscription.
func GetPIDS(sid uint16, pmtPID uint16, pmt *table.PMT, explicitPIDs []uint16, policy Policy) Selection {
	if sid == 0 {
		return Selection{PIDs: append([]uint16(nil), explicitPIDs...)}
	}

	selected := make(map[uint16]bool)
	var ordered []uint16
	add := func(pid uint16) {
		if !selected[pid] {
			selected[pid] = true
			ordered = append(ordered, pid)
		}
	}

	if len(explicitPIDs) > 0 {
		for _, pid := range explicitPIDs {
			add(pid)
		}
	} else if pmt != nil {
		for _, es := range pmt.ElementaryStreams {
			if PIDWouldBeSelected(es, policy) {
				add(es.PID)
			}
		}
	}

	if policy.ECMPassthrough && pmt != nil {
		for _, pid := range pmt.ProgramCAPIDs {
			add(pid)
		}
		for _, es := range pmt.ElementaryStreams {
			for _, pid := range es.CAPIDs {
				add(pid)
			}
		}
	}

	sel := Selection{PIDs: ordered}
	if pmt != nil && pmt.PCRPID != tspacket.PaddingPID && pmt.PCRPID != pmtPID && !selected[pmt.PCRPID] {
		sel.HasPCRPID = true
		sel.PCRPID = pmt.PCRPID
		sel.PIDs = append(sel.PIDs, pmt.PCRPID)
	}
	return sel
}
