// Package tspacket parses individual 188-byte MPEG-TS transport packets:
// the fixed header, the adaptation field (discontinuity, random access,
// PCR), and the payload slice. It has no notion of PSI or PES; higher
// layers (internal/psi, internal/pidtable, internal/demux) build on top of
// the fields parsed here.
package tspacket

import "fmt"

// Size is the fixed length of an MPEG-TS transport packet.
const Size = 188

// SyncByte is the required first octet of every transport packet.
const SyncByte = 0x47

// PaddingPID is the null/stuffing PID, never carried as meaningful content.
const PaddingPID = 0x1FFF

// NumPIDs is the number of distinct PID values (13 bits).
const NumPIDs = 1 << 13

// Scrambling identifies the transport_scrambling_control field.
type Scrambling uint8

// Scrambling control values per ISO/IEC 13818-1.
const (
	ScrambleNone Scrambling = 0
	ScrambleRsvd Scrambling = 1
	ScrambleEven Scrambling = 2
	ScrambleOdd  Scrambling = 3
)

// Header holds the fixed 4-byte TS header fields plus the subset of
// adaptation-field fields the router and PID table care about.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	TransportErrorIndicator   bool
	PayloadUnitStartIndicator bool
	TransportPriority         bool
	Scrambling                Scrambling
	HasAdaptationField        bool
	HasPayload                bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool

	// HasPCR and PCR are populated only when the adaptation field carries
	// a program_clock_reference.
	HasPCR bool
	PCR    ClockRef
}

// ClockRef is a 42-bit MPEG-TS program clock reference: a 33-bit 90kHz base
// and a 9-bit 27MHz extension, combined as base*300+ext 27MHz ticks.
type ClockRef struct {
	Base uint64 // 33 bits, 90kHz
	Ext  uint16 // 9 bits, 27MHz
}

// Ticks27MHz returns the clock reference as a single 27MHz tick count.
func (c ClockRef) Ticks27MHz() uint64 {
	return c.Base*300 + uint64(c.Ext)
}

// Packet is a parsed transport-stream packet: its header plus the payload
// bytes (nil if HasPayload is false or the adaptation field consumed the
// whole packet).
//
// Raw holds the original 188-byte wire encoding when the Packet came from
// Parse. Forwarding code (internal/outbound) re-emits Raw verbatim for
// passthrough packets instead of reconstructing the adaptation field from
// Header, since Header only captures the subset of adaptation-field bits
// the router and PID table need (PCR, discontinuity, random access) and
// cannot losslessly rebuild splice/private-data bytes a decoder may depend
// on. Synthetic packets built by internal/rebuild (rebuilt PSI, null
// padding) have no Raw and are serialized from Header/Payload instead.
type Packet struct {
	Header  Header
	Payload []byte
	Raw     [Size]byte
	HasRaw  bool
}

// Parse decodes a single 188-byte transport packet. It validates length and
// sync byte; all other malformed fields degrade gracefully (e.g. an
// adaptation field length that would overrun the packet is clamped).
func Parse(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) != Size {
		return p, fmt.Errorf("tspacket: length %d, want %d", len(buf), Size)
	}
	if buf[0] != SyncByte {
		return p, fmt.Errorf("tspacket: bad sync byte 0x%02X", buf[0])
	}
	copy(p.Raw[:], buf)
	p.HasRaw = true

	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.TransportPriority = buf[1]&0x20 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.Scrambling = Scrambling(buf[3] >> 6 & 0x03)
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		if offset >= Size {
			return p, nil
		}
		afLen := int(buf[offset])
		afEnd := offset + 1 + afLen
		if afLen > 0 {
			flags := buf[offset+1]
			p.Header.DiscontinuityIndicator = flags&0x80 != 0
			p.Header.RandomAccessIndicator = flags&0x40 != 0
			hasPCR := flags&0x10 != 0
			if hasPCR && offset+1+6 <= Size {
				pcrBytes := buf[offset+2 : offset+8]
				base := uint64(pcrBytes[0])<<25 | uint64(pcrBytes[1])<<17 |
					uint64(pcrBytes[2])<<9 | uint64(pcrBytes[3])<<1 | uint64(pcrBytes[4]>>7)
				ext := uint16(pcrBytes[4]&0x01)<<8 | uint16(pcrBytes[5])
				p.Header.HasPCR = true
				p.Header.PCR = ClockRef{Base: base, Ext: ext}
			}
		}
		offset = afEnd
		if offset > Size {
			offset = Size
		}
	}

	if p.Header.HasPayload && offset < Size {
		p.Payload = append([]byte(nil), buf[offset:]...)
	}

	return p, nil
}
