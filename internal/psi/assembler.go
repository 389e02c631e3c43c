package psi

import (
	"fmt"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

// Assembler reassembles CRC-validated PSI sections from the TS payloads of
// a single PID (spec §4.2). It tolerates continuity-counter discontinuities
// by resetting its internal buffer without emitting a partial section, and
// supports a TS packet carrying both the tail of one section and the head
// of the next (payload_unit_start_indicator with a non-zero pointer field).
//
// Grounded on the teacher's internal/mpegts/accumulator.go (per-PID packet
// buffering keyed on payload_unit_start_indicator and continuity counter)
// and internal/mpegts/psi.go (pointer-field/stuffing-byte section walking),
// restructured here into a single streaming assembler that emits Sections
// directly instead of first gathering raw TS packets.
type Assembler struct {
	pid       uint16
	buf       []byte
	haveCC    bool
	lastCC    uint8
	invalidFn func(reason string)
}

// NewAssembler creates an Assembler for the given PID. onInvalid, if
// non-nil, is called with a short reason string whenever a section is
// dropped for CRC failure — never for an ordinary CC discontinuity, which
// is expected protocol behavior, not an error.
func NewAssembler(pid uint16, onInvalid func(reason string)) *Assembler {
	return &Assembler{pid: pid, invalidFn: onInvalid}
}

// PID returns the PID this assembler was created for.
func (a *Assembler) PID() uint16 { return a.pid }

// Reset discards any partially-assembled section, without emitting.
func (a *Assembler) Reset() {
	a.buf = nil
	a.haveCC = false
}

// Feed processes one transport packet's payload and returns zero or more
// newly completed, CRC-valid sections. A packet with no payload, a
// duplicate continuity counter, or a transport_error_indicator yields no
// sections and no error. An unsignaled continuity-counter discontinuity
// silently discards the in-flight section per spec §4.2. A declared
// section length beyond MaxSize is reported as an error ("invalid
// section") and resets the buffer.
func (a *Assembler) Feed(pkt tspacket.Packet) ([]Section, error) {
	hdr := pkt.Header

	if hdr.TransportErrorIndicator {
		a.Reset()
		return nil, nil
	}
	if !hdr.HasPayload || len(pkt.Payload) == 0 {
		return nil, nil
	}

	if a.haveCC {
		if pkt.Header.ContinuityCounter == a.lastCC {
			return nil, nil // duplicate packet, drop
		}
		expected := (a.lastCC + 1) & 0x0F
		if pkt.Header.ContinuityCounter != expected && !hdr.DiscontinuityIndicator {
			a.buf = nil // unsignaled discontinuity: discard, no emit
		}
	}
	a.haveCC = true
	a.lastCC = pkt.Header.ContinuityCounter

	payload := pkt.Payload
	var sections []Section

	if hdr.PayloadUnitStartIndicator {
		if len(payload) < 1 {
			return nil, fmt.Errorf("psi: pid %d: empty PUSI payload", a.pid)
		}
		pointerField := int(payload[0])
		if 1+pointerField > len(payload) {
			a.Reset()
			return nil, fmt.Errorf("psi: pid %d: pointer field out of range", a.pid)
		}

		tail := payload[1 : 1+pointerField]
		if len(a.buf) > 0 {
			a.buf = append(a.buf, tail...)
			sects, err := a.drain()
			if err != nil {
				a.Reset()
				return sections, err
			}
			sections = append(sections, sects...)
		}
		a.buf = append([]byte(nil), payload[1+pointerField:]...)
	} else {
		a.buf = append(a.buf, payload...)
	}

	sects, err := a.drain()
	if err != nil {
		a.Reset()
		return sections, err
	}
	sections = append(sections, sects...)
	return sections, nil
}

// drain extracts every fully-buffered section from a.buf, leaving any
// trailing partial section in place for a future Feed call. Stuffing bytes
// (0xFF) or a clear section_syntax_indicator bit terminate the scan and
// clear the remainder, since both only occur as trailing padding.
func (a *Assembler) drain() ([]Section, error) {
	var out []Section
	for {
		if len(a.buf) == 0 {
			return out, nil
		}
		if a.buf[0] == 0xFF {
			a.buf = nil
			return out, nil
		}
		if len(a.buf) < HeaderSize {
			return out, nil // wait for more
		}
		if a.buf[1]&0x80 == 0 {
			a.buf = nil
			return out, nil
		}

		sectionLength := int(a.buf[1]&0x0F)<<8 | int(a.buf[2])
		total := HeaderSize + sectionLength
		if total > MaxSize {
			return out, fmt.Errorf("psi: pid %d: section length %d exceeds max %d", a.pid, total, MaxSize)
		}
		if total > len(a.buf) {
			return out, nil // wait for more
		}

		sec := Section(append([]byte(nil), a.buf[:total]...))
		a.buf = a.buf[total:]

		if !sec.VerifyCRC() {
			if a.invalidFn != nil {
				a.invalidFn("crc")
			}
			continue
		}
		out = append(out, sec)
	}
}
