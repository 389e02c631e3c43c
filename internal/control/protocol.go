// Package control implements the UNIX-datagram control-socket protocol of
// spec §6: a 4-byte magic/command/reserved header followed by a 4-byte
// little-endian total length and a payload, with command dispatch and
// response fragmentation at a 4096-byte cap.
//
// Grounded on DVBlast's comm.c/comm.h framing (magic byte, single command
// byte, reserved bytes, little-endian uint32 length) and the teacher's
// `ingest` packages' use of small binary.LittleEndian-framed headers for
// their own control-plane messages.
package control

import (
	"encoding/binary"
	"fmt"
)

// Magic is the required first header byte on every request and response.
const Magic = 0x48

// HeaderSize is the fixed header length: magic(1) + cmd(1) + reserved(2) +
// length(4).
const HeaderSize = 8

// MaxMsgChunk is the maximum total datagram size (header included) a
// response may occupy before it must be fragmented across multiple
// datagrams (spec §6's COMM_MAX_MSG_CHUNK, assumed 4096 per spec.md's
// Open Question — see DESIGN.md).
const MaxMsgChunk = 4096

// Command identifies a control-socket request or response kind.
type Command uint8

// Command set, per spec §6.
const (
	CmdReload Command = iota + 1
	CmdShutdown
	CmdFrontendStatus
	CmdMMIStatus
	CmdMMISlotStatus
	CmdMMIOpen
	CmdMMIClose
	CmdMMIRecv
	CmdMMISend
	CmdGetPAT
	CmdGetCAT
	CmdGetNIT
	CmdGetSDT
)

// Message is one decoded control-socket frame.
type Message struct {
	Command Command
	Payload []byte
}

// Encode serializes m into the wire framing. It does not itself fragment;
// callers needing fragmentation use Fragment.
func Encode(m Message) []byte {
	total := HeaderSize + len(m.Payload)
	buf := make([]byte, total)
	buf[0] = Magic
	buf[1] = byte(m.Command)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode parses a raw datagram into a Message, validating the magic byte
// and declared length against the actual buffer length.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, fmt.Errorf("control: datagram shorter than header (%d bytes)", len(buf))
	}
	if buf[0] != Magic {
		return Message{}, fmt.Errorf("control: bad magic byte %#x", buf[0])
	}
	total := int(binary.LittleEndian.Uint32(buf[4:8]))
	if total != len(buf) {
		return Message{}, fmt.Errorf("control: declared length %d != datagram length %d", total, len(buf))
	}
	return Message{
		Command: Command(buf[1]),
		Payload: append([]byte(nil), buf[HeaderSize:]...),
	}, nil
}

// Fragment splits a response payload into ≤MaxMsgChunk datagrams (header
// included in the cap), each independently decodable via Decode.
func Fragment(cmd Command, payload []byte) [][]byte {
	chunkPayload := MaxMsgChunk - HeaderSize
	if len(payload) == 0 {
		return [][]byte{Encode(Message{Command: cmd})}
	}
	var out [][]byte
	for len(payload) > 0 {
		n := chunkPayload
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, Encode(Message{Command: cmd, Payload: payload[:n]}))
		payload = payload[n:]
	}
	return out
}
