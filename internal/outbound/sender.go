// Package outbound implements the per-output packetizer and sender of
// spec §4.8: it batches TS packets into MTU-sized groups, optionally
// prefixes an RTP header, enforces retention/latency bounds against the
// wall clock, and writes completed groups to the network.
//
// Grounded on spec §4.8 and DVBlast's output_Put/udp.c accumulation model;
// the RTP header itself is built with github.com/ausocean/av/protocol/rtp's
// Packet.Bytes, the same RFC 3550 encoder the teacher's own media pipeline
// depends on, rather than hand-rolled bit packing.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ausocean/av/protocol/rtp"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

// State is the packetizer/sender's per-output state machine, per spec
// §4.8: Idle → Accumulating → Ready → Sent.
type State int

const (
	Idle State = iota
	Accumulating
	Ready
	Sent
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Ready:
		return "ready"
	case Sent:
		return "sent"
	default:
		return "unknown"
	}
}

const (
	rtpPayloadType = 33
	rtpHeaderSize  = 12
	clockHz        = 90000 // RTP timestamp clock rate for MPEG-TS payload type 33
)

// DefaultMTUv4 and DefaultMTUv6 are the fallback MTUs per spec §4.8.
const (
	DefaultMTUv4 = 1500
	DefaultMTUv6 = 1280
)

// Config configures one Sender.
type Config struct {
	MTU         int
	UseRTP      bool // false selects plain UDP mode (no RTP header)
	SSRC        uint32
	Latency     time.Duration
	MaxRetention time.Duration
}

// Group is one accumulated packet group awaiting send.
type Group struct {
	Packets []tspacket.Packet
	DTS     time.Time // assigned from the first packet placed in the group
	state   State
}

// Writer is the minimal outbound transport a Sender writes completed
// datagrams to — satisfied by *net.UDPConn.
type Writer interface {
	Write(b []byte) (int, error)
}

// Sender accumulates TS packets into Groups and drains them to w once size
// or retention triggers, per spec §4.8.
type Sender struct {
	cfg Config
	w   Writer
	log *slog.Logger

	pending    *Group
	packetsPer int // packets per group, computed from MTU and RTP overhead

	seq          uint16
	rtpReference time.Time

	errors uint64
}

// NewSender returns a Sender writing datagrams to w.
func NewSender(cfg Config, w Writer, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTUv4
	}
	overhead := 0
	if cfg.UseRTP {
		overhead = rtpHeaderSize
	}
	packetsPer := (cfg.MTU - overhead) / tspacket.Size
	if packetsPer < 1 {
		packetsPer = 1
	}
	return &Sender{cfg: cfg, w: w, log: log.With("component", "outbound.sender"), packetsPer: packetsPer}
}

// Put enqueues one TS packet with the given capture DTS, per spec §4.8's
// "send order matches the order of output_put calls" ordering guarantee.
// It returns the State the output transitioned to, and flushes a completed
// group through drain automatically once it fills.
func (s *Sender) Put(ctx context.Context, pkt tspacket.Packet, dts time.Time) (State, error) {
	if s.pending == nil {
		s.pending = &Group{DTS: dts, state: Accumulating}
		if s.rtpReference.IsZero() {
			s.rtpReference = dts
		}
	}
	s.pending.Packets = append(s.pending.Packets, pkt)

	if len(s.pending.Packets) >= s.packetsPer {
		s.pending.state = Ready
		return s.drain(ctx)
	}
	return Accumulating, nil
}

// Tick drains the pending group if max_retention has elapsed since its
// DTS, regardless of fill level (spec §4.8: "held in the pending FIFO
// until either it fills or max_retention has elapsed").
func (s *Sender) Tick(ctx context.Context, now time.Time) (State, error) {
	if s.pending == nil {
		return Idle, nil
	}
	if now.Sub(s.pending.DTS) >= s.cfg.MaxRetention {
		s.pending.state = Ready
		return s.drain(ctx)
	}
	return s.pending.state, nil
}

// ReadyToSend reports whether the pending group's latency deadline has
// passed: DTS + latency <= now (spec §4.8's sender trigger independent of
// retention).
func (s *Sender) ReadyToSend(now time.Time) bool {
	return s.pending != nil && !now.Before(s.pending.DTS.Add(s.cfg.Latency))
}

func (s *Sender) drain(ctx context.Context) (State, error) {
	g := s.pending
	s.pending = nil

	for len(g.Packets) < s.packetsPer {
		g.Packets = append(g.Packets, nullPacket())
	}

	buf := make([]byte, 0, s.packetsPer*tspacket.Size)
	for _, p := range g.Packets {
		buf = append(buf, serialize(p)...)
	}

	if s.cfg.UseRTP {
		rp := &rtp.Packet{
			Version:    2,
			PacketType: rtpPayloadType,
			Sync:       s.seq,
			Timestamp:  s.rtpTimestamp(g.DTS),
			SSRC:       s.cfg.SSRC,
			Payload:    buf,
		}
		s.seq++
		out := rp.Bytes(nil)
		if _, err := s.w.Write(out); err != nil {
			s.errors++
			s.log.Warn("send failed", "error", err)
			return Sent, fmt.Errorf("outbound: write: %w", err)
		}
		return Sent, nil
	}

	if _, err := s.w.Write(buf); err != nil {
		s.errors++
		s.log.Warn("send failed", "error", err)
		return Sent, fmt.Errorf("outbound: write: %w", err)
	}
	return Sent, nil
}

func (s *Sender) rtpTimestamp(dts time.Time) uint32 {
	elapsed := dts.Sub(s.rtpReference)
	ticks := uint64(elapsed * clockHz / time.Second)
	return uint32(ticks)
}

// Errors reports the cumulative write-failure count, for diagnostics.
func (s *Sender) Errors() uint64 { return s.errors }

func nullPacket() tspacket.Packet {
	payload := make([]byte, 184)
	return tspacket.Packet{
		Header: tspacket.Header{PID: tspacket.PaddingPID, HasPayload: true, ContinuityCounter: 0},
		Payload: payload,
	}
}

// serialize returns a packet's 188-byte wire form. Parsed (passthrough)
// packets re-emit their original captured bytes via Raw, preserving
// adaptation-field content (PCR, splice countdown, private data) that
// Header does not fully capture; only synthetic packets built by
// internal/rebuild (rebuilt PSI, null padding) are encoded from
// Header/Payload here.
func serialize(p tspacket.Packet) []byte {
	if p.HasRaw {
		out := make([]byte, tspacket.Size)
		copy(out, p.Raw[:])
		// Header.PID may differ from the captured bytes when internal/remap
		// reassigned this stream to a new output PID; everything else in
		// the adaptation field and payload is forwarded byte-for-byte.
		out[1] = out[1]&0xE0 | byte(p.Header.PID>>8&0x1F)
		out[2] = byte(p.Header.PID)
		return out
	}
	buf := make([]byte, tspacket.Size)
	buf[0] = tspacket.SyncByte
	buf[1] = boolByte(p.Header.TransportErrorIndicator)<<7 |
		boolByte(p.Header.PayloadUnitStartIndicator)<<6 |
		boolByte(p.Header.TransportPriority)<<5 |
		byte(p.Header.PID>>8&0x1F)
	buf[2] = byte(p.Header.PID)
	buf[3] = byte(p.Header.Scrambling)<<6 | 0x10 | p.Header.ContinuityCounter&0x0F
	if !p.Header.HasPayload {
		buf[3] &^= 0x10
	}
	copy(buf[4:], p.Payload)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// RawHeaderBuilder is the seam for DVBlast's OUTPUT_RAW mode: crafting a
// raw IP+UDP header for source-address spoofing. Constructing and sending
// on a raw socket needs CAP_NET_RAW at the OS level, which is a deployment
// concern rather than a core-algorithm one (see DESIGN.md) — this repo
// defines the interface so a privileged build can supply an implementation
// without the core depending on net.IPConn directly.
type RawHeaderBuilder interface {
	BuildHeader(srcAddr string, srcPort int, dstAddr string, dstPort int, payloadLen int) ([]byte, error)
}
