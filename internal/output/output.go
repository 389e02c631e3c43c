// Package output implements the per-output configuration and runtime state
// of spec §3 ("Output configuration" / "Output state") and the diff-driven
// reconfiguration protocol of spec §4.10 (apply_output_config).
//
// Grounded on DVBlast's output_config_t (original_source/dvblast.h:82-159)
// and output_Create/output_Change (original_source/output.c), reimplemented
// as a tagged OutputFlags bitmask (spec §9's redesign note) instead of the
// original i_config bit-OR macros, and driving internal/rebuild,
// internal/remap and internal/outbound rather than raw byte buffers.
package output

import (
	"time"

	"github.com/zsiec/dvbroute/internal/outbound"
	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/rebuild"
	"github.com/zsiec/dvbroute/internal/remap"
)

// Flags is the per-output bit-set replacing DVBlast's i_config bitmask
// (OUTPUT_WATCH/OUTPUT_VALID/OUTPUT_UDP/OUTPUT_DVB/OUTPUT_EPG/OUTPUT_RAW),
// keeping each bit's original meaning under a named Go type.
type Flags uint8

// Flag bits, one per original OUTPUT_* constant.
const (
	Watch Flags = 1 << iota // arm scrambling/invalid-PES watchdogs
	Valid                   // config parsed successfully; invalid outputs are skipped, not fatal
	UDP                     // plain UDP datagrams, no RTP header
	DVB                     // rebuild NIT/SDT/EIT in addition to PAT/PMT
	EPG                     // forward EIT schedule (not just present/following)
	Raw                     // OUTPUT_RAW: craft source-address-spoofed datagrams
)

// Has reports whether f has every bit in want set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// PIDMap is the four-slot `pidmap=pmt,apid,vpid,spupid` remap base-PID
// configuration of spec §6. A zero entry means "no remap for this class".
type PIDMap struct {
	PMT, Audio, Video, Subtitle uint16
}

// Config is one output's parsed configuration line (spec §3 "Output
// configuration" / spec §6 config-file grammar).
type Config struct {
	DisplayName string // the config line's target token, for logging

	Addr    string
	Port    int
	IsIPv6  bool
	TTL     int
	TOS     int
	MTU     int
	IfIndex int

	SourceAddr string // srcaddr=, implies Raw
	SourcePort int     // srcport=

	SSRC uint32

	Flags Flags

	Passthrough  bool
	SID          uint16
	ExplicitPIDs []uint16

	NewSID      uint16 // 0 keeps the original SID
	TSID        int32  // -1 inherits the input TSID, per spec §3
	NetworkID   uint16
	ONID        uint16 // 0 uses NetworkID, per spec §4.7
	Charset     string
	NetworkName string
	ServiceName string
	ServiceProviderName string

	PIDMap PIDMap // zero value: no remap

	Latency      time.Duration
	MaxRetention time.Duration
}

// Equal reports whether two Configs are identical in every field
// apply_output_config's diff (spec §4.10) inspects. Used by
// internal/demux.Engine.ApplyOutputConfig so that re-applying an unchanged
// Config is a no-op.
func (c Config) Equal(o Config) bool {
	if c.DisplayName != o.DisplayName || c.Addr != o.Addr || c.Port != o.Port ||
		c.IsIPv6 != o.IsIPv6 || c.TTL != o.TTL || c.TOS != o.TOS || c.MTU != o.MTU ||
		c.IfIndex != o.IfIndex || c.SourceAddr != o.SourceAddr || c.SourcePort != o.SourcePort ||
		c.SSRC != o.SSRC || c.Flags != o.Flags || c.Passthrough != o.Passthrough ||
		c.SID != o.SID || c.NewSID != o.NewSID || c.TSID != o.TSID ||
		c.NetworkID != o.NetworkID || c.ONID != o.ONID || c.Charset != o.Charset ||
		c.NetworkName != o.NetworkName || c.ServiceName != o.ServiceName ||
		c.ServiceProviderName != o.ServiceProviderName || c.PIDMap != o.PIDMap ||
		c.Latency != o.Latency || c.MaxRetention != o.MaxRetention {
		return false
	}
	return uint16SliceEqual(c.ExplicitPIDs, o.ExplicitPIDs)
}

func uint16SliceEqual(a, b []uint16) bool {
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

// WatchCounters tracks the scrambling/invalid-PES incident counts that
// drive the CA-reset watchdog of spec §4.6 step 6, reset after every
// successful CA reset request.
type WatchCounters struct {
	ScrambledPackets int
	InvalidPES       int
	WindowStart      time.Time
	LastReset        time.Time
}

// Output is one output's full runtime state: its current Config, the
// selected PID set, the live remap table, rebuilt PSI versions, the EIT
// packetization buffer, and the packetizer/sender. It is owned by
// internal/demux.Engine's output vector; PID table entries reference it
// only by stable index (spec §9's arena-style ownership note), never by
// pointer back-reference.
type Output struct {
	// Idx is this output's stable index into the engine's output vector,
	// the handle internal/pidtable.Info.Subscribers stores instead of a
	// back-pointer (spec §9's arena-style ownership note).
	Idx int

	Config Config

	// Selected is the set of original (pre-remap) PIDs currently
	// forwarded to this output, kept for apply_output_config's diff.
	Selected map[uint16]bool
	PCRPID   uint16
	HasPCR   bool

	Remap    *remap.Table
	Versions rebuild.Versions

	// TSID is the resolved transport_stream_id this output advertises:
	// Config.TSID if >= 0, else the input's current TSID (spec §3).
	TSID uint16

	EITPending []byte
	EITCC      uint8
	// EITBufferedSince is when the first section in the current EITPending
	// buffer was appended, the retention-window deadline in spec §4.8 is
	// measured from.
	EITBufferedSince time.Time

	Sender *outbound.Sender

	Watch WatchCounters

	// Tombstoned marks a deleted output slot; the engine skips tombstoned
	// entries during iteration instead of compacting the slice (spec §9).
	Tombstoned bool

	// CASubscribed marks whether this output currently holds a CA
	// subscription on its service (ca.Tracker.Subscribe called, not yet
	// matched by Unsubscribe), so a later PMT content change drives
	// NotifyPMTChanged instead of incrementing the subscriber count again.
	CASubscribed bool

	// LastPAT/PMT/NIT/SDT cache the most recently built section, used by
	// the control socket's GET_PAT/etc responses.
	LastPAT, LastPMT, LastNIT, LastSDT psi.Section
}

// New creates an Output with cfg, an empty selection, a fresh remap table
// when cfg.PIDMap is non-zero, and TSID set when cfg.TSID is fixed.
func New(cfg Config, sender *outbound.Sender) *Output {
	o := &Output{
		Config:   cfg,
		Selected: make(map[uint16]bool),
		Sender:   sender,
	}
	if cfg.PIDMap != (PIDMap{}) {
		o.Remap = remap.New()
	}
	if cfg.TSID >= 0 {
		o.TSID = uint16(cfg.TSID)
	}
	return o
}

// ResolveTSID updates o.TSID from the input's current transport_stream_id
// when this output inherits TSID (Config.TSID < 0), per spec §4.3's "TSID
// change triggers NIT regeneration on outputs that inherit TSID."
func (o *Output) ResolveTSID(inputTSID uint16) (changed bool) {
	if o.Config.TSID >= 0 {
		return false
	}
	if o.TSID == inputTSID {
		return false
	}
	o.TSID = inputTSID
	return true
}
