package demux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/dvbroute/internal/block"
	"github.com/zsiec/dvbroute/internal/ca"
	"github.com/zsiec/dvbroute/internal/output"
	"github.com/zsiec/dvbroute/internal/pidtable"
	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/service"
	"github.com/zsiec/dvbroute/internal/table"
)

// Well-known PSI/SI PIDs, per ISO/IEC 13818-1 and ETSI EN 300 468.
const (
	PATPID = 0x00
	CATPID = 0x01
	NITPID = table.NITPID // 0x10
	SDTPID = 0x11
	EITPID = 0x12
	RSTPID = 0x13
	TDTPID = 0x14
)

// Defaults, grounded on DVBlast's config.h (original_source/config.h):
// MAX_ERRORS, WATCHDOG_WAIT, WATCHDOG_REFRACTORY_PERIOD, MAX_EIT_RETENTION,
// DEFAULT_UDP_LOCK_TIMEOUT.
const (
	DefaultMaxErrors               = 1000
	DefaultWatchdogWait            = 10 * time.Second
	DefaultWatchdogRefractoryPeriod = 60 * time.Second
	DefaultMaxEITRetention         = 500 * time.Millisecond
	DefaultLockTimeout             = 5 * time.Second
	DefaultESTimeout               = 30 * time.Second
	DefaultBlockPoolMax            = block.DefaultMaxFree
)

// FrontendDriver is the input driver contract of spec §6: open/reset/
// set_filter/unset_filter. The capture loop itself (tuner, ASI, UDP/RTP
// receive) is an external collaborator per spec §1 — Engine only drives
// this interface to arm/disarm hardware PID filters and to request a
// retune on watchdog expiry.
type FrontendDriver interface {
	SetFilter(pid uint16) error
	UnsetFilter(pid uint16) error
	Reset() error
}

// noopDriver satisfies FrontendDriver when the engine runs against a
// software-only source (UDP/RTP ingest) with no hardware filter to arm.
type noopDriver struct{}

func (noopDriver) SetFilter(uint16) error   { return nil }
func (noopDriver) UnsetFilter(uint16) error { return nil }
func (noopDriver) Reset() error             { return nil }

// Config configures an Engine. Zero-value fields fall back to the
// DVBlast-derived defaults above.
type Config struct {
	MaxErrors               int
	WatchdogWait            time.Duration
	WatchdogRefractoryPeriod time.Duration
	MaxEITRetention         time.Duration
	LockTimeout             time.Duration
	ESTimeout               time.Duration
	BlockPoolMax            int

	// Policy configures service.GetPIDS's ES auto-selection for outputs
	// that do not supply an explicit PID list.
	Policy service.Policy

	// DefaultUDP mirrors internal/config's legacy b_output_udp default
	// (spec §9 Open Question #1). Engine does not read it: the UDP flag is
	// already folded into each output's Config.Flags by
	// config.ParseOutputLine.
	DefaultUDP bool

	// UniqueTSID is the legacy b_unique_tsid switch (spec §9 Open
	// Question #4), plumbed through by internal/config, defaults false.
	// Engine does not read it: every output without a fixed Config.TSID
	// inherits the input's TSID, and no TSID is randomized.
	UniqueTSID bool
}

func (c Config) withDefaults() Config {
	if c.MaxErrors <= 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.WatchdogWait <= 0 {
		c.WatchdogWait = DefaultWatchdogWait
	}
	if c.WatchdogRefractoryPeriod <= 0 {
		c.WatchdogRefractoryPeriod = DefaultWatchdogRefractoryPeriod
	}
	if c.MaxEITRetention <= 0 {
		c.MaxEITRetention = DefaultMaxEITRetention
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.ESTimeout <= 0 {
		c.ESTimeout = DefaultESTimeout
	}
	if c.BlockPoolMax <= 0 {
		c.BlockPoolMax = DefaultBlockPoolMax
	}
	return c
}

// Engine is the single-threaded demuxer/router core of spec §2 and §4.6.
// It is driven exclusively from the event loop goroutine (spec §5: "Shared
// resources ... mutable only from the loop thread") — callers must not
// invoke Engine methods concurrently.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	driver  FrontendDriver
	caCoord ca.Coordinator

	pool *block.Pool
	pids *pidtable.Table

	psiAssemblers map[uint16]*psi.Assembler

	pat      *table.Tracker
	cat      *table.Tracker
	nit      *table.Tracker
	sdt      *table.Tracker
	catTable table.CAT

	services *service.Registry
	ca       *ca.Tracker

	// pmtSections shortcuts re-parsing an unchanged PMT section, keyed by
	// SID (spec §4.3: "identical section content short-circuits").
	pmtSections map[uint16]psi.Section

	// outputs is the arena-style output vector: stable indices, tombstoned
	// (not compacted) on removal (spec §9).
	outputs []*output.Output

	tsid      uint16
	haveTSID  bool
	currentPATPrograms []table.Program

	// invalidPackets counts ts_validate failures (spec §4.6's "block
	// whose ts_validate fails is dropped without entering PID
	// accounting").
	invalidPackets uint64

	lastReadTime time.Time

	tunerErrorWindowStart time.Time
	tunerErrors           int
	lastTunerReset        time.Time

	onTunerReset func(cause string)
	onCAReset    func(cause string)
	onEvent      func(kind, detail string)
}

// New constructs an Engine. driver may be nil for software-only (UDP/RTP)
// ingest, in which case hardware filter arming is a no-op. caCoord may be
// nil when no CAM is configured, in which case PMT add/update/delete calls
// are skipped silently.
func New(cfg Config, driver FrontendDriver, caCoord ca.Coordinator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if driver == nil {
		driver = noopDriver{}
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:           cfg,
		log:           log.With("component", "demux.engine"),
		driver:        driver,
		caCoord:       caCoord,
		pool:          block.NewPool(cfg.BlockPoolMax),
		pids:          pidtable.New(),
		psiAssemblers: make(map[uint16]*psi.Assembler),
		pat:           table.NewTracker(),
		cat:           table.NewTracker(),
		nit:           table.NewTracker(),
		sdt:           table.NewTracker(),
		services:      service.NewRegistry(),
		pmtSections:   make(map[uint16]psi.Section),
	}
	coord := caCoord
	if coord == nil {
		coord = nopCoordinator{}
	}
	e.ca = ca.NewTracker(coord)
	return e
}

// nopCoordinator discards CA notifications when no CAM is configured.
type nopCoordinator struct{}

func (nopCoordinator) AddPMT(uint16, table.PMT) error    { return nil }
func (nopCoordinator) UpdatePMT(uint16, table.PMT) error { return nil }
func (nopCoordinator) DeletePMT(uint16) error            { return nil }

// OnTunerReset registers a callback invoked whenever Engine requests a
// tuner retune (lost lock, transport-error watchdog). cause is a short
// event-marker string per spec §7 ("every recovery action is announced").
func (e *Engine) OnTunerReset(fn func(cause string)) { e.onTunerReset = fn }

// OnCAReset registers a callback invoked whenever Engine requests a CAM
// reset (scrambling/invalid-PES watchdog on a watched output).
func (e *Engine) OnCAReset(fn func(cause string)) { e.onCAReset = fn }

// OnEvent registers a callback for non-reset diagnostic events (PID down,
// invalid section, ghost PMT), per spec §7's event-marker taxonomy.
func (e *Engine) OnEvent(fn func(kind, detail string)) { e.onEvent = fn }

func (e *Engine) event(kind, detail string) {
	if e.onEvent != nil {
		e.onEvent(kind, detail)
	}
}

// PoolStats exposes the block pool's live/alloc/recycle counters for the
// debug/control surface.
func (e *Engine) PoolStats() block.Stats { return e.pool.Stats() }

// ensureAssembler returns (creating if absent) the PSI assembler for pid.
func (e *Engine) ensureAssembler(pid uint16) *psi.Assembler {
	a, ok := e.psiAssemblers[pid]
	if !ok {
		a = psi.NewAssembler(pid, func(reason string) {
			e.log.Warn("invalid PSI section", "pid", pid, "reason", reason)
			e.event("psi_invalid", fmt.Sprintf("pid=%d reason=%s", pid, reason))
		})
		e.psiAssemblers[pid] = a
	}
	return a
}

// isPSIPID reports whether pid is one of the fixed-location PSI PIDs or a
// currently-tracked per-service PMT PID (spec §4.6 step 4).
func (e *Engine) isPSIPID(pid uint16) bool {
	switch pid {
	case PATPID, CATPID, NITPID, SDTPID, EITPID:
		return true
	}
	for _, svc := range e.services.All() {
		if svc.PMTPID == pid {
			return true
		}
	}
	return false
}
