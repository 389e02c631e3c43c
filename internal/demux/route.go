package demux

import (
	"context"
	"fmt"
	"time"

	"github.com/zsiec/dvbroute/internal/output"
	"github.com/zsiec/dvbroute/internal/pidtable"
	"github.com/zsiec/dvbroute/internal/service"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

// Feed parses one 188-byte transport packet captured at now and routes it
// through the demuxer, per spec §4.6's per-packet algorithm. A packet that
// fails ts_validate (bad sync byte, wrong length) is counted and dropped
// without entering PID accounting; Feed never returns an error for that
// case since it is expected, recoverable input, not an engine fault.
//
// The packet is carried through routing on a pooled *block.Block exactly
// as spec §4.1 describes, though — unlike the original's multi-threaded
// fan-out — this engine's single-threaded loop never holds a second
// reference concurrently with the first, so one Ref/Unref pair per Feed
// call (rather than one per forwarding destination) fully accounts for
// the block's lifetime.
func (e *Engine) Feed(buf []byte, now time.Time) error {
	b := e.pool.New()
	defer b.Unref()

	pkt, err := tspacket.Parse(buf)
	if err != nil {
		e.invalidPackets++
		e.event("ts_invalid", err.Error())
		return nil
	}
	copy(b.TS[:], buf)
	b.Packet = pkt
	b.DTS = now.UnixMicro()

	e.lastReadTime = now
	e.route(pkt, now)
	return nil
}

func (e *Engine) route(pkt tspacket.Packet, now time.Time) {
	pid := pkt.Header.PID
	info := e.pids.Get(pid)

	result := info.Observe(pkt.Header, tspacket.Size, now)
	if result == pidtable.CCDiscontinuity {
		e.event("cc_discontinuity", fmt.Sprintf("pid=%d", pid))
	}
	if pkt.Header.TransportErrorIndicator {
		e.event("transport_error", fmt.Sprintf("pid=%d", pid))
		e.countTunerError(now)
	}
	if pkt.Header.Scrambling != tspacket.ScrambleNone {
		info.ScrambledPackets++
	}

	if pid == TDTPID || pid == RSTPID {
		e.forwardToDVBOutputs(pkt, now)
	}

	if e.isPSIPID(pid) {
		if a, ok := e.psiAssemblers[pid]; ok {
			sections, err := a.Feed(pkt)
			if err != nil {
				e.event("psi_invalid", fmt.Sprintf("pid=%d reason=%s", pid, err))
			}
			if len(sections) > 0 {
				e.feedPSI(pid, sections)
			}
		}
	}

	if info.EMM {
		e.forwardEMM(pkt, now)
	}

	if pid != tspacket.PaddingPID {
		for _, idx := range info.Subscribers {
			if idx < 0 || idx >= len(e.outputs) {
				continue
			}
			o := e.outputs[idx]
			if o == nil || o.Tombstoned {
				continue
			}
			e.forwardSelectedPacket(o, pid, pkt, now)
		}

		for _, o := range e.outputs {
			if o == nil || o.Tombstoned || !o.Config.Passthrough {
				continue
			}
			e.sendToOutput(o, pkt, now)
		}
	}
}

// Tick drives every watchdog and time-triggered flush that is not directly
// keyed off packet arrival, per spec §5: output send-group retention, the
// EIT retention window, and the CA-reset refractory window's expiry (the
// refractory window itself just gates maybeRequestCAReset; nothing needs
// to run here for it to lapse).
func (e *Engine) Tick(now time.Time) {
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned {
			continue
		}
		if _, err := o.Sender.Tick(context.Background(), now); err != nil {
			e.log.Warn("output send failed", "error", err)
		}
		if len(o.EITPending) > 0 && now.Sub(o.EITBufferedSince) >= e.cfg.MaxEITRetention {
			e.flushEITPending(o)
		}
	}
}

// forwardToDVBOutputs broadcasts pkt verbatim to every active DVB output,
// used for TDT/RST (spec §4.6: "TDT/RST forwarded verbatim to DVB
// outputs", since these tables describe the whole transport, not one
// service).
func (e *Engine) forwardToDVBOutputs(pkt tspacket.Packet, now time.Time) {
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough {
			continue
		}
		if !o.Config.Flags.Has(output.DVB) {
			continue
		}
		e.sendToOutput(o, pkt, now)
	}
}

// forwardEMM broadcasts an EMM packet (a PID the CAT lists, spec §4.9) to
// every output currently selecting a service that needs descrambling. EMMs
// are CAS-wide, not per-service, but an output only needs them while it is
// actively descrambling something.
func (e *Engine) forwardEMM(pkt tspacket.Packet, now time.Time) {
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough {
			continue
		}
		svc, ok := e.services.Get(o.Config.SID)
		if !ok || svc.PMT == nil || !needsDescrambling(*svc.PMT) {
			continue
		}
		e.sendToOutput(o, pkt, now)
	}
}

// forwardSelectedPacket sends pkt on pid to o, applying o's PID remap (if
// any), the partial-PCR-subscription filter, and the scrambling watchdog.
func (e *Engine) forwardSelectedPacket(o *output.Output, pid uint16, pkt tspacket.Packet, now time.Time) {
	svc, _ := e.services.Get(o.Config.SID)

	if e.isPCROnlySubscription(o, svc, pid) && !pkt.Header.HasPCR {
		return // dedicated clock PID: forward only the packets that carry a PCR
	}

	if pkt.Header.Scrambling != tspacket.ScrambleNone {
		e.noteScrambled(o, now)
	}

	out := pkt
	if o.Remap != nil {
		out.Header.PID = e.remapPID(o, svc, pid)
	}
	e.sendToOutput(o, out, now)
}

// isPCROnlySubscription reports whether pid is selected for o purely to
// carry a PCR reference rather than as a selected elementary stream, per
// spec §4.4's "partial subscription": this is true only when the PMT's
// PCR PID is not itself one of o's selected ES PIDs.
func (e *Engine) isPCROnlySubscription(o *output.Output, svc *service.Service, pid uint16) bool {
	if !o.HasPCR || pid != o.PCRPID || svc == nil || svc.PMT == nil {
		return false
	}
	return true
}

func (e *Engine) sendToOutput(o *output.Output, pkt tspacket.Packet, now time.Time) {
	if _, err := o.Sender.Put(context.Background(), pkt, now); err != nil {
		e.log.Warn("output send failed", "error", err)
	}
}

// noteScrambled tallies a scrambled packet toward o's CA-reset watchdog
// (spec §4.6 step 6), for Watch-flagged outputs only. The tally resets once
// WatchdogWait has passed since the window opened, so the threshold is
// "MAX_ERRORS within WATCHDOG_WAIT", not a lifetime count (demux.c:680/683).
func (e *Engine) noteScrambled(o *output.Output, now time.Time) {
	if !o.Config.Flags.Has(output.Watch) {
		return
	}
	if o.Watch.WindowStart.IsZero() || now.Sub(o.Watch.WindowStart) > e.cfg.WatchdogWait {
		o.Watch.WindowStart = now
		o.Watch.ScrambledPackets = 0
	}
	o.Watch.ScrambledPackets++
	e.maybeRequestCAReset(o, now)
}

// maybeRequestCAReset requests a CAM reset once o has accumulated MaxErrors
// scrambled packets within the watchdog window, respecting the refractory
// period so a CAM that is slow to re-establish keys is not reset repeatedly.
func (e *Engine) maybeRequestCAReset(o *output.Output, now time.Time) {
	if o.Watch.ScrambledPackets < e.cfg.MaxErrors {
		return
	}
	if !o.Watch.LastReset.IsZero() && now.Sub(o.Watch.LastReset) < e.cfg.WatchdogRefractoryPeriod {
		return
	}
	o.Watch.LastReset = now
	o.Watch.ScrambledPackets = 0
	e.event("ca_reset", fmt.Sprintf("output=%d reason=scrambled_threshold", o.Idx))
	if e.onCAReset != nil {
		e.onCAReset("scrambled_threshold")
	}
	if err := e.ca.Reset(); err != nil {
		e.log.Warn("ca reset replay failed", "error", err)
	}
}

// countTunerError tracks transport_error_indicator packets in a
// WatchdogWait sliding window and requests a tuner retune once MaxErrors is
// exceeded within it, per spec §5's tuner-error watchdog (demux.c:576),
// gated by the same refractory period as the CA-reset watchdog.
func (e *Engine) countTunerError(now time.Time) {
	if e.tunerErrorWindowStart.IsZero() || now.Sub(e.tunerErrorWindowStart) > e.cfg.WatchdogWait {
		e.tunerErrorWindowStart = now
		e.tunerErrors = 0
	}
	e.tunerErrors++
	if e.tunerErrors <= e.cfg.MaxErrors {
		return
	}
	if !e.lastTunerReset.IsZero() && now.Sub(e.lastTunerReset) < e.cfg.WatchdogRefractoryPeriod {
		return
	}
	e.lastTunerReset = now
	e.tunerErrors = 0
	e.event("tuner_reset", "reason=max_errors")
	if e.onTunerReset != nil {
		e.onTunerReset("max_errors")
	}
	if err := e.driver.Reset(); err != nil {
		e.log.Warn("frontend reset failed", "error", err)
	}
}
