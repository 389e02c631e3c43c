package demux

import (
	"github.com/zsiec/dvbroute/internal/output"
	"github.com/zsiec/dvbroute/internal/service"
	"github.com/zsiec/dvbroute/internal/table"
)

// selectPMT arms PSI tracking for a service newly seen in the PAT, per
// spec §4.3.3 ("for each SID newly present, call SelectPMT(sid, pmt_pid)").
func (e *Engine) selectPMT(sid, pmtPID uint16) {
	e.services.Ensure(sid, pmtPID)
	e.addPSIRef(pmtPID)
}

// deleteProgram releases everything a removed service owned exclusively:
// its ES/PCR/ECM filters, CA subscription, and PSI tracking, per spec §3's
// "on deletion, all subordinate ECM/PCR/ES filters owned only by that
// service are released" and spec §4.3.3's DeleteProgram. Filter release
// for individual PIDs happens per output via clearOutputSelection, which
// drives the same unsubscribe path recomputeOutputSelection uses, so a
// PID's hardware filter is dropped exactly when its last subscribing
// output stops selecting it.
func (e *Engine) deleteProgram(sid, pmtPID uint16) {
	e.services.Delete(sid)
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough || o.Config.SID != sid {
			continue
		}
		e.clearOutputSelection(o)
		if o.CASubscribed {
			if err := e.ca.Unsubscribe(sid); err != nil {
				e.log.Warn("ca delete_pmt failed", "sid", sid, "error", err)
			}
			o.CASubscribed = false
		}
		if o.Config.Flags.Has(output.DVB) {
			e.rebuildPAT(o) // empty PAT, spec §4.7
		}
	}
	delete(e.pmtSections, sid)
	e.releasePSIRef(pmtPID)
}

// applyNewPMT is called whenever a service's tracked PMT changes content
// (spec §4.3.4): it recomputes the PID bitmap diff against the previous
// PMT, updates every output currently selecting this service, and drives
// the CA coordinator. An output selecting this service for the first time
// (or for the first time since its service started needing descrambling)
// subscribes; an output that is already subscribed only gets the change
// notified via NotifyPMTChanged, so ca.Tracker's subscriber count is
// incremented exactly once per output (spec §4.9's add-once/delete-on-last
// rule).
func (e *Engine) applyNewPMT(svc *service.Service, newPMT table.PMT) {
	svc.PMT = &newPMT

	needsCA := needsDescrambling(newPMT)
	notifyChanged := false

	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough || o.Config.SID != svc.SID {
			continue
		}
		e.recomputeOutputSelection(o, svc)
		switch {
		case needsCA && !o.CASubscribed:
			if err := e.ca.Subscribe(svc.SID, newPMT); err != nil {
				e.log.Warn("ca add_pmt failed", "sid", svc.SID, "error", err)
			}
			o.CASubscribed = true
		case needsCA && o.CASubscribed:
			notifyChanged = true
		case !needsCA && o.CASubscribed:
			if err := e.ca.Unsubscribe(svc.SID); err != nil {
				e.log.Warn("ca delete_pmt failed", "sid", svc.SID, "error", err)
			}
			o.CASubscribed = false
		}
	}
	if notifyChanged {
		if err := e.ca.NotifyPMTChanged(svc.SID, newPMT); err != nil {
			e.log.Warn("ca update_pmt failed", "sid", svc.SID, "error", err)
		}
	}
}

// needsDescrambling reports whether a PMT announces any CA system at all
// (program- or ES-level CA_descriptor), the signal spec §4.9 uses to
// decide whether a service "needs descrambling".
func needsDescrambling(pmt table.PMT) bool {
	if len(pmt.ProgramCAPIDs) > 0 {
		return true
	}
	for _, es := range pmt.ElementaryStreams {
		if len(es.CAPIDs) > 0 {
			return true
		}
	}
	return false
}

// recomputeOutputSelection runs GetPIDS for o against svc's current PMT
// and applies the resulting PID-subscription diff, per spec §4.4 and the
// union-difference rule of spec §4.10.
func (e *Engine) recomputeOutputSelection(o *output.Output, svc *service.Service) {
	sel := service.GetPIDS(svc.SID, svc.PMTPID, svc.PMT, o.Config.ExplicitPIDs, e.cfg.Policy)
	e.applySelection(o, sel)
	e.rebuildOutputTables(o, svc)
}

// applySelection diffs o.Selected against sel.PIDs, arming/disarming PID
// subscriptions (and hardware filters/remap entries) only for the PIDs
// that actually changed.
func (e *Engine) applySelection(o *output.Output, sel service.Selection) {
	want := make(map[uint16]bool, len(sel.PIDs))
	for _, pid := range sel.PIDs {
		want[pid] = true
	}

	for pid := range o.Selected {
		if !want[pid] {
			e.unsubscribeOutput(o, pid)
		}
	}
	for pid := range want {
		if !o.Selected[pid] {
			e.subscribeOutput(o, pid)
		}
	}
	o.Selected = want
	o.HasPCR = sel.HasPCRPID
	o.PCRPID = sel.PCRPID
}

// clearOutputSelection unsubscribes o from every PID it currently selects,
// used when its service is deleted or its config changes away from it.
func (e *Engine) clearOutputSelection(o *output.Output) {
	for pid := range o.Selected {
		e.unsubscribeOutput(o, pid)
	}
	o.Selected = make(map[uint16]bool)
	o.HasPCR = false
	o.PCRPID = 0
}
