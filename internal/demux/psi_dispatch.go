package demux

import (
	"fmt"

	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/table"
)

// feedPSI assembles pkt's payload on the appropriate per-PID assembler and
// dispatches every completed section to the right table tracker, per spec
// §4.6 step 4.
func (e *Engine) feedPSI(pid uint16, sections []psi.Section) {
	for _, sec := range sections {
		switch pid {
		case PATPID:
			e.handlePATSection(sec)
		case CATPID:
			e.handleCATSection(sec)
		case NITPID:
			e.handleNITSection(sec)
		case SDTPID:
			e.handleSDTSection(sec)
		case EITPID:
			e.handleEITSection(sec)
		default:
			e.handlePMTSection(pid, sec)
		}
	}
}

func (e *Engine) handlePATSection(sec psi.Section) {
	if sec.TableID() != table.TableIDPAT {
		return
	}
	switched, err := e.pat.Add(sec)
	if err != nil {
		e.log.Warn("invalid PAT section", "error", err)
		e.event("psi_invalid", "table=PAT reason="+err.Error())
		return
	}
	if switched != table.Completed {
		return
	}

	newPAT, err := table.ParsePAT(e.pat.Current())
	if err != nil {
		e.log.Warn("PAT parse failed", "error", err)
		e.event("psi_invalid", "table=PAT reason="+err.Error())
		return
	}

	if newPAT.NITPID != 0 && newPAT.NITPID != table.NITPID {
		e.log.Info("PAT advertises non-conventional NIT PID", "pid", newPAT.NITPID)
	}

	var oldPAT table.PAT
	oldPAT.Programs = e.currentPATPrograms
	diff := table.DiffPAT(oldPAT, newPAT)
	e.currentPATPrograms = newPAT.Programs

	for _, p := range diff.Added {
		e.selectPMT(p.ProgramNumber, p.PMTPID)
	}
	for _, p := range diff.Changed {
		for _, op := range oldPAT.Programs {
			if op.ProgramNumber == p.ProgramNumber {
				e.deleteProgram(op.ProgramNumber, op.PMTPID)
			}
		}
		e.selectPMT(p.ProgramNumber, p.PMTPID)
	}
	for _, p := range diff.Removed {
		e.deleteProgram(p.ProgramNumber, p.PMTPID)
	}

	tsidChanged := !e.haveTSID || e.tsid != newPAT.TransportStreamID
	e.tsid = newPAT.TransportStreamID
	e.haveTSID = true
	if tsidChanged {
		e.onTSIDChanged()
	}
}

func (e *Engine) handleCATSection(sec psi.Section) {
	if sec.TableID() != table.TableIDCAT {
		return
	}
	switched, err := e.cat.Add(sec)
	if err != nil {
		e.event("psi_invalid", "table=CAT reason="+err.Error())
		return
	}
	if switched != table.Completed {
		return
	}
	e.applyCAT(table.ParseCAT(e.cat.Current()))
}

// applyCAT diffs newCAT's EMM PID list against the previously tracked one,
// arming/disarming the hardware filter and flagging pidtable.Info.EMM only
// for PIDs whose membership actually changed (spec §4.9: EMM PIDs are
// filtered and forwarded like any other CA-announced stream).
func (e *Engine) applyCAT(newCAT table.CAT) {
	oldSet := emmPIDSet(e.catTable)
	newSet := emmPIDSet(newCAT)

	for pid := range oldSet {
		if !newSet[pid] {
			e.pids.Get(pid).EMM = false
			e.releasePSIRef(pid)
		}
	}
	for pid := range newSet {
		if !oldSet[pid] {
			e.pids.Get(pid).EMM = true
			e.addPSIRef(pid)
		}
	}
	e.catTable = newCAT
}

func emmPIDSet(cat table.CAT) map[uint16]bool {
	set := make(map[uint16]bool, len(cat.EMMPIDs))
	for _, pid := range cat.EMMPIDs {
		set[pid] = true
	}
	return set
}

func (e *Engine) handleNITSection(sec psi.Section) {
	if sec.TableID() != rebuildNITActualTableID {
		return
	}
	if _, err := e.nit.Add(sec); err != nil {
		e.event("psi_invalid", "table=NIT reason="+err.Error())
	}
}

func (e *Engine) handleSDTSection(sec psi.Section) {
	if sec.TableID() != sdtActualTableID {
		return
	}
	if _, err := e.sdt.Add(sec); err != nil {
		e.event("psi_invalid", "table=SDT reason="+err.Error())
	}
}

// rebuildNITActualTableID/sdtActualTableID mirror internal/rebuild's
// constants locally to avoid an import cycle (internal/rebuild does not
// depend on internal/demux, but table_id constants for the *input*-side
// NIT/SDT actual tables are the same ETSI-assigned values).
const (
	rebuildNITActualTableID = 0x40
	sdtActualTableID        = 0x42
)

// handlePMTSection processes a section arriving on a tracked per-service
// PMT PID. The program_number tie-break of spec §4.3 ("ghost_pmt") is
// applied here: a section whose program_number does not match the SID
// this PID is currently tracked for is rejected and logged, not merged
// into any service's state.
func (e *Engine) handlePMTSection(pid uint16, sec psi.Section) {
	if sec.TableID() != table.TableIDPMT {
		return
	}
	sid := sec.TableIDExtension()
	svc, ok := e.services.Get(sid)
	if !ok || svc.PMTPID != pid {
		e.log.Warn("ghost_pmt", "pid", pid, "program_number", sid)
		e.event("psi_invalid", fmt.Sprintf("ghost_pmt pid=%d program_number=%d", pid, sid))
		return
	}

	if prev, ok := e.pmtSections[sid]; ok && sectionBytesEqual(prev, sec) {
		return // identical content short-circuit, spec §4.3
	}
	e.pmtSections[sid] = sec.Clone()

	newPMT, err := table.ParsePMT(sec, sid)
	if err != nil {
		e.log.Warn("invalid PMT section", "sid", sid, "error", err)
		e.event("psi_invalid", fmt.Sprintf("table=PMT sid=%d reason=%s", sid, err))
		return
	}

	e.applyNewPMT(svc, newPMT)
}

func sectionBytesEqual(a, b psi.Section) bool {
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
