package demux

import (
	"context"
	"fmt"

	"github.com/zsiec/dvbroute/internal/outbound"
	"github.com/zsiec/dvbroute/internal/output"
	"github.com/zsiec/dvbroute/internal/psi"
	"github.com/zsiec/dvbroute/internal/rebuild"
	"github.com/zsiec/dvbroute/internal/remap"
	"github.com/zsiec/dvbroute/internal/service"
	"github.com/zsiec/dvbroute/internal/table"
	"github.com/zsiec/dvbroute/internal/tspacket"
)

// armFilter and disarmFilter wrap FrontendDriver.SetFilter/UnsetFilter with
// the logging every caller otherwise would have to repeat.
func (e *Engine) armFilter(pid uint16) {
	if err := e.driver.SetFilter(pid); err != nil {
		e.log.Warn("set_filter failed", "pid", pid, "error", err)
	}
}

func (e *Engine) disarmFilter(pid uint16) {
	if err := e.driver.UnsetFilter(pid); err != nil {
		e.log.Warn("unset_filter failed", "pid", pid, "error", err)
	}
}

// addPSIRef arms pid's PSI assembler and, if this is the first holder of
// any kind, the hardware filter, per spec §3's filter/PSI refcount
// invariant.
func (e *Engine) addPSIRef(pid uint16) {
	info := e.pids.Get(pid)
	had := info.HasFilter()
	info.PSIRefcount++
	info.FilterRefcount = len(info.Subscribers) + info.PSIRefcount
	if !had {
		e.armFilter(pid)
	}
	e.ensureAssembler(pid)
}

// releasePSIRef releases one PSI-assembly hold on pid, disarming the
// hardware filter and dropping the assembler once nothing references it.
func (e *Engine) releasePSIRef(pid uint16) {
	info := e.pids.Get(pid)
	if info.PSIRefcount > 0 {
		info.PSIRefcount--
	}
	info.FilterRefcount = len(info.Subscribers) + info.PSIRefcount
	if !info.HasFilter() {
		e.disarmFilter(pid)
		delete(e.psiAssemblers, pid)
	}
}

// subscribeOutput adds o as a subscriber of pid, arming the hardware filter
// on the 0→1 transition (spec §3).
func (e *Engine) subscribeOutput(o *output.Output, pid uint16) {
	info := e.pids.Get(pid)
	had := info.HasFilter()
	info.AddSubscriber(o.Idx)
	info.FilterRefcount = len(info.Subscribers) + info.PSIRefcount
	if !had {
		e.armFilter(pid)
	}
}

// unsubscribeOutput removes o from pid's subscriber list, disarming the
// hardware filter on the 1→0 transition and releasing any remap slot o had
// reserved for pid.
func (e *Engine) unsubscribeOutput(o *output.Output, pid uint16) {
	info := e.pids.Get(pid)
	info.RemoveSubscriber(o.Idx)
	info.FilterRefcount = len(info.Subscribers) + info.PSIRefcount
	if !info.HasFilter() {
		e.disarmFilter(pid)
	}
	if o.Remap != nil {
		o.Remap.Release(pid)
	}
}

// remapPID returns the PID o actually emits packets on for orig, given
// svc's current PMT: the configured pidmap= base PID for orig's class
// (spec §4.5/§6), or orig unchanged when o has no remap table, svc/its PMT
// is unknown, orig matches no class, or that class has no configured base.
func (e *Engine) remapPID(o *output.Output, svc *service.Service, orig uint16) uint16 {
	if o.Remap == nil || svc == nil {
		return orig
	}
	if orig == svc.PMTPID {
		if o.Config.PIDMap.PMT != 0 {
			return o.Remap.Map(orig, o.Config.PIDMap.PMT)
		}
		return orig
	}
	if svc.PMT == nil {
		return orig
	}
	for _, es := range svc.PMT.ElementaryStreams {
		if es.PID != orig {
			continue
		}
		switch service.ClassifyES(es) {
		case service.RemapClassVideo:
			if o.Config.PIDMap.Video != 0 {
				return o.Remap.Map(orig, o.Config.PIDMap.Video)
			}
		case service.RemapClassAudio:
			if o.Config.PIDMap.Audio != 0 {
				return o.Remap.Map(orig, o.Config.PIDMap.Audio)
			}
		case service.RemapClassSubtitle:
			if o.Config.PIDMap.Subtitle != 0 {
				return o.Remap.Map(orig, o.Config.PIDMap.Subtitle)
			}
		}
		return orig
	}
	return orig
}

// emit packetizes sec onto pid via o.Sender, using e.lastReadTime as the
// capture DTS since rebuilt PSI has no packet of its own to inherit a
// timestamp from.
func (e *Engine) emit(o *output.Output, sec psi.Section, pid uint16, cc *uint8) {
	for _, p := range rebuild.SplitSection(sec, pid, cc) {
		if _, err := o.Sender.Put(context.Background(), p, e.lastReadTime); err != nil {
			e.log.Warn("output send failed", "pid", pid, "error", err)
		}
	}
}

// flushEITPending drains o's accumulated EIT buffer, per spec §4.8's EIT
// retention window. Called from the per-tick watchdog once MaxEITRetention
// has elapsed since the buffer's first section was appended.
func (e *Engine) flushEITPending(o *output.Output) {
	if len(o.EITPending) == 0 {
		return
	}
	packets := rebuild.SplitBuffer(o.EITPending, EITPID, &o.EITCC)
	o.EITPending = nil
	for _, p := range packets {
		if _, err := o.Sender.Put(context.Background(), p, e.lastReadTime); err != nil {
			e.log.Warn("output send failed", "pid", EITPID, "error", err)
		}
	}
}

// rebuildPAT rebuilds and emits o's PAT: an empty PAT (version bumped, no
// program entries) if o's service has no tracked PMT yet, else one program
// entry for o's SID (or NewSID) at the service's (remapped) PMT PID, plus a
// NIT location entry when o is a DVB output (spec §4.7).
func (e *Engine) rebuildPAT(o *output.Output) {
	if o == nil || o.Tombstoned || o.Config.Passthrough {
		return
	}
	outSID := o.Config.SID
	if o.Config.NewSID != 0 {
		outSID = o.Config.NewSID
	}

	var havePMT bool
	var pmtPID uint16
	if svc, ok := e.services.Get(o.Config.SID); ok && svc.PMT != nil {
		havePMT = true
		pmtPID = e.remapPID(o, svc, svc.PMTPID)
	}

	sec := o.Versions.BuildPAT(o.TSID, outSID, pmtPID, NITPID, o.Config.Flags.Has(output.DVB), havePMT)
	o.LastPAT = sec
	e.emit(o, sec, PATPID, o.Versions.PATCC())
}

// rebuildOutputTables rebuilds o's PMT (from svc's current PMT, filtered
// to o's selection and remapped), then its PAT, and — for DVB outputs —
// its NIT and SDT, per spec §4.7.
func (e *Engine) rebuildOutputTables(o *output.Output, svc *service.Service) {
	if o == nil || o.Tombstoned || o.Config.Passthrough {
		return
	}

	if svc.PMT != nil {
		e.rebuildPMT(o, svc)
	}
	e.rebuildPAT(o)

	if o.Config.Flags.Has(output.DVB) {
		e.rebuildNIT(o)
		e.rebuildSDT(o, svc)
	}
}

func (e *Engine) rebuildPMT(o *output.Output, svc *service.Service) {
	pmt := svc.PMT
	ecmPassthrough := e.cfg.Policy.ECMPassthrough

	var esList []rebuild.PMTOutputES
	for _, es := range pmt.ElementaryStreams {
		if !o.Selected[es.PID] {
			continue
		}
		descriptors := es.Descriptors
		if !ecmPassthrough {
			descriptors = table.DescriptorsWithoutCA(descriptors)
		}
		esList = append(esList, rebuild.PMTOutputES{
			StreamType:  es.StreamType,
			PID:         e.remapPID(o, svc, es.PID),
			Descriptors: descriptors,
		})
	}

	programDescriptors := pmt.ProgramDescriptors
	if !ecmPassthrough {
		programDescriptors = table.DescriptorsWithoutCA(programDescriptors)
	}

	pcrPID := pmt.PCRPID
	if pcrPID != tspacket.PaddingPID {
		pcrPID = e.remapPID(o, svc, pcrPID)
	}

	outSID := o.Config.SID
	if o.Config.NewSID != 0 {
		outSID = o.Config.NewSID
	}

	sec := o.Versions.BuildPMT(outSID, pcrPID, programDescriptors, esList)
	o.LastPMT = sec
	e.emit(o, sec, e.remapPID(o, svc, svc.PMTPID), o.Versions.PMTCC())
}

func (e *Engine) rebuildNIT(o *output.Output) {
	onid := o.Config.ONID
	if onid == 0 {
		onid = o.Config.NetworkID
	}
	var nameDescriptor []byte
	if o.Config.NetworkName != "" {
		nameDescriptor = buildNetworkNameDescriptor(o.Config.NetworkName)
	}
	sec := o.Versions.BuildNIT(o.Config.NetworkID, o.TSID, onid, nameDescriptor)
	o.LastNIT = sec
	e.emit(o, sec, NITPID, o.Versions.NITCC())
}

// sdtRunningStatusRunning is the EN 300 468 running_status value for a
// service that is currently running (table 6, value 4).
const sdtRunningStatusRunning = 4

// sdtServiceTypeDigitalTV is the service_descriptor service_type for a
// digital television service (EN 300 468 table 81, value 0x01).
const sdtServiceTypeDigitalTV = 0x01

func (e *Engine) rebuildSDT(o *output.Output, svc *service.Service) {
	onid := o.Config.ONID
	if onid == 0 {
		onid = o.Config.NetworkID
	}
	outSID := o.Config.SID
	if o.Config.NewSID != 0 {
		outSID = o.Config.NewSID
	}

	descriptor := buildServiceDescriptor(sdtServiceTypeDigitalTV, o.Config.ServiceProviderName, o.Config.ServiceName)
	eitSchedule := o.Config.Flags.Has(output.EPG) && svc != nil && svc.EIT != nil && svc.EIT.Len() > 0

	sec := o.Versions.BuildSDT(o.TSID, onid, outSID, sdtRunningStatusRunning, true, eitSchedule, descriptor)
	o.LastSDT = sec
	e.emit(o, sec, SDTPID, o.Versions.SDTCC())
}

// buildServiceDescriptor builds an EN 300 468 service_descriptor (tag
// 0x48). Names are encoded as their raw bytes: DVB's default-codepage /
// control-code charset signaling (Annex A) is out of scope (see
// DESIGN.md); callers wanting a non-default charset still get whatever
// bytes Config.Charset's caller already encoded the name as.
func buildServiceDescriptor(serviceType byte, provider, name string) []byte {
	p, n := []byte(provider), []byte(name)
	body := make([]byte, 0, 3+len(p)+len(n))
	body = append(body, serviceType, byte(len(p)))
	body = append(body, p...)
	body = append(body, byte(len(n)))
	body = append(body, n...)
	return append([]byte{0x48, byte(len(body))}, body...)
}

// buildNetworkNameDescriptor builds an EN 300 468 network_name_descriptor
// (tag 0x40).
func buildNetworkNameDescriptor(name string) []byte {
	b := []byte(name)
	return append([]byte{0x40, byte(len(b))}, b...)
}

// onTSIDChanged re-resolves every output's TSID against the input's new
// transport_stream_id and rebuilds the tables of any output that inherits
// TSID (Config.TSID < 0), per spec §4.3/§3.
func (e *Engine) onTSIDChanged() {
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough {
			continue
		}
		if !o.ResolveTSID(e.tsid) {
			continue
		}
		if svc, ok := e.services.Get(o.Config.SID); ok {
			e.rebuildOutputTables(o, svc)
		} else {
			e.rebuildPAT(o)
		}
	}
}

// handleEITSection appends a changed EIT section to the buffer of every
// subscribing DVB output (schedule sections additionally require the EPG
// flag), per spec §4.3/§4.8. Unchanged sections (byte-identical replays)
// are dropped without touching any output's buffer.
func (e *Engine) handleEITSection(sec psi.Section) {
	tableID := sec.TableID()
	if tableID < eitTableIDLow || tableID > eitTableIDHigh {
		return
	}
	sid := sec.TableIDExtension()
	svc, ok := e.services.Get(sid)
	if !ok {
		return
	}
	if !svc.EIT.Add(sec) {
		return
	}

	isSchedule := tableID != eitPFActual && tableID != eitPFOther
	for _, o := range e.outputs {
		if o == nil || o.Tombstoned || o.Config.Passthrough || o.Config.SID != sid {
			continue
		}
		if !o.Config.Flags.Has(output.DVB) {
			continue
		}
		if isSchedule && !o.Config.Flags.Has(output.EPG) {
			continue
		}
		if len(o.EITPending) == 0 {
			o.EITBufferedSince = e.lastReadTime
		}
		o.EITPending = rebuild.AppendToPending(o.EITPending, sec)
	}
}

// EIT table_id range, per ETSI EN 300 468 table 2: present/following
// (actual 0x4E, other 0x4F) and schedule (actual 0x50-0x5F, other 0x60-0x6F).
const (
	eitPFActual   = 0x4E
	eitPFOther    = 0x4F
	eitTableIDLow = eitPFActual
	eitTableIDHigh = 0x6F
)

// AddOutput creates and activates a new output from cfg, sending through
// sender, and returns its stable index. The returned index is the handle
// to pass to ApplyOutputConfig/RemoveOutput and the one internal/pidtable
// subscriber lists store.
func (e *Engine) AddOutput(cfg output.Config, sender *outbound.Sender) int {
	o := output.New(cfg, sender)

	idx := -1
	for i, existing := range e.outputs {
		if existing == nil || existing.Tombstoned {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = len(e.outputs)
		e.outputs = append(e.outputs, nil)
	}
	o.Idx = idx
	e.outputs[idx] = o

	if cfg.TSID < 0 && e.haveTSID {
		o.TSID = e.tsid
	}
	e.activateOutput(o)
	return idx
}

// activateOutput computes o's initial selection against its service (if
// already tracked) or emits an empty PAT (if not), and arms the CA
// subscription when the service needs descrambling.
func (e *Engine) activateOutput(o *output.Output) {
	if o.Config.Passthrough {
		return
	}
	svc, ok := e.services.Get(o.Config.SID)
	if !ok {
		e.rebuildPAT(o)
		return
	}
	e.recomputeOutputSelection(o, svc)
	if svc.PMT != nil && needsDescrambling(*svc.PMT) {
		if err := e.ca.Subscribe(svc.SID, *svc.PMT); err != nil {
			e.log.Warn("ca add_pmt failed", "sid", svc.SID, "error", err)
		}
		o.CASubscribed = true
	}
}

// RemoveOutput releases every PID o held, drops its CA subscription if any,
// and tombstones its slot (spec §9: slots are never compacted).
func (e *Engine) RemoveOutput(idx int) error {
	o, err := e.outputAt(idx)
	if err != nil {
		return err
	}
	if !o.Config.Passthrough {
		e.clearOutputSelection(o)
		if o.CASubscribed {
			if err := e.ca.Unsubscribe(o.Config.SID); err != nil {
				e.log.Warn("ca delete_pmt failed", "sid", o.Config.SID, "error", err)
			}
			o.CASubscribed = false
		}
	}
	o.Tombstoned = true
	return nil
}

// ApplyOutputConfig replaces output idx's Config with newCfg, per spec
// §4.10's apply_output_config; re-applying an identical Config is a no-op.
// A SID or passthrough-mode change tears down and recomputes the full
// selection. Any other change recomputes the selection in place; when the
// service is tracked that rebuilds all of the output's tables, not only
// those output.DiffConfig marks, and DiffConfig's result is used only to
// re-emit the PAT of an output whose service is not tracked yet.
func (e *Engine) ApplyOutputConfig(idx int, newCfg output.Config) error {
	o, err := e.outputAt(idx)
	if err != nil {
		return err
	}
	if o.Config.Equal(newCfg) {
		return nil
	}
	rebuildFlags := output.DiffConfig(o.Config, newCfg)

	sidChanged := o.Config.SID != newCfg.SID || o.Config.Passthrough != newCfg.Passthrough
	oldSID := o.Config.SID
	oldPassthrough := o.Config.Passthrough

	o.Config = newCfg
	if newCfg.PIDMap != (output.PIDMap{}) && o.Remap == nil {
		o.Remap = remap.New()
	}
	if newCfg.TSID >= 0 {
		o.TSID = uint16(newCfg.TSID)
	} else if e.haveTSID {
		o.TSID = e.tsid
	}

	if sidChanged {
		if !oldPassthrough {
			e.clearOutputSelection(o)
			if o.CASubscribed {
				if err := e.ca.Unsubscribe(oldSID); err != nil {
					e.log.Warn("ca delete_pmt failed", "sid", oldSID, "error", err)
				}
				o.CASubscribed = false
			}
		}
		e.activateOutput(o)
		return nil
	}

	if newCfg.Passthrough {
		return nil
	}
	if svc, ok := e.services.Get(newCfg.SID); ok {
		e.recomputeOutputSelection(o, svc)
	} else if rebuildFlags.PAT {
		e.rebuildPAT(o)
	}
	return nil
}

func (e *Engine) outputAt(idx int) (*output.Output, error) {
	if idx < 0 || idx >= len(e.outputs) || e.outputs[idx] == nil || e.outputs[idx].Tombstoned {
		return nil, fmt.Errorf("demux: no such output %d", idx)
	}
	return e.outputs[idx], nil
}
