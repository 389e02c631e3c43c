package output

// Rebuild flags which rebuilt tables apply_output_config must regenerate
// for a given Config transition, per spec §4.10's "regenerates exactly the
// tables affected" rule.
type Rebuild struct {
	PAT, PMT, NIT, SDT bool
}

// Any reports whether any table needs rebuilding.
func (r Rebuild) Any() bool { return r.PAT || r.PMT || r.NIT || r.SDT }

// DiffConfig compares old and new Configs and reports which rebuilt tables
// are affected, per spec §4.10:
//
//	SDT: names or EPG flag changed
//	NIT: network name/ID changed
//	PAT: TSID or DVB-mode flag changed
//	PMT: PID list (selection) or remap changed
//	all four: SID or remap changed
//
// Re-applying an identical Config (old.Equal(new)) yields a zero Rebuild,
// making apply_output_config idempotent per spec §8's round-trip property.
func DiffConfig(old, new Config) Rebuild {
	if old.Equal(new) {
		return Rebuild{}
	}

	var r Rebuild

	sidChanged := old.SID != new.SID || old.NewSID != new.NewSID || old.Passthrough != new.Passthrough
	remapChanged := old.PIDMap != new.PIDMap
	pidsChanged := !uint16SliceEqual(old.ExplicitPIDs, new.ExplicitPIDs)

	if sidChanged || remapChanged {
		r.PAT, r.PMT, r.NIT, r.SDT = true, true, true, true
		return r
	}

	if old.TSID != new.TSID || old.Flags.Has(DVB) != new.Flags.Has(DVB) {
		r.PAT = true
	}
	if pidsChanged {
		r.PMT = true
	}
	if old.NetworkID != new.NetworkID || old.ONID != new.ONID || old.NetworkName != new.NetworkName {
		r.NIT = true
	}
	if old.ServiceName != new.ServiceName || old.ServiceProviderName != new.ServiceProviderName ||
		old.Flags.Has(EPG) != new.Flags.Has(EPG) || old.Charset != new.Charset {
		r.SDT = true
	}
	return r
}
