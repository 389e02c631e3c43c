package output

import "testing"

func baseConfig() Config {
	return Config{
		DisplayName: "udp://239.1.1.1:1234",
		Addr:        "239.1.1.1",
		Port:        1234,
		SID:         10,
		TSID:        -1,
		NetworkID:   1,
		Flags:       UDP | DVB,
	}
}

func TestDiffConfigNoOp(t *testing.T) {
	c := baseConfig()
	if r := DiffConfig(c, c); r.Any() {
		t.Errorf("identical config reported a rebuild: %+v", r)
	}
}

func TestDiffConfigSIDChangeRebuildsEverything(t *testing.T) {
	old := baseConfig()
	new := old
	new.SID = 20

	r := DiffConfig(old, new)
	if !r.PAT || !r.PMT || !r.NIT || !r.SDT {
		t.Errorf("SID change should rebuild all tables, got %+v", r)
	}
}

func TestDiffConfigRemapChangeRebuildsEverything(t *testing.T) {
	old := baseConfig()
	new := old
	new.PIDMap = PIDMap{PMT: 500}

	r := DiffConfig(old, new)
	if !r.PAT || !r.PMT || !r.NIT || !r.SDT {
		t.Errorf("remap change should rebuild all tables, got %+v", r)
	}
}

func TestDiffConfigNetworkNameRebuildsOnlyNIT(t *testing.T) {
	old := baseConfig()
	new := old
	new.NetworkName = "Example Network"

	r := DiffConfig(old, new)
	if !r.NIT {
		t.Error("expected NIT rebuild")
	}
	if r.PAT || r.PMT || r.SDT {
		t.Errorf("expected only NIT to rebuild, got %+v", r)
	}
}

func TestDiffConfigServiceNameRebuildsOnlySDT(t *testing.T) {
	old := baseConfig()
	new := old
	new.ServiceName = "Example Service"

	r := DiffConfig(old, new)
	if !r.SDT {
		t.Error("expected SDT rebuild")
	}
	if r.PAT || r.PMT || r.NIT {
		t.Errorf("expected only SDT to rebuild, got %+v", r)
	}
}

func TestDiffConfigExplicitPIDsRebuildsOnlyPMT(t *testing.T) {
	old := baseConfig()
	new := old
	new.ExplicitPIDs = []uint16{100, 101}

	r := DiffConfig(old, new)
	if !r.PMT {
		t.Error("expected PMT rebuild")
	}
	if r.PAT || r.NIT || r.SDT {
		t.Errorf("expected only PMT to rebuild, got %+v", r)
	}
}

func TestDiffConfigTSIDChangeRebuildsOnlyPAT(t *testing.T) {
	old := baseConfig()
	new := old
	new.TSID = 42

	r := DiffConfig(old, new)
	if !r.PAT {
		t.Error("expected PAT rebuild")
	}
	if r.PMT || r.NIT || r.SDT {
		t.Errorf("expected only PAT to rebuild, got %+v", r)
	}
}

func TestOutputResolveTSIDInheritsWhenUnset(t *testing.T) {
	cfg := baseConfig() // TSID == -1: inherit
	o := New(cfg, nil)

	if changed := o.ResolveTSID(7); !changed {
		t.Fatal("expected first ResolveTSID to report a change")
	}
	if o.TSID != 7 {
		t.Errorf("TSID = %d, want 7", o.TSID)
	}
	if changed := o.ResolveTSID(7); changed {
		t.Error("re-resolving the same TSID should report no change")
	}
}

func TestOutputResolveTSIDFixedIgnoresInput(t *testing.T) {
	cfg := baseConfig()
	cfg.TSID = 99
	o := New(cfg, nil)

	if changed := o.ResolveTSID(7); changed {
		t.Error("a fixed TSID must not be overridden by the input TSID")
	}
	if o.TSID != 99 {
		t.Errorf("TSID = %d, want 99", o.TSID)
	}
}
