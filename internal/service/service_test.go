package service

import (
	"testing"

	"github.com/zsiec/dvbroute/internal/table"
)

func TestGetPIDSRawSlicingMode(t *testing.T) {
	sel := GetPIDS(0, 0, nil, []uint16{10, 20}, Policy{})
	if len(sel.PIDs) != 2 || sel.PIDs[0] != 10 || sel.PIDs[1] != 20 {
		t.Fatalf("sel.PIDs = %v, want [10 20]", sel.PIDs)
	}
	if sel.HasPCRPID {
		t.Error("raw slicing mode should never synthesize a PCR subscription")
	}
}

func TestGetPIDSExplicitListOverridesAutoSelect(t *testing.T) {
	pmt := &table.PMT{
		PCRPID: 102,
		ElementaryStreams: []table.ElementaryStream{
			{StreamType: 0x1B, PID: 100},
			{StreamType: 0x0F, PID: 101},
		},
	}
	sel := GetPIDS(1, 200, pmt, []uint16{100}, Policy{})
	if len(sel.PIDs) < 1 || sel.PIDs[0] != 100 {
		t.Fatalf("expected explicit PID 100 to be used, got %v", sel.PIDs)
	}
	if !sel.HasPCRPID || sel.PCRPID != 102 {
		t.Fatalf("expected auto-added partial PCR subscription at 102, got %+v", sel)
	}
}

func TestGetPIDSAutoSelectByType(t *testing.T) {
	pmt := &table.PMT{
		PCRPID: 100, // same as video PID: not a partial subscription
		ElementaryStreams: []table.ElementaryStream{
			{StreamType: 0x1B, PID: 100},            // H.264 video: selected
			{StreamType: 0x06, PID: 150},            // private, no recognized descriptor: not selected
			{StreamType: 0x06, PID: 160, DescriptorTags: []uint8{0x6a}}, // AC-3: selected
		},
	}
	sel := GetPIDS(1, 200, pmt, nil, Policy{})
	want := map[uint16]bool{100: true, 160: true}
	for _, pid := range sel.PIDs {
		if !want[pid] {
			t.Errorf("unexpected pid %d selected", pid)
		}
		delete(want, pid)
	}
	if len(want) != 0 {
		t.Errorf("missing expected pids: %+v", want)
	}
	if sel.HasPCRPID {
		t.Error("PCR pid equals the video pid already selected: no partial subscription expected")
	}
}

func TestGetPIDSAutoSelectAC3ByStreamType(t *testing.T) {
	pmt := &table.PMT{
		PCRPID: 8191,
		ElementaryStreams: []table.ElementaryStream{
			{StreamType: 0x1B, PID: 100},
			{StreamType: 0x81, PID: 200}, // AC-3 signaled by stream_type, no descriptor
			{StreamType: 0x87, PID: 201}, // E-AC-3 signaled by stream_type, no descriptor
		},
	}
	sel := GetPIDS(1, 300, pmt, nil, Policy{})
	want := map[uint16]bool{100: true, 200: true, 201: true}
	for _, pid := range sel.PIDs {
		delete(want, pid)
	}
	if len(want) != 0 {
		t.Errorf("missing expected pids: %+v", want)
	}
}

func TestGetPIDSECMPassthrough(t *testing.T) {
	pmt := &table.PMT{
		PCRPID:        8191,
		ProgramCAPIDs: []uint16{500},
		ElementaryStreams: []table.ElementaryStream{
			{StreamType: 0x1B, PID: 100, CAPIDs: []uint16{600}},
		},
	}
	sel := GetPIDS(1, 200, pmt, nil, Policy{ECMPassthrough: true})
	want := map[uint16]bool{100: true, 500: true, 600: true}
	for _, pid := range sel.PIDs {
		delete(want, pid)
	}
	if len(want) != 0 {
		t.Errorf("missing expected ECM/ES pids: %+v", want)
	}
	if sel.HasPCRPID {
		t.Error("PCR pid is the padding PID: should not synthesize a subscription")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	svc := r.Ensure(1, 200)
	if svc.SID != 1 || svc.PMTPID != 200 {
		t.Fatalf("unexpected service %+v", svc)
	}
	if _, ok := r.Get(1); !ok {
		t.Fatal("expected service 1 to be tracked")
	}
	r.Delete(1)
	if _, ok := r.Get(1); ok {
		t.Fatal("expected service 1 to be gone after Delete")
	}
}
