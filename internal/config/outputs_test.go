package config

import (
	"strings"
	"testing"
	"time"

	"github.com/zsiec/dvbroute/internal/output"
)

func TestParseOutputLineBasic(t *testing.T) {
	cfg, err := ParseOutputLine("239.1.1.1:5000 watch 1 100,101", Defaults)
	if err != nil {
		t.Fatalf("ParseOutputLine: %v", err)
	}
	if cfg.Addr != "239.1.1.1" || cfg.Port != 5000 {
		t.Fatalf("addr/port = %s:%d, want 239.1.1.1:5000", cfg.Addr, cfg.Port)
	}
	if !cfg.Flags.Has(output.Watch) {
		t.Fatalf("expected Watch flag set")
	}
	if cfg.SID != 1 {
		t.Fatalf("sid = %d, want 1", cfg.SID)
	}
	if len(cfg.ExplicitPIDs) != 2 || cfg.ExplicitPIDs[0] != 100 || cfg.ExplicitPIDs[1] != 101 {
		t.Fatalf("explicit pids = %v, want [100 101]", cfg.ExplicitPIDs)
	}
	if cfg.TSID != -1 {
		t.Fatalf("tsid = %d, want -1 (inherit)", cfg.TSID)
	}
}

func TestParseOutputLinePassthrough(t *testing.T) {
	cfg, err := ParseOutputLine("10.0.0.1:1234 - *", Defaults)
	if err != nil {
		t.Fatalf("ParseOutputLine: %v", err)
	}
	if !cfg.Passthrough {
		t.Fatalf("expected passthrough")
	}
	if cfg.Flags.Has(output.Watch) {
		t.Fatalf("did not expect Watch flag on '-'")
	}
}

func TestParseOutputLineOptions(t *testing.T) {
	line := "10.0.0.1:1234/udp/dvb/tsid=999/newsid=20/pidmap=500,600,700,0/retention=40/latency=100 - 10"
	cfg, err := ParseOutputLine(line, Defaults)
	if err != nil {
		t.Fatalf("ParseOutputLine: %v", err)
	}
	if !cfg.Flags.Has(output.UDP) || !cfg.Flags.Has(output.DVB) {
		t.Fatalf("flags = %v, want UDP|DVB set", cfg.Flags)
	}
	if cfg.TSID != 999 {
		t.Fatalf("tsid = %d, want 999", cfg.TSID)
	}
	if cfg.NewSID != 20 {
		t.Fatalf("newsid = %d, want 20", cfg.NewSID)
	}
	want := output.PIDMap{PMT: 500, Audio: 600, Video: 700, Subtitle: 0}
	if cfg.PIDMap != want {
		t.Fatalf("pidmap = %+v, want %+v", cfg.PIDMap, want)
	}
	if cfg.Latency != 100*time.Millisecond || cfg.MaxRetention != 40*time.Millisecond {
		t.Fatalf("latency/retention = %v/%v, want 100ms/40ms", cfg.Latency, cfg.MaxRetention)
	}
}

func TestParseOutputLineInvalidTarget(t *testing.T) {
	if _, err := ParseOutputLine("not-a-target watch 1", Defaults); err == nil {
		t.Fatalf("expected error for invalid target")
	}
}

func TestParseOutputLineInvalidPIDMap(t *testing.T) {
	if _, err := ParseOutputLine("10.0.0.1:1234/pidmap=1,2,3 - 10", Defaults); err == nil {
		t.Fatalf("expected error for short pidmap")
	}
}

func TestParseOutputsFileSkipsCommentsAndBlankLines(t *testing.T) {
	input := `
# a comment
239.1.1.1:5000 watch 1 100,101

10.0.0.1:6000 - 2
`
	outs, err := ParseOutputsFile(strings.NewReader(input), Defaults)
	if err != nil {
		t.Fatalf("ParseOutputsFile: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outs))
	}
	if outs[0].SID != 1 || outs[1].SID != 2 {
		t.Fatalf("unexpected sids: %d, %d", outs[0].SID, outs[1].SID)
	}
}

func TestParseOutputsFilePropagatesLineError(t *testing.T) {
	input := "bad-line\n"
	if _, err := ParseOutputsFile(strings.NewReader(input), Defaults); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestParseOutputLineDefaultUDPFallback(t *testing.T) {
	defaults := Defaults
	defaults.DefaultUDP = true
	cfg, err := ParseOutputLine("10.0.0.1:1234 - 1", defaults)
	if err != nil {
		t.Fatalf("ParseOutputLine: %v", err)
	}
	if !cfg.Flags.Has(output.UDP) {
		t.Fatalf("expected UDP flag from DefaultUDP fallback")
	}
}
