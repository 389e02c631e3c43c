package tspacket

import "testing"

func buildPacket(pid uint16, pusi bool, cc uint8, payload []byte) []byte {
	buf := make([]byte, Size)
	buf[0] = SyncByte
	buf[1] = byte(pid >> 8 & 0x1F)
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only, no adaptation field
	copy(buf[4:], payload)
	return buf
}

func TestParseBasicHeader(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	buf := buildPacket(0x100, true, 5, payload)

	p, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Header.PID != 0x100 {
		t.Errorf("PID = %#x, want 0x100", p.Header.PID)
	}
	if !p.Header.PayloadUnitStartIndicator {
		t.Error("expected PUSI set")
	}
	if p.Header.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", p.Header.ContinuityCounter)
	}
	if len(p.Payload) < 4 {
		t.Fatalf("payload too short: %d", len(p.Payload))
	}
	for i, b := range payload {
		if p.Payload[i] != b {
			t.Errorf("payload[%d] = %d, want %d", i, p.Payload[i], b)
		}
	}
}

func TestParseRejectsBadSync(t *testing.T) {
	buf := buildPacket(0, false, 0, nil)
	buf[0] = 0x00
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for bad sync byte")
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseAdaptationFieldWithPCR(t *testing.T) {
	buf := make([]byte, Size)
	buf[0] = SyncByte
	buf[1] = 0x00
	buf[2] = 0x64 // PID 0x64
	buf[3] = 0x30 // adaptation field + payload
	buf[4] = 7    // adaptation field length
	buf[5] = 0x90 // discontinuity(1) + random_access(0) + priority(0) + PCR(1)
	// PCR base=12345, ext=7
	base := uint64(12345)
	ext := uint16(7)
	pcrBytes := [6]byte{}
	pcrBytes[0] = byte(base >> 25)
	pcrBytes[1] = byte(base >> 17)
	pcrBytes[2] = byte(base >> 9)
	pcrBytes[3] = byte(base >> 1)
	pcrBytes[4] = byte(base<<7) | byte(ext>>8) | 0x7E
	pcrBytes[5] = byte(ext)
	copy(buf[6:12], pcrBytes[:])
	buf[12] = 0xAB // stuffing inside adaptation field

	p, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.Header.HasAdaptationField {
		t.Fatal("expected adaptation field")
	}
	if !p.Header.DiscontinuityIndicator {
		t.Error("expected discontinuity indicator")
	}
	if !p.Header.HasPCR {
		t.Fatal("expected PCR present")
	}
	if p.Header.PCR.Base != base {
		t.Errorf("PCR base = %d, want %d", p.Header.PCR.Base, base)
	}
	if p.Header.PCR.Ext != ext {
		t.Errorf("PCR ext = %d, want %d", p.Header.PCR.Ext, ext)
	}
}
