package control

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{Command: CmdGetPAT, Payload: []byte("hello")}
	buf := Encode(msg)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command != msg.Command || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(Message{Command: CmdReload})
	buf[0] = 0x00
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := Encode(Message{Command: CmdReload, Payload: []byte("x")})
	buf = append(buf, 0xFF) // corrupt declared length vs actual
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestFragmentRespectsMaxMsgChunk(t *testing.T) {
	payload := make([]byte, MaxMsgChunk*3)
	frames := Fragment(CmdGetPAT, payload)
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least 3", len(frames))
	}
	for _, f := range frames {
		if len(f) > MaxMsgChunk {
			t.Errorf("frame length %d exceeds MaxMsgChunk %d", len(f), MaxMsgChunk)
		}
		if _, err := Decode(f); err != nil {
			t.Errorf("fragment failed to decode: %v", err)
		}
	}
}

func TestFragmentEmptyPayload(t *testing.T) {
	frames := Fragment(CmdShutdown, nil)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 for empty payload", len(frames))
	}
}
