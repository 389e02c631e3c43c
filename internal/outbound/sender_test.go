package outbound

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

type recordingWriter struct {
	writes [][]byte
	failNext bool
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.failNext {
		w.failNext = false
		return 0, errTestWrite
	}
	cp := append([]byte(nil), b...)
	w.writes = append(w.writes, cp)
	return len(b), nil
}

var errTestWrite = &testError{"write failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func tsPacket(pid uint16) tspacket.Packet {
	return tspacket.Packet{
		Header:  tspacket.Header{PID: pid, HasPayload: true},
		Payload: make([]byte, 184),
	}
}

func TestSenderDrainsOnFill(t *testing.T) {
	w := &recordingWriter{}
	s := NewSender(Config{MTU: 188*3 + 12, UseRTP: false, MaxRetention: time.Hour, Latency: time.Hour}, w, nil)

	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		state, err := s.Put(context.Background(), tsPacket(100), now)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if i < 2 && state != Accumulating {
			t.Errorf("packet %d: state = %v, want Accumulating", i, state)
		}
		if i == 2 && state != Sent {
			t.Errorf("packet %d: state = %v, want Sent", i, state)
		}
	}
	if len(w.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(w.writes))
	}
}

func TestSenderDrainsOnRetention(t *testing.T) {
	w := &recordingWriter{}
	s := NewSender(Config{MTU: 188 * 10, MaxRetention: 100 * time.Millisecond, Latency: time.Hour}, w, nil)

	now := time.Unix(0, 0)
	if _, err := s.Put(context.Background(), tsPacket(100), now); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(w.writes) != 0 {
		t.Fatal("should not have drained yet")
	}

	state, err := s.Tick(context.Background(), now.Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if state != Sent {
		t.Fatalf("state = %v, want Sent", state)
	}
	if len(w.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(w.writes))
	}
}

func TestSenderPadsShortGroupWithNullPackets(t *testing.T) {
	w := &recordingWriter{}
	s := NewSender(Config{MTU: 188*4 + 12, MaxRetention: time.Millisecond, Latency: time.Hour}, w, nil)
	now := time.Unix(0, 0)
	s.Put(context.Background(), tsPacket(100), now)
	s.Tick(context.Background(), now.Add(2*time.Millisecond))

	if len(w.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(w.writes))
	}
	if len(w.writes[0]) != 4*tspacket.Size {
		t.Fatalf("datagram length = %d, want %d (padded to 4 packets)", len(w.writes[0]), 4*tspacket.Size)
	}
}

func TestSenderRTPPrefixesHeader(t *testing.T) {
	w := &recordingWriter{}
	s := NewSender(Config{MTU: 188*2 + 12, UseRTP: true, SSRC: 0xdeadbeef, MaxRetention: time.Hour, Latency: time.Hour}, w, nil)
	now := time.Unix(0, 0)
	s.Put(context.Background(), tsPacket(100), now)
	s.Put(context.Background(), tsPacket(100), now)

	if len(w.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(w.writes))
	}
	got := w.writes[0]
	if len(got) != rtpHeaderSize+2*tspacket.Size {
		t.Fatalf("datagram length = %d, want %d", len(got), rtpHeaderSize+2*tspacket.Size)
	}
	if got[0]>>6 != 2 {
		t.Errorf("RTP version = %d, want 2", got[0]>>6)
	}
	if got[1]&0x7F != rtpPayloadType {
		t.Errorf("RTP payload type = %d, want %d", got[1]&0x7F, rtpPayloadType)
	}
}

func TestSenderWriteFailureAdvancesToSentAndCountsError(t *testing.T) {
	w := &recordingWriter{failNext: true}
	s := NewSender(Config{MTU: 188 + 12, MaxRetention: time.Hour, Latency: time.Hour}, w, nil)
	state, err := s.Put(context.Background(), tsPacket(100), time.Unix(0, 0))
	if err == nil {
		t.Fatal("expected write error")
	}
	if state != Sent {
		t.Errorf("state = %v, want Sent even on write failure (no retry)", state)
	}
	if s.Errors() != 1 {
		t.Errorf("Errors() = %d, want 1", s.Errors())
	}
}
