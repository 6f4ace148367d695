package epacket

import (
	"bytes"
	"testing"
)

// feedAll pushes every byte of stream through r, collecting completed frames
// and the bytes the reconstructor rejected as log bytes.
func feedAll(r *Reconstructor, stream []byte) (frames [][]byte, logBytes []byte) {
	for _, b := range stream {
		inFrame, frame := r.Feed(b)
		if !inFrame {
			logBytes = append(logBytes, b)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, logBytes
}

func framed(payload []byte) []byte {
	out := []byte{SyncBytes[0], SyncBytes[1], byte(len(payload)), byte(len(payload) >> 8)}
	return append(out, payload...)
}

// ---------------------------------------------------------------------
// Frame extraction with interleaved ASCII log bytes
// ---------------------------------------------------------------------

func TestInterleavedLogAndFrames(t *testing.T) {
	f1 := []byte{0x01, 0x02, 0x03}
	f2 := bytes.Repeat([]byte{0xAA}, 300) // length needs both length bytes
	stream := append([]byte("boot: ok\n"), framed(f1)...)
	stream = append(stream, []byte("sensor ready\n")...)
	stream = append(stream, framed(f2)...)

	frames, logBytes := feedAll(NewReconstructor(), stream)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], f1) || !bytes.Equal(frames[1], f2) {
		t.Errorf("frame payloads do not match inputs")
	}
	want := "boot: ok\nsensor ready\n"
	if string(logBytes) != want {
		t.Errorf("log bytes = %q, want %q", logBytes, want)
	}
}

// ---------------------------------------------------------------------
// Streaming invariance: two fresh instances fed the same stream yield the
// same frames
// ---------------------------------------------------------------------

func TestStreamingInvariance(t *testing.T) {
	stream := append(framed([]byte{0xDE, 0xAD}), []byte("log line\n")...)
	stream = append(stream, PingBytes...)
	stream = append(stream, framed(bytes.Repeat([]byte{0x55}, 64))...)

	want, _ := feedAll(NewReconstructor(), stream)

	// Re-feed through a second instance one byte at a time; must produce
	// identical frames.
	r := NewReconstructor()
	var got [][]byte
	for _, b := range stream {
		_, frame := r.Feed(b)
		if frame != nil {
			got = append(got, frame)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range got {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d differs", i)
		}
	}
}

// ---------------------------------------------------------------------
// Ping frame
// ---------------------------------------------------------------------

func TestPingFrame(t *testing.T) {
	frames, logBytes := feedAll(NewReconstructor(), PingBytes)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0]) != 1 || frames[0][0] != PingFrame {
		t.Errorf("frame = %x, want single byte %02x", frames[0], PingFrame)
	}
	if len(logBytes) != 0 {
		t.Errorf("ping produced %d log bytes", len(logBytes))
	}
}

// ---------------------------------------------------------------------
// Truncation: an incomplete frame emits nothing
// ---------------------------------------------------------------------

func TestTruncatedFrameDropped(t *testing.T) {
	full := framed([]byte{1, 2, 3, 4})
	frames, _ := feedAll(NewReconstructor(), full[:len(full)-1])
	if len(frames) != 0 {
		t.Errorf("truncated frame produced %d frames", len(frames))
	}
}

// ---------------------------------------------------------------------
// Sync restart: a D5 that fails sync may itself start a new sync
// ---------------------------------------------------------------------

func TestSyncRestart(t *testing.T) {
	stream := append([]byte{SyncBytes[0]}, framed([]byte{0x42})...)
	frames, _ := feedAll(NewReconstructor(), stream)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x42}) {
		t.Errorf("sync restart failed: frames = %v", frames)
	}
}

func TestZeroLengthFrame(t *testing.T) {
	frames, _ := feedAll(NewReconstructor(), []byte{SyncBytes[0], SyncBytes[1], 0x00, 0x00})
	if len(frames) != 1 || len(frames[0]) != 0 {
		t.Errorf("zero-length frame not emitted: %v", frames)
	}
}
