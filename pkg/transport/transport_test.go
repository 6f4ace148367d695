package transport

import (
	"bytes"
	"testing"
)

func TestFrameLayout(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	got := frame(payload)
	want := []byte{0xD5, 0xCA, 0x03, 0x00, 0x01, 0x02, 0x03}
	if !bytes.Equal(got, want) {
		t.Errorf("frame = %x, want %x", got, want)
	}
}

func TestFrameLengthLittleEndian(t *testing.T) {
	payload := make([]byte, 0x0201)
	got := frame(payload)
	if got[2] != 0x01 || got[3] != 0x02 {
		t.Errorf("length bytes = %02x %02x, want 01 02", got[2], got[3])
	}
	if len(got) != 4+len(payload) {
		t.Errorf("frame length = %d, want %d", len(got), 4+len(payload))
	}
}

func TestPingIsFramedPing(t *testing.T) {
	// The ping constant must equal a framed 1-byte 0x4D payload.
	if !bytes.Equal(Ping, frame([]byte{0x4D})) {
		t.Errorf("Ping = %x, want %x", Ping, frame([]byte{0x4D}))
	}
}
