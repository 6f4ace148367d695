// Package transport provides the gateway's two physical link
// implementations: a USB/UART serial port and a Segger J-Link RTT channel.
// Both speak the same byte-oriented frame contract consumed by
// pkg/epacket's reconstructor.
package transport

import "io"

// Sync is the 2-byte frame sync sequence.
var Sync = [2]byte{0xD5, 0xCA}

// Ping is the 5-byte magic "give me a frame" sequence.
var Ping = []byte{0xD5, 0xCA, 0x01, 0x00, 0x4D}

// Transport is the gateway's physical-link contract: arbitrary byte reads,
// framed packet writes (sync+length prepended by the implementation), and
// a ping shortcut. Both Serial and RTT satisfy it.
type Transport interface {
	io.Closer
	ReadBytes(n int) ([]byte, error)
	Write(frame []byte) error
	Ping() error
}

// frame wraps packet in the sync+length(u16 LE)+payload envelope every
// Transport.Write implementation uses.
func frame(packet []byte) []byte {
	out := make([]byte, 0, 4+len(packet))
	out = append(out, Sync[0], Sync[1])
	out = append(out, byte(len(packet)), byte(len(packet)>>8))
	out = append(out, packet...)
	return out
}
