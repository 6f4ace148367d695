package epacket

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed, packed, little-endian version-0 ePacket header
// size in bytes: version(1)+type(1)+flags(2)+key_metadata(3)+device_id(8)+
// gps_time(4)+sequence(2)+entropy(2) = 23.
const HeaderSize = 23

// TagSize is the ChaCha20-Poly1305 authentication tag length appended after
// the ciphertext.
const TagSize = 16

// Header is the version-0 ePacket header:
//
//	version(u8) | type(u8) | flags(u16) | key_metadata(u24) | device_id(u64) |
//	gps_time(u32) | sequence(u16) | entropy(u16)
//
// device_id is stored on the wire as two little-endian u32 halves; the
// full 64-bit value is always emitted, split as (upper u32, lower u32) —
// the upper half occupies the earlier byte offset.
type Header struct {
	Version     uint8
	Type        Type
	Flags       uint16
	KeyMetadata uint32 // 24 bits significant
	DeviceID    uint64
	GPSTime     uint32
	Sequence    uint16
	Entropy     uint16
}

// Auth returns the authorization mode encoded in Flags.
func (h Header) Auth() Auth {
	return AuthFromFlags(h.Flags)
}

// Marshal encodes the header into a fresh HeaderSize-byte slice.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Version
	b[1] = uint8(h.Type)
	binary.LittleEndian.PutUint16(b[2:4], h.Flags)
	b[4] = byte(h.KeyMetadata)
	b[5] = byte(h.KeyMetadata >> 8)
	b[6] = byte(h.KeyMetadata >> 16)
	binary.LittleEndian.PutUint32(b[7:11], uint32(h.DeviceID>>32))
	binary.LittleEndian.PutUint32(b[11:15], uint32(h.DeviceID))
	binary.LittleEndian.PutUint32(b[15:19], h.GPSTime)
	binary.LittleEndian.PutUint16(b[19:21], h.Sequence)
	binary.LittleEndian.PutUint16(b[21:23], h.Entropy)
	return b
}

// ParseHeader decodes a HeaderSize-byte header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("epacket: short header (%d < %d bytes)", len(b), HeaderSize)
	}
	var h Header
	h.Version = b[0]
	h.Type = Type(b[1])
	h.Flags = binary.LittleEndian.Uint16(b[2:4])
	h.KeyMetadata = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16
	upper := binary.LittleEndian.Uint32(b[7:11])
	lower := binary.LittleEndian.Uint32(b[11:15])
	h.DeviceID = uint64(upper)<<32 | uint64(lower)
	h.GPSTime = binary.LittleEndian.Uint32(b[15:19])
	h.Sequence = binary.LittleEndian.Uint16(b[19:21])
	h.Entropy = binary.LittleEndian.Uint16(b[21:23])
	return h, nil
}

// HeaderAAD returns the associated-data portion of the header used for AEAD
// binding: the first 11 bytes (version, type, flags, key_metadata and the
// upper half of device_id).
func HeaderAAD(raw []byte) []byte {
	return raw[:11]
}

// HeaderNonce returns the 12-byte AEAD nonce: the next 12 header bytes after AAD.
func HeaderNonce(raw []byte) []byte {
	return raw[11:HeaderSize]
}
