package patch

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic is the fixed patch-file magic value, little-endian on disk.
const Magic uint32 = 0xBA854092

// CacheSize is the fixed size in bytes of the write-cache region embedded
// in the header.
const CacheSize = 128

// MaxCacheEntries is the maximum number of write-cache entries a generated
// patch may use.
const MaxCacheEntries = 16

// HeaderSize is the total fixed header size: magic(4) + 3*(len+crc)(24) +
// write_cache(128) + header_crc(4).
const HeaderSize = 4 + 3*8 + CacheSize + 4

// arrayValidation is a (length, crc32) pair validating one of the three
// byte arrays a patch file ties together: original, constructed (new), and
// the patch body itself.
type arrayValidation struct {
	Length uint32
	CRC    uint32
}

// Header is the fixed 160-byte patch file header.
type Header struct {
	Original    arrayValidation
	Constructed arrayValidation
	PatchBody   arrayValidation
	WriteCache  [CacheSize]byte
	HeaderCRC   uint32
}

func crc(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

// encodeHeader serializes hdr to its on-wire 160-byte form, computing and
// filling in HeaderCRC (CRC-32 IEEE over every header byte except
// HeaderCRC itself).
func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Original.Length)
	binary.LittleEndian.PutUint32(b[8:12], h.Original.CRC)
	binary.LittleEndian.PutUint32(b[12:16], h.Constructed.Length)
	binary.LittleEndian.PutUint32(b[16:20], h.Constructed.CRC)
	binary.LittleEndian.PutUint32(b[20:24], h.PatchBody.Length)
	binary.LittleEndian.PutUint32(b[24:28], h.PatchBody.CRC)
	copy(b[28:28+CacheSize], h.WriteCache[:])
	headerCRC := crc(b[:HeaderSize-4])
	binary.LittleEndian.PutUint32(b[HeaderSize-4:HeaderSize], headerCRC)
	return b
}

// decodeHeader parses and validates the fixed header at the front of b,
// returning it along with the write-cache table decoded from its
// self-delimited [len][bytes]* region.
func decodeHeader(b []byte) (Header, [][]byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, &ValidationError{Kind: KindHeaderCRC, Message: "patch shorter than header"}
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return Header{}, nil, &ValidationError{Kind: KindHeaderMagic, Message: "bad magic"}
	}

	var h Header
	h.Original.Length = binary.LittleEndian.Uint32(b[4:8])
	h.Original.CRC = binary.LittleEndian.Uint32(b[8:12])
	h.Constructed.Length = binary.LittleEndian.Uint32(b[12:16])
	h.Constructed.CRC = binary.LittleEndian.Uint32(b[16:20])
	h.PatchBody.Length = binary.LittleEndian.Uint32(b[20:24])
	h.PatchBody.CRC = binary.LittleEndian.Uint32(b[24:28])
	copy(h.WriteCache[:], b[28:28+CacheSize])
	h.HeaderCRC = binary.LittleEndian.Uint32(b[HeaderSize-4 : HeaderSize])

	if crc(b[:HeaderSize-4]) != h.HeaderCRC {
		return Header{}, nil, &ValidationError{Kind: KindHeaderCRC, Message: "header CRC mismatch"}
	}

	cache := decodeWriteCache(h.WriteCache[:])
	return h, cache, nil
}

// buildWriteCache encodes a list of write-cache entries into the fixed
// 128-byte self-delimited region: repeated [len(u8)][bytes], zero-padded.
func buildWriteCache(entries [][]byte) [CacheSize]byte {
	var out [CacheSize]byte
	pos := 0
	for _, e := range entries {
		out[pos] = byte(len(e))
		pos++
		copy(out[pos:], e)
		pos += len(e)
	}
	return out
}

func decodeWriteCache(region []byte) [][]byte {
	var cache [][]byte
	pos := 0
	for pos < len(region) && region[pos] != 0 {
		l := int(region[pos])
		pos++
		if pos+l > len(region) {
			break
		}
		cache = append(cache, append([]byte{}, region[pos:pos+l]...))
		pos += l
	}
	return cache
}
