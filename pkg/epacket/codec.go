package epacket

import (
	"encoding/binary"
	"fmt"

	"github.com/infuse-iot/gateway/pkg/util"
)

// MaxNestingDepth bounds unpacking of RECEIVED_EPACKET containers; there
// is no legitimate reason to nest deeper.
const MaxNestingDepth = 2

// GPSEpochOffset is the fixed offset (seconds) between the GPS epoch
// (1980-01-06T00:00:00Z) and the Unix epoch, used to derive gps_time from
// wall-clock time.
const GPSEpochOffset = 315964800

// LeapSeconds is the constant leap-second adjustment applied on top of
// GPSEpochOffset — GPS time does not observe leap seconds, so as of this
// writing the two epochs differ by 18 additional seconds beyond
// GPSEpochOffset.
const LeapSeconds = 18

// GPSTimeNow converts a Unix timestamp (seconds) to the gps_time field
// value.
func GPSTimeNow(unixSeconds int64) uint32 {
	return uint32(unixSeconds - GPSEpochOffset + LeapSeconds)
}

// KeyLookup resolves the key material for one decode/encode attempt. The
// gateway's registry (pkg/registry) implements this; epacket itself has no
// knowledge of key derivation.
type KeyLookup interface {
	// ObserveHeader records a parsed header's key metadata before lookup:
	// key_metadata carries network_id under NETWORK auth and device_key_id
	// under DEVICE auth. It returns an error when the observed
	// metadata conflicts with prior state (device key changed), which fails
	// the frame.
	ObserveHeader(infuseID uint64, auth Auth, keyMetadata uint32) error
	// NetworkKey returns the network key for (infuseID, interfaceLabel, gpsTime),
	// or registry.ErrUnknownNetwork.
	NetworkKey(infuseID uint64, interfaceLabel string, gpsTime uint32) ([]byte, error)
	// DeviceKey returns the device key for (infuseID, interfaceLabel, gpsTime),
	// or registry.ErrUnknownDeviceKey.
	DeviceKey(infuseID uint64, interfaceLabel string, gpsTime uint32) ([]byte, error)
}

// keyFor resolves the key for a header's auth mode over the given
// interface, matching key_metadata's role (network_id vs device_key_id)
// only at the registry layer — the codec itself just asks for "the"
// current key for (infuseID, interface, gps_time, auth).
func keyFor(keys KeyLookup, h Header, iface Interface) ([]byte, error) {
	label := iface.KeyLabel()
	if h.Auth() == AuthDevice {
		return keys.DeviceKey(h.DeviceID, label, h.GPSTime)
	}
	return keys.NetworkKey(h.DeviceID, label, h.GPSTime)
}

// Decode parses one transport frame (the reconstructor's output, sync and
// length already stripped) into one or more received packets. iface is the
// physical interface the frame arrived on.
//
// A RECEIVED_EPACKET payload is unpacked iteratively into its contained
// inner packets, each yielded with a two-hop route: the inner hop (origin
// device, original interface) prepended to the carrier hop. Non-container
// packets yield a single received-packet with one hop.
func Decode(frame []byte, iface Interface, keys KeyLookup) ([]PacketReceived, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, fmt.Errorf("epacket: decode: %w", err)
	}
	if err := keys.ObserveHeader(h.DeviceID, h.Auth(), h.KeyMetadata); err != nil {
		return nil, err
	}

	key, err := keyFor(keys, h, iface)
	if err != nil {
		return nil, err
	}

	ciphertext := frame[HeaderSize:]
	plaintext, err := Decrypt(key, HeaderAAD(frame), HeaderNonce(frame), ciphertext)
	if err != nil {
		return nil, err
	}

	carrier := HopReceived{
		InfuseID:      h.DeviceID,
		Interface:     iface,
		Auth:          h.Auth(),
		KeyIdentifier: h.KeyMetadata,
		GPSTime:       h.GPSTime,
		Sequence:      h.Sequence,
	}

	if h.Type != TypeReceivedEPacket {
		return []PacketReceived{{
			Route:   []HopReceived{carrier},
			Type:    h.Type,
			Payload: plaintext,
		}}, nil
	}

	return decodeContainer(plaintext, carrier, keys, 1)
}

// decodeContainer iteratively unpacks a RECEIVED_EPACKET payload's
// concatenated {common, interface_address, inner frame} records. depth
// counts the current nesting level; MaxNestingDepth bounds it.
func decodeContainer(payload []byte, carrier HopReceived, keys KeyLookup, depth int) ([]PacketReceived, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("epacket: received-epacket nesting exceeds depth %d", MaxNestingDepth)
	}

	var out []PacketReceived
	off := 0
	for off < len(payload) {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("epacket: truncated received-epacket common header at offset %d", off)
		}
		common := binary.LittleEndian.Uint16(payload[off : off+2])
		length := common & 0x7FFF
		encrypted := common&0x8000 != 0
		rssi := int8(-int32(payload[off+2]))
		iface := Interface(payload[off+3])
		off += 4

		var addr InterfaceAddress
		if InterfaceRequiresAddress(iface) {
			a, err := ParseBluetoothAddress(payload[off:])
			if err != nil {
				return nil, fmt.Errorf("epacket: received-epacket interface address: %w", err)
			}
			addr = a
			off += 7
		}

		if off+int(length) > len(payload) {
			return nil, fmt.Errorf("epacket: received-epacket inner frame truncated at offset %d", off)
		}
		inner := payload[off : off+int(length)]
		off += int(length)

		innerHop := HopReceived{
			Interface:        iface,
			InterfaceAddress: addr,
			RSSI:             rssi,
		}

		if encrypted {
			pkts, err := decodeInnerEncrypted(inner, iface, carrier, innerHop, keys, depth)
			if err != nil {
				util.WithField("error", err).Warn("epacket: dropping undecodable nested frame")
				continue
			}
			out = append(out, pkts...)
			continue
		}

		pkt, err := decodeInnerPlaintext(inner, carrier, innerHop)
		if err != nil {
			util.WithField("error", err).Warn("epacket: dropping malformed nested frame")
			continue
		}
		out = append(out, pkt)
	}
	return out, nil
}

// decodeInnerEncrypted decodes a nested encrypted inner envelope: a full
// inner ePacket header + ciphertext.
func decodeInnerEncrypted(inner []byte, iface Interface, carrier HopReceived, innerHop HopReceived, keys KeyLookup, depth int) ([]PacketReceived, error) {
	h, err := ParseHeader(inner)
	if err != nil {
		return nil, err
	}
	if err := keys.ObserveHeader(h.DeviceID, h.Auth(), h.KeyMetadata); err != nil {
		return nil, err
	}
	key, err := keyFor(keys, h, iface)
	if err != nil {
		return nil, err
	}
	plaintext, err := Decrypt(key, HeaderAAD(inner), HeaderNonce(inner), inner[HeaderSize:])
	if err != nil {
		return nil, err
	}

	innerHop.InfuseID = h.DeviceID
	innerHop.Auth = h.Auth()
	innerHop.KeyIdentifier = h.KeyMetadata
	innerHop.GPSTime = h.GPSTime
	innerHop.Sequence = h.Sequence

	if h.Type == TypeReceivedEPacket {
		return decodeContainer(plaintext, carrier, keys, depth+1)
	}

	return []PacketReceived{{
		Route:   []HopReceived{innerHop, carrier},
		Type:    h.Type,
		Payload: plaintext,
	}}, nil
}

// decodeInnerPlaintext decodes a nested plaintext inner record: a full
// decrypted header block, then payload.
func decodeInnerPlaintext(inner []byte, carrier HopReceived, innerHop HopReceived) (PacketReceived, error) {
	h, err := ParseHeader(inner)
	if err != nil {
		return PacketReceived{}, err
	}
	innerHop.InfuseID = h.DeviceID
	innerHop.Auth = h.Auth()
	innerHop.KeyIdentifier = h.KeyMetadata
	innerHop.GPSTime = h.GPSTime
	innerHop.Sequence = h.Sequence

	return PacketReceived{
		Route:   []HopReceived{innerHop, carrier},
		Type:    h.Type,
		Payload: inner[HeaderSize:],
	}, nil
}

// EncodeParams carries the per-call values Encode needs beyond the packet
// itself: sequence and entropy are caller-supplied (the codec does not
// generate either, to keep Encode deterministic and testable); KeyMetadata
// is the 24-bit network_id or device_key_id to stamp into the header;
// NowUnix supplies the wall-clock time gps_time is derived from
// (GPSTimeNow).
type EncodeParams struct {
	Sequence    uint16
	Entropy     uint16
	KeyMetadata uint32
	NowUnix     int64
}

// Encode builds the wire form of an outgoing single-hop packet. Multi-hop
// outgoing routes are not supported; out.Route must carry exactly one hop.
func Encode(out PacketOutput, keys KeyLookup, p EncodeParams) ([]byte, error) {
	if len(out.Route) != 1 {
		return nil, fmt.Errorf("epacket: encode: route must have exactly one hop, got %d", len(out.Route))
	}
	hop := out.Route[0]

	h := Header{
		Version:     0,
		Type:        out.Type,
		Flags:       FlagsFromAuth(hop.Auth),
		KeyMetadata: p.KeyMetadata & 0x00FFFFFF,
		DeviceID:    hop.InfuseID,
		GPSTime:     GPSTimeNow(p.NowUnix),
		Sequence:    p.Sequence,
		Entropy:     p.Entropy,
	}

	key, err := keyFor(keys, h, hop.Interface)
	if err != nil {
		return nil, err
	}

	raw := h.Marshal()
	ciphertext, err := Encrypt(key, HeaderAAD(raw), HeaderNonce(raw), out.Payload)
	if err != nil {
		return nil, fmt.Errorf("epacket: encode: %w", err)
	}

	return append(raw, ciphertext...), nil
}
