package epacket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// staticKeys is a KeyLookup with fixed network/device keys, standing in for
// the registry.
type staticKeys struct {
	network []byte
	device  []byte

	observed   []uint64
	observeErr error
}

var errNoKey = errors.New("no key material")

func (k *staticKeys) ObserveHeader(infuseID uint64, auth Auth, keyMetadata uint32) error {
	k.observed = append(k.observed, infuseID)
	return k.observeErr
}

func (k *staticKeys) NetworkKey(infuseID uint64, label string, gpsTime uint32) ([]byte, error) {
	if k.network == nil {
		return nil, errNoKey
	}
	return k.network, nil
}

func (k *staticKeys) DeviceKey(infuseID uint64, label string, gpsTime uint32) ([]byte, error) {
	if k.device == nil {
		return nil, errNoKey
	}
	return k.device, nil
}

func testKeys() *staticKeys {
	net := bytes.Repeat([]byte{0x11}, 32)
	dev := bytes.Repeat([]byte{0x22}, 32)
	return &staticKeys{network: net, device: dev}
}

// ---------------------------------------------------------------------
// Round-trip encode/decode
// ---------------------------------------------------------------------

func TestEncodeDecodeRoundTrip(t *testing.T) {
	keys := testKeys()
	cases := []struct {
		name string
		auth Auth
	}{
		{"network", AuthNetwork},
		{"device", AuthDevice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := PacketOutput{
				Route:   []HopOutput{{InfuseID: 0x0011223344556677, Interface: InterfaceSerial, Auth: tc.auth}},
				Type:    TypeTDF,
				Payload: []byte("sensor readings go here"),
			}
			raw, err := Encode(out, keys, EncodeParams{Sequence: 7, Entropy: 0xBEEF, KeyMetadata: 0x123456, NowUnix: 1700000000})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			pkts, err := Decode(raw, InterfaceSerial, keys)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(pkts) != 1 {
				t.Fatalf("got %d packets, want 1", len(pkts))
			}
			pkt := pkts[0]
			if pkt.Type != TypeTDF || !bytes.Equal(pkt.Payload, out.Payload) {
				t.Errorf("payload mismatch: type=%d payload=%q", pkt.Type, pkt.Payload)
			}
			if len(pkt.Route) != 1 {
				t.Fatalf("got %d hops, want 1", len(pkt.Route))
			}
			hop := pkt.Route[0]
			if hop.InfuseID != 0x0011223344556677 || hop.Auth != tc.auth || hop.Interface != InterfaceSerial {
				t.Errorf("hop = %+v", hop)
			}
			if hop.KeyIdentifier != 0x123456 || hop.Sequence != 7 {
				t.Errorf("hop metadata = %+v", hop)
			}
		})
	}
}

func TestEncodeRejectsMultiHop(t *testing.T) {
	out := PacketOutput{
		Route: []HopOutput{
			{InfuseID: 1, Interface: InterfaceSerial, Auth: AuthNetwork},
			{InfuseID: 2, Interface: InterfaceBTCentral, Auth: AuthNetwork},
		},
		Type: TypeEchoReq,
	}
	if _, err := Encode(out, testKeys(), EncodeParams{}); err == nil {
		t.Errorf("expected error for multi-hop outgoing route")
	}
}

// ---------------------------------------------------------------------
// AEAD binding: any bit flip fails authentication
// ---------------------------------------------------------------------

func TestDecodeBitFlipFails(t *testing.T) {
	keys := testKeys()
	out := PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xAB, Interface: InterfaceSerial, Auth: AuthNetwork}},
		Type:    TypeEchoReq,
		Payload: []byte{0x10, 0x20, 0x30},
	}
	raw, err := Encode(out, keys, EncodeParams{NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for bit := 0; bit < len(raw)*8; bit++ {
		mutated := append([]byte{}, raw...)
		mutated[bit/8] ^= 1 << (bit % 8)
		if _, err := Decode(mutated, InterfaceSerial, keys); err == nil {
			t.Fatalf("bit flip at %d decoded successfully", bit)
		}
	}
}

func TestDecodeTruncatedCiphertext(t *testing.T) {
	keys := testKeys()
	raw, err := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xAB, Interface: InterfaceSerial, Auth: AuthNetwork}},
		Type:    TypeEchoReq,
		Payload: []byte("payload"),
	}, keys, EncodeParams{NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(raw[:len(raw)-1], InterfaceSerial, keys); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("truncated ciphertext error = %v, want ErrAuthFailure", err)
	}
}

// ---------------------------------------------------------------------
// Key errors propagate so the gateway can synthesize key material
// ---------------------------------------------------------------------

func TestDecodeMissingKey(t *testing.T) {
	keys := testKeys()
	raw, err := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xAB, Interface: InterfaceSerial, Auth: AuthDevice}},
		Type:    TypeEchoReq,
		Payload: []byte("x"),
	}, keys, EncodeParams{NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(raw, InterfaceSerial, &staticKeys{network: keys.network}); !errors.Is(err, errNoKey) {
		t.Errorf("error = %v, want errNoKey", err)
	}
}

func TestDecodeObserveError(t *testing.T) {
	keys := testKeys()
	raw, _ := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xAB, Interface: InterfaceSerial, Auth: AuthNetwork}},
		Type:    TypeEchoReq,
		Payload: []byte("x"),
	}, keys, EncodeParams{NowUnix: 1700000000})

	bad := errors.New("device key changed")
	keys.observeErr = bad
	if _, err := Decode(raw, InterfaceSerial, keys); !errors.Is(err, bad) {
		t.Errorf("error = %v, want observe error", err)
	}
}

// ---------------------------------------------------------------------
// Nested RECEIVED_EPACKET container
// ---------------------------------------------------------------------

// containerRecord builds one {common, interface_address, inner frame} record.
func containerRecord(inner []byte, encrypted bool, rssi uint8, iface Interface, addr InterfaceAddress) []byte {
	common := uint16(len(inner))
	if encrypted {
		common |= 0x8000
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], common)
	out[2] = rssi
	out[3] = uint8(iface)
	out = append(out, addr.Marshal()...)
	return append(out, inner...)
}

func TestDecodeNestedContainer(t *testing.T) {
	keys := testKeys()

	// Inner record 1: a network-encrypted BT_ADV observation.
	encInner, err := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xAAAA, Interface: InterfaceBTAdv, Auth: AuthNetwork}},
		Type:    TypeTDF,
		Payload: []byte("adv-encrypted"),
	}, keys, EncodeParams{KeyMetadata: 5, NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode inner: %v", err)
	}

	// Inner record 2: a plaintext (already decrypted by the relay) record.
	plainHeader := Header{Type: TypeTDF, DeviceID: 0xBBBB, GPSTime: GPSTimeNow(1700000000)}
	plainInner := append(plainHeader.Marshal(), []byte("adv-plain")...)

	addr1 := BluetoothAddress(BluetoothAddrPublic, 0x112233445566)
	addr2 := BluetoothAddress(BluetoothAddrRandom, 0xAABBCCDDEEFF)
	container := containerRecord(encInner, true, 70, InterfaceBTAdv, addr1)
	container = append(container, containerRecord(plainInner, false, 81, InterfaceBTAdv, addr2)...)

	outer, err := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xCCCC, Interface: InterfaceSerial, Auth: AuthNetwork}},
		Type:    TypeReceivedEPacket,
		Payload: container,
	}, keys, EncodeParams{NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode outer: %v", err)
	}

	pkts, err := Decode(outer, InterfaceSerial, keys)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}

	// Encoded order is preserved; every inner packet has a two-hop route
	// whose outer hop is the serial carrier.
	first, second := pkts[0], pkts[1]
	if first.Route[0].InfuseID != 0xAAAA || second.Route[0].InfuseID != 0xBBBB {
		t.Errorf("inner hop order: %x then %x", first.Route[0].InfuseID, second.Route[0].InfuseID)
	}
	for i, pkt := range pkts {
		if len(pkt.Route) != 2 {
			t.Fatalf("packet %d: %d hops, want 2", i, len(pkt.Route))
		}
		carrier := pkt.Route[1]
		if carrier.InfuseID != 0xCCCC || carrier.Interface != InterfaceSerial {
			t.Errorf("packet %d carrier hop = %+v", i, carrier)
		}
		if pkt.Route[0].Interface != InterfaceBTAdv {
			t.Errorf("packet %d inner interface = %v", i, pkt.Route[0].Interface)
		}
	}
	if first.Route[0].RSSI != -70 || second.Route[0].RSSI != -81 {
		t.Errorf("RSSI = %d, %d; want -70, -81", first.Route[0].RSSI, second.Route[0].RSSI)
	}
	if first.Route[0].InterfaceAddress != addr1 || second.Route[0].InterfaceAddress != addr2 {
		t.Errorf("interface addresses not preserved")
	}
	if !bytes.Equal(first.Payload, []byte("adv-encrypted")) || !bytes.Equal(second.Payload, []byte("adv-plain")) {
		t.Errorf("payloads = %q, %q", first.Payload, second.Payload)
	}
}

// An undecodable inner record is dropped; its siblings still decode.
func TestDecodeNestedContainerBadInnerDropped(t *testing.T) {
	keys := testKeys()

	garbage := bytes.Repeat([]byte{0xFF}, 48)
	plainHeader := Header{Type: TypeEchoRsp, DeviceID: 0xBBBB}
	plainInner := append(plainHeader.Marshal(), 0x01)

	addr := BluetoothAddress(BluetoothAddrPublic, 1)
	container := containerRecord(garbage, true, 60, InterfaceBTAdv, addr)
	container = append(container, containerRecord(plainInner, false, 61, InterfaceBTAdv, addr)...)

	outer, err := Encode(PacketOutput{
		Route:   []HopOutput{{InfuseID: 0xCCCC, Interface: InterfaceSerial, Auth: AuthNetwork}},
		Type:    TypeReceivedEPacket,
		Payload: container,
	}, keys, EncodeParams{NowUnix: 1700000000})
	if err != nil {
		t.Fatalf("Encode outer: %v", err)
	}

	pkts, err := Decode(outer, InterfaceSerial, keys)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pkts) != 1 || pkts[0].Route[0].InfuseID != 0xBBBB {
		t.Errorf("expected only the plaintext sibling, got %d packets", len(pkts))
	}
}

// ---------------------------------------------------------------------
// Header field layout
// ---------------------------------------------------------------------

func TestHeaderMarshalLayout(t *testing.T) {
	h := Header{
		Version:     0,
		Type:        TypeRPCCmd,
		Flags:       FlagEncrDevice,
		KeyMetadata: 0xABCDEF,
		DeviceID:    0x1122334455667788,
		GPSTime:     0xDDCCBBAA,
		Sequence:    0x0102,
		Entropy:     0x0304,
	}
	b := h.Marshal()
	if len(b) != HeaderSize {
		t.Fatalf("len = %d, want %d", len(b), HeaderSize)
	}
	// device_id is stored as (upper u32, lower u32) little-endian halves.
	if binary.LittleEndian.Uint32(b[7:11]) != 0x11223344 || binary.LittleEndian.Uint32(b[11:15]) != 0x55667788 {
		t.Errorf("device_id halves = %x %x", b[7:11], b[11:15])
	}
	if b[4] != 0xEF || b[5] != 0xCD || b[6] != 0xAB {
		t.Errorf("key_metadata bytes = %x", b[4:7])
	}

	parsed, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip: got %+v, want %+v", parsed, h)
	}
	if parsed.Auth() != AuthDevice {
		t.Errorf("Auth = %v, want device", parsed.Auth())
	}
}

func TestGPSTime(t *testing.T) {
	// 2023-11-14T22:13:20Z; GPS epoch offset 315964800 with +18 leap seconds.
	got := GPSTimeNow(1700000000)
	want := uint32(1700000000 - 315964800 + 18)
	if got != want {
		t.Errorf("GPSTimeNow = %d, want %d", got, want)
	}
}
