package epacket

import (
	"fmt"
)

// BluetoothAddrKind distinguishes public and random static BLE addresses.
type BluetoothAddrKind uint8

const (
	BluetoothAddrPublic BluetoothAddrKind = 0
	BluetoothAddrRandom BluetoothAddrKind = 1
)

// InterfaceAddress is the sum type {serial=unit; bluetooth_le={kind,value}}
// carried in the nested received-epacket container.
//
// A fixed-shape tagged union; the on-wire layout never requires reflection
// or runtime record construction.
type InterfaceAddress struct {
	IsBluetooth bool
	Kind        BluetoothAddrKind
	Value       uint64 // low 48 bits significant
}

// SerialAddress returns the zero-length serial interface address.
func SerialAddress() InterfaceAddress {
	return InterfaceAddress{}
}

// BluetoothAddress constructs a Bluetooth LE interface address.
func BluetoothAddress(kind BluetoothAddrKind, value uint64) InterfaceAddress {
	return InterfaceAddress{IsBluetooth: true, Kind: kind, Value: value & 0xFFFFFFFFFFFF}
}

// Len returns the on-wire length of this address: 0 for serial, 7 for
// Bluetooth (1 byte kind + 6 byte value).
func (a InterfaceAddress) Len() int {
	if a.IsBluetooth {
		return 7
	}
	return 0
}

func (a InterfaceAddress) String() string {
	if !a.IsBluetooth {
		return ""
	}
	kind := "public"
	if a.Kind == BluetoothAddrRandom {
		kind = "random"
	}
	b := [6]byte{}
	for i := 0; i < 6; i++ {
		b[i] = byte(a.Value >> (8 * (5 - i)))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x (%s)", b[0], b[1], b[2], b[3], b[4], b[5], kind)
}

// Marshal encodes the address for the nested container: empty
// for serial, kind(u8)+6-byte little-endian value for Bluetooth.
func (a InterfaceAddress) Marshal() []byte {
	if !a.IsBluetooth {
		return nil
	}
	out := make([]byte, 7)
	out[0] = uint8(a.Kind)
	v := a.Value
	for i := 1; i < 7; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// ParseBluetoothAddress decodes a 7-byte Bluetooth interface address from
// the front of b. The caller must already know the interface requires a
// Bluetooth address (BT_ADV, BT_PERIPHERAL, BT_CENTRAL).
func ParseBluetoothAddress(b []byte) (InterfaceAddress, error) {
	if len(b) < 7 {
		return InterfaceAddress{}, fmt.Errorf("epacket: short bluetooth address (%d < 7 bytes)", len(b))
	}
	var v uint64
	for i := 6; i >= 1; i-- {
		v = v<<8 | uint64(b[i])
	}
	return BluetoothAddress(BluetoothAddrKind(b[0]), v), nil
}

// InterfaceRequiresAddress reports whether frames on this interface carry an
// InterfaceAddress in the nested container.
func InterfaceRequiresAddress(i Interface) bool {
	switch i {
	case InterfaceBTAdv, InterfaceBTPeripheral, InterfaceBTCentral:
		return true
	default:
		return false
	}
}
