// Package epacket implements the ePacket wire format: a binary, authenticated,
// versioned packet envelope used between the gateway and Infuse-IoT devices,
// including the nested "received-epacket" container used to forward packets
// observed over a secondary interface (e.g. Bluetooth advertising relayed
// over serial).
package epacket

import "fmt"

// Type is the packet type carried in the ePacket header.
type Type uint8

// Packet types, as carried on the wire.
const (
	TypeEchoReq         Type = 0
	TypeEchoRsp         Type = 1
	TypeTDF             Type = 2
	TypeRPCCmd          Type = 3
	TypeRPCData         Type = 4
	TypeRPCDataAck      Type = 5
	TypeRPCRsp          Type = 6
	TypeReceivedEPacket Type = 7
	TypeAck             Type = 8
	TypeEPacketForward  Type = 9
	TypeSerialLog       Type = 10
	TypeMemfaultChunk   Type = 30
	TypeKeyIDs          Type = 127
)

// Interface identifies the physical/logical transport a packet travelled
// over. Each has a fixed ASCII label used as the HKDF "info" parameter.
type Interface uint8

const (
	InterfaceSerial Interface = iota
	InterfaceUDP
	InterfaceBTAdv
	InterfaceBTPeripheral
	InterfaceBTCentral
)

func (i Interface) String() string {
	switch i {
	case InterfaceSerial:
		return "serial"
	case InterfaceUDP:
		return "udp"
	case InterfaceBTAdv:
		return "bt_adv"
	case InterfaceBTPeripheral, InterfaceBTCentral:
		return "bt_gatt"
	default:
		return fmt.Sprintf("interface(%d)", uint8(i))
	}
}

// KeyLabel returns the ASCII HKDF info string for this interface.
// BT_PERIPHERAL and BT_CENTRAL share the "bt_gatt" label.
func (i Interface) KeyLabel() string {
	return i.String()
}

// Auth distinguishes which key tier authenticated a hop.
type Auth uint8

const (
	AuthDevice Auth = iota
	AuthNetwork
)

func (a Auth) String() string {
	if a == AuthDevice {
		return "device"
	}
	return "network"
}

// Flags bits within the ePacket header.
const (
	FlagEncrDevice  uint16 = 0x8000 // bit 15 set => DEVICE auth
	FlagEncrNetwork uint16 = 0x0000 // bit 15 clear => NETWORK auth
)

// AuthFromFlags extracts the Auth mode from a header's flags field.
func AuthFromFlags(flags uint16) Auth {
	if flags&FlagEncrDevice != 0 {
		return AuthDevice
	}
	return AuthNetwork
}

// FlagsFromAuth builds the flags value for a given Auth mode.
func FlagsFromAuth(a Auth) uint16 {
	if a == AuthDevice {
		return FlagEncrDevice
	}
	return FlagEncrNetwork
}

// LocalGatewayID is the reserved Infuse-ID sentinel meaning "this gateway".
const LocalGatewayID uint64 = 0
