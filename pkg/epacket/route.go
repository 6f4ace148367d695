package epacket

// HopOutput describes one hop of an outgoing packet's route: the infuse ID
// to address, the interface to send over, and which auth tier to use.
// Multi-hop outgoing routes are not supported — PacketOutput
// carries exactly one HopOutput.
type HopOutput struct {
	InfuseID  uint64
	Interface Interface
	Auth      Auth
}

// LocalSerialHop returns the canonical "local gateway, serial interface"
// output hop.
func LocalSerialHop(auth Auth) HopOutput {
	return HopOutput{InfuseID: LocalGatewayID, Interface: InterfaceSerial, Auth: auth}
}

// HopReceived describes one hop of a received packet's route, including the
// metadata needed to diagnose or re-key a frame.
type HopReceived struct {
	InfuseID         uint64
	Interface        Interface
	InterfaceAddress InterfaceAddress
	Auth             Auth
	KeyIdentifier    uint32 // network_id or device_key_id, 24 bits significant
	GPSTime          uint32
	Sequence         uint16
	RSSI             int8
}

// PacketReceived is an ePacket as observed and decoded by the gateway.
// Route is ordered [innermost/original hop, ..., carrier hop]: the inner
// hop (origin device, original interface) is prepended to the carrier
// hop.
type PacketReceived struct {
	Route   []HopReceived
	Type    Type
	Payload []byte
}

// PacketOutput is an ePacket queued for transmission by the gateway.
type PacketOutput struct {
	Route   []HopOutput
	Type    Type
	Payload []byte
}
