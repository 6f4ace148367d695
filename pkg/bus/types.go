// Package bus implements the local IPC datagram bus: a UDP multicast
// notification channel from the gateway to local clients, and a loopback
// UDP unicast request channel from clients to the gateway, carrying
// UTF-8 JSON envelopes.
package bus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/infuse-iot/gateway/pkg/epacket"
)

// DefaultMulticastAddr is the default notification multicast group:port.
const DefaultMulticastAddr = "224.1.1.1:8751"

// DefaultRequestPort is the fixed offset from the multicast port used for
// the loopback unicast request channel.
const DefaultRequestPort = 1

// MaxMessageBytes is the informal size ceiling for bus datagrams;
// larger messages are unsupported, but this package does not enforce it since
// the UDP stack will simply fail the write.
const MaxMessageBytes = 8192

// NotificationType discriminates the server->client notification union.
type NotificationType int

const (
	NotifyEpacketRecv NotificationType = iota
	NotifyConnectionFailed
	NotifyConnectionCreated
	NotifyConnectionDropped
)

func (t NotificationType) String() string {
	switch t {
	case NotifyEpacketRecv:
		return "EPACKET_RECV"
	case NotifyConnectionFailed:
		return "CONNECTION_FAILED"
	case NotifyConnectionCreated:
		return "CONNECTION_CREATED"
	case NotifyConnectionDropped:
		return "CONNECTION_DROPPED"
	default:
		return fmt.Sprintf("notification(%d)", int(t))
	}
}

// RequestType discriminates the client->server request union.
type RequestType int

const (
	RequestEpacketSend RequestType = iota
	RequestConnectionRequest
	RequestConnectionRelease
)

func (t RequestType) String() string {
	switch t {
	case RequestEpacketSend:
		return "EPACKET_SEND"
	case RequestConnectionRequest:
		return "CONNECTION_REQUEST"
	case RequestConnectionRelease:
		return "CONNECTION_RELEASE"
	default:
		return fmt.Sprintf("request(%d)", int(t))
	}
}

// HopJSON is the wire representation of one epacket.HopReceived/HopOutput.
type HopJSON struct {
	InfuseID  uint64 `json:"infuse_id"`
	Interface uint8  `json:"interface"`
	Auth      uint8  `json:"auth"`
}

// EpacketJSON is the wire representation of an ePacket crossing the bus:
// raw payload base64-encoded, route as an ordered hop list, enums as their
// integer value.
type EpacketJSON struct {
	Type    uint8     `json:"type"`
	Route   []HopJSON `json:"route"`
	Payload string    `json:"payload"`
}

// EncodeReceived converts a decoded ePacket into its bus wire form.
func EncodeReceived(pkt epacket.PacketReceived) EpacketJSON {
	route := make([]HopJSON, len(pkt.Route))
	for i, h := range pkt.Route {
		route[i] = HopJSON{InfuseID: h.InfuseID, Interface: uint8(h.Interface), Auth: uint8(h.Auth)}
	}
	return EpacketJSON{
		Type:    uint8(pkt.Type),
		Route:   route,
		Payload: base64.StdEncoding.EncodeToString(pkt.Payload),
	}
}

// DecodeOutput converts a bus wire ePacket (from an EPACKET_SEND request)
// into a PacketOutput, carrying the auth value of its single outgoing hop
// through as given (a zero auth value selects DEVICE).
func (e EpacketJSON) DecodeOutput() (epacket.PacketOutput, error) {
	payload, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return epacket.PacketOutput{}, fmt.Errorf("bus: decoding epacket payload: %w", err)
	}
	if len(e.Route) != 1 {
		return epacket.PacketOutput{}, fmt.Errorf("bus: outgoing epacket route must have exactly one hop, got %d", len(e.Route))
	}
	hop := e.Route[0]
	return epacket.PacketOutput{
		Route:   []epacket.HopOutput{{InfuseID: hop.InfuseID, Interface: epacket.Interface(hop.Interface), Auth: epacket.Auth(hop.Auth)}},
		Type:    epacket.Type(e.Type),
		Payload: payload,
	}, nil
}

// Notification is a server-to-client bus message.
type Notification struct {
	Type         NotificationType `json:"type"`
	Epacket      *EpacketJSON     `json:"epacket,omitempty"`
	ConnectionID uint64           `json:"connection_id,omitempty"`
}

// EpacketRecvNotification builds an EPACKET_RECV notification.
func EpacketRecvNotification(pkt epacket.PacketReceived) Notification {
	e := EncodeReceived(pkt)
	return Notification{Type: NotifyEpacketRecv, Epacket: &e}
}

// ConnectionNotification builds a CONNECTION_{CREATED,FAILED,DROPPED}
// notification for the given connection id.
func ConnectionNotification(t NotificationType, connectionID uint64) Notification {
	return Notification{Type: t, ConnectionID: connectionID}
}

// Request is a client-to-server bus message.
type Request struct {
	Type         RequestType  `json:"type"`
	Epacket      *EpacketJSON `json:"epacket,omitempty"`
	ConnectionID uint64       `json:"connection_id,omitempty"`
	DataTypeMask uint32       `json:"data_type_mask,omitempty"`
}

// EpacketSendRequest builds an EPACKET_SEND request.
func EpacketSendRequest(pkt epacket.PacketOutput) (Request, error) {
	if len(pkt.Route) != 1 {
		return Request{}, fmt.Errorf("bus: outgoing epacket route must have exactly one hop, got %d", len(pkt.Route))
	}
	hop := pkt.Route[0]
	e := EpacketJSON{
		Type:    uint8(pkt.Type),
		Route:   []HopJSON{{InfuseID: hop.InfuseID, Interface: uint8(hop.Interface), Auth: uint8(hop.Auth)}},
		Payload: base64.StdEncoding.EncodeToString(pkt.Payload),
	}
	return Request{Type: RequestEpacketSend, Epacket: &e}, nil
}

// ConnectionRequestMessage builds a CONNECTION_REQUEST request.
func ConnectionRequestMessage(infuseID uint64, dataTypeMask uint32) Request {
	return Request{Type: RequestConnectionRequest, ConnectionID: infuseID, DataTypeMask: dataTypeMask}
}

// ConnectionReleaseMessage builds a CONNECTION_RELEASE request.
func ConnectionReleaseMessage(infuseID uint64) Request {
	return Request{Type: RequestConnectionRelease, ConnectionID: infuseID}
}

// MarshalNotification and MarshalRequest wrap encoding/json for the two
// envelope types; unmarshalling is via json.Unmarshal directly since both
// types are plain structs with a discriminating Type field.
func MarshalNotification(n Notification) ([]byte, error) { return json.Marshal(n) }
func MarshalRequest(r Request) ([]byte, error)           { return json.Marshal(r) }
