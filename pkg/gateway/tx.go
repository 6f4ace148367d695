package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/infuse-iot/gateway/pkg/bus"
	"github.com/infuse-iot/gateway/pkg/epacket"
	"github.com/infuse-iot/gateway/pkg/util"
)

// BusPollTimeout bounds a single blocking receive on the bus request socket
// so the TX worker can check the stop signal between requests.
const BusPollTimeout = 250 * time.Millisecond

// txLoop drains client requests from the bus and acts on them. Receive
// timeouts are a normal "no message"; deserialization failures drop the
// datagram.
func (s *Service) txLoop() {
	defer s.wg.Done()

	for !s.stopping() {
		req, _, err := s.bus.RecvRequest(BusPollTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			util.WithField("error", err).Debug("gateway: dropping bus datagram")
			continue
		}

		switch req.Type {
		case bus.RequestEpacketSend:
			s.handleEpacketSend(req)
		case bus.RequestConnectionRequest:
			go s.handleConnectionRequest(req.ConnectionID, req.DataTypeMask)
		case bus.RequestConnectionRelease:
			go s.handleConnectionRelease(req.ConnectionID)
		default:
			util.WithField("type", req.Type).Debug("gateway: unknown bus request type")
		}
	}
}

// handleEpacketSend computes the route for an EPACKET_SEND request and
// transmits it: a single serial hop when the packet is addressed to the
// gateway itself, a serial→bt_central two-hop otherwise — the inner envelope
// is encoded for the Bluetooth peer and carried to the gateway inside an
// EPACKET_FORWARD frame.
func (s *Service) handleEpacketSend(req bus.Request) {
	if req.Epacket == nil {
		util.Debug("gateway: EPACKET_SEND without an epacket body")
		return
	}
	pkt, err := req.Epacket.DecodeOutput()
	if err != nil {
		util.WithField("error", err).Warn("gateway: dropping malformed EPACKET_SEND")
		return
	}
	hop := pkt.Route[0]

	gatewayAddr, haveAddr := s.registry.LocalGatewayID()
	toSelf := hop.Interface == epacket.InterfaceSerial ||
		hop.InfuseID == epacket.LocalGatewayID ||
		(haveAddr && hop.InfuseID == gatewayAddr)

	if toSelf {
		pkt.Route = []epacket.HopOutput{{
			InfuseID:  epacket.LocalGatewayID,
			Interface: epacket.InterfaceSerial,
			Auth:      hop.Auth,
		}}
		if err := s.sendEncoded(pkt); err != nil {
			util.WithField("error", err).Warn("gateway: EPACKET_SEND transmit failed")
		}
		return
	}

	if err := s.forwardToBluetooth(pkt, hop); err != nil {
		util.WithField("error", err).WithField("infuse_id", hop.InfuseID).Warn("gateway: EPACKET_SEND forward failed")
	}
}

// forwardToBluetooth encodes pkt for the bt_central hop to its target device
// and ships the resulting envelope to the gateway inside an EPACKET_FORWARD
// frame. DEVICE-auth hops must have key material first; a handshake is
// synthesized synchronously if the registry has none.
func (s *Service) forwardToBluetooth(pkt epacket.PacketOutput, hop epacket.HopOutput) error {
	if hop.Auth == epacket.AuthDevice {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := s.ensureDeviceKey(ctx, hop.InfuseID); err != nil {
			return err
		}
	}

	var keyMeta uint32
	if hop.Auth == epacket.AuthNetwork {
		if id, ok := s.registry.NetworkIDFor(hop.InfuseID); ok {
			keyMeta = id
		}
	} else {
		if id, ok := s.registry.DeviceKeyIDFor(hop.InfuseID); ok {
			keyMeta = id
		}
	}

	inner := epacket.PacketOutput{
		Route: []epacket.HopOutput{{
			InfuseID:  hop.InfuseID,
			Interface: epacket.InterfaceBTCentral,
			Auth:      hop.Auth,
		}},
		Type:    pkt.Type,
		Payload: pkt.Payload,
	}
	innerRaw, err := epacket.Encode(inner, s.registry, epacket.EncodeParams{
		Sequence:    s.registry.NextGattSeq(hop.InfuseID),
		Entropy:     s.entropy(),
		KeyMetadata: keyMeta,
		NowUnix:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	return s.sendEncoded(epacket.PacketOutput{
		Route:   []epacket.HopOutput{epacket.LocalSerialHop(epacket.AuthNetwork)},
		Type:    epacket.TypeEPacketForward,
		Payload: innerRaw,
	})
}
