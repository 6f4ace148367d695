package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/infuse-iot/gateway/pkg/audit"
	"github.com/infuse-iot/gateway/pkg/bus"
	"github.com/infuse-iot/gateway/pkg/epacket"
	"github.com/infuse-iot/gateway/pkg/registry"
	"github.com/infuse-iot/gateway/pkg/util"
)

// rxLoop drains the transport, feeds the frame reconstructor, and decodes
// completed frames. Bytes the reconstructor rejects
// are the device's interleaved ASCII console output; they are collected into
// lines and routed to the log sink. The reconstructor's in-frame signal is
// the single source of truth for that routing.
func (s *Service) rxLoop() {
	defer s.wg.Done()
	recon := epacket.NewReconstructor()
	var line []byte

	for !s.stopping() {
		chunk, err := s.transport.ReadBytes(ReadChunkBytes)
		if err != nil {
			util.WithField("error", err).Debug("gateway: transport read error")
			time.Sleep(TransportPollInterval)
			continue
		}
		if len(chunk) == 0 {
			time.Sleep(TransportPollInterval)
			continue
		}

		for _, b := range chunk {
			inFrame, frame := recon.Feed(b)
			if !inFrame {
				if b == '\n' {
					if len(line) > 0 {
						util.WithField("device_log", string(line)).Info("gateway: device console")
						line = line[:0]
					}
				} else {
					line = append(line, b)
				}
				continue
			}
			if frame == nil {
				continue
			}
			if len(frame) == 1 && frame[0] == epacket.PingFrame {
				// Peer is asking us to identify; nothing to do as a
				// receiver of a ping (we only emit these ourselves).
				continue
			}
			s.handleFrame(frame)
		}
	}
}

// handleFrame decodes one completed transport frame, retrying through key
// synthesis as needed. The gateway's
// own address is learned from the serial header before any decode is
// attempted, so even a frame we cannot yet decrypt identifies the peer.
func (s *Service) handleFrame(frame []byte) {
	h, perr := epacket.ParseHeader(frame)
	if perr != nil {
		util.WithField("error", perr).Warn("gateway: dropping frame with unparseable header")
		return
	}
	s.registry.SetLocalGatewayID(h.DeviceID)

	pkts, err := epacket.Decode(frame, epacket.InterfaceSerial, s.registry)
	switch {
	case err == nil:
		s.deliver(pkts)
	case errors.Is(err, registry.ErrUnknownNetwork):
		util.Debug("gateway: unknown network key, pinging peer for identity")
		s.ping()
	case errors.Is(err, registry.ErrUnknownDeviceKey):
		util.WithInfuseID(h.DeviceID).Debug("gateway: unknown device key, synthesizing handshake")
		// The security_state response arrives on this same RX loop, so the
		// handshake must not block it; the frame is retried when the
		// response resolves.
		go s.handshakeAndRetry(frame, h.DeviceID)
	case errors.Is(err, registry.ErrDeviceKeyChanged):
		util.WithField("error", err).Error("gateway: device key changed, dropping frame")
		s.auditLog(audit.NewEvent(audit.EventDeviceKeyChanged, h.DeviceID).
			WithInterface(epacket.InterfaceSerial.KeyLabel()).
			WithKeyID(h.KeyMetadata).
			WithError(err))
	case errors.Is(err, epacket.ErrAuthFailure):
		util.Warn("gateway: AEAD authentication failure, dropping frame")
	default:
		util.WithField("error", err).Warn("gateway: dropping undecodable frame")
	}
}

// handshakeAndRetry synthesizes a security_state handshake for infuseID and
// re-decodes the frame that needed it once key material lands.
func (s *Service) handshakeAndRetry(frame []byte, infuseID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := s.synthesizeHandshake(ctx, infuseID); err != nil {
		util.WithField("error", err).WithField("infuse_id", infuseID).Warn("gateway: handshake synthesis failed")
		return
	}
	pkts, err := epacket.Decode(frame, epacket.InterfaceSerial, s.registry)
	if err != nil {
		util.WithField("error", err).Warn("gateway: retry after handshake still failed")
		return
	}
	s.deliver(pkts)
}

// deliver dispatches decoded packets: RPC responses to self-initiated
// commands are consumed by selfRPC; everything else is broadcast as
// EPACKET_RECV, in the order the frames were decoded.
func (s *Service) deliver(pkts []epacket.PacketReceived) {
	for _, pkt := range pkts {
		s.learnFromPacket(pkt)

		if s.selfRPC.Dispatch(pkt) {
			continue
		}
		if err := s.bus.Broadcast(bus.EpacketRecvNotification(pkt)); err != nil {
			util.WithField("error", err).Warn("gateway: broadcasting EPACKET_RECV failed")
		}
	}
}

// learnFromPacket feeds the registry's Observe/SetLocalGatewayID from an
// inbound packet's route metadata.
func (s *Service) learnFromPacket(pkt epacket.PacketReceived) {
	if len(pkt.Route) == 0 {
		return
	}
	carrier := pkt.Route[len(pkt.Route)-1]
	if carrier.Interface == epacket.InterfaceSerial {
		s.registry.SetLocalGatewayID(carrier.InfuseID)
	}

	for _, hop := range pkt.Route {
		var networkID *uint32
		var deviceKeyID *uint32
		if hop.Auth == epacket.AuthNetwork {
			id := hop.KeyIdentifier
			networkID = &id
		} else {
			id := hop.KeyIdentifier
			deviceKeyID = &id
		}
		var addr *epacket.InterfaceAddress
		if hop.InterfaceAddress.IsBluetooth {
			a := hop.InterfaceAddress
			addr = &a
		}
		if err := s.registry.Observe(hop.InfuseID, networkID, deviceKeyID, addr); err != nil {
			util.WithField("error", err).WithField("infuse_id", hop.InfuseID).Error("gateway: registry observe failed")
		}
	}

	// Traffic from a connected peer resets its inactivity watchdog.
	s.touchActivity(pkt.Route[0].InfuseID)
}

// ping writes the 5-byte ping frame to provoke the peer into emitting its
// own identity packet.
func (s *Service) ping() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.Write([]byte{epacket.PingFrame}); err != nil {
		util.WithField("error", err).Warn("gateway: ping write failed")
	}
}
