package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/infuse-iot/gateway/pkg/audit"
	"github.com/infuse-iot/gateway/pkg/bus"
	"github.com/infuse-iot/gateway/pkg/epacket"
	"github.com/infuse-iot/gateway/pkg/rpc"
	"github.com/infuse-iot/gateway/pkg/util"
)

// connState is the lifecycle of one outgoing Bluetooth connection:
//
//	Idle → Resolving → Connecting → Connected → Releasing → Idle
//
// Idle is represented by absence from Service.conns.
type connState int

const (
	connResolving connState = iota + 1
	connConnecting
	connConnected
	connReleasing
)

func (s connState) String() string {
	switch s {
	case connResolving:
		return "resolving"
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	case connReleasing:
		return "releasing"
	default:
		return "idle"
	}
}

// connection is the per-peer state the gateway tracks for a downstream
// Bluetooth link it holds open on behalf of a bus client.
type connection struct {
	infuseID uint64
	state    connState
	addr     epacket.InterfaceAddress

	inactivity   time.Duration
	lastActivity time.Time
}

// Connection lifecycle tuning. ResolveTimeout bounds the Resolving state:
// the device's Bluetooth address must have been observed (via a prior
// BT_ADV sighting) within this window or the request fails.
const (
	connResolveTimeout  = 1 * time.Second
	connResolvePoll     = 50 * time.Millisecond
	connTimeoutMS       = 5000
	connInactivityCheck = 500 * time.Millisecond
)

var errNoBluetoothAddr = errors.New("gateway: no bluetooth address observed for device")

// handleConnectionRequest runs the Idle→Resolving→Connecting→Connected
// transitions for a CONNECTION_REQUEST, broadcasting exactly one
// CONNECTION_CREATED or CONNECTION_FAILED.
func (s *Service) handleConnectionRequest(infuseID uint64, dataTypeMask uint32) {
	s.connMu.Lock()
	if existing, ok := s.conns[infuseID]; ok {
		state := existing.state
		s.connMu.Unlock()
		if state == connConnected {
			// Duplicate request for a live connection; reconfirm.
			s.notifyConn(bus.NotifyConnectionCreated, infuseID)
		}
		return
	}
	conn := &connection{infuseID: infuseID, state: connResolving, inactivity: s.connInactivity}
	s.conns[infuseID] = conn
	s.connMu.Unlock()

	addr, ok := s.resolveAddress(infuseID)
	if !ok {
		util.WithInfuseID(infuseID).Warn("gateway: no bluetooth address for connection request")
		s.dropConn(infuseID)
		s.auditLog(audit.NewEvent(audit.EventConnectionFailed, infuseID).WithError(errNoBluetoothAddr))
		s.notifyConn(bus.NotifyConnectionFailed, infuseID)
		return
	}

	s.connMu.Lock()
	conn.addr = addr
	conn.state = connConnecting
	s.connMu.Unlock()

	subscribe := rpc.BtCharacteristicCommand
	if dataTypeMask != 0 {
		subscribe |= rpc.BtCharacteristicData
	}
	req := rpc.BtConnectRequest{
		Peer:                addr,
		ConnTimeoutMS:       connTimeoutMS,
		Subscribe:           subscribe,
		InactivityTimeoutMS: uint16(conn.inactivity / time.Millisecond),
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultTimeout)
	defer cancel()
	body, err := s.selfRPC.Standard(ctx, rpc.CommandBtConnectInfuse, req.Encode())
	if err != nil {
		var rc *rpc.ReturnCodeError
		if errors.As(err, &rc) {
			util.WithInfuseID(infuseID).WithField("return_code", rc.ReturnCode).Warn("gateway: bt_connect_infuse refused")
		} else {
			util.WithInfuseID(infuseID).WithField("error", err).Warn("gateway: bt_connect_infuse failed")
		}
		s.dropConn(infuseID)
		s.auditLog(audit.NewEvent(audit.EventConnectionFailed, infuseID).WithError(err))
		if !s.stopping() {
			s.notifyConn(bus.NotifyConnectionFailed, infuseID)
		}
		return
	}

	// The connect response carries the peer's public keys and network id,
	// seeding the registry without a separate security_state round trip.
	if resp, derr := rpc.DecodeBtConnectResponse(body); derr == nil {
		hctx, hcancel := context.WithTimeout(context.Background(), handshakeTimeout)
		if herr := s.registry.RecordHandshake(hctx, infuseID, resp.CloudPublicKey[:], resp.DevicePublicKey[:], resp.NetworkID); herr != nil {
			util.WithInfuseID(infuseID).WithField("error", herr).Debug("gateway: recording connect handshake")
		}
		hcancel()
	}

	s.connMu.Lock()
	conn.state = connConnected
	conn.lastActivity = time.Now()
	s.connMu.Unlock()

	s.auditLog(audit.NewEvent(audit.EventConnectionCreated, infuseID).WithInterface(epacket.InterfaceBTCentral.KeyLabel()))

	if s.stopping() {
		// Outstanding create callbacks after stop are dropped silently.
		return
	}
	s.notifyConn(bus.NotifyConnectionCreated, infuseID)

	if conn.inactivity > 0 {
		go s.watchInactivity(conn)
	}
}

// handleConnectionRelease runs Connected→Releasing→Idle for a
// CONNECTION_RELEASE: emit the bt_disconnect RPC and forget the connection.
// Releasing an unknown id is a no-op.
func (s *Service) handleConnectionRelease(infuseID uint64) {
	s.connMu.Lock()
	conn, ok := s.conns[infuseID]
	if !ok || conn.state == connReleasing {
		s.connMu.Unlock()
		return
	}
	addr := conn.addr
	conn.state = connReleasing
	s.connMu.Unlock()

	s.disconnectPeer(infuseID, addr)
	s.dropConn(infuseID)
	s.auditLog(audit.NewEvent(audit.EventConnectionReleased, infuseID))
}

// reportDrop runs Connected→Releasing→Idle for an RX-reported drop (the
// inactivity watchdog expiring), broadcasting CONNECTION_DROPPED. A drop
// surfacing mid-RPC aborts that RPC at the client.
func (s *Service) reportDrop(infuseID uint64) {
	s.connMu.Lock()
	conn, ok := s.conns[infuseID]
	if !ok || conn.state != connConnected {
		s.connMu.Unlock()
		return
	}
	addr := conn.addr
	conn.state = connReleasing
	s.connMu.Unlock()

	util.WithInfuseID(infuseID).Info("gateway: connection dropped")
	s.disconnectPeer(infuseID, addr)
	s.dropConn(infuseID)
	s.auditLog(audit.NewEvent(audit.EventConnectionDropped, infuseID))
	if !s.stopping() {
		s.notifyConn(bus.NotifyConnectionDropped, infuseID)
	}
}

// disconnectPeer emits the bt_disconnect RPC for addr, tolerating failure
// (the link may already be gone).
func (s *Service) disconnectPeer(infuseID uint64, addr epacket.InterfaceAddress) {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultTimeout)
	defer cancel()
	req := rpc.BtDisconnectRequest{Peer: addr}
	if _, err := s.selfRPC.Standard(ctx, rpc.CommandBtDisconnect, req.Encode()); err != nil {
		util.WithInfuseID(infuseID).WithField("error", err).Debug("gateway: bt_disconnect failed")
	}
}

// resolveAddress polls the registry for the device's Bluetooth address for
// up to connResolveTimeout (the Resolving state).
func (s *Service) resolveAddress(infuseID uint64) (epacket.InterfaceAddress, bool) {
	deadline := time.Now().Add(connResolveTimeout)
	for {
		if addr, ok := s.registry.BluetoothAddrFor(infuseID); ok {
			return addr, true
		}
		if s.stopping() || time.Now().After(deadline) {
			return epacket.InterfaceAddress{}, false
		}
		time.Sleep(connResolvePoll)
	}
}

// watchInactivity is the RX-reported-drop source: when a connection was
// created with a data inactivity timeout and no traffic from the peer has
// been observed within it, the link is treated as dropped.
func (s *Service) watchInactivity(conn *connection) {
	for !s.stopping() {
		time.Sleep(connInactivityCheck)

		s.connMu.Lock()
		current, ok := s.conns[conn.infuseID]
		if !ok || current != conn || conn.state != connConnected {
			s.connMu.Unlock()
			return
		}
		expired := time.Since(conn.lastActivity) > conn.inactivity
		s.connMu.Unlock()

		if expired {
			s.reportDrop(conn.infuseID)
			return
		}
	}
}

// touchActivity resets the inactivity watchdog for a peer we just heard
// from; called from the RX worker's delivery path.
func (s *Service) touchActivity(infuseID uint64) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if conn, ok := s.conns[infuseID]; ok && conn.state == connConnected {
		conn.lastActivity = time.Now()
	}
}

func (s *Service) dropConn(infuseID uint64) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, infuseID)
}

func (s *Service) notifyConn(t bus.NotificationType, infuseID uint64) {
	if err := s.bus.Broadcast(bus.ConnectionNotification(t, infuseID)); err != nil {
		util.WithField("error", err).Warn("gateway: broadcasting connection notification failed")
	}
}

// ConnectionState reports the current lifecycle state for a peer, mainly
// for tests and diagnostics; absent peers are "idle".
func (s *Service) ConnectionState(infuseID uint64) string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if conn, ok := s.conns[infuseID]; ok {
		return conn.state.String()
	}
	return connState(0).String()
}
