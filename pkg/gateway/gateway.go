// Package gateway implements the gateway routing service: a long-running
// process holding a transport (serial or RTT), the device registry, the
// local IPC bus, and an internal RPC originator used to synthesize
// handshake and Bluetooth-connect commands on demand.
//
// Two worker goroutines cooperate over the shared registry and transport:
// RX drains the transport and broadcasts decoded packets; TX drains bus
// requests and writes encoded packets. The registry is a single value
// owned here and passed by reference to both workers; the
// registry's own mutex serializes state access, and a dedicated write
// mutex serializes transport writes.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/infuse-iot/gateway/pkg/audit"
	"github.com/infuse-iot/gateway/pkg/bus"
	"github.com/infuse-iot/gateway/pkg/epacket"
	"github.com/infuse-iot/gateway/pkg/registry"
	"github.com/infuse-iot/gateway/pkg/rpc"
	"github.com/infuse-iot/gateway/pkg/transport"
	"github.com/infuse-iot/gateway/pkg/util"
)

// ReadChunkBytes bounds a single transport read; the reconstructor is fed
// byte-by-byte
// regardless of how many arrive per read.
const ReadChunkBytes = 256

// TransportPollInterval is how often the RX worker retries a transport read
// that returned zero bytes (e.g. a serial read timeout) while checking the
// stop signal.
const TransportPollInterval = 50 * time.Millisecond

// Service is the running gateway process.
type Service struct {
	transport transport.Transport
	registry  *registry.Registry
	bus       *bus.Server

	writeMu sync.Mutex

	seqMu  sync.Mutex
	seqCtr map[epacket.Interface]uint16

	selfRoute []epacket.HopOutput
	selfRPC   *rpc.Client

	connMu sync.Mutex
	conns  map[uint64]*connection

	handshakes handshakes

	stopCh chan struct{}
	wg     sync.WaitGroup

	secretFetcher   registry.SharedSecretFetcher
	cloudPrivateKey []byte
	connInactivity  time.Duration
	audit           audit.Logger
}

// Option configures a new Service.
type Option func(*Service)

// WithSharedSecretFetcher attaches the out-of-band shared-secret
// collaborator used when completing a security_state handshake.
func WithSharedSecretFetcher(f registry.SharedSecretFetcher) Option {
	return func(s *Service) { s.secretFetcher = f }
}

// WithCloudPrivateKey supplies the operator's X25519 private key, enabling
// identity-challenge verification of security_state responses
// (registry.VerifyChallenge). Without it, handshakes still complete but the
// device's claimed identity is not cryptographically confirmed.
func WithCloudPrivateKey(key []byte) Option {
	return func(s *Service) { s.cloudPrivateKey = key }
}

// WithAuditLogger records security-relevant gateway events (handshakes, key
// conflicts, connection lifecycle) to a durable audit trail.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithConnectionInactivity asks downstream Bluetooth peers to drop the link
// after the given idle period, and arms the gateway's matching watchdog that
// broadcasts CONNECTION_DROPPED when no traffic from the peer arrives within
// it. Zero (the default) disables both.
func WithConnectionInactivity(d time.Duration) Option {
	return func(s *Service) { s.connInactivity = d }
}

// New builds a gateway Service over a transport, registry, and bus server.
// A shared-secret fetcher given via WithSharedSecretFetcher is installed
// into the registry so RecordHandshake can complete the device-key half of
// a handshake.
func New(t transport.Transport, reg *registry.Registry, b *bus.Server, opts ...Option) *Service {
	s := &Service{
		transport: t,
		registry:  reg,
		bus:       b,
		seqCtr:    make(map[epacket.Interface]uint16),
		conns:     make(map[uint64]*connection),
		stopCh:    make(chan struct{}),
		selfRoute: []epacket.HopOutput{epacket.LocalSerialHop(epacket.AuthNetwork)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.secretFetcher != nil {
		reg.SetSharedSecretFetcher(s.secretFetcher)
	}
	s.selfRPC = rpc.NewClient(senderFunc(s.sendEncoded), s.selfRoute, epacket.AuthNetwork)
	return s
}

// senderFunc adapts a plain function to rpc.Sender.
type senderFunc func(epacket.PacketOutput) error

func (f senderFunc) Send(pkt epacket.PacketOutput) error { return f(pkt) }

// Start launches the RX and TX worker goroutines. It returns immediately;
// call Stop to shut the service down.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.rxLoop()
	go s.txLoop()
}

// Stop signals both workers to exit and waits for them to finish their
// current iteration.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// auditLog records ev when an audit trail is configured.
func (s *Service) auditLog(ev *audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ev); err != nil {
		util.WithField("error", err).Warn("gateway: audit log write failed")
	}
}

// entropy supplies the header's entropy field for outgoing frames.
func (s *Service) entropy() uint16 {
	return uint16(rand.Uint32())
}

// nextSequence returns the next outgoing sequence number; the counter is
// per sender interface.
func (s *Service) nextSequence(iface epacket.Interface) uint16 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	v := s.seqCtr[iface]
	s.seqCtr[iface]++
	return v
}

// sendEncoded encodes and writes a single-hop outgoing packet, serializing
// the transport write. The LocalGatewayID sentinel in the hop is rewritten
// to the gateway address learned from the first serial frame; sending
// before the address is known fails. key_metadata (network_id or
// device_key_id) is resolved from the registry when known, left zero
// otherwise.
func (s *Service) sendEncoded(pkt epacket.PacketOutput) error {
	if len(pkt.Route) != 1 {
		return errMultiHopOutgoing
	}
	hop := pkt.Route[0]
	if hop.InfuseID == epacket.LocalGatewayID {
		addr, ok := s.registry.LocalGatewayID()
		if !ok {
			return errGatewayAddrUnknown
		}
		hop.InfuseID = addr
		pkt.Route = []epacket.HopOutput{hop}
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

	raw, err := epacket.Encode(pkt, s.registry, epacket.EncodeParams{
		Sequence:    s.nextSequence(hop.Interface),
		Entropy:     s.entropy(),
		KeyMetadata: keyMeta,
		NowUnix:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Write(raw)
}

// ensureDeviceKey synchronously synthesizes a security_state handshake for
// infuseID if the registry has no device public key recorded for it yet (no
// handshake has completed), blocking the caller until it completes or ctx
// expires. A recorded public key without a fetched shared secret does not
// trigger a new handshake.
func (s *Service) ensureDeviceKey(ctx context.Context, infuseID uint64) error {
	if s.registry.HasPublicKey(infuseID) {
		return nil
	}
	return s.synthesizeHandshake(ctx, infuseID)
}

var (
	errMultiHopOutgoing   = errors.New("gateway: outgoing route must have exactly one hop")
	errGatewayAddrUnknown = errors.New("gateway: gateway address unknown (no serial frame observed yet)")
)
