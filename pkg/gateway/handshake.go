package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/infuse-iot/gateway/pkg/audit"
	"github.com/infuse-iot/gateway/pkg/registry"
	"github.com/infuse-iot/gateway/pkg/rpc"
	"github.com/infuse-iot/gateway/pkg/util"
)

// handshakeTimeout bounds a synthesized security_state round trip, matching
// the RPC client's default response wait.
const handshakeTimeout = 10 * time.Second

// hsFlight is one in-flight handshake; followers park on done and read err
// afterwards.
type hsFlight struct {
	done chan struct{}
	err  error
}

// handshakes tracks in-flight handshake synthesis so concurrent callers for
// the same device share one RPC instead of racing (single-flight).
type handshakes struct {
	mu       sync.Mutex
	inFlight map[uint64]*hsFlight
}

func (h *handshakes) begin(infuseID uint64) (*hsFlight, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight == nil {
		h.inFlight = make(map[uint64]*hsFlight)
	}
	if f, ok := h.inFlight[infuseID]; ok {
		return f, false
	}
	f := &hsFlight{done: make(chan struct{})}
	h.inFlight[infuseID] = f
	return f, true
}

func (h *handshakes) finish(infuseID uint64, f *hsFlight, err error) {
	h.mu.Lock()
	delete(h.inFlight, infuseID)
	h.mu.Unlock()
	f.err = err
	close(f.done)
}

// synthesizeHandshake performs the security_state exchange for infuseID:
// it sends the RPC with a fresh 16-byte challenge, records the returned
// public keys and network id in the registry (which fetches the shared
// secret out-of-band), and — when a cloud private key is configured —
// verifies the device's identity challenge response.
func (s *Service) synthesizeHandshake(ctx context.Context, infuseID uint64) error {
	f, leader := s.handshakes.begin(infuseID)
	if !leader {
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := s.runHandshake(ctx, infuseID)
	s.handshakes.finish(infuseID, f, err)
	if err != nil {
		s.auditLog(audit.NewEvent(audit.EventHandshakeFailed, infuseID).WithError(err))
	} else {
		ev := audit.NewEvent(audit.EventHandshakeComplete, infuseID)
		if keyID, ok := s.registry.DeviceKeyIDFor(infuseID); ok {
			ev.WithKeyID(keyID)
		}
		if netID, ok := s.registry.NetworkIDFor(infuseID); ok {
			ev.WithNetworkID(netID)
		}
		s.auditLog(ev)
	}
	return err
}

func (s *Service) runHandshake(ctx context.Context, infuseID uint64) error {
	var req rpc.SecurityStateRequest
	if _, err := rand.Read(req.Challenge[:]); err != nil {
		return fmt.Errorf("gateway: generating handshake challenge: %w", err)
	}

	body, err := s.selfRPC.Standard(ctx, rpc.CommandSecurityState, req.Encode())
	if err != nil {
		return fmt.Errorf("gateway: security_state rpc: %w", err)
	}
	resp, err := rpc.DecodeSecurityStateResponse(body)
	if err != nil {
		return err
	}

	if s.cloudPrivateKey != nil {
		_, claimedID, err := registry.VerifyChallenge(
			s.cloudPrivateKey,
			resp.DevicePublicKey[:],
			resp.RawHeader,
			resp.EncryptedBlock,
			req.Challenge[:],
		)
		if err != nil {
			return fmt.Errorf("gateway: device %016x identity check: %w", infuseID, err)
		}
		util.WithInfuseID(claimedID).Debug("gateway: device identity verified")
	}

	if err := s.registry.RecordHandshake(ctx, infuseID, resp.CloudPublicKey[:], resp.DevicePublicKey[:], resp.NetworkID); err != nil {
		return err
	}
	util.WithInfuseID(infuseID).Info("gateway: handshake complete")
	return nil
}
