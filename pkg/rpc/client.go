package rpc

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/infuse-iot/gateway/pkg/epacket"
)

// DefaultMTU bounds a single RPC_DATA fragment's payload. 384 bytes matches
// a typical BLE ATT MTU negotiated by Infuse-IoT peripherals and leaves
// headroom under the ePacket/transport frame ceiling.
const DefaultMTU = 384

// DefaultTimeout is the client's default wait for any single response.
const DefaultTimeout = 10 * time.Second

// ConnectionWaitTimeout bounds how long a connection-request waits for
// CREATED/FAILED.
const ConnectionWaitTimeout = 1 * time.Second

// Sender transmits an encoded ePacket over the owning gateway's transport.
// pkg/gateway supplies an implementation that serializes writes with the TX
// worker's single transport-write mutex.
type Sender interface {
	Send(epacket.PacketOutput) error
}

// pendingCall tracks one in-flight request_id.
type pendingCall struct {
	resp      chan responseHeader
	respBody  chan []byte
	dataAck   chan dataHeader
	data      chan dataFragment
}

type dataFragment struct {
	offset uint32
	data   []byte
}

// Client multiplexes RPC requests over a single transport/route, matching
// responses to requests by request_id.
type Client struct {
	sender Sender
	route  []epacket.HopOutput
	auth   epacket.Auth

	mu      sync.Mutex
	pending map[uint32]*pendingCall
}

// NewClient builds an RPC client that addresses route using auth for every
// command it issues.
func NewClient(sender Sender, route []epacket.HopOutput, auth epacket.Auth) *Client {
	return &Client{sender: sender, route: route, auth: auth, pending: make(map[uint32]*pendingCall)}
}

func (c *Client) register(commandID uint16) (uint32, *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id uint32
	for {
		id = rand.Uint32()
		if _, exists := c.pending[id]; !exists && id != 0 {
			break
		}
	}
	call := &pendingCall{
		resp:      make(chan responseHeader, 1),
		respBody:  make(chan []byte, 1),
		dataAck:   make(chan dataHeader, 1),
		data:      make(chan dataFragment, 64),
	}
	c.pending[id] = call
	return id, call
}

func (c *Client) unregister(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Dispatch feeds a decoded RPC_RSP/RPC_DATA/RPC_DATA_ACK packet to its
// matching in-flight call. It returns false if the packet is not one of
// those types or matches no pending request_id, signaling the caller (the
// gateway's RX worker) to handle it as an ordinary received packet instead.
func (c *Client) Dispatch(pkt epacket.PacketReceived) bool {
	switch pkt.Type {
	case epacket.TypeRPCRsp:
		hdr, err := decodeResponseHeader(pkt.Payload)
		if err != nil {
			return false
		}
		c.mu.Lock()
		call, ok := c.pending[hdr.RequestID]
		c.mu.Unlock()
		if !ok {
			return false
		}
		call.resp <- hdr
		call.respBody <- pkt.Payload[responseHeaderSize:]
		return true
	case epacket.TypeRPCData:
		hdr, err := decodeDataHeader(pkt.Payload)
		if err != nil {
			return false
		}
		c.mu.Lock()
		call, ok := c.pending[hdr.RequestID]
		c.mu.Unlock()
		if !ok {
			return false
		}
		call.data <- dataFragment{offset: hdr.Offset, data: pkt.Payload[dataHeaderSize:]}
		return true
	case epacket.TypeRPCDataAck:
		hdr, err := decodeDataHeader(pkt.Payload)
		if err != nil {
			return false
		}
		c.mu.Lock()
		call, ok := c.pending[hdr.RequestID]
		c.mu.Unlock()
		if !ok {
			return false
		}
		call.dataAck <- hdr
		return true
	default:
		return false
	}
}

// Abort terminates a pending call with ErrConnectionAborted, used when the
// gateway observes the addressed connection drop mid-RPC.
func (c *Client) Abort(requestID uint32) {
	c.mu.Lock()
	call, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case call.resp <- responseHeader{}:
	default:
	}
}

func (c *Client) send(pktType epacket.Type, payload []byte) error {
	return c.sender.Send(epacket.PacketOutput{Route: c.route, Type: pktType, Payload: payload})
}

// Standard issues a send-CMD/await-RSP command.
func (c *Client) Standard(ctx context.Context, commandID uint16, requestBody []byte) ([]byte, error) {
	id, call := c.register(commandID)
	defer c.unregister(id)

	payload := append(requestHeader{RequestID: id, CommandID: commandID}.encode(), requestBody...)
	if err := c.send(epacket.TypeRPCCmd, payload); err != nil {
		return nil, fmt.Errorf("rpc: sending command %d: %w", commandID, err)
	}

	return c.awaitResponse(ctx, call)
}

func (c *Client) awaitResponse(ctx context.Context, call *pendingCall) ([]byte, error) {
	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()
	select {
	case hdr := <-call.resp:
		if hdr.CommandID == 0 && hdr.RequestID == 0 {
			return nil, ErrConnectionAborted
		}
		body := <-call.respBody
		if hdr.ReturnCode < 0 {
			return body, &ReturnCodeError{CommandID: hdr.CommandID, ReturnCode: hdr.ReturnCode}
		}
		return body, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DataSend issues a data-send command: requestBody is the command-specific
// request struct (a dataSendHeader describing total length and ack cadence
// is appended automatically); bulk is chunked into ≤ mtu segments, acked
// every ackPeriod chunks, and the call completes when RSP arrives. mtu<=0
// selects DefaultMTU.
func (c *Client) DataSend(ctx context.Context, commandID uint16, requestBody, bulk []byte, ackPeriod, mtu int) ([]byte, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	id, call := c.register(commandID)
	defer c.unregister(id)

	header := dataSendHeader{TotalBytes: uint32(len(bulk)), AckPeriod: uint16(ackPeriod)}
	payload := append(requestHeader{RequestID: id, CommandID: commandID}.encode(), requestBody...)
	payload = append(payload, header.encode()...)
	if err := c.send(epacket.TypeRPCCmd, payload); err != nil {
		return nil, fmt.Errorf("rpc: sending data-send command %d: %w", commandID, err)
	}

	if err := c.awaitDataAck(ctx, call); err != nil {
		return nil, err
	}

	chunksSinceAck := 0
	for offset := 0; offset < len(bulk); offset += mtu {
		end := offset + mtu
		if end > len(bulk) {
			end = len(bulk)
		}
		frame := append(dataHeader{RequestID: id, Offset: uint32(offset)}.encode(), bulk[offset:end]...)
		if err := c.send(epacket.TypeRPCData, frame); err != nil {
			return nil, fmt.Errorf("rpc: sending data chunk at offset %d: %w", offset, err)
		}
		chunksSinceAck++
		if ackPeriod > 0 && chunksSinceAck == ackPeriod {
			if err := c.awaitDataAck(ctx, call); err != nil {
				return nil, err
			}
			chunksSinceAck = 0
		}
	}

	return c.awaitResponse(ctx, call)
}

func (c *Client) awaitDataAck(ctx context.Context, call *pendingCall) error {
	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()
	select {
	case <-call.dataAck:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DataRecv issues a data-recv command, accumulating DATA fragments by
// offset until RSP arrives. requestBody is the
// command-specific request struct; the expected-size sentinel is appended
// automatically.
func (c *Client) DataRecv(ctx context.Context, commandID uint16, requestBody []byte) ([]byte, error) {
	id, call := c.register(commandID)
	defer c.unregister(id)

	header := dataRecvHeader{ExpectedSize: ExpectedSizeStream}
	payload := append(requestHeader{RequestID: id, CommandID: commandID}.encode(), requestBody...)
	payload = append(payload, header.encode()...)
	if err := c.send(epacket.TypeRPCCmd, payload); err != nil {
		return nil, fmt.Errorf("rpc: sending data-recv command %d: %w", commandID, err)
	}

	var buf bytes.Buffer
	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()
	for {
		select {
		case frag := <-call.data:
			if int(frag.offset) == buf.Len() {
				buf.Write(frag.data)
			} else if int(frag.offset) < buf.Len() {
				continue // duplicate/replayed fragment
			} else {
				return nil, fmt.Errorf("rpc: out-of-order data fragment at offset %d, have %d bytes", frag.offset, buf.Len())
			}
			timer.Reset(DefaultTimeout)
		case hdr := <-call.resp:
			if hdr.CommandID == 0 && hdr.RequestID == 0 {
				return nil, ErrConnectionAborted
			}
			<-call.respBody
			// Fragments dispatched ahead of the RSP may still be queued.
			for len(call.data) > 0 {
				frag := <-call.data
				if int(frag.offset) == buf.Len() {
					buf.Write(frag.data)
				} else if int(frag.offset) > buf.Len() {
					return nil, fmt.Errorf("rpc: out-of-order data fragment at offset %d, have %d bytes", frag.offset, buf.Len())
				}
			}
			if hdr.ReturnCode < 0 {
				return buf.Bytes(), &ReturnCodeError{CommandID: hdr.CommandID, ReturnCode: hdr.ReturnCode}
			}
			return buf.Bytes(), nil
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
