// Package rpc implements the gateway's internal RPC client: framed
// request/response/stream commands carried as ePacket RPC_CMD/RPC_DATA/
// RPC_DATA_ACK/RPC_RSP payloads. It is used by pkg/gateway
// to synthesize self-originated commands (security_state, bt_connect_infuse)
// against a device; it is not exposed over the IPC bus.
package rpc

import (
	"encoding/binary"
	"fmt"
)

// Header sizes, little-endian packed.
const (
	requestHeaderSize  = 4 + 2     // request_id(u32) + command_id(u16)
	responseHeaderSize = 4 + 2 + 2 // request_id(u32) + command_id(u16) + return_code(i16)
	dataHeaderSize     = 4 + 4     // request_id(u32) + offset(u32)
)

// ExpectedSizeStream is the expected-size sentinel signaling a data-recv
// stream of unknown total length.
const ExpectedSizeStream uint32 = 0xFFFFFFFF

// requestHeader precedes a command-specific request struct in an RPC_CMD
// payload.
type requestHeader struct {
	RequestID uint32
	CommandID uint16
}

func (h requestHeader) encode() []byte {
	b := make([]byte, requestHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.RequestID)
	binary.LittleEndian.PutUint16(b[4:6], h.CommandID)
	return b
}

func decodeRequestHeader(b []byte) (requestHeader, error) {
	if len(b) < requestHeaderSize {
		return requestHeader{}, fmt.Errorf("rpc: short request header (%d bytes)", len(b))
	}
	return requestHeader{
		RequestID: binary.LittleEndian.Uint32(b[0:4]),
		CommandID: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// responseHeader precedes a command-specific response struct in an RPC_RSP
// payload.
type responseHeader struct {
	RequestID  uint32
	CommandID  uint16
	ReturnCode int16
}

func decodeResponseHeader(b []byte) (responseHeader, error) {
	if len(b) < responseHeaderSize {
		return responseHeader{}, fmt.Errorf("rpc: short response header (%d bytes)", len(b))
	}
	return responseHeader{
		RequestID:  binary.LittleEndian.Uint32(b[0:4]),
		CommandID:  binary.LittleEndian.Uint16(b[4:6]),
		ReturnCode: int16(binary.LittleEndian.Uint16(b[6:8])),
	}, nil
}

// dataHeader precedes both RPC_DATA and RPC_DATA_ACK payload fragments.
type dataHeader struct {
	RequestID uint32
	Offset    uint32
}

func (h dataHeader) encode() []byte {
	b := make([]byte, dataHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.RequestID)
	binary.LittleEndian.PutUint32(b[4:8], h.Offset)
	return b
}

func decodeDataHeader(b []byte) (dataHeader, error) {
	if len(b) < dataHeaderSize {
		return dataHeader{}, fmt.Errorf("rpc: short data header (%d bytes)", len(b))
	}
	return dataHeader{
		RequestID: binary.LittleEndian.Uint32(b[0:4]),
		Offset:    binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// dataSendHeader is appended to a data-send command's request struct,
// declaring the upload size and ack cadence.
type dataSendHeader struct {
	TotalBytes uint32
	AckPeriod  uint16
}

func (h dataSendHeader) encode() []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint32(b[0:4], h.TotalBytes)
	binary.LittleEndian.PutUint16(b[4:6], h.AckPeriod)
	return b
}

// dataRecvHeader is appended to a data-recv command's request struct,
// declaring the expected-size sentinel.
type dataRecvHeader struct {
	ExpectedSize uint32
}

func (h dataRecvHeader) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, h.ExpectedSize)
	return b
}
