package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/infuse-iot/gateway/pkg/epacket"
)

// Command IDs the gateway synthesizes itself.
const (
	CommandSecurityState   uint16 = 30000
	CommandBtConnectInfuse uint16 = 50
	CommandBtDisconnect    uint16 = 51
)

// SecurityStateRequest carries a random 16-byte challenge the device signs
// back over a secondary derived key.
type SecurityStateRequest struct {
	Challenge [16]byte
}

func (r SecurityStateRequest) Encode() []byte { return r.Challenge[:] }

// SecurityStateResponse is the plaintext header portion of a security_state
// response: the device's claimed public keys, network id, and challenge
// response type, followed by an encrypted challenge-response block this
// package does not interpret (that half lives in
// pkg/registry.VerifyChallenge, which takes the raw header and encrypted
// bytes directly — the full header is the AEAD associated data).
type SecurityStateResponse struct {
	CloudPublicKey        [32]byte
	DevicePublicKey       [32]byte
	NetworkID             uint32
	ChallengeResponseType uint8
	RawHeader             []byte // all fixed header bytes, kept for AEAD AD
	EncryptedBlock        []byte // nonce(12) || ciphertext || tag(16)
}

// DecodeSecurityStateResponse parses a security_state RPC_RSP body.
func DecodeSecurityStateResponse(body []byte) (SecurityStateResponse, error) {
	const fixedLen = 32 + 32 + 4 + 1
	if len(body) < fixedLen {
		return SecurityStateResponse{}, fmt.Errorf("rpc: short security_state response (%d bytes)", len(body))
	}
	var resp SecurityStateResponse
	copy(resp.CloudPublicKey[:], body[0:32])
	copy(resp.DevicePublicKey[:], body[32:64])
	resp.NetworkID = binary.LittleEndian.Uint32(body[64:68])
	resp.ChallengeResponseType = body[68]
	resp.RawHeader = body[:fixedLen]
	resp.EncryptedBlock = body[fixedLen:]
	return resp, nil
}

// BtConnectCharacteristic is a subscription bitmask bit.
type BtConnectCharacteristic uint8

const (
	BtCharacteristicCommand BtConnectCharacteristic = 1 << iota
	BtCharacteristicData
)

// BtConnectRequest models bt_connect_infuse's request struct in full.
type BtConnectRequest struct {
	Peer                epacket.InterfaceAddress
	ConnTimeoutMS       uint16
	Subscribe           BtConnectCharacteristic
	InactivityTimeoutMS uint16
}

// Encode packs the request as bt_connect_infuse's C struct: addr kind(u8) +
// 6-byte address, conn_timeout_ms(u16), subscribe(u8), inactivity_timeout_ms(u16).
func (r BtConnectRequest) Encode() []byte {
	addr := r.Peer.Marshal() // 7 bytes: kind(u8) + 6-byte little-endian value
	b := make([]byte, 7+2+1+2)
	copy(b[0:7], addr)
	binary.LittleEndian.PutUint16(b[7:9], r.ConnTimeoutMS)
	b[9] = byte(r.Subscribe)
	binary.LittleEndian.PutUint16(b[10:12], r.InactivityTimeoutMS)
	return b
}

// BtDisconnectRequest models bt_disconnect's request struct: just the peer
// address. The response body is empty.
type BtDisconnectRequest struct {
	Peer epacket.InterfaceAddress
}

// Encode packs the request as bt_disconnect's C struct: addr kind(u8) +
// 6-byte address.
func (r BtDisconnectRequest) Encode() []byte {
	return r.Peer.Marshal()
}

// BtConnectResponse is bt_connect_infuse's response struct: the peer's
// public keys and network id, used to seed the device's registry record
// without a separate security_state round trip.
type BtConnectResponse struct {
	CloudPublicKey  [32]byte
	DevicePublicKey [32]byte
	NetworkID       uint32
}

// DecodeBtConnectResponse parses a bt_connect_infuse RPC_RSP body.
func DecodeBtConnectResponse(body []byte) (BtConnectResponse, error) {
	const wantLen = 32 + 32 + 4
	if len(body) < wantLen {
		return BtConnectResponse{}, fmt.Errorf("rpc: short bt_connect_infuse response (%d bytes)", len(body))
	}
	var resp BtConnectResponse
	copy(resp.CloudPublicKey[:], body[0:32])
	copy(resp.DevicePublicKey[:], body[32:64])
	resp.NetworkID = binary.LittleEndian.Uint32(body[64:68])
	return resp, nil
}
