package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SharedSecretFetcher is the contract the registry uses to obtain a
// device's shared secret out-of-band from the cloud, given the device's
// public key. The registry treats the implementation as an opaque
// collaborator; cmd/infuse-gateway supplies the HTTP one.
type SharedSecretFetcher interface {
	FetchSharedSecret(ctx context.Context, devicePublicKey []byte) ([]byte, error)
}

// WithSharedSecretFetcher attaches the out-of-band shared-secret collaborator.
func WithSharedSecretFetcher(f SharedSecretFetcher) Option {
	return func(r *Registry) {
		r.secretFetcher = f
	}
}

// SetSharedSecretFetcher attaches the collaborator after construction, used
// by the gateway service when it owns the fetcher rather than the registry's
// builder.
func (r *Registry) SetSharedSecretFetcher(f SharedSecretFetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secretFetcher = f
}

// RecordHandshake updates device state based on a completed security_state
// RPC response: it computes the 24-bit device key id, records the
// cloud/device public keys and network id, and fetches the shared secret
// used to derive device keys. DeviceKeyIDForKeys documents the CRC
// concatenation order.
func (r *Registry) RecordHandshake(ctx context.Context, infuseID uint64, cloudPub, devicePub []byte, networkID uint32) error {
	keyID := DeviceKeyIDForKeys(cloudPub, devicePub)

	r.mu.Lock()
	d := r.getOrCreateLocked(infuseID)
	if d.DeviceKeyID != nil && *d.DeviceKeyID != keyID {
		r.mu.Unlock()
		return ErrDeviceKeyChanged
	}
	d.DeviceKeyID = &keyID
	d.NetworkID = &networkID
	d.CloudPublicKey = append([]byte{}, cloudPub...)
	d.DevicePublicKey = append([]byte{}, devicePub...)
	fetcher := r.secretFetcher
	r.mu.Unlock()

	if fetcher == nil {
		return fmt.Errorf("registry: no shared secret fetcher configured")
	}
	secret, err := fetcher.FetchSharedSecret(ctx, devicePub)
	if err != nil {
		return fmt.Errorf("registry: fetching shared secret: %w", err)
	}

	r.mu.Lock()
	d.SharedSecret = secret
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveDevice(d); err != nil {
			return fmt.Errorf("registry: saving device snapshot: %w", err)
		}
	}
	return nil
}

// signKeySalt is the fixed HKDF salt the device firmware uses for the
// identity challenge signing key.
var signKeySalt = []byte{0x34, 0x12, 0x00, 0x00} // u32_le(0x1234)

// VerifyChallenge validates a device's response to a security_state
// identity challenge.
//
// cloudPrivateKey is the operator's X25519 private key; devicePublicKey and
// header come from the security_state response header; encryptedResponse is
// the 12-byte-nonce-prefixed, tag-suffixed ChaCha20-Poly1305 ciphertext
// whose plaintext is {challenge(16) | identity(16) | device_id(u64)}.
// challenge is the 16-byte value sent in the request. It returns the
// identity secret and claimed device ID on success.
func VerifyChallenge(cloudPrivateKey, devicePublicKey, header, encryptedResponse, challenge []byte) (identity []byte, deviceID uint64, err error) {
	if len(cloudPrivateKey) != 32 || len(devicePublicKey) != 32 {
		return nil, 0, fmt.Errorf("registry: x25519 keys must be 32 bytes")
	}
	sharedSecret, err := curve25519.X25519(cloudPrivateKey, devicePublicKey)
	if err != nil {
		return nil, 0, fmt.Errorf("registry: x25519 exchange: %w", err)
	}

	reader := hkdf.New(sha256.New, sharedSecret, signKeySalt, []byte("sign"))
	signKey := make([]byte, 32)
	if _, err := io.ReadFull(reader, signKey); err != nil {
		return nil, 0, fmt.Errorf("registry: deriving sign key: %w", err)
	}

	aead, err := chacha20poly1305.New(signKey)
	if err != nil {
		return nil, 0, fmt.Errorf("registry: aead init: %w", err)
	}
	if len(encryptedResponse) < aead.NonceSize() {
		return nil, 0, fmt.Errorf("registry: encrypted response too short")
	}
	nonce := encryptedResponse[:aead.NonceSize()]
	ciphertext := encryptedResponse[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrChallengeInvalid, err)
	}
	if len(plaintext) < 16+16+8 {
		return nil, 0, fmt.Errorf("registry: challenge response short")
	}
	responseChallenge := plaintext[:16]
	identity = plaintext[16:32]
	var id uint64
	for i := 7; i >= 0; i-- {
		id = id<<8 | uint64(plaintext[32+i])
	}
	if !bytes.Equal(responseChallenge, challenge) {
		return nil, 0, ErrChallengeInvalid
	}
	return identity, id, nil
}
