package registry

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// rootKind distinguishes the two key derivation chains.
type rootKind uint8

const (
	rootNetwork rootKind = iota
	rootDevice
)

// cacheKey is the composite cache key: (root identity, interface label,
// time index). Network keys are keyed by network_id; device keys by infuse
// ID, since this implementation stores exactly one shared_secret per
// device record (equivalent to keying on the device/cloud public key pair,
// since DeviceKeyID is derived from — and validated against — that pair).
type cacheKey struct {
	kind  rootKind
	id    uint64
	label string
	idx   uint32
}

// deriveKey computes HKDF-SHA256(ikm=root, salt=u32_le(timeIdx), info=label, L=32).
func deriveKey(root []byte, timeIdx uint32, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, root, timeIdxSalt(timeIdx), []byte(label))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("registry: hkdf derive: %w", err)
	}
	return out, nil
}

// NetworkKey returns the per-interface, per-day network key for infuseID,
// deriving and caching it on first use. Returns ErrUnknownNetwork if no
// network id has been observed for the device, or no root key is
// configured for that network id.
func (r *Registry) NetworkKey(infuseID uint64, label string, gpsTime uint32) ([]byte, error) {
	r.mu.Lock()
	d, ok := r.devices[infuseID]
	if !ok || d.NetworkID == nil {
		r.mu.Unlock()
		return nil, ErrUnknownNetwork
	}
	networkID := *d.NetworkID
	root, ok := r.networkRootKeys[networkID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownNetwork
	}
	timeIdx := TimeIndex(gpsTime)
	key := cacheKey{kind: rootNetwork, id: uint64(networkID), label: label, idx: timeIdx}
	if cached, ok := r.keyCache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	derived, err := deriveKey(root, timeIdx, label)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.keyCache[key] = derived
	r.mu.Unlock()
	return derived, nil
}

// DeviceKey returns the per-interface, per-day device key for infuseID,
// rooted in the device's shared secret. Returns ErrUnknownDeviceKey if no
// shared secret has been recorded yet (i.e. no handshake has completed).
func (r *Registry) DeviceKey(infuseID uint64, label string, gpsTime uint32) ([]byte, error) {
	r.mu.Lock()
	d, ok := r.devices[infuseID]
	if !ok || d.SharedSecret == nil {
		r.mu.Unlock()
		return nil, ErrUnknownDeviceKey
	}
	root := d.SharedSecret
	timeIdx := TimeIndex(gpsTime)
	key := cacheKey{kind: rootDevice, id: infuseID, label: label, idx: timeIdx}
	if cached, ok := r.keyCache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	derived, err := deriveKey(root, timeIdx, label)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.keyCache[key] = derived
	r.mu.Unlock()
	return derived, nil
}

// NetworkIDFor returns the network id recorded for infuseID, if any.
func (r *Registry) NetworkIDFor(infuseID uint64) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[infuseID]
	if !ok || d.NetworkID == nil {
		return 0, false
	}
	return *d.NetworkID, true
}

// DeviceKeyIDFor returns the device key id recorded for infuseID, if any.
func (r *Registry) DeviceKeyIDFor(infuseID uint64) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[infuseID]
	if !ok || d.DeviceKeyID == nil {
		return 0, false
	}
	return *d.DeviceKeyID, true
}
