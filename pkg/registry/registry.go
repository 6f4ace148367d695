// Package registry implements the device registry and per-interface key
// derivation: per-device state (interface addresses, key ids, public keys,
// shared secrets) and HKDF-derived, per-interface, per-day keys rooted in
// either a network master key or a device-cloud shared secret.
//
// The registry is a single value explicitly owned by the gateway service
// and passed by reference to its workers; all registry operations are
// serialized behind one mutex.
package registry

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/infuse-iot/gateway/pkg/epacket"
	"github.com/infuse-iot/gateway/pkg/util"
)

// Device is the per-infuse-ID record held by the registry.
type Device struct {
	InfuseID uint64

	NetworkID   *uint32
	DeviceKeyID *uint32 // 24-bit CRC of cloud_pub||device_pub

	BluetoothAddr    epacket.InterfaceAddress
	HasBluetoothAddr bool

	CloudPublicKey  []byte
	DevicePublicKey []byte
	SharedSecret    []byte

	gattSeq uint16
}

// HasPublicKey reports whether a device public key has been recorded.
func (d *Device) HasPublicKey() bool {
	return d != nil && d.DevicePublicKey != nil
}

// Registry holds all device and key state for a running gateway.
type Registry struct {
	mu sync.Mutex

	devices map[uint64]*Device
	// btIndex maps a packed bluetooth address (kind<<48|value) to infuse ID.
	btIndex map[uint64]uint64

	networkRootKeys map[uint32][]byte // production keys loaded from config
	keyCache        map[cacheKey][]byte

	localGatewayID  uint64
	localGatewaySet bool

	store Snapshotter // optional durable backing store

	secretFetcher SharedSecretFetcher // optional out-of-band shared secret collaborator
}

// Snapshotter persists and restores device registry state across gateway
// restarts. It is optional; a nil Snapshotter (the default) means records
// live in memory for the process lifetime only.
type Snapshotter interface {
	SaveDevice(d *Device) error
	LoadDevices() ([]*Device, error)
}

// Option configures a new Registry.
type Option func(*Registry)

// WithNetworkKey registers a network root key for the given network id.
// Production keys must come from configuration (pkg/config), never from a
// constant table compiled into the binary.
func WithNetworkKey(networkID uint32, rootKey []byte) Option {
	return func(r *Registry) {
		key := make([]byte, len(rootKey))
		copy(key, rootKey)
		r.networkRootKeys[networkID] = key
	}
}

// WithSnapshotter attaches a durable backing store and preloads any devices
// it already holds.
func WithSnapshotter(s Snapshotter) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		devices:         make(map[uint64]*Device),
		btIndex:         make(map[uint64]uint64),
		networkRootKeys: make(map[uint32][]byte),
		keyCache:        make(map[cacheKey][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		if devices, err := r.store.LoadDevices(); err == nil {
			for _, d := range devices {
				r.devices[d.InfuseID] = d
				if d.HasBluetoothAddr {
					r.btIndex[btIndexKey(d.BluetoothAddr)] = d.InfuseID
				}
			}
		} else {
			util.WithField("error", err).Warn("registry: snapshot load failed")
		}
	}
	return r
}

func btIndexKey(a epacket.InterfaceAddress) uint64 {
	return uint64(a.Kind)<<48 | a.Value
}

func (r *Registry) getOrCreateLocked(infuseID uint64) *Device {
	d, ok := r.devices[infuseID]
	if !ok {
		d = &Device{InfuseID: infuseID}
		r.devices[infuseID] = d
	}
	return d
}

// Observe updates device state based on an observed frame: it creates the
// record on first sight, and lazily fills in the network id, device key id,
// and Bluetooth address fields. Observing a device_key_id that differs from
// a previously recorded one is a fatal error for that record
// (ErrDeviceKeyChanged).
func (r *Registry) Observe(infuseID uint64, networkID *uint32, deviceKeyID *uint32, btAddr *epacket.InterfaceAddress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.getOrCreateLocked(infuseID)

	if networkID != nil {
		id := *networkID
		d.NetworkID = &id
	}
	if deviceKeyID != nil {
		if d.DeviceKeyID != nil && *d.DeviceKeyID != *deviceKeyID {
			util.WithField("infuse_id", infuseID).
				WithField("prior_key_id", *d.DeviceKeyID).
				WithField("observed_key_id", *deviceKeyID).
				Error("registry: device key changed")
			return ErrDeviceKeyChanged
		}
		id := *deviceKeyID
		d.DeviceKeyID = &id
	}
	if btAddr != nil {
		d.BluetoothAddr = *btAddr
		d.HasBluetoothAddr = true
		r.btIndex[btIndexKey(*btAddr)] = infuseID
	}

	if r.store != nil {
		if err := r.store.SaveDevice(d); err != nil {
			util.WithField("error", err).Debug("registry: snapshot save failed")
		}
	}
	return nil
}

// ObserveHeader implements epacket.KeyLookup's pre-lookup observation: the
// header's key_metadata field carries network_id under NETWORK auth and
// device_key_id under DEVICE auth, so every parsed header
// teaches the registry before its key is resolved.
func (r *Registry) ObserveHeader(infuseID uint64, auth epacket.Auth, keyMetadata uint32) error {
	if auth == epacket.AuthNetwork {
		id := keyMetadata
		return r.Observe(infuseID, &id, nil, nil)
	}
	id := keyMetadata
	return r.Observe(infuseID, nil, &id, nil)
}

// InfuseIDForBluetooth resolves a Bluetooth LE address to a previously
// observed infuse ID.
func (r *Registry) InfuseIDForBluetooth(addr epacket.InterfaceAddress) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.btIndex[btIndexKey(addr)]
	return id, ok
}

// BluetoothAddrFor returns the Bluetooth LE address recorded for infuseID,
// if one has been observed.
func (r *Registry) BluetoothAddrFor(infuseID uint64) (epacket.InterfaceAddress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[infuseID]
	if !ok || !d.HasBluetoothAddr {
		return epacket.InterfaceAddress{}, false
	}
	return d.BluetoothAddr, true
}

// HasPublicKey reports whether the device's public key has been recorded
// (i.e. a handshake has completed).
func (r *Registry) HasPublicKey(infuseID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[infuseID]
	return ok && d.HasPublicKey()
}

// NextGattSeq returns the next value of the per-device, transmit-side GATT
// sequence counter, incrementing it.
func (r *Registry) NextGattSeq(infuseID uint64) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.getOrCreateLocked(infuseID)
	seq := d.gattSeq
	d.gattSeq++
	return seq
}

// LocalGatewayID returns the infuse ID learned for the local gateway device,
// and whether it has been learned yet.
func (r *Registry) LocalGatewayID() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localGatewayID, r.localGatewaySet
}

// SetLocalGatewayID records the local gateway's infuse ID the first time it
// is observed. Subsequent calls are no-ops.
func (r *Registry) SetLocalGatewayID(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.localGatewaySet {
		r.localGatewayID = id
		r.localGatewaySet = true
	}
}

// DeviceKeyIDForKeys computes the 24-bit device key identifier as
// crc32(cloud_pub||device_pub) & 0x00FFFFFF. Older device firmware may
// emit the reversed concatenation order; cloud-then-device matches what
// current firmware sends in its security_state response.
func DeviceKeyIDForKeys(cloudPub, devicePub []byte) uint32 {
	return crc32.ChecksumIEEE(append(append([]byte{}, cloudPub...), devicePub...)) & 0x00FFFFFF
}

// TimeIndex converts a GPS-epoch second count into the daily key-rotation
// bucket used by HKDF derivation: gps_time / 86400.
func TimeIndex(gpsTime uint32) uint32 {
	return gpsTime / 86400
}

// timeIdxSalt returns the little-endian u32 HKDF salt for a time index.
func timeIdxSalt(timeIdx uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, timeIdx)
	return b
}
