package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/infuse-iot/gateway/pkg/epacket"
)

// RedisSnapshotter is a Snapshotter backed by Redis, giving the registry
// durability across gateway restarts. Each device is
// stored as a hash at "infuse:device:<id>"; binary fields are base64-encoded
// since Redis hash values are strings.
type RedisSnapshotter struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisSnapshotter connects to a Redis instance at addr, selecting db for
// the registry's keyspace.
func NewRedisSnapshotter(addr string, db int) *RedisSnapshotter {
	return &RedisSnapshotter{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		ctx: context.Background(),
	}
}

// Close closes the underlying Redis connection.
func (s *RedisSnapshotter) Close() error {
	return s.client.Close()
}

func deviceKey(infuseID uint64) string {
	return fmt.Sprintf("infuse:device:%d", infuseID)
}

// SaveDevice writes d's fields as a Redis hash, overwriting any prior entry.
func (s *RedisSnapshotter) SaveDevice(d *Device) error {
	fields := map[string]interface{}{
		"infuse_id": strconv.FormatUint(d.InfuseID, 10),
	}
	if d.NetworkID != nil {
		fields["network_id"] = strconv.FormatUint(uint64(*d.NetworkID), 10)
	}
	if d.DeviceKeyID != nil {
		fields["device_key_id"] = strconv.FormatUint(uint64(*d.DeviceKeyID), 10)
	}
	if d.HasBluetoothAddr {
		fields["bt_kind"] = strconv.Itoa(int(d.BluetoothAddr.Kind))
		fields["bt_value"] = strconv.FormatUint(d.BluetoothAddr.Value, 10)
	}
	if d.CloudPublicKey != nil {
		fields["cloud_public_key"] = base64.StdEncoding.EncodeToString(d.CloudPublicKey)
	}
	if d.DevicePublicKey != nil {
		fields["device_public_key"] = base64.StdEncoding.EncodeToString(d.DevicePublicKey)
	}
	if d.SharedSecret != nil {
		fields["shared_secret"] = base64.StdEncoding.EncodeToString(d.SharedSecret)
	}

	key := deviceKey(d.InfuseID)
	if err := s.client.HSet(s.ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("registry: redis hset %s: %w", key, err)
	}
	return nil
}

// LoadDevices scans all "infuse:device:*" hashes and reconstructs the
// device records they hold.
func (s *RedisSnapshotter) LoadDevices() ([]*Device, error) {
	var devices []*Device

	iter := s.client.Scan(s.ctx, 0, "infuse:device:*", 0).Iterator()
	for iter.Next(s.ctx) {
		key := iter.Val()
		vals, err := s.client.HGetAll(s.ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: redis hgetall %s: %w", key, err)
		}
		if len(vals) == 0 {
			continue
		}
		d, err := deviceFromFields(vals)
		if err != nil {
			return nil, fmt.Errorf("registry: decoding %s: %w", key, err)
		}
		devices = append(devices, d)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: redis scan: %w", err)
	}
	return devices, nil
}

func deviceFromFields(vals map[string]string) (*Device, error) {
	infuseID, err := strconv.ParseUint(vals["infuse_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("infuse_id: %w", err)
	}
	d := &Device{InfuseID: infuseID}

	if v, ok := vals["network_id"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("network_id: %w", err)
		}
		id := uint32(n)
		d.NetworkID = &id
	}
	if v, ok := vals["device_key_id"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("device_key_id: %w", err)
		}
		id := uint32(n)
		d.DeviceKeyID = &id
	}
	if kindStr, ok := vals["bt_kind"]; ok {
		kind, err := strconv.Atoi(kindStr)
		if err != nil {
			return nil, fmt.Errorf("bt_kind: %w", err)
		}
		value, err := strconv.ParseUint(vals["bt_value"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bt_value: %w", err)
		}
		d.BluetoothAddr.Kind = bluetoothAddrKindFrom(kind)
		d.BluetoothAddr.Value = value
		d.BluetoothAddr.IsBluetooth = true
		d.HasBluetoothAddr = true
	}
	if v, ok := vals["cloud_public_key"]; ok {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("cloud_public_key: %w", err)
		}
		d.CloudPublicKey = b
	}
	if v, ok := vals["device_public_key"]; ok {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("device_public_key: %w", err)
		}
		d.DevicePublicKey = b
	}
	if v, ok := vals["shared_secret"]; ok {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("shared_secret: %w", err)
		}
		d.SharedSecret = b
	}
	return d, nil
}

func bluetoothAddrKindFrom(kind int) epacket.BluetoothAddrKind {
	if kind == int(epacket.BluetoothAddrRandom) {
		return epacket.BluetoothAddrRandom
	}
	return epacket.BluetoothAddrPublic
}
