package registry

import (
	"bytes"
	"testing"

	"github.com/infuse-iot/gateway/pkg/epacket"
)

// The hash-field codec is exercised without a Redis server; the
// SaveDevice/LoadDevices halves share it.
func TestDeviceFromFieldsRoundTrip(t *testing.T) {
	vals := map[string]string{
		"infuse_id":         "1234605616436508552", // 0x1122334455667788
		"network_id":        "7",
		"device_key_id":     "11259375", // 0xABCDEF
		"bt_kind":           "1",
		"bt_value":          "112233445566",
		"cloud_public_key":  "Y2xvdWQta2V5LWJ5dGVz",
		"device_public_key": "ZGV2aWNlLWtleS1ieXRlcw==",
		"shared_secret":     "c2hhcmVkLXNlY3JldA==",
	}

	d, err := deviceFromFields(vals)
	if err != nil {
		t.Fatalf("deviceFromFields: %v", err)
	}
	if d.InfuseID != 0x1122334455667788 {
		t.Errorf("InfuseID = %x", d.InfuseID)
	}
	if d.NetworkID == nil || *d.NetworkID != 7 {
		t.Errorf("NetworkID = %v", d.NetworkID)
	}
	if d.DeviceKeyID == nil || *d.DeviceKeyID != 0xABCDEF {
		t.Errorf("DeviceKeyID = %v", d.DeviceKeyID)
	}
	if !d.HasBluetoothAddr || d.BluetoothAddr.Kind != epacket.BluetoothAddrRandom || d.BluetoothAddr.Value != 112233445566 {
		t.Errorf("BluetoothAddr = %+v", d.BluetoothAddr)
	}
	if !bytes.Equal(d.CloudPublicKey, []byte("cloud-key-bytes")) {
		t.Errorf("CloudPublicKey = %q", d.CloudPublicKey)
	}
	if !bytes.Equal(d.DevicePublicKey, []byte("device-key-bytes")) {
		t.Errorf("DevicePublicKey = %q", d.DevicePublicKey)
	}
	if !bytes.Equal(d.SharedSecret, []byte("shared-secret")) {
		t.Errorf("SharedSecret = %q", d.SharedSecret)
	}
}

func TestDeviceFromFieldsMinimal(t *testing.T) {
	d, err := deviceFromFields(map[string]string{"infuse_id": "42"})
	if err != nil {
		t.Fatalf("deviceFromFields: %v", err)
	}
	if d.InfuseID != 42 || d.NetworkID != nil || d.DeviceKeyID != nil || d.HasBluetoothAddr {
		t.Errorf("minimal device = %+v", d)
	}
}

func TestDeviceFromFieldsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"infuse_id": "not-a-number"},
		{"infuse_id": "1", "network_id": "x"},
		{"infuse_id": "1", "cloud_public_key": "!!not-base64!!"},
	}
	for i, vals := range cases {
		if _, err := deviceFromFields(vals); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
