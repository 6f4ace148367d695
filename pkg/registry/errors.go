package registry

import "errors"

// ErrUnknownNetwork is returned when no key material is configured for a
// network id — the gateway must elicit a gateway identity exchange (a
// "ping") before it can learn one.
var ErrUnknownNetwork = errors.New("registry: unknown network")

// ErrUnknownDeviceKey is returned when a device-authenticated frame arrives
// for an infuse ID with no shared secret on file yet. The gateway must
// synthesize a security_state handshake and retry.
var ErrUnknownDeviceKey = errors.New("registry: unknown device key")

// ErrDeviceKeyChanged is a fatal error for the affected device record: the
// 24-bit device_key_id observed for an infuse ID no longer matches the one
// recorded previously. The offending frame is dropped; the
// record is not deleted, but future frames will keep failing this same
// check until the process restarts.
var ErrDeviceKeyChanged = errors.New("registry: device key changed")

// ErrChallengeInvalid is returned by VerifyChallenge when a device's
// identity challenge response fails authentication or echoes back the
// wrong challenge value.
var ErrChallengeInvalid = errors.New("registry: challenge response invalid")
