package config

import (
	"encoding/hex"
	"fmt"

	"github.com/infuse-iot/gateway/pkg/registry"
)

// RegistryOptions converts the configured networks into registry.Options,
// wiring production root keys into registry.New.
func (c *Config) RegistryOptions() ([]registry.Option, error) {
	opts := make([]registry.Option, 0, len(c.Networks))
	for _, n := range c.Networks {
		key, err := hex.DecodeString(n.RootKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: network %d root_key_hex: %w", n.ID, err)
		}
		opts = append(opts, registry.WithNetworkKey(n.ID, key))
	}
	return opts, nil
}
