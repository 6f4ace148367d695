// Package config manages persistent gateway configuration: a YAML document
// describing transport selection, the IPC bus address, the cloud
// shared-secret endpoint, and provisioned network root keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir names a system-wide configuration directory. Nothing in
// this package reads it: DefaultConfigPath resolves the default file under
// $HOME/.infuse instead.
const DefaultConfigDir = "/etc/infuse"

// GatewayConfig selects and configures the physical transport and local bus.
type GatewayConfig struct {
	Transport    string    `yaml:"transport"` // "serial" or "rtt"
	SerialPort   string    `yaml:"serial_port,omitempty"`
	SerialBaud   int       `yaml:"serial_baud,omitempty"`
	RTTDevice    string    `yaml:"rtt_device,omitempty"`
	RTTInterface string    `yaml:"rtt_interface,omitempty"`
	ModemTrace   bool      `yaml:"modem_trace,omitempty"`
	Bus          BusConfig `yaml:"bus,omitempty"`
}

// BusConfig configures the IPC notification/request bus.
type BusConfig struct {
	MulticastAddr string `yaml:"multicast_addr,omitempty"`
}

// AuditConfig configures the JSON-lines audit trail of security-relevant
// gateway events. An empty Path disables it.
type AuditConfig struct {
	Path       string `yaml:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// Defaults applied when audit logging is enabled without explicit limits.
const (
	DefaultAuditMaxSizeMB  = 10
	DefaultAuditMaxBackups = 10
)

// RedisConfig enables the optional durable registry snapshot store
// (registry.RedisSnapshotter). An empty Addr leaves the registry purely
// in-memory.
type RedisConfig struct {
	Addr string `yaml:"addr,omitempty"`
	DB   int    `yaml:"db,omitempty"`
}

// CloudConfig describes the out-of-band shared-secret fetch endpoint.
type CloudConfig struct {
	SharedSecretURL string `yaml:"shared_secret_url,omitempty"`
	BasicAuthUser   string `yaml:"basic_auth_user,omitempty"`
}

// NetworkConfig provisions one network's root key, used to seed
// registry.Registry via registry.WithNetworkKey.
type NetworkConfig struct {
	ID         uint32 `yaml:"id"`
	RootKeyHex string `yaml:"root_key_hex"`
}

// Config is the full gateway configuration document.
type Config struct {
	Gateway  GatewayConfig   `yaml:"gateway"`
	Cloud    CloudConfig     `yaml:"cloud,omitempty"`
	Redis    RedisConfig     `yaml:"redis,omitempty"`
	Audit    AuditConfig     `yaml:"audit,omitempty"`
	Networks []NetworkConfig `yaml:"networks,omitempty"`
}

// Default baud/multicast values applied by Normalize when the document
// leaves them blank.
const (
	DefaultSerialBaud    = 115200
	DefaultMulticastAddr = "224.1.1.1:8751"
)

// Normalize fills in defaults for fields the document left blank.
func (c *Config) Normalize() {
	if c.Gateway.SerialBaud == 0 {
		c.Gateway.SerialBaud = DefaultSerialBaud
	}
	if c.Gateway.Bus.MulticastAddr == "" {
		c.Gateway.Bus.MulticastAddr = DefaultMulticastAddr
	}
	if c.Audit.Path != "" {
		if c.Audit.MaxSizeMB == 0 {
			c.Audit.MaxSizeMB = DefaultAuditMaxSizeMB
		}
		if c.Audit.MaxBackups == 0 {
			c.Audit.MaxBackups = DefaultAuditMaxBackups
		}
	}
}

// DefaultConfigPath returns the default path for the gateway configuration
// file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/infuse_gateway.yaml"
	}
	return filepath.Join(home, ".infuse", "gateway.yaml")
}

// Load reads configuration from the default location.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads configuration from a specific path, returning an empty,
// normalized Config if the file does not exist.
func LoadFrom(path string) (*Config, error) {
	c := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.Normalize()
			return c, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.Normalize()
	return c, nil
}

// Save writes configuration to the default location.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigPath())
}

// SaveTo writes configuration to a specific path, creating parent
// directories as needed.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
