package iotready

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAddressTCP       = "device.iotready.it"
	defaultAddressUDPSuffix = ".udp.device.iotready.it"
)

// DefaultServerPublicKeyPEM is the baked-in cloud public key used when the
// configuration does not override it. Distributions set it at build time
// (ldflags) or assign it before Begin.
var DefaultServerPublicKeyPEM string

// Config is the client configuration. The zero value plus Begin defaults is
// a working UDP/DTLS setup against the production endpoint.
type Config struct {
	// Address overrides the cloud host. Defaults to device.iotready.it for
	// TCP and <deviceID>.udp.device.iotready.it for UDP.
	Address string `yaml:"address"`
	// Port overrides the cloud port (5683 TCP, 5684 UDP).
	Port int `yaml:"port"`
	// ServerPublicKeyPEM overrides the baked-in cloud public key.
	ServerPublicKeyPEM string `yaml:"server_public_key_pem"`
	// ForceTCP selects the TCP+RSA transport instead of UDP/DTLS.
	ForceTCP bool `yaml:"force_tcp"`
	// Keepalive overrides the ping period (15s TCP, 30s UDP).
	Keepalive time.Duration `yaml:"keepalive"`
	// ClaimCode is published once after the first connect, if set.
	ClaimCode string `yaml:"claim_code"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
