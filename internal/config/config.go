// Package config loads and validates the driftwall HCL configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/driftwall/internal/rules"
)

// TokenEnvVar overrides the configured API token when set. Keeps secrets
// out of config files checked into version control.
const TokenEnvVar = "DRIFTWALL_API_TOKEN"

// Config is the root configuration.
type Config struct {
	StorePath       string           `hcl:"store_path,optional"`
	IntervalMinutes int              `hcl:"interval_minutes,optional"`
	MetricsListen   string           `hcl:"metrics_listen,optional"`
	LogLevel        string           `hcl:"log_level,optional"`
	API             *APIConfig       `hcl:"api,block"`
	Discovery       *DiscoveryConfig `hcl:"discovery,block"`
	Firewalls       []FirewallConfig `hcl:"firewall,block"`
}

// APIConfig points the sync pipeline at the remote firewall service.
type APIConfig struct {
	Endpoint string `hcl:"endpoint"`
	Token    string `hcl:"token,optional"`
}

// DiscoveryConfig optionally overrides the WAN address provider list.
type DiscoveryConfig struct {
	Providers []string `hcl:"providers,optional"`
}

// FirewallConfig is one managed firewall. Mode and Ports are optional at
// the HCL level so one incomplete block does not fail the whole load; Spec
// surfaces the error per firewall instead.
type FirewallConfig struct {
	ID    string `hcl:",label"`
	Mode  string `hcl:"mode,optional"`
	Ports string `hcl:"ports,optional"`
}

// Spec resolves the block into a typed edit mode and port list. An entry
// missing any field is that firewall's failure, not a fatal one.
func (f FirewallConfig) Spec() (rules.Mode, []string, error) {
	if f.ID == "" {
		return "", nil, fmt.Errorf("firewall entry missing id")
	}
	if f.Mode == "" {
		return "", nil, fmt.Errorf("firewall %s: missing mode", f.ID)
	}
	mode, err := rules.ParseMode(f.Mode)
	if err != nil {
		return "", nil, fmt.Errorf("firewall %s: %w", f.ID, err)
	}
	if strings.TrimSpace(f.Ports) == "" {
		return "", nil, fmt.Errorf("firewall %s: missing ports", f.ID)
	}

	var ports []string
	for _, p := range strings.Split(f.Ports, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return "", nil, fmt.Errorf("firewall %s: missing ports", f.ID)
	}
	return mode, ports, nil
}

// Load reads and decodes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes config from bytes. The filename selects the HCL syntax
// (.hcl or .json).
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = "/var/lib/driftwall/addresses.db"
	}
	if c.IntervalMinutes < 1 {
		c.IntervalMinutes = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.API != nil {
		if env := os.Getenv(TokenEnvVar); env != "" {
			c.API.Token = env
		}
	}
}

// validate checks only settings the whole run depends on. Per-firewall
// problems are deferred to Spec so the remaining firewalls still sync.
func (c *Config) validate() error {
	if c.API == nil {
		return fmt.Errorf("config: api block is required")
	}
	if c.API.Endpoint == "" {
		return fmt.Errorf("config: api.endpoint is required")
	}
	if len(c.Firewalls) == 0 {
		return fmt.Errorf("config: at least one firewall block is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Providers returns the configured discovery provider list, or nil for the
// built-in default.
func (c *Config) Providers() []string {
	if c.Discovery == nil {
		return nil
	}
	return c.Discovery.Providers
}
