package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/orchagent/internal/logging"
)

type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Feed is the path to the YAML diff stream. Empty or "-" means stdin.
	Feed string `yaml:"feed"`
	// Ack is the path acknowledgements are appended to. Empty means that
	// acknowledgements are only logged.
	Ack string `yaml:"ack"`
	// HAL configuration.
	HAL HALConfig `yaml:"hal"`
	// Ports configuration.
	Ports PortsConfig `yaml:"ports"`
	// Neighbours configuration.
	Neighbours NeighboursConfig `yaml:"neighbours"`
	// Loop configuration.
	Loop LoopConfig `yaml:"loop"`
	// Diag configuration.
	Diag DiagConfig `yaml:"diag"`
}

// HALConfig configures the simulated hardware.
type HALConfig struct {
	// Capacity is the maximum number of objects of each type, at most
	// 1024.
	Capacity uint32 `yaml:"capacity"`
}

// PortsConfig configures watch port monitoring.
type PortsConfig struct {
	// Patterns are glob patterns of port names to monitor. Empty means
	// every port.
	Patterns []string `yaml:"patterns"`
	// MaxBackoff bounds the delay between netlink re-subscriptions.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// NeighboursConfig configures next-hop MAC resolution.
type NeighboursConfig struct {
	Enabled bool `yaml:"enabled"`
	// UpdateInterval is the period of full neighbour table dumps.
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// DiagConfig configures the diagnostics gRPC API.
type DiagConfig struct {
	// Endpoint is the address the API listens on. Empty disables the API.
	Endpoint string `yaml:"endpoint"`
}

// LoopConfig configures the run loop.
type LoopConfig struct {
	// RetryInterval is the period of retrying deferred entries even when
	// nothing new arrives.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// DumpInterval is the period of logging pending entries. Zero disables
	// the dump.
	DumpInterval time.Duration `yaml:"dump_interval"`
	// DumpLimit caps the size of a single pending dump.
	DumpLimit datasize.ByteSize `yaml:"dump_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		HAL: HALConfig{
			Capacity: 1024,
		},
		Ports: PortsConfig{
			MaxBackoff: 30 * time.Second,
		},
		Neighbours: NeighboursConfig{
			Enabled:        true,
			UpdateInterval: time.Minute,
		},
		Loop: LoopConfig{
			RetryInterval: time.Second,
			DumpInterval:  time.Minute,
			DumpLimit:     64 * datasize.KB,
		},
		Diag: DiagConfig{
			Endpoint: "[::1]:8071",
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// The wrapper casts itself to the private config struct, so the decoder
// handles it with the default behavior instead of recursing.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the configuration.
func (m *Config) Validate() error {
	if m.HAL.Capacity == 0 {
		return fmt.Errorf("hal capacity must be positive")
	}
	if m.Loop.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}
	if m.Loop.DumpInterval < 0 {
		return fmt.Errorf("dump interval must not be negative")
	}
	if m.Neighbours.Enabled && m.Neighbours.UpdateInterval <= 0 {
		return fmt.Errorf("neighbour update interval must be positive")
	}
	return nil
}
