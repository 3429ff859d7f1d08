package node

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/emberlink/matter/pkg/discovery"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/transport"
)

// Config holds the full configuration of a Node. It is YAML-loadable
// via Load; runtime-only fields (injected transport, logger factory)
// have no YAML representation and are set by the embedding program.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Reporting ReportingConfig `yaml:"reporting"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Channel replaces the UDP socket, for tests and embedded use.
	Channel transport.Channel `yaml:"-"`

	// MDNSFactory overrides the zeroconf backend of the advertiser.
	MDNSFactory discovery.MDNSServerFactory `yaml:"-"`

	// OnStateChanged observes lifecycle transitions.
	OnStateChanged func(State) `yaml:"-"`

	LoggerFactory logging.LoggerFactory `yaml:"-"`
}

// IdentityConfig identifies the product this node is.
type IdentityConfig struct {
	VendorID   fabric.VendorID `yaml:"vendor_id"`
	ProductID  uint16          `yaml:"product_id"`
	DeviceName string          `yaml:"device_name"`
}

// NetworkConfig holds the listen settings.
type NetworkConfig struct {
	// ListenAddr is the UDP bind address, for example ":5540".
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Path is the SQLite database file. Empty keeps everything in
	// memory.
	Path string `yaml:"path"`
}

// SessionConfig carries the reliability parameters advertised to peers.
type SessionConfig struct {
	IdleInterval    time.Duration `yaml:"idle_interval"`
	ActiveInterval  time.Duration `yaml:"active_interval"`
	ActiveThreshold time.Duration `yaml:"active_threshold"`
}

// ReportingConfig tunes the subscription publisher.
type ReportingConfig struct {
	// MaxInterval caps negotiated subscription reporting intervals.
	MaxInterval time.Duration `yaml:"max_interval"`

	// AckTimeout bounds how long a report waits for its
	// acknowledgement.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// DiscoveryConfig controls DNS-SD advertising.
type DiscoveryConfig struct {
	Disabled bool `yaml:"disabled"`
}

// LoggingConfig selects the log verbosity.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Default info.
	Level string `yaml:"level"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("node: parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Identity.VendorID == 0 {
		return ErrInvalidVendorID
	}
	if c.Identity.ProductID == 0 {
		return ErrInvalidProductID
	}
	if c.Logging.Level != "" {
		if _, err := parseLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in unset fields.
func (c *Config) applyDefaults() {
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = fmt.Sprintf(":%d", discovery.DefaultPort)
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = newLoggerFactory(c.Logging.Level)
	}
}

// SessionParameters converts the session section to the wire-advertised
// parameter set, with defaults applied.
func (c *Config) SessionParameters() session.Parameters {
	return session.Parameters{
		IdleInterval:    c.Session.IdleInterval,
		ActiveInterval:  c.Session.ActiveInterval,
		ActiveThreshold: c.Session.ActiveThreshold,
	}.WithDefaults()
}

func parseLogLevel(level string) (logging.LogLevel, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return logging.LogLevelInfo, nil
	case "trace":
		return logging.LogLevelTrace, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	default:
		return 0, fmt.Errorf("node: unknown log level %q", level)
	}
}

func newLoggerFactory(level string) logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	if lvl, err := parseLogLevel(level); err == nil {
		factory.DefaultLogLevel = lvl
	}
	return factory
}
