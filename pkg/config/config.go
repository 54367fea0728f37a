// Package config loads the chat server's TOML configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ZentaChain/zentalk-chat/pkg/network"
)

const (
	defaultStreamAddress       = ":50000"
	defaultDatagramAddress     = ":50001"
	defaultDatagramBufferSize  = 4096
	defaultDatagramWorkers     = 1
	defaultSendQueueSize       = 256
	defaultMaxLineSize         = 64 * 1024
	defaultRegistrationTimeout = 30 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultRelayLogTTL         = 24 * time.Hour

	minDatagramBufferSize = 512
	maxDatagramBufferSize = 65507
)

// Config is the chat server configuration
type Config struct {
	// StreamAddress is the TCP listen address
	StreamAddress string
	// DatagramAddress is the UDP listen address
	DatagramAddress string
	DisableStream   bool
	DisableDatagram bool

	DatagramBufferSize  int
	DatagramWorkers     int
	SendQueueSize       int
	MaxLineSize         int
	RegistrationTimeout time.Duration
	WriteTimeout        time.Duration

	// APIAddress enables the HTTP status API when set
	APIAddress string

	// RelayLogPath enables the SQLite relay log when set
	RelayLogPath string
	RelayLogTTL  time.Duration
}

// Default returns a config with every default applied
func Default() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.StreamAddress == "" {
		cfg.StreamAddress = defaultStreamAddress
	}
	if cfg.DatagramAddress == "" {
		cfg.DatagramAddress = defaultDatagramAddress
	}
	if cfg.DatagramBufferSize == 0 {
		cfg.DatagramBufferSize = defaultDatagramBufferSize
	}
	if cfg.DatagramWorkers == 0 {
		cfg.DatagramWorkers = defaultDatagramWorkers
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = defaultMaxLineSize
	}
	if cfg.RegistrationTimeout == 0 {
		cfg.RegistrationTimeout = defaultRegistrationTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RelayLogTTL == 0 {
		cfg.RelayLogTTL = defaultRelayLogTTL
	}
}

// Validate returns nil if the config is valid
// and otherwise an error is returned.
func (cfg *Config) Validate() error {
	if cfg.DisableStream && cfg.DisableDatagram {
		return errors.New("config: both transports are disabled")
	}
	if cfg.DatagramBufferSize < minDatagramBufferSize || cfg.DatagramBufferSize > maxDatagramBufferSize {
		return fmt.Errorf("config: DatagramBufferSize %d outside %d..%d", cfg.DatagramBufferSize, minDatagramBufferSize, maxDatagramBufferSize)
	}
	if cfg.DatagramWorkers < 1 {
		return fmt.Errorf("config: DatagramWorkers must be at least 1, got %d", cfg.DatagramWorkers)
	}
	if cfg.SendQueueSize < 1 {
		return fmt.Errorf("config: SendQueueSize must be at least 1, got %d", cfg.SendQueueSize)
	}
	if cfg.MaxLineSize < 1024 {
		return fmt.Errorf("config: MaxLineSize must be at least 1024, got %d", cfg.MaxLineSize)
	}
	if cfg.RegistrationTimeout < 0 || cfg.WriteTimeout < 0 || cfg.RelayLogTTL < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	return nil
}

// NetworkOptions returns the transport settings
func (cfg *Config) NetworkOptions() network.Options {
	return network.Options{
		SendQueueSize:       cfg.SendQueueSize,
		MaxLineSize:         cfg.MaxLineSize,
		RegistrationTimeout: cfg.RegistrationTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		DatagramBufferSize:  cfg.DatagramBufferSize,
		DatagramWorkers:     cfg.DatagramWorkers,
	}
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
