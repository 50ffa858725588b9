package config

import (
	"net"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
)

// NanConfig is the complete broker configuration.
type NanConfig struct {
	Manager ManagerConfig
	Server  ServerConfig
	Radio   RadioConfig
	Log     LogConfig
}

// ManagerConfig tunes the state manager.
type ManagerConfig struct {
	// TransactionTimeout fails commands the radio never answered.
	// Default: 10 seconds; 0 disables expiry
	TransactionTimeout time.Duration

	// SweepInterval is how often pending transactions are checked.
	// Default: 1 second
	SweepInterval time.Duration
}

// ServerConfig configures the client protocol server.
type ServerConfig struct {
	// Network is "tcp" or "unix".
	// Default: tcp
	Network string

	// Address is the listen address or socket path.
	// Default: localhost:7655
	Address string

	// MaxClients limits concurrent connections.
	// Default: 64
	MaxClients int

	// MessagesPerSecond and Burst form the per-connection token bucket.
	// Default: 200/s, burst 50
	MessagesPerSecond float64
	Burst             int

	// ReadTimeout bounds reading one frame.
	// Default: 30 seconds
	ReadTimeout time.Duration
}

// RadioConfig configures the simulated radio.
type RadioConfig struct {
	// InterfaceAddress is the NAN interface MAC; empty lets the medium
	// assign one.
	InterfaceAddress string

	// ResponseLatency delays every radio callback.
	// Default: 0
	ResponseLatency time.Duration
}

// LogConfig overrides logging set up from the environment.
type LogConfig struct {
	// Level is debug, info, warn, error or off; empty keeps DEBUG_NAN.
	Level string
}

// Defaults returns the default configuration.
func Defaults() NanConfig {
	return NanConfig{
		Manager: ManagerConfig{
			TransactionTimeout: 10 * time.Second,
			SweepInterval:      time.Second,
		},
		Server: ServerConfig{
			Network:           "tcp",
			Address:           "localhost:7655",
			MaxClients:        64,
			MessagesPerSecond: 200,
			Burst:             50,
			ReadTimeout:       30 * time.Second,
		},
		Radio: RadioConfig{},
		Log:   LogConfig{},
	}
}

// Validate checks the configuration and returns an error describing the
// first invalid value found.
func Validate(cfg NanConfig) error {
	validators := []func() error{
		func() error { return validateManager(cfg.Manager) },
		func() error { return validateServer(cfg.Server) },
		func() error { return validateRadio(cfg.Radio) },
		func() error { return validateLog(cfg.Log) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "config.Validate",
				"error": err.Error(),
			}).Debug("configuration_invalid")
			return err
		}
	}
	return nil
}

func validateManager(m ManagerConfig) error {
	if m.TransactionTimeout < 0 {
		return newValidationError("Manager.TransactionTimeout must not be negative")
	}
	if m.SweepInterval < 10*time.Millisecond {
		return newValidationError("Manager.SweepInterval must be at least 10ms")
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Network != "tcp" && s.Network != "unix" {
		return newValidationError("Server.Network must be tcp or unix")
	}
	if s.Address == "" {
		return newValidationError("Server.Address must not be empty")
	}
	if s.MaxClients < 1 {
		return newValidationError("Server.MaxClients must be at least 1")
	}
	if s.MessagesPerSecond <= 0 {
		return newValidationError("Server.MessagesPerSecond must be positive")
	}
	if s.Burst < 1 {
		return newValidationError("Server.Burst must be at least 1")
	}
	if s.ReadTimeout < 0 {
		return newValidationError("Server.ReadTimeout must not be negative")
	}
	return nil
}

func validateRadio(r RadioConfig) error {
	if r.InterfaceAddress != "" {
		mac, err := net.ParseMAC(r.InterfaceAddress)
		if err != nil || len(mac) != 6 {
			return newValidationError("Radio.InterfaceAddress must be a 6-byte MAC address")
		}
	}
	if r.ResponseLatency < 0 {
		return newValidationError("Radio.ResponseLatency must not be negative")
	}
	return nil
}

func validateLog(l LogConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error", "off":
		return nil
	default:
		return newValidationError("Log.Level must be one of debug, info, warn, error, off")
	}
}

type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
