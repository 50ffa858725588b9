package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/go-nan/go-nan/lib/hal"
	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/nancp"
	"github.com/go-nan/go-nan/lib/util"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	// CfgFile is an explicit config file path, set from the --config flag.
	CfgFile string
	log     = logger.GetNanLogger()
)

// GONAN_BASE_DIR is the directory under $HOME holding config.yaml.
const GONAN_BASE_DIR = ".go-nan"

// Viper keys.
const (
	KeyTransactionTimeout = "manager.transaction_timeout"
	KeySweepInterval      = "manager.sweep_interval"
	KeyServerNetwork      = "server.network"
	KeyServerAddress      = "server.address"
	KeyServerMaxClients   = "server.max_clients"
	KeyServerRate         = "server.messages_per_second"
	KeyServerBurst        = "server.burst"
	KeyServerReadTimeout  = "server.read_timeout"
	KeyRadioAddress       = "radio.interface_address"
	KeyRadioLatency       = "radio.response_latency"
	KeyLogLevel           = "log.level"
)

// InitConfig loads the config file into viper, creating the default file in
// the base directory when none exists yet.
func InitConfig() error {
	if CfgFile != "" {
		path, err := util.ExpandPath(CfgFile)
		if err != nil {
			return oops.Wrapf(err, "expand config path %s", CfgFile)
		}
		if !util.CheckFileExists(path) {
			return oops.Wrapf(os.ErrNotExist, "config file %s not found", path)
		}
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(BuildNanDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	return handleConfigFile()
}

func setDefaults() {
	d := Defaults()
	viper.SetDefault(KeyTransactionTimeout, d.Manager.TransactionTimeout)
	viper.SetDefault(KeySweepInterval, d.Manager.SweepInterval)
	viper.SetDefault(KeyServerNetwork, d.Server.Network)
	viper.SetDefault(KeyServerAddress, d.Server.Address)
	viper.SetDefault(KeyServerMaxClients, d.Server.MaxClients)
	viper.SetDefault(KeyServerRate, d.Server.MessagesPerSecond)
	viper.SetDefault(KeyServerBurst, d.Server.Burst)
	viper.SetDefault(KeyServerReadTimeout, d.Server.ReadTimeout)
	viper.SetDefault(KeyRadioAddress, d.Radio.InterfaceAddress)
	viper.SetDefault(KeyRadioLatency, d.Radio.ResponseLatency)
	viper.SetDefault(KeyLogLevel, d.Log.Level)
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("using_config_file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if CfgFile == "" && errors.As(err, &notFound) {
		return createDefaultConfig(BuildNanDirPath())
	}
	return oops.Wrapf(err, "read config file")
}

func createDefaultConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return oops.Wrapf(err, "create config directory %s", dir)
	}
	file := filepath.Join(dir, "config.yaml")
	if err := viper.SafeWriteConfigAs(file); err != nil {
		return oops.Wrapf(err, "write default config %s", file)
	}
	log.WithField("file", file).Debug("created_default_config")
	return nil
}

// BuildNanDirPath returns $HOME/.go-nan.
func BuildNanDirPath() string {
	return filepath.Join(util.UserHome(), GONAN_BASE_DIR)
}

// NewNanConfigFromViper builds a NanConfig from the current viper settings.
func NewNanConfigFromViper() NanConfig {
	return NanConfig{
		Manager: ManagerConfig{
			TransactionTimeout: viper.GetDuration(KeyTransactionTimeout),
			SweepInterval:      viper.GetDuration(KeySweepInterval),
		},
		Server: ServerConfig{
			Network:           viper.GetString(KeyServerNetwork),
			Address:           viper.GetString(KeyServerAddress),
			MaxClients:        viper.GetInt(KeyServerMaxClients),
			MessagesPerSecond: viper.GetFloat64(KeyServerRate),
			Burst:             viper.GetInt(KeyServerBurst),
			ReadTimeout:       viper.GetDuration(KeyServerReadTimeout),
		},
		Radio: RadioConfig{
			InterfaceAddress: viper.GetString(KeyRadioAddress),
			ResponseLatency:  viper.GetDuration(KeyRadioLatency),
		},
		Log: LogConfig{
			Level: viper.GetString(KeyLogLevel),
		},
	}
}

// StateManagerConfig converts the manager section.
func (m ManagerConfig) StateManagerConfig() nan.Config {
	return nan.Config{
		TransactionTimeout: m.TransactionTimeout,
		SweepInterval:      m.SweepInterval,
	}
}

// NancpConfig converts the server section.
func (s ServerConfig) NancpConfig() nancp.ServerConfig {
	cfg := nancp.DefaultServerConfig()
	cfg.Network = s.Network
	cfg.Address = s.Address
	cfg.MaxClients = s.MaxClients
	cfg.MessagesPerSecond = s.MessagesPerSecond
	cfg.Burst = s.Burst
	cfg.ReadTimeout = s.ReadTimeout
	return cfg
}

// HalConfig converts the radio section. The address must already be valid.
func (r RadioConfig) HalConfig() (hal.RadioConfig, error) {
	cfg := hal.RadioConfig{ResponseLatency: r.ResponseLatency}
	if r.InterfaceAddress != "" {
		mac, err := net.ParseMAC(r.InterfaceAddress)
		if err != nil {
			return cfg, oops.Wrapf(err, "radio interface address")
		}
		cfg.InterfaceAddress = mac
	}
	return cfg, nil
}
