// Package config provides configuration management for the go-nan broker.
//
// Configuration is read with viper from $HOME/.go-nan/config.yaml (or the
// file given with --config). The file is created with the defaults on first
// run. Defaults() is the single source of truth for default values and
// Validate() checks a loaded configuration before it is used.
//
// Sections:
//   - manager: transaction timeout and sweep interval of the state manager
//   - server: listener, connection limit and rate limit of the client protocol server
//   - radio: simulated radio interface address and response latency
//   - log: log level override
package config
