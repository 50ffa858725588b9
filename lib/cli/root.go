package cli

import (
	"github.com/go-nan/go-nan/lib/config"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetNanLogger()

// NewRootCmd builds the go-nan command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "go-nan",
		Short: "WiFi NAN control-plane broker",
		Long: `
go-nan brokers WiFi Aware (NAN) discovery between local API clients and a
radio. It serializes client requests, merges configuration requests and
routes radio events back to the owning sessions.
		`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-nan/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newScenarioCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file, validates it and applies the log level.
func loadConfig() error {
	if err := config.InitConfig(); err != nil {
		return err
	}
	cfg := config.NewNanConfigFromViper()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger.Configure(cfg.Log.Level, nil)
	log.WithField("at", "cli.loadConfig").Debug("configuration_loaded")
	return nil
}
