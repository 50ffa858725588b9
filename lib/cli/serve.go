package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/go-nan/go-nan/lib/config"
	"github.com/go-nan/go-nan/lib/hal"
	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/nancp"
	"github.com/go-nan/go-nan/lib/util"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/go-nan/go-nan/lib/util/signals"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	var (
		radios    int
		advertise bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run NAN brokers on simulated radios",
		Long: `
Starts one broker per simulated radio. All radios share one medium, so
clients of different brokers discover each other. Broker i listens on the
configured address with the port raised by i (or the socket path suffixed
with .i). With --advertise, tcp brokers are announced over mDNS.
SIGHUP reloads the log level, SIGINT and SIGTERM shut down.
		`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cmd.OutOrStdout(), config.NewNanConfigFromViper(), radios, advertise)
		},
	}
	cmd.Flags().IntVar(&radios, "radios", 1, "number of simulated devices sharing one medium")
	cmd.Flags().BoolVar(&advertise, "advertise", false, "announce tcp servers over mDNS")
	return cmd
}

func serve(ctx context.Context, out io.Writer, cfg config.NanConfig, radios int, advertise bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f, err := startFleet(ctx, cfg, radios)
	if err != nil {
		return err
	}
	util.RegisterCloser(f)
	defer util.CloseAll()

	for i, d := range f.devices {
		fmt.Fprintf(out, "%s %s %s\n",
			titleStyle.Render(fmt.Sprintf("broker %d", i)),
			renderField("listen", d.server.Addr().String()),
			renderField("radio", d.radio.Address().String()))
		if !advertise {
			continue
		}
		ad, err := nancp.Advertise(fmt.Sprintf("go-nan-%d-%s", i, d.radio.Address()), d.server.Addr())
		if err != nil {
			return err
		}
		util.RegisterCloser(ad)
	}

	drainID := signals.RegisterDrainHandler(util.CloseAll)
	interruptID := signals.RegisterInterruptHandler(signals.Handler(cancel))
	reloadID := signals.RegisterReloadHandler(reloadLogLevel)
	defer func() {
		signals.DeregisterDrainHandler(drainID)
		signals.DeregisterInterruptHandler(interruptID)
		signals.DeregisterReloadHandler(reloadID)
	}()
	go signals.Handle()

	<-ctx.Done()
	log.WithField("at", "cli.serve").Info("shutting_down")
	return nil
}

func reloadLogLevel() {
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).Warn("config_reload_failed")
		return
	}
	cfg := config.NewNanConfigFromViper()
	if err := config.Validate(cfg); err != nil {
		log.WithError(err).Warn("config_reload_invalid")
		return
	}
	logger.Configure(cfg.Log.Level, nil)
	log.WithField("level", cfg.Log.Level).Info("config_reloaded")
}

// fleetDevice is one radio with its broker and protocol server.
type fleetDevice struct {
	radio   *hal.Radio
	manager *nan.StateManager
	server  *nancp.Server
}

// fleet is every device started by serve.
type fleet struct {
	devices []*fleetDevice
}

func startFleet(ctx context.Context, cfg config.NanConfig, radios int) (*fleet, error) {
	if radios < 1 {
		return nil, oops.Errorf("need at least one radio, got %d", radios)
	}
	base, err := cfg.Radio.HalConfig()
	if err != nil {
		return nil, err
	}

	medium := hal.NewMedium()
	f := &fleet{}
	for i := 0; i < radios; i++ {
		radioCfg := base
		if i > 0 {
			radioCfg.InterfaceAddress = nil
		}
		d := &fleetDevice{radio: hal.NewRadio(medium, radioCfg)}
		f.devices = append(f.devices, d)

		d.manager = nan.NewStateManager(cfg.Manager.StateManagerConfig(), d.radio)
		d.radio.SetCallbacks(d.manager)
		if err := d.manager.Start(ctx); err != nil {
			f.Close()
			return nil, oops.Wrapf(err, "start broker %d", i)
		}

		srvCfg := cfg.Server.NancpConfig()
		if srvCfg.Address, err = nthAddress(srvCfg.Network, srvCfg.Address, i); err != nil {
			f.Close()
			return nil, err
		}
		if d.server, err = nancp.NewServer(srvCfg, d.manager); err != nil {
			f.Close()
			return nil, err
		}
		if err := d.server.Start(); err != nil {
			f.Close()
			return nil, oops.Wrapf(err, "start server %d", i)
		}
		log.WithFields(logger.Fields{
			"at":     "cli.startFleet",
			"index":  i,
			"listen": d.server.Addr().String(),
			"radio":  d.radio.Address().String(),
		}).Info("broker_started")
	}
	return f, nil
}

// Close stops servers, then brokers, then radios.
func (f *fleet) Close() error {
	for _, d := range f.devices {
		if d.server != nil {
			d.server.Stop()
		}
	}
	for _, d := range f.devices {
		if d.manager != nil {
			d.manager.Stop()
		}
		d.radio.Close()
	}
	return nil
}

// nthAddress derives the listen address of broker i.
func nthAddress(network, address string, i int) (string, error) {
	if i == 0 {
		return address, nil
	}
	if network == "unix" {
		return address + "." + strconv.Itoa(i), nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", oops.Wrapf(err, "listen address %s", address)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", oops.Wrapf(err, "listen port %s", port)
	}
	if p == 0 {
		return address, nil
	}
	return net.JoinHostPort(host, strconv.Itoa(p+i)), nil
}
