package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-nan/go-nan/lib/config"
	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/nancp"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type discoverOptions struct {
	network   string
	address   string
	publish   string
	subscribe string
	info      string
	active    bool
	message   string
	duration  time.Duration
	browse    bool
}

func newDiscoverCmd() *cobra.Command {
	var opts discoverOptions
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Publish or subscribe a service through a running broker",
		Long: `
Connects to a broker started with "go-nan serve", requests the default
configuration and publishes or subscribes one service. Every event is
printed. With --message, a follow-up message is sent to each new match.
		`,
		Example: `  go-nan discover --publish chat --info hello
  go-nan discover --subscribe chat --message ping --address localhost:7656`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.network == "" {
				opts.network = viper.GetString(config.KeyServerNetwork)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.address == "" && opts.browse {
				addr, err := browseBroker(ctx, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				opts.network, opts.address = "tcp", addr
			}
			if opts.address == "" {
				opts.address = viper.GetString(config.KeyServerAddress)
			}
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return discover(ctx, cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.network, "network", "", "tcp or unix (default from config)")
	flags.StringVar(&opts.address, "address", "", "broker address (default from config)")
	flags.StringVar(&opts.publish, "publish", "", "service name to publish")
	flags.StringVar(&opts.subscribe, "subscribe", "", "service name to subscribe to")
	flags.StringVar(&opts.info, "info", "", "service specific info")
	flags.BoolVar(&opts.active, "active", false, "solicited publish or active subscribe")
	flags.StringVar(&opts.message, "message", "", "message sent to every matched peer")
	flags.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.BoolVar(&opts.browse, "browse", false, "find the broker over mDNS when no address is given")
	cmd.MarkFlagsMutuallyExclusive("publish", "subscribe")
	cmd.MarkFlagsOneRequired("publish", "subscribe")
	return cmd
}

const discoverSession nan.SessionID = 1

// browseWait is how long --browse listens for advertisements.
const browseWait = 2 * time.Second

func browseBroker(ctx context.Context, out io.Writer) (string, error) {
	found, err := nancp.Browse(ctx, browseWait)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", oops.Errorf("no broker advertised on %s within %s", nancp.ServiceType, browseWait)
	}
	fmt.Fprintln(out, titleStyle.Render("found"), renderField("broker", found[0].Instance), renderField("address", found[0].Address))
	return found[0].Address, nil
}

func discover(ctx context.Context, out io.Writer, opts discoverOptions) error {
	client, err := nancp.Dial(ctx, opts.network, opts.address)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.Connect(ctx, nan.EventAllClient)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, titleStyle.Render("connected"), renderField("client", itoa(int(id))))

	if err := client.RequestConfig(ctx, nan.DefaultConfigRequest()); err != nil {
		return err
	}
	if err := client.CreateSession(ctx, discoverSession, nan.EventAllSession); err != nil {
		return err
	}
	if err := startDiscovery(ctx, client, opts); err != nil {
		return err
	}

	var messageID nan.MessageID
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return oops.Errorf("connection to %s closed", opts.address)
			}
			fmt.Fprintln(out, renderEvent(ev))
			if ev.Type != nancp.MessageTypeMatch || opts.message == "" {
				continue
			}
			p, err := ev.Decode()
			if err != nil {
				return err
			}
			messageID++
			if err := client.SendMessage(ctx, discoverSession, p.Peer, []byte(opts.message), messageID); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func startDiscovery(ctx context.Context, client *nancp.Client, opts discoverOptions) error {
	var info []byte
	if opts.info != "" {
		info = []byte(opts.info)
	}
	if opts.publish != "" {
		settings := nan.PublishSettings{Type: nan.PublishUnsolicited}
		if opts.active {
			settings.Type = nan.PublishSolicited
		}
		return client.Publish(ctx, discoverSession, nan.PublishData{ServiceName: opts.publish, ServiceSpecificInfo: info}, settings)
	}
	if opts.subscribe == "" {
		return oops.Errorf("one of --publish or --subscribe is required")
	}
	settings := nan.SubscribeSettings{Type: nan.SubscribePassive}
	if opts.active {
		settings.Type = nan.SubscribeActive
	}
	return client.Subscribe(ctx, discoverSession, nan.SubscribeData{ServiceName: opts.subscribe, ServiceSpecificInfo: info}, settings)
}
