package nancp

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/grandcat/zeroconf"
	"github.com/samber/oops"
)

// mDNS service advertised by TCP servers.
const (
	ServiceType   = "_go-nan._tcp"
	ServiceDomain = "local."
)

// Advertisement is a running mDNS registration of a server.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a TCP server on the local link under instance.
func Advertise(instance string, addr net.Addr) (*Advertisement, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, oops.Errorf("only tcp servers can be advertised, got %s", addr.Network())
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, tcp.Port, txtRecords(), nil)
	if err != nil {
		return nil, oops.Wrapf(err, "register %s", instance)
	}
	log.WithFields(logger.Fields{
		"at":       "nancp.Advertise",
		"instance": instance,
		"port":     tcp.Port,
	}).Debug("server_advertised")
	return &Advertisement{server: server}, nil
}

// Close withdraws the advertisement.
func (a *Advertisement) Close() error {
	a.server.Shutdown()
	return nil
}

func txtRecords() []string {
	return []string{"proto=nancp", "version=" + strconv.Itoa(ProtocolByte)}
}

// BrokerEntry is a server found by Browse.
type BrokerEntry struct {
	Instance string
	Address  string
}

// Browse collects advertised servers for the given duration.
func Browse(ctx context.Context, wait time.Duration) ([]BrokerEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, oops.Wrapf(err, "create mdns resolver")
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, oops.Wrapf(err, "browse %s", ServiceType)
	}
	var out []BrokerEntry
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return out, nil
			}
			if b, ok := brokerFromEntry(e); ok {
				out = append(out, b)
			}
		case <-ctx.Done():
			return out, nil
		}
	}
}

// brokerFromEntry keeps entries that speak nancp and carry an address.
func brokerFromEntry(e *zeroconf.ServiceEntry) (BrokerEntry, bool) {
	speaksNancp := false
	for _, t := range e.Text {
		if strings.EqualFold(t, "proto=nancp") {
			speaksNancp = true
		}
	}
	if !speaksNancp {
		return BrokerEntry{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		log.WithFields(logger.Fields{
			"at":       "nancp.brokerFromEntry",
			"instance": e.Instance,
		}).Debug("entry_without_address")
		return BrokerEntry{}, false
	}
	return BrokerEntry{
		Instance: e.Instance,
		Address:  net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}, true
}
