package nancp

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestBrokerFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("broker-0", ServiceType, ServiceDomain)
	e.Port = 7655
	e.Text = txtRecords()
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	b, ok := brokerFromEntry(e)
	assert.True(t, ok)
	assert.Equal(t, BrokerEntry{Instance: "broker-0", Address: "192.168.1.20:7655"}, b)

	e.AddrIPv4 = nil
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	b, ok = brokerFromEntry(e)
	assert.True(t, ok)
	assert.Equal(t, "[fe80::1]:7655", b.Address)

	e.AddrIPv6 = nil
	_, ok = brokerFromEntry(e)
	assert.False(t, ok, "no address")

	other := zeroconf.NewServiceEntry("printer", ServiceType, ServiceDomain)
	other.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.1")}
	_, ok = brokerFromEntry(other)
	assert.False(t, ok, "not a nancp entry")
}

func TestAdvertiseRejectsUnixAddr(t *testing.T) {
	_, err := Advertise("x", &net.UnixAddr{Name: "/tmp/nan.sock", Net: "unix"})
	assert.Error(t, err)
}
