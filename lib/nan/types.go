package nan

import (
	"fmt"
	"net"

	"github.com/samber/oops"
)

// ClientID identifies a connected API consumer (e.g. a process uid).
type ClientID int

// SessionID is chosen by the client and is unique within that client.
type SessionID int

// RadioID is the publish or subscribe id assigned by the radio. Zero means
// "none yet" when passed to the radio.
type RadioID uint32

// PeerID is the peer instance id reported by the radio for a remote
// publisher or subscriber.
type PeerID uint32

// TransactionID correlates a native command with its response.
type TransactionID uint16

// MessageID is chosen by the client to correlate message send results.
type MessageID int

// EventMask selects which listener callbacks a client or session receives.
type EventMask uint32

// Client event bits.
const (
	EventConfigCompleted EventMask = 1 << 0
	EventConfigFailed    EventMask = 1 << 1
	EventNanDown         EventMask = 1 << 2
	EventIdentityChanged EventMask = 1 << 3

	EventAllClient = EventConfigCompleted | EventConfigFailed | EventNanDown | EventIdentityChanged
)

// Session event bits.
const (
	EventPublishFail         EventMask = 1 << 0
	EventPublishTerminated   EventMask = 1 << 1
	EventSubscribeFail       EventMask = 1 << 2
	EventSubscribeTerminated EventMask = 1 << 3
	EventMatch               EventMask = 1 << 4
	EventMessageSendSuccess  EventMask = 1 << 5
	EventMessageSendFail     EventMask = 1 << 6
	EventMessageReceived     EventMask = 1 << 7

	EventAllSession = EventPublishFail | EventPublishTerminated | EventSubscribeFail |
		EventSubscribeTerminated | EventMatch | EventMessageSendSuccess |
		EventMessageSendFail | EventMessageReceived
)

// Has reports whether all bits of e are set in m.
func (m EventMask) Has(e EventMask) bool {
	return m&e == e
}

// Cluster id bounds.
const (
	ClusterIDMin = 0
	ClusterIDMax = 0xFFFF

	MasterPreferenceMax = 255
)

// ConfigRequest is a client's request for the shared radio configuration.
type ConfigRequest struct {
	Support5gBand    bool `json:"support5gBand"`
	MasterPreference int  `json:"masterPreference"`
	ClusterLow       int  `json:"clusterLow"`
	ClusterHigh      int  `json:"clusterHigh"`
}

// DefaultConfigRequest returns a request with the full cluster id range.
func DefaultConfigRequest() ConfigRequest {
	return ConfigRequest{
		ClusterLow:  ClusterIDMin,
		ClusterHigh: ClusterIDMax,
	}
}

// HasDefaultClusterRange reports whether the request leaves the cluster range
// unconstrained.
func (c ConfigRequest) HasDefaultClusterRange() bool {
	return c.ClusterLow == ClusterIDMin && c.ClusterHigh == ClusterIDMax
}

// Validate checks the request bounds.
func (c ConfigRequest) Validate() error {
	if c.MasterPreference < 0 || c.MasterPreference > MasterPreferenceMax {
		return oops.Wrapf(ErrInvalidArgument, "master preference %d out of range [0, %d]", c.MasterPreference, MasterPreferenceMax)
	}
	if c.ClusterLow < ClusterIDMin || c.ClusterLow > ClusterIDMax {
		return oops.Wrapf(ErrInvalidArgument, "cluster low %d out of range", c.ClusterLow)
	}
	if c.ClusterHigh < ClusterIDMin || c.ClusterHigh > ClusterIDMax {
		return oops.Wrapf(ErrInvalidArgument, "cluster high %d out of range", c.ClusterHigh)
	}
	if c.ClusterLow > c.ClusterHigh {
		return oops.Wrapf(ErrInvalidArgument, "cluster low %d greater than cluster high %d", c.ClusterLow, c.ClusterHigh)
	}
	return nil
}

func (c ConfigRequest) String() string {
	return fmt.Sprintf("ConfigRequest{5g=%t, masterPref=%d, cluster=[%d,%d]}",
		c.Support5gBand, c.MasterPreference, c.ClusterLow, c.ClusterHigh)
}

// PublishType selects how a publisher announces its service.
type PublishType int

const (
	PublishUnsolicited PublishType = iota
	PublishSolicited
)

// SubscribeType selects how a subscriber discovers services.
type SubscribeType int

const (
	SubscribePassive SubscribeType = iota
	SubscribeActive
)

// PublishData is the discovery payload of a publish session.
type PublishData struct {
	ServiceName         string `json:"serviceName"`
	ServiceSpecificInfo []byte `json:"serviceSpecificInfo,omitempty"`
	TxFilter            []byte `json:"txFilter,omitempty"`
	RxFilter            []byte `json:"rxFilter,omitempty"`
}

// PublishSettings controls publish behaviour. Zero count or TTL means
// unlimited.
type PublishSettings struct {
	Type   PublishType `json:"type"`
	Count  int         `json:"count"`
	TTLSec int         `json:"ttlSec"`
}

// SubscribeData is the discovery payload of a subscribe session.
// ServiceResponseFilter optionally restricts matches to the listed publisher
// interface addresses.
type SubscribeData struct {
	ServiceName           string             `json:"serviceName"`
	ServiceSpecificInfo   []byte             `json:"serviceSpecificInfo,omitempty"`
	TxFilter              []byte             `json:"txFilter,omitempty"`
	RxFilter              []byte             `json:"rxFilter,omitempty"`
	ServiceResponseFilter []net.HardwareAddr `json:"-"`
}

// SubscribeSettings controls subscribe behaviour. Zero count or TTL means
// unlimited.
type SubscribeSettings struct {
	Type   SubscribeType `json:"type"`
	Count  int           `json:"count"`
	TTLSec int           `json:"ttlSec"`
}

func (d PublishData) validate() error {
	if d.ServiceName == "" {
		return oops.Wrapf(ErrInvalidArgument, "publish: empty service name")
	}
	return nil
}

func (s PublishSettings) validate() error {
	if s.Type != PublishUnsolicited && s.Type != PublishSolicited {
		return oops.Wrapf(ErrInvalidArgument, "publish: invalid type %d", s.Type)
	}
	if s.Count < 0 || s.TTLSec < 0 {
		return oops.Wrapf(ErrInvalidArgument, "publish: negative count or ttl")
	}
	return nil
}

func (d SubscribeData) validate() error {
	if d.ServiceName == "" {
		return oops.Wrapf(ErrInvalidArgument, "subscribe: empty service name")
	}
	return nil
}

func (s SubscribeSettings) validate() error {
	if s.Type != SubscribePassive && s.Type != SubscribeActive {
		return oops.Wrapf(ErrInvalidArgument, "subscribe: invalid type %d", s.Type)
	}
	if s.Count < 0 || s.TTLSec < 0 {
		return oops.Wrapf(ErrInvalidArgument, "subscribe: negative count or ttl")
	}
	return nil
}

// Capabilities are the limits reported by the radio.
type Capabilities struct {
	MaxConcurrentClusters     int `json:"maxConcurrentClusters"`
	MaxPublishes              int `json:"maxPublishes"`
	MaxSubscribes             int `json:"maxSubscribes"`
	MaxServiceNameLen         int `json:"maxServiceNameLen"`
	MaxMatchFilterLen         int `json:"maxMatchFilterLen"`
	MaxTotalMatchFilterLen    int `json:"maxTotalMatchFilterLen"`
	MaxServiceSpecificInfoLen int `json:"maxServiceSpecificInfoLen"`
	MaxMessageLen             int `json:"maxMessageLen"`
}

// checkDiscovery validates discovery payload sizes against the limits. A zero
// limit is treated as unknown and not enforced.
func (c Capabilities) checkDiscovery(serviceName string, ssi, txFilter, rxFilter []byte) error {
	if c.MaxServiceNameLen > 0 && len(serviceName) > c.MaxServiceNameLen {
		return oops.Wrapf(ErrInvalidArgument, "service name length %d exceeds %d", len(serviceName), c.MaxServiceNameLen)
	}
	if c.MaxServiceSpecificInfoLen > 0 && len(ssi) > c.MaxServiceSpecificInfoLen {
		return oops.Wrapf(ErrInvalidArgument, "service specific info length %d exceeds %d", len(ssi), c.MaxServiceSpecificInfoLen)
	}
	if c.MaxMatchFilterLen > 0 && (len(txFilter) > c.MaxMatchFilterLen || len(rxFilter) > c.MaxMatchFilterLen) {
		return oops.Wrapf(ErrInvalidArgument, "match filter exceeds %d bytes", c.MaxMatchFilterLen)
	}
	if c.MaxTotalMatchFilterLen > 0 && len(txFilter)+len(rxFilter) > c.MaxTotalMatchFilterLen {
		return oops.Wrapf(ErrInvalidArgument, "total match filter length exceeds %d", c.MaxTotalMatchFilterLen)
	}
	return nil
}

// ClusterEventFlag tells whether this device started or joined a cluster.
type ClusterEventFlag int

const (
	ClusterStarted ClusterEventFlag = iota
	ClusterJoined
)

func (f ClusterEventFlag) String() string {
	switch f {
	case ClusterStarted:
		return "started"
	case ClusterJoined:
		return "joined"
	default:
		return fmt.Sprintf("ClusterEventFlag(%d)", int(f))
	}
}
