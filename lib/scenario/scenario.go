package scenario

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/go-nan/go-nan/lib/hal"
	"github.com/go-nan/go-nan/lib/nan"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario is wrapped by all parse and validation errors.
var ErrInvalidScenario = errors.New("invalid scenario")

// DefaultTimeout bounds wait steps that set no timeout of their own.
const DefaultTimeout = 5 * time.Second

// Step actions.
const (
	ActionConnect        = "connect"
	ActionConfig         = "config"
	ActionCreateSession  = "create_session"
	ActionPublish        = "publish"
	ActionSubscribe      = "subscribe"
	ActionSendMessage    = "send_message"
	ActionStop           = "stop"
	ActionDestroySession = "destroy_session"
	ActionDisconnect     = "disconnect"
	ActionNanDown        = "nan_down"
	ActionWait           = "wait"
)

var sessionActions = map[string]bool{
	ActionCreateSession:  true,
	ActionPublish:        true,
	ActionSubscribe:      true,
	ActionSendMessage:    true,
	ActionStop:           true,
	ActionDestroySession: true,
}

// Scenario is a parsed scenario file.
type Scenario struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Devices []Device      `yaml:"devices"`
	Steps   []Step        `yaml:"steps"`
}

// Device is one simulated radio with its own broker.
type Device struct {
	Name    string        `yaml:"name"`
	Address string        `yaml:"address"`
	Latency time.Duration `yaml:"latency"`
}

// Step is one scripted action. Client defaults to 1.
type Step struct {
	Action  string `yaml:"action"`
	Device  string `yaml:"device"`
	Client  int    `yaml:"client"`
	Session int    `yaml:"session"`

	Config    *ConfigSpec    `yaml:"config"`
	Publish   *PublishSpec   `yaml:"publish"`
	Subscribe *SubscribeSpec `yaml:"subscribe"`

	Message   string `yaml:"message"`
	MessageID int    `yaml:"messageId"`
	Peer      uint32 `yaml:"peer"`

	// Status names the native status injected by nan_down.
	Status string `yaml:"status"`

	// Event, Count and Timeout describe a wait; Duration sleeps instead.
	Event    string        `yaml:"event"`
	Count    int           `yaml:"count"`
	Timeout  time.Duration `yaml:"timeout"`
	Duration time.Duration `yaml:"duration"`

	// ExpectError makes a step succeed only when the broker rejects it.
	ExpectError bool `yaml:"expectError"`
}

// ConfigSpec is a configuration request. Unset cluster bounds keep the full
// range.
type ConfigSpec struct {
	Support5g        bool `yaml:"support5g"`
	MasterPreference int  `yaml:"masterPreference"`
	ClusterLow       *int `yaml:"clusterLow"`
	ClusterHigh      *int `yaml:"clusterHigh"`
}

// PublishSpec describes a publish. Filters are lists of match filter
// elements.
type PublishSpec struct {
	Service  string   `yaml:"service"`
	Info     string   `yaml:"info"`
	Type     string   `yaml:"type"`
	Count    int      `yaml:"count"`
	TTL      int      `yaml:"ttl"`
	TxFilter []string `yaml:"txFilter"`
	RxFilter []string `yaml:"rxFilter"`
}

// SubscribeSpec describes a subscribe. ResponseFilter lists the publisher
// interface addresses allowed to match.
type SubscribeSpec struct {
	Service        string   `yaml:"service"`
	Info           string   `yaml:"info"`
	Type           string   `yaml:"type"`
	Count          int      `yaml:"count"`
	TTL            int      `yaml:"ttl"`
	TxFilter       []string `yaml:"txFilter"`
	RxFilter       []string `yaml:"rxFilter"`
	ResponseFilter []string `yaml:"responseFilter"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "read scenario %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, oops.Wrapf(ErrInvalidScenario, "decode: %v", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks device and step references.
func (sc *Scenario) Validate() error {
	if len(sc.Devices) == 0 {
		return oops.Wrapf(ErrInvalidScenario, "no devices")
	}
	names := make(map[string]bool, len(sc.Devices))
	for i, d := range sc.Devices {
		if d.Name == "" {
			return oops.Wrapf(ErrInvalidScenario, "device %d has no name", i)
		}
		if names[d.Name] {
			return oops.Wrapf(ErrInvalidScenario, "duplicate device %q", d.Name)
		}
		names[d.Name] = true
		if _, err := d.radioConfig(); err != nil {
			return err
		}
	}
	for i, s := range sc.Steps {
		if err := s.validate(names); err != nil {
			return oops.Wrapf(err, "step %d (%s)", i, s.Action)
		}
	}
	return nil
}

func (s Step) validate(devices map[string]bool) error {
	if s.Action == ActionWait && s.Event == "" {
		if s.Duration <= 0 {
			return oops.Wrapf(ErrInvalidScenario, "wait needs an event or a duration")
		}
		return nil
	}
	if !devices[s.Device] {
		return oops.Wrapf(ErrInvalidScenario, "unknown device %q", s.Device)
	}
	if sessionActions[s.Action] && s.Session == 0 {
		return oops.Wrapf(ErrInvalidScenario, "session is required")
	}
	switch s.Action {
	case ActionConnect, ActionConfig, ActionCreateSession, ActionStop,
		ActionDestroySession, ActionDisconnect, ActionWait, ActionSendMessage:
		return nil
	case ActionPublish:
		if s.Publish == nil {
			return oops.Wrapf(ErrInvalidScenario, "publish block is required")
		}
		_, _, err := s.Publish.build()
		return err
	case ActionSubscribe:
		if s.Subscribe == nil {
			return oops.Wrapf(ErrInvalidScenario, "subscribe block is required")
		}
		_, _, err := s.Subscribe.build()
		return err
	case ActionNanDown:
		if _, ok := nan.ParseNativeStatus(s.statusName()); !ok {
			return oops.Wrapf(ErrInvalidScenario, "unknown status %q", s.Status)
		}
		return nil
	default:
		return oops.Wrapf(ErrInvalidScenario, "unknown action %q", s.Action)
	}
}

func (s Step) client() nan.ClientID {
	if s.Client == 0 {
		return 1
	}
	return nan.ClientID(s.Client)
}

func (s Step) statusName() string {
	if s.Status == "" {
		return nan.StatusDEFailure.String()
	}
	return s.Status
}

func (d Device) radioConfig() (hal.RadioConfig, error) {
	cfg := hal.RadioConfig{ResponseLatency: d.Latency}
	if d.Address != "" {
		mac, err := net.ParseMAC(d.Address)
		if err != nil || len(mac) != 6 {
			return cfg, oops.Wrapf(ErrInvalidScenario, "device %q: bad address %q", d.Name, d.Address)
		}
		cfg.InterfaceAddress = mac
	}
	return cfg, nil
}

func (c *ConfigSpec) build() nan.ConfigRequest {
	req := nan.DefaultConfigRequest()
	if c == nil {
		return req
	}
	req.Support5gBand = c.Support5g
	req.MasterPreference = c.MasterPreference
	if c.ClusterLow != nil {
		req.ClusterLow = *c.ClusterLow
	}
	if c.ClusterHigh != nil {
		req.ClusterHigh = *c.ClusterHigh
	}
	return req
}

func (p *PublishSpec) build() (nan.PublishData, nan.PublishSettings, error) {
	settings := nan.PublishSettings{Count: p.Count, TTLSec: p.TTL}
	switch p.Type {
	case "", "unsolicited":
		settings.Type = nan.PublishUnsolicited
	case "solicited":
		settings.Type = nan.PublishSolicited
	default:
		return nan.PublishData{}, settings, oops.Wrapf(ErrInvalidScenario, "unknown publish type %q", p.Type)
	}
	data := nan.PublishData{
		ServiceName:         p.Service,
		ServiceSpecificInfo: bytesOrNil(p.Info),
		TxFilter:            filter(p.TxFilter),
		RxFilter:            filter(p.RxFilter),
	}
	return data, settings, nil
}

func (s *SubscribeSpec) build() (nan.SubscribeData, nan.SubscribeSettings, error) {
	settings := nan.SubscribeSettings{Count: s.Count, TTLSec: s.TTL}
	switch s.Type {
	case "", "passive":
		settings.Type = nan.SubscribePassive
	case "active":
		settings.Type = nan.SubscribeActive
	default:
		return nan.SubscribeData{}, settings, oops.Wrapf(ErrInvalidScenario, "unknown subscribe type %q", s.Type)
	}
	data := nan.SubscribeData{
		ServiceName:         s.Service,
		ServiceSpecificInfo: bytesOrNil(s.Info),
		TxFilter:            filter(s.TxFilter),
		RxFilter:            filter(s.RxFilter),
	}
	for _, a := range s.ResponseFilter {
		mac, err := net.ParseMAC(a)
		if err != nil {
			return data, settings, oops.Wrapf(ErrInvalidScenario, "bad response filter address %q", a)
		}
		data.ServiceResponseFilter = append(data.ServiceResponseFilter, mac)
	}
	return data, settings, nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func filter(elems []string) []byte {
	if len(elems) == 0 {
		return nil
	}
	bs := make([][]byte, len(elems))
	for i, e := range elems {
		bs[i] = []byte(e)
	}
	return hal.EncodeMatchFilter(bs...)
}
