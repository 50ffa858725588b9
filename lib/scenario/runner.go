package scenario

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-nan/go-nan/lib/hal"
	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
)

var log = logger.GetNanLogger()

// Event is one recorded listener callback. Session is zero for client
// events.
type Event struct {
	Seq     int
	Device  string
	Client  nan.ClientID
	Session nan.SessionID
	Name    string
	Peer    nan.PeerID
	Detail  string
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d", e.Device, e.Client)
	if e.Session != 0 {
		fmt.Fprintf(&b, "/%d", e.Session)
	}
	b.WriteString(" ")
	b.WriteString(e.Name)
	if e.Peer != 0 {
		fmt.Fprintf(&b, " peer=%d", e.Peer)
	}
	if e.Detail != "" {
		b.WriteString(" ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Result is the transcript of a run plus the final state of every device.
type Result struct {
	Name      string
	Events    []Event
	Snapshots map[string]nan.Snapshot
}

// Count returns how many events named name the device recorded.
func (r *Result) Count(device, name string) int {
	n := 0
	for _, e := range r.Events {
		if e.Device == device && e.Name == name {
			n++
		}
	}
	return n
}

// ForDevice returns the events of one device in order.
func (r *Result) ForDevice(device string) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Device == device {
			out = append(out, e)
		}
	}
	return out
}

type device struct {
	name    string
	radio   *hal.Radio
	manager *nan.StateManager
}

type sessionKey struct {
	device  string
	client  nan.ClientID
	session nan.SessionID
}

// Runner executes one scenario.
type Runner struct {
	sc      *Scenario
	medium  *hal.Medium
	devices map[string]*device
	order   []*device

	mu       sync.Mutex
	events   []Event
	changed  chan struct{}
	lastPeer map[sessionKey]nan.PeerID
}

// Run executes sc and returns its transcript. On a failed step the partial
// result is returned with the error.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	r, err := newRunner(sc)
	if err != nil {
		return nil, err
	}
	defer r.close()

	for i, step := range sc.Steps {
		if err := r.step(ctx, step); err != nil {
			log.WithFields(logger.Fields{
				"at":     "scenario.Run",
				"step":   i,
				"action": step.Action,
				"error":  err.Error(),
			}).Debug("step_failed")
			return r.result(), oops.Wrapf(err, "step %d (%s)", i, step.Action)
		}
	}
	return r.result(), nil
}

func newRunner(sc *Scenario) (*Runner, error) {
	r := &Runner{
		sc:       sc,
		medium:   hal.NewMedium(),
		devices:  make(map[string]*device),
		changed:  make(chan struct{}),
		lastPeer: make(map[sessionKey]nan.PeerID),
	}
	for _, d := range sc.Devices {
		cfg, err := d.radioConfig()
		if err != nil {
			r.close()
			return nil, err
		}
		radio := hal.NewRadio(r.medium, cfg)
		manager := nan.NewStateManager(nan.DefaultConfig(), radio)
		radio.SetCallbacks(manager)
		dev := &device{name: d.Name, radio: radio, manager: manager}
		r.devices[d.Name] = dev
		r.order = append(r.order, dev)
		if err := manager.Start(context.Background()); err != nil {
			r.close()
			return nil, oops.Wrapf(err, "start device %q", d.Name)
		}
	}
	return r, nil
}

func (r *Runner) close() {
	for _, d := range r.order {
		d.manager.Stop()
		d.radio.Close()
	}
}

func (r *Runner) result() *Result {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := &Result{Name: r.sc.Name, Snapshots: make(map[string]nan.Snapshot)}
	for _, d := range r.order {
		snap, err := d.manager.Snapshot(ctx)
		if err != nil {
			continue
		}
		res.Snapshots[d.name] = snap
	}
	r.mu.Lock()
	res.Events = append([]Event(nil), r.events...)
	r.mu.Unlock()
	return res
}

func (r *Runner) step(ctx context.Context, s Step) error {
	if s.Action == ActionWait {
		return r.wait(ctx, s)
	}
	d := r.devices[s.Device]
	cid, sid := s.client(), nan.SessionID(s.Session)

	var err error
	switch s.Action {
	case ActionConnect:
		err = d.manager.Connect(cid, &clientRecorder{r: r, device: d.name, client: cid}, nan.EventAllClient)
	case ActionConfig:
		err = d.manager.RequestConfig(cid, s.Config.build())
	case ActionCreateSession:
		rec := &sessionRecorder{r: r, key: sessionKey{device: d.name, client: cid, session: sid}}
		err = d.manager.CreateSession(cid, sid, rec, nan.EventAllSession)
	case ActionPublish:
		data, settings, _ := s.Publish.build()
		err = d.manager.Publish(cid, sid, data, settings)
	case ActionSubscribe:
		data, settings, _ := s.Subscribe.build()
		err = d.manager.Subscribe(cid, sid, data, settings)
	case ActionSendMessage:
		peer := nan.PeerID(s.Peer)
		if peer == 0 {
			peer = r.peerFor(sessionKey{device: d.name, client: cid, session: sid})
		}
		if peer == 0 {
			return oops.Errorf("no peer known for session %d on %s", sid, d.name)
		}
		err = d.manager.SendMessage(cid, sid, peer, []byte(s.Message), nan.MessageID(s.MessageID))
	case ActionStop:
		err = d.manager.StopSession(cid, sid)
	case ActionDestroySession:
		err = d.manager.DestroySession(cid, sid)
	case ActionDisconnect:
		err = d.manager.Disconnect(cid)
	case ActionNanDown:
		status, _ := nan.ParseNativeStatus(s.statusName())
		d.radio.NanDown(status)
	}

	switch {
	case err != nil && s.ExpectError:
		r.record(Event{Device: d.name, Client: cid, Session: sid, Name: "rejected", Detail: err.Error()})
	case err != nil:
		return err
	case s.ExpectError:
		return oops.Errorf("%s on %s was accepted, expected an error", s.Action, d.name)
	}
	return d.manager.Flush(ctx)
}

func (r *Runner) wait(ctx context.Context, s Step) error {
	if s.Event == "" {
		select {
		case <-time.After(s.Duration):
			return nil
		case <-ctx.Done():
			return oops.Wrapf(ctx.Err(), "wait %s", s.Duration)
		}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	want := s.Count
	if want < 1 {
		want = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		n := r.countLocked(s)
		changed := r.changed
		r.mu.Unlock()
		if n >= want {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return oops.Errorf("timed out after %s waiting for %d %s on %s (saw %d)", timeout, want, s.Event, s.Device, n)
		case <-ctx.Done():
			return oops.Wrapf(ctx.Err(), "wait for %s on %s", s.Event, s.Device)
		}
	}
}

func (r *Runner) countLocked(s Step) int {
	n := 0
	for _, e := range r.events {
		if e.Device != s.Device || e.Name != s.Event || e.Client != s.client() {
			continue
		}
		if s.Session != 0 && e.Session != nan.SessionID(s.Session) {
			continue
		}
		n++
	}
	return n
}

func (r *Runner) peerFor(key sessionKey) nan.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPeer[key]
}

func (r *Runner) record(e Event) {
	r.mu.Lock()
	e.Seq = len(r.events) + 1
	r.events = append(r.events, e)
	if e.Peer != 0 {
		r.lastPeer[sessionKey{device: e.Device, client: e.Client, session: e.Session}] = e.Peer
	}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":    "scenario.Runner.record",
		"event": e.String(),
	}).Debug("event_recorded")
}

type clientRecorder struct {
	r      *Runner
	device string
	client nan.ClientID
}

func (c *clientRecorder) add(name, detail string) error {
	c.r.record(Event{Device: c.device, Client: c.client, Name: name, Detail: detail})
	return nil
}

func (c *clientRecorder) OnConfigCompleted(cfg nan.ConfigRequest) error {
	return c.add("config_completed", cfg.String())
}

func (c *clientRecorder) OnConfigFailed(cfg nan.ConfigRequest, reason nan.FailReason) error {
	return c.add("config_failed", "reason="+reason.String())
}

func (c *clientRecorder) OnNanDown(reason nan.FailReason) error {
	return c.add("nan_down", "reason="+reason.String())
}

func (c *clientRecorder) OnIdentityChanged() error {
	return c.add("identity_changed", "")
}

type sessionRecorder struct {
	r   *Runner
	key sessionKey
}

func (s *sessionRecorder) add(name string, peer nan.PeerID, detail string) error {
	s.r.record(Event{
		Device:  s.key.device,
		Client:  s.key.client,
		Session: s.key.session,
		Name:    name,
		Peer:    peer,
		Detail:  detail,
	})
	return nil
}

func (s *sessionRecorder) OnPublishFail(reason nan.FailReason) error {
	return s.add("publish_fail", 0, "reason="+reason.String())
}

func (s *sessionRecorder) OnPublishTerminated(reason nan.TerminateReason) error {
	return s.add("publish_terminated", 0, "reason="+reason.String())
}

func (s *sessionRecorder) OnSubscribeFail(reason nan.FailReason) error {
	return s.add("subscribe_fail", 0, "reason="+reason.String())
}

func (s *sessionRecorder) OnSubscribeTerminated(reason nan.TerminateReason) error {
	return s.add("subscribe_terminated", 0, "reason="+reason.String())
}

func (s *sessionRecorder) OnMatch(peer nan.PeerID, ssi, _ []byte) error {
	detail := ""
	if len(ssi) > 0 {
		detail = fmt.Sprintf("info=%q", ssi)
	}
	return s.add("match", peer, detail)
}

func (s *sessionRecorder) OnMessageSendSuccess(id nan.MessageID) error {
	return s.add("message_send_success", 0, fmt.Sprintf("id=%d", id))
}

func (s *sessionRecorder) OnMessageSendFail(id nan.MessageID, reason nan.FailReason) error {
	return s.add("message_send_fail", 0, fmt.Sprintf("id=%d reason=%s", id, reason))
}

func (s *sessionRecorder) OnMessageReceived(peer nan.PeerID, message []byte) error {
	return s.add("message_received", peer, fmt.Sprintf("message=%q", message))
}
