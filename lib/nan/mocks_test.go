package nan

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// nativeCall is one command recorded by recordingBridge.
type nativeCall struct {
	Op      string
	Tx      TransactionID
	RadioID RadioID
	Peer    PeerID
	MAC     net.HardwareAddr
	Message []byte
	Config  ConfigRequest
	Service string
}

// recordingBridge records every native command and can be told to reject
// the next one.
type recordingBridge struct {
	mu      sync.Mutex
	calls   []nativeCall
	rejectN int
}

func (b *recordingBridge) record(c nativeCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectN > 0 {
		b.rejectN--
		return errors.New("radio busy")
	}
	b.calls = append(b.calls, c)
	return nil
}

func (b *recordingBridge) rejectNext() {
	b.mu.Lock()
	b.rejectN++
	b.mu.Unlock()
}

func (b *recordingBridge) EnableAndConfigure(tx TransactionID, cfg ConfigRequest) error {
	return b.record(nativeCall{Op: "enable", Tx: tx, Config: cfg})
}

func (b *recordingBridge) Disable(tx TransactionID) error {
	return b.record(nativeCall{Op: "disable", Tx: tx})
}

func (b *recordingBridge) Publish(tx TransactionID, id RadioID, data PublishData, _ PublishSettings) error {
	return b.record(nativeCall{Op: "publish", Tx: tx, RadioID: id, Service: data.ServiceName})
}

func (b *recordingBridge) Subscribe(tx TransactionID, id RadioID, data SubscribeData, _ SubscribeSettings) error {
	return b.record(nativeCall{Op: "subscribe", Tx: tx, RadioID: id, Service: data.ServiceName})
}

func (b *recordingBridge) SendMessage(tx TransactionID, id RadioID, peer PeerID, mac net.HardwareAddr, msg []byte) error {
	return b.record(nativeCall{Op: "send", Tx: tx, RadioID: id, Peer: peer, MAC: mac, Message: msg})
}

func (b *recordingBridge) StopPublish(tx TransactionID, id RadioID) error {
	return b.record(nativeCall{Op: "stop_publish", Tx: tx, RadioID: id})
}

func (b *recordingBridge) StopSubscribe(tx TransactionID, id RadioID) error {
	return b.record(nativeCall{Op: "stop_subscribe", Tx: tx, RadioID: id})
}

func (b *recordingBridge) GetCapabilities(tx TransactionID) error {
	return b.record(nativeCall{Op: "capabilities", Tx: tx})
}

func (b *recordingBridge) ops(op string) []nativeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []nativeCall
	for _, c := range b.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *recordingBridge) last(t *testing.T, op string) nativeCall {
	t.Helper()
	calls := b.ops(op)
	require.NotEmpty(t, calls, "no %s call recorded", op)
	return calls[len(calls)-1]
}

// event is one listener callback recorded by the test listeners.
type event struct {
	Name      string
	Fail      FailReason
	Terminate TerminateReason
	Peer      PeerID
	MessageID MessageID
	Data      []byte
	Config    ConfigRequest
}

type recorder struct {
	mu     sync.Mutex
	events []event
	err    error
	panics bool
}

func (r *recorder) add(e event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.panics {
		panic("listener exploded")
	}
	return r.err
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) named(name string) []event {
	var out []event
	for _, e := range r.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type clientRecorder struct{ recorder }

func (c *clientRecorder) OnConfigCompleted(cfg ConfigRequest) error {
	return c.add(event{Name: "config_completed", Config: cfg})
}

func (c *clientRecorder) OnConfigFailed(cfg ConfigRequest, reason FailReason) error {
	return c.add(event{Name: "config_failed", Config: cfg, Fail: reason})
}

func (c *clientRecorder) OnNanDown(reason FailReason) error {
	return c.add(event{Name: "nan_down", Fail: reason})
}

func (c *clientRecorder) OnIdentityChanged() error {
	return c.add(event{Name: "identity_changed"})
}

type sessionRecorder struct{ recorder }

func (s *sessionRecorder) OnPublishFail(reason FailReason) error {
	return s.add(event{Name: "publish_fail", Fail: reason})
}

func (s *sessionRecorder) OnPublishTerminated(reason TerminateReason) error {
	return s.add(event{Name: "publish_terminated", Terminate: reason})
}

func (s *sessionRecorder) OnSubscribeFail(reason FailReason) error {
	return s.add(event{Name: "subscribe_fail", Fail: reason})
}

func (s *sessionRecorder) OnSubscribeTerminated(reason TerminateReason) error {
	return s.add(event{Name: "subscribe_terminated", Terminate: reason})
}

func (s *sessionRecorder) OnMatch(peer PeerID, ssi, _ []byte) error {
	return s.add(event{Name: "match", Peer: peer, Data: ssi})
}

func (s *sessionRecorder) OnMessageSendSuccess(id MessageID) error {
	return s.add(event{Name: "send_success", MessageID: id})
}

func (s *sessionRecorder) OnMessageSendFail(id MessageID, reason FailReason) error {
	return s.add(event{Name: "send_fail", MessageID: id, Fail: reason})
}

func (s *sessionRecorder) OnMessageReceived(peer PeerID, msg []byte) error {
	return s.add(event{Name: "message", Peer: peer, Data: msg})
}

var testCapabilities = Capabilities{
	MaxConcurrentClusters:     1,
	MaxPublishes:              8,
	MaxSubscribes:             8,
	MaxServiceNameLen:         255,
	MaxMatchFilterLen:         255,
	MaxTotalMatchFilterLen:    255,
	MaxServiceSpecificInfoLen: 255,
	MaxMessageLen:             255,
}

// startManager starts a StateManager on a recording bridge and answers the
// capabilities query so the table starts empty.
func startManager(t *testing.T, cfg Config) (*StateManager, *recordingBridge) {
	t.Helper()
	bridge := &recordingBridge{}
	m := NewStateManager(cfg, bridge)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	flush(t, m)
	m.OnCapabilitiesResponse(bridge.last(t, "capabilities").Tx, testCapabilities)
	flush(t, m)
	return m, bridge
}

func flush(t *testing.T, m *StateManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

func snapshot(t *testing.T, m *StateManager) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

func sessionInfo(t *testing.T, m *StateManager, cid ClientID, sid SessionID) SessionInfo {
	t.Helper()
	c, ok := snapshot(t, m).Client(cid)
	require.True(t, ok, "client %d missing", cid)
	for _, s := range c.Sessions {
		if s.ID == sid {
			return s
		}
	}
	require.FailNow(t, "session missing", "client %d session %d", cid, sid)
	return SessionInfo{}
}

// liveSession creates session sid on a connected client and brings it live
// with radioID.
func liveSession(t *testing.T, m *StateManager, b *recordingBridge, cid ClientID, sid SessionID, op SessionOp, radioID RadioID) *sessionRecorder {
	t.Helper()
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(cid, sid, l, EventAllSession))
	if op == OpPublish {
		require.NoError(t, m.Publish(cid, sid, PublishData{ServiceName: "svc"}, PublishSettings{}))
		flush(t, m)
		m.OnPublishSuccess(b.last(t, "publish").Tx, radioID)
	} else {
		require.NoError(t, m.Subscribe(cid, sid, SubscribeData{ServiceName: "svc"}, SubscribeSettings{}))
		flush(t, m)
		m.OnSubscribeSuccess(b.last(t, "subscribe").Tx, radioID)
	}
	flush(t, m)
	return l
}
