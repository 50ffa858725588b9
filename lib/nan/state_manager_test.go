package nan

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0a}
	macB = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0b}
)

func clientIDs(s Snapshot) []ClientID {
	var ids []ClientID
	for _, c := range s.Clients {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestStateManagerStartTwice(t *testing.T) {
	m, _ := startManager(t, DefaultConfig())
	err := m.Start(context.Background())
	assert.True(t, errors.Is(err, ErrManagerRunning))
}

func TestStateManagerClosedAfterStop(t *testing.T) {
	m, _ := startManager(t, DefaultConfig())
	m.Stop()

	err := m.Connect(1, &clientRecorder{}, EventAllClient)
	assert.True(t, errors.Is(err, ErrManagerClosed))
	assert.True(t, errors.Is(m.Start(context.Background()), ErrManagerClosed))
}

func TestStateManagerSynchronousValidation(t *testing.T) {
	m, b := startManager(t, DefaultConfig())

	assert.True(t, errors.Is(m.Connect(1, nil, EventAllClient), ErrInvalidArgument))
	assert.True(t, errors.Is(m.Publish(1, 1, PublishData{}, PublishSettings{}), ErrInvalidArgument))
	assert.True(t, errors.Is(m.Subscribe(1, 1, SubscribeData{ServiceName: "x"}, SubscribeSettings{Type: 9}), ErrInvalidArgument))
	assert.True(t, errors.Is(m.RequestConfig(1, ConfigRequest{ClusterLow: 9, ClusterHigh: 1}), ErrInvalidArgument))

	flush(t, m)
	assert.Len(t, b.ops(""), 1, "only the capabilities query reaches the radio")
}

func TestConnectDisconnectTracksClientSet(t *testing.T) {
	m, _ := startManager(t, DefaultConfig())
	first := &clientRecorder{}

	require.NoError(t, m.Connect(1, first, EventAllClient))
	require.NoError(t, m.Connect(2, &clientRecorder{}, EventAllClient))
	require.NoError(t, m.Connect(3, &clientRecorder{}, EventAllClient))
	require.NoError(t, m.Connect(1, &clientRecorder{}, 0))
	require.NoError(t, m.Disconnect(2))
	require.NoError(t, m.Disconnect(99))
	require.NoError(t, m.Disconnect(2))

	s := snapshot(t, m)
	assert.Equal(t, []ClientID{1, 3}, clientIDs(s))

	c, ok := s.Client(1)
	require.True(t, ok)
	assert.Equal(t, EventAllClient, c.Mask, "duplicate connect must not replace the client")
}

func TestConnectSendsNothingToRadio(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	flush(t, m)
	assert.Len(t, b.ops(""), 1)
}

func TestPublishThenSubscribeIsContractViolation(t *testing.T) {
	var mu sync.Mutex
	var violations []error
	cfg := DefaultConfig()
	cfg.OnContractViolation = func(err error) {
		mu.Lock()
		violations = append(violations, err)
		mu.Unlock()
	}
	m, b := startManager(t, cfg)
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	liveSession(t, m, b, 1, 10, OpPublish, 7)

	require.NoError(t, m.Subscribe(1, 10, SubscribeData{ServiceName: "svc"}, SubscribeSettings{}))
	flush(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, violations, 1)
	assert.True(t, errors.Is(violations[0], ErrSessionKindConflict))
	assert.Empty(t, b.ops("subscribe"))
	assert.Equal(t, KindPublish, sessionInfo(t, m, 1, 10).Kind)
}

func TestRepublishUpdatesRadioID(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	liveSession(t, m, b, 1, 10, OpPublish, 7)

	require.NoError(t, m.Publish(1, 10, PublishData{ServiceName: "svc2"}, PublishSettings{}))
	flush(t, m)
	update := b.last(t, "publish")
	assert.Equal(t, RadioID(7), update.RadioID, "update carries the live radio id")
	assert.Equal(t, "svc2", update.Service)

	m.OnPublishSuccess(update.Tx, 8)
	info := sessionInfo(t, m, 1, 10)
	assert.True(t, info.Live)
	assert.Equal(t, RadioID(8), info.RadioID)
}

func TestNewPublishAfterFailureUsesZeroRadioID(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc"}, PublishSettings{}))
	flush(t, m)

	m.OnPublishFail(b.last(t, "publish").Tx, StatusNoSpaceAvailable)
	flush(t, m)
	require.Len(t, l.named("publish_fail"), 1)
	assert.Equal(t, FailReasonNoResources, l.named("publish_fail")[0].Fail)

	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc"}, PublishSettings{}))
	flush(t, m)
	assert.Equal(t, RadioID(0), b.last(t, "publish").RadioID)
}

func TestTransactionConsumedExactlyOnce(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpPublish, 5)
	tx := b.last(t, "publish").Tx

	m.OnPublishFail(tx, StatusTimeout)
	flush(t, m)

	assert.Empty(t, l.named("publish_fail"))
	info := sessionInfo(t, m, 1, 1)
	assert.True(t, info.Live)
	assert.Equal(t, 0, snapshot(t, m).Pending)
}

func TestUnknownTransactionConsumesEntry(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc"}, PublishSettings{}))
	flush(t, m)
	tx := b.last(t, "publish").Tx
	require.Equal(t, 1, snapshot(t, m).Pending)

	m.OnUnknownTransaction(ResponsePublish, tx, StatusSuccess)
	m.OnPublishSuccess(tx, 3)
	flush(t, m)

	assert.Equal(t, 0, snapshot(t, m).Pending)
	assert.False(t, sessionInfo(t, m, 1, 1).Live)
	assert.Empty(t, l.all())
}

func TestSendMessageWithoutMatchFailsLocally(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	idle := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, idle, EventAllSession))
	live := liveSession(t, m, b, 1, 2, OpSubscribe, 9)

	require.NoError(t, m.SendMessage(1, 1, 4, []byte("hi"), 100))
	require.NoError(t, m.SendMessage(1, 2, 4, []byte("hi"), 101))
	flush(t, m)

	assert.Equal(t, []event{{Name: "send_fail", MessageID: 100, Fail: FailReasonNoMatchSession}}, idle.all())
	assert.Equal(t, []event{{Name: "send_fail", MessageID: 101, Fail: FailReasonNoMatchSession}}, live.all())
	assert.Empty(t, b.ops("send"))
	assert.Equal(t, 0, snapshot(t, m).Pending)
}

func TestSendMessageRoundTrip(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpSubscribe, 9)

	m.OnMatch(9, 4, macA, []byte("info"), nil)
	require.NoError(t, m.SendMessage(1, 1, 4, []byte("hello"), 55))
	flush(t, m)

	send := b.last(t, "send")
	assert.Equal(t, RadioID(9), send.RadioID)
	assert.Equal(t, PeerID(4), send.Peer)
	assert.Equal(t, macA, send.MAC)
	assert.Equal(t, []byte("hello"), send.Message)

	m.OnMessageSendSuccess(send.Tx)
	flush(t, m)
	assert.Equal(t, []event{{Name: "send_success", MessageID: 55}}, l.named("send_success"))

	require.NoError(t, m.SendMessage(1, 1, 4, []byte("again"), 56))
	flush(t, m)
	m.OnMessageSendFail(b.last(t, "send").Tx, StatusNoSpaceAvailable)
	flush(t, m)
	assert.Equal(t, []event{{Name: "send_fail", MessageID: 56, Fail: FailReasonNoResources}}, l.named("send_fail"))
}

func TestDisconnectStopsLiveSessionsAndPurges(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	liveSession(t, m, b, 1, 1, OpPublish, 11)
	liveSession(t, m, b, 1, 2, OpSubscribe, 12)
	pendingListener := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 3, pendingListener, EventAllSession))
	require.NoError(t, m.Publish(1, 3, PublishData{ServiceName: "late"}, PublishSettings{}))
	flush(t, m)
	purgedTx := b.last(t, "publish").Tx

	require.NoError(t, m.Disconnect(1))
	flush(t, m)

	stops := append(b.ops("stop_publish"), b.ops("stop_subscribe")...)
	require.Len(t, stops, 2)
	assert.Equal(t, RadioID(11), b.last(t, "stop_publish").RadioID)
	assert.Equal(t, RadioID(12), b.last(t, "stop_subscribe").RadioID)
	assert.Len(t, b.ops("disable"), 1, "last client gone disables the radio")

	s := snapshot(t, m)
	assert.Empty(t, s.Clients)
	assert.Equal(t, 3, s.Pending, "two stops and the disable remain")

	m.OnPublishSuccess(purgedTx, 99)
	flush(t, m)
	assert.Empty(t, pendingListener.all())
	assert.Equal(t, 3, snapshot(t, m).Pending)

	for _, c := range stops {
		m.OnUnknownTransaction(ResponsePublishCancel, c.Tx, StatusSuccess)
	}
	m.OnUnknownTransaction(ResponseDisabled, b.last(t, "disable").Tx, StatusSuccess)
	assert.Equal(t, 0, snapshot(t, m).Pending)
}

func TestDisconnectResubmitsMergedConfig(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	require.NoError(t, m.Connect(2, &clientRecorder{}, EventAllClient))

	first := DefaultConfigRequest()
	first.MasterPreference = 3
	second := ConfigRequest{Support5gBand: true, MasterPreference: 1, ClusterLow: 10, ClusterHigh: 20}
	require.NoError(t, m.RequestConfig(1, first))
	require.NoError(t, m.RequestConfig(2, second))
	flush(t, m)

	assert.Equal(t, ConfigRequest{Support5gBand: true, MasterPreference: 3, ClusterLow: 10, ClusterHigh: 20},
		b.last(t, "enable").Config)

	require.NoError(t, m.Disconnect(2))
	flush(t, m)
	assert.Equal(t, first, b.last(t, "enable").Config)
	assert.Empty(t, b.ops("disable"))
}

func TestConfigResponsesBroadcastToAllClients(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	requester := &clientRecorder{}
	bystander := &clientRecorder{}
	deaf := &clientRecorder{}
	require.NoError(t, m.Connect(1, requester, EventAllClient))
	require.NoError(t, m.Connect(2, bystander, EventConfigCompleted|EventConfigFailed))
	require.NoError(t, m.Connect(3, deaf, EventNanDown))

	cfg := DefaultConfigRequest()
	cfg.MasterPreference = 9
	require.NoError(t, m.RequestConfig(1, cfg))
	flush(t, m)
	m.OnConfigCompleted(b.last(t, "enable").Tx)
	flush(t, m)

	want := []event{{Name: "config_completed", Config: cfg}}
	assert.Equal(t, want, requester.all())
	assert.Equal(t, want, bystander.all())
	assert.Empty(t, deaf.all())
	require.NotNil(t, snapshot(t, m).Config)
	assert.Equal(t, cfg, *snapshot(t, m).Config)

	require.NoError(t, m.RequestConfig(2, cfg))
	flush(t, m)
	m.OnConfigFailed(b.last(t, "enable").Tx, StatusInvalidTLVValue)
	flush(t, m)
	assert.Equal(t, []event{{Name: "config_failed", Config: cfg, Fail: FailReasonInvalidArgs}}, bystander.named("config_failed"))
	assert.Len(t, requester.named("config_failed"), 1)
}

func TestListenerFailureDoesNotAbortFanOut(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	broken := &clientRecorder{}
	broken.err = errors.New("binder died")
	panicky := &clientRecorder{}
	panicky.panics = true
	healthy := &clientRecorder{}
	require.NoError(t, m.Connect(1, broken, EventAllClient))
	require.NoError(t, m.Connect(2, panicky, EventAllClient))
	require.NoError(t, m.Connect(3, healthy, EventAllClient))

	require.NoError(t, m.RequestConfig(1, DefaultConfigRequest()))
	flush(t, m)
	m.OnConfigCompleted(b.last(t, "enable").Tx)
	flush(t, m)

	assert.Len(t, broken.all(), 1)
	assert.Len(t, panicky.all(), 1)
	assert.Len(t, healthy.all(), 1)
}

func TestMatchLastWriteWins(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpSubscribe, 20)

	m.OnMatch(20, 4, macA, []byte("first"), nil)
	m.OnMatch(20, 4, macB, []byte("second"), nil)
	flush(t, m)

	matches := l.named("match")
	require.Len(t, matches, 2)
	assert.Equal(t, []byte("second"), matches[1].Data)
	assert.Equal(t, macB.String(), sessionInfo(t, m, 1, 1).Peers[4])

	require.NoError(t, m.SendMessage(1, 1, 4, []byte("x"), 1))
	flush(t, m)
	assert.Equal(t, macB, b.last(t, "send").MAC)
}

func TestMessageReceivedLearnsPeer(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpPublish, 30)

	m.OnMessageReceived(30, 6, macA, []byte("ping"))
	m.OnMessageReceived(31, 6, macA, []byte("lost"))
	flush(t, m)

	assert.Equal(t, []event{{Name: "message", Peer: 6, Data: []byte("ping")}}, l.all())
	assert.Equal(t, macA.String(), sessionInfo(t, m, 1, 1).Peers[6])
}

func TestSessionMaskFiltersEvents(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventSubscribeTerminated))
	require.NoError(t, m.Subscribe(1, 1, SubscribeData{ServiceName: "svc"}, SubscribeSettings{}))
	flush(t, m)
	m.OnSubscribeSuccess(b.last(t, "subscribe").Tx, 40)
	m.OnMatch(40, 1, macA, nil, nil)
	m.OnSubscribeTerminated(40, TerminatedCountReached)
	flush(t, m)

	assert.Equal(t, []event{{Name: "subscribe_terminated", Terminate: TerminateReasonDone}}, l.all())
	assert.False(t, sessionInfo(t, m, 1, 1).Live)
}

func TestTerminatedMatchesKindAndRadioID(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	pub := liveSession(t, m, b, 1, 1, OpPublish, 50)
	sub := liveSession(t, m, b, 1, 2, OpSubscribe, 50)

	m.OnPublishTerminated(50, TerminatedFailure)
	flush(t, m)

	assert.Equal(t, []event{{Name: "publish_terminated", Terminate: TerminateReasonFail}}, pub.all())
	assert.Empty(t, sub.all())
	assert.True(t, sessionInfo(t, m, 1, 2).Live)
}

func TestStopSession(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	require.NoError(t, m.CreateSession(1, 1, &sessionRecorder{}, EventAllSession))
	liveSession(t, m, b, 1, 2, OpSubscribe, 61)

	require.NoError(t, m.StopSession(1, 1))
	require.NoError(t, m.StopSession(1, 2))
	flush(t, m)

	assert.Empty(t, b.ops("stop_publish"))
	require.Len(t, b.ops("stop_subscribe"), 1)
	assert.Equal(t, RadioID(61), b.last(t, "stop_subscribe").RadioID)
}

func TestDestroySessionStopsAndRemoves(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	liveSession(t, m, b, 1, 1, OpPublish, 70)
	require.NoError(t, m.SendMessage(1, 1, 3, nil, 1))
	m.OnMatch(70, 3, macA, nil, nil)
	require.NoError(t, m.SendMessage(1, 1, 3, []byte("bye"), 2))
	flush(t, m)
	require.Equal(t, 1, snapshot(t, m).Pending)

	require.NoError(t, m.DestroySession(1, 1))
	require.NoError(t, m.DestroySession(1, 1))
	flush(t, m)

	require.Len(t, b.ops("stop_publish"), 1)
	s := snapshot(t, m)
	c, ok := s.Client(1)
	require.True(t, ok)
	assert.Empty(t, c.Sessions)
	assert.Equal(t, 1, s.Pending, "message purged, stop pending")
}

func TestCreateSessionReplacesExistingID(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	liveSession(t, m, b, 1, 1, OpPublish, 80)

	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc2"}, PublishSettings{}))
	flush(t, m)
	require.Equal(t, 1, snapshot(t, m).Pending)

	require.NoError(t, m.CreateSession(1, 1, &sessionRecorder{}, EventAllSession))
	info := sessionInfo(t, m, 1, 1)
	assert.Equal(t, KindUnbound, info.Kind)
	assert.False(t, info.Live)

	require.Len(t, b.ops("stop_publish"), 1, "replaced live session is stopped on the radio")
	assert.Equal(t, RadioID(80), b.last(t, "stop_publish").RadioID)
	assert.Equal(t, 1, snapshot(t, m).Pending, "update purged, stop pending")
}

func TestCreateSessionReplacingIdleSessionSendsNoStop(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	require.NoError(t, m.CreateSession(1, 1, &sessionRecorder{}, EventAllSession))
	require.NoError(t, m.CreateSession(1, 1, &sessionRecorder{}, EventAllSession))
	flush(t, m)

	assert.Empty(t, b.ops("stop_publish"))
	assert.Empty(t, b.ops("stop_subscribe"))
}

func TestNanDownClearsLiveSessions(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	watcher := &clientRecorder{}
	require.NoError(t, m.Connect(1, watcher, EventNanDown))
	require.NoError(t, m.Connect(2, &clientRecorder{}, EventConfigCompleted))
	liveSession(t, m, b, 1, 1, OpPublish, 90)

	m.OnNanDown(StatusDEFailure)
	flush(t, m)

	assert.Equal(t, []event{{Name: "nan_down", Fail: FailReasonOther}}, watcher.all())
	assert.False(t, sessionInfo(t, m, 1, 1).Live)
	assert.Nil(t, snapshot(t, m).Config)
}

func TestIdentityChangeBroadcast(t *testing.T) {
	m, _ := startManager(t, DefaultConfig())
	interested := &clientRecorder{}
	other := &clientRecorder{}
	require.NoError(t, m.Connect(1, interested, EventIdentityChanged))
	require.NoError(t, m.Connect(2, other, EventConfigCompleted))

	m.OnInterfaceAddressChange(macA)
	m.OnClusterChange(ClusterJoined, macB)
	flush(t, m)

	assert.Len(t, interested.named("identity_changed"), 2)
	assert.Empty(t, other.all())
	s := snapshot(t, m)
	assert.Equal(t, macA.String(), s.InterfaceAddress)
	assert.Equal(t, macB.String(), s.ClusterID)
}

func TestNativeRejectionFailsLocally(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))

	b.rejectNext()
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc"}, PublishSettings{}))
	flush(t, m)

	assert.Equal(t, []event{{Name: "publish_fail", Fail: FailReasonOther}}, l.all())
	assert.Equal(t, 0, snapshot(t, m).Pending)
}

func TestCapabilitiesLimitDiscovery(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))

	long := make([]byte, testCapabilities.MaxServiceSpecificInfoLen+1)
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc", ServiceSpecificInfo: long}, PublishSettings{}))
	flush(t, m)

	assert.Equal(t, []event{{Name: "publish_fail", Fail: FailReasonInvalidArgs}}, l.all())
	assert.Empty(t, b.ops("publish"))
	require.NotNil(t, snapshot(t, m).Capabilities)
}

func TestPendingTransactionTimeout(t *testing.T) {
	cfg := Config{TransactionTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond}
	m, b := startManager(t, cfg)
	client := &clientRecorder{}
	require.NoError(t, m.Connect(1, client, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))
	require.NoError(t, m.Subscribe(1, 1, SubscribeData{ServiceName: "svc"}, SubscribeSettings{}))
	require.NoError(t, m.RequestConfig(1, DefaultConfigRequest()))
	flush(t, m)
	late := b.last(t, "subscribe").Tx

	require.Eventually(t, func() bool {
		return len(l.named("subscribe_fail")) == 1 && len(client.named("config_failed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FailReasonOther, l.named("subscribe_fail")[0].Fail)
	assert.Equal(t, 0, snapshot(t, m).Pending)

	m.OnSubscribeSuccess(late, 5)
	flush(t, m)
	assert.False(t, sessionInfo(t, m, 1, 1).Live, "late response after expiry is dropped")
}

func TestRejectedUpdateKeepsLiveSession(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpPublish, 7)

	long := make([]byte, testCapabilities.MaxServiceSpecificInfoLen+1)
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc", ServiceSpecificInfo: long}, PublishSettings{}))
	flush(t, m)

	assert.Equal(t, []event{{Name: "publish_fail", Fail: FailReasonInvalidArgs}}, l.named("publish_fail"))
	info := sessionInfo(t, m, 1, 1)
	assert.True(t, info.Live)
	assert.Equal(t, RadioID(7), info.RadioID)

	m.OnMatch(7, 3, macA, nil, nil)
	flush(t, m)
	assert.Len(t, l.named("match"), 1)

	require.NoError(t, m.DestroySession(1, 1))
	flush(t, m)
	require.Len(t, b.ops("stop_publish"), 1)
	assert.Equal(t, RadioID(7), b.last(t, "stop_publish").RadioID)
}

func TestNativeRejectedUpdateKeepsLiveSession(t *testing.T) {
	m, b := startManager(t, DefaultConfig())
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := liveSession(t, m, b, 1, 1, OpSubscribe, 12)

	b.rejectNext()
	require.NoError(t, m.Subscribe(1, 1, SubscribeData{ServiceName: "svc2"}, SubscribeSettings{}))
	flush(t, m)

	assert.Equal(t, []event{{Name: "subscribe_fail", Fail: FailReasonOther}}, l.named("subscribe_fail"))
	info := sessionInfo(t, m, 1, 1)
	assert.True(t, info.Live)
	assert.Equal(t, RadioID(12), info.RadioID)

	require.NoError(t, m.StopSession(1, 1))
	flush(t, m)
	require.Len(t, b.ops("stop_subscribe"), 1)
	assert.Equal(t, RadioID(12), b.last(t, "stop_subscribe").RadioID)
}

func TestKindConflictCheckedBeforeCapabilities(t *testing.T) {
	var (
		mu         sync.Mutex
		violations []error
	)
	cfg := DefaultConfig()
	cfg.OnContractViolation = func(err error) {
		mu.Lock()
		violations = append(violations, err)
		mu.Unlock()
	}
	m, b := startManager(t, cfg)
	require.NoError(t, m.Connect(1, &clientRecorder{}, EventAllClient))
	l := &sessionRecorder{}
	require.NoError(t, m.CreateSession(1, 1, l, EventAllSession))

	long := make([]byte, testCapabilities.MaxServiceSpecificInfoLen+1)
	require.NoError(t, m.Publish(1, 1, PublishData{ServiceName: "svc", ServiceSpecificInfo: long}, PublishSettings{}))
	flush(t, m)
	assert.Len(t, l.named("publish_fail"), 1)
	assert.Equal(t, KindPublish, sessionInfo(t, m, 1, 1).Kind)

	require.NoError(t, m.Subscribe(1, 1, SubscribeData{ServiceName: "svc"}, SubscribeSettings{}))
	flush(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, violations, 1)
	assert.True(t, errors.Is(violations[0], ErrSessionKindConflict))
	assert.Empty(t, b.ops("subscribe"))
	assert.Empty(t, l.named("subscribe_fail"))
}

// gatedBridge blocks the capability query until released.
type gatedBridge struct {
	recordingBridge
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBridge) GetCapabilities(tx TransactionID) error {
	close(b.entered)
	<-b.release
	return b.recordingBridge.GetCapabilities(tx)
}

func TestStopReleasesQueuedWaiters(t *testing.T) {
	b := &gatedBridge{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewStateManager(DefaultConfig(), b)
	require.NoError(t, m.Start(context.Background()))
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the radio")
	}

	flushed := make(chan error, 1)
	go func() { flushed <- m.Flush(context.Background()) }()
	snapped := make(chan error, 1)
	go func() {
		_, err := m.Snapshot(context.Background())
		snapped <- err
	}()
	require.Eventually(t, func() bool {
		m.queue.mu.Lock()
		defer m.queue.mu.Unlock()
		return len(m.queue.items) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	for _, ch := range []chan error{flushed, snapped} {
		select {
		case err := <-ch:
			assert.True(t, errors.Is(err, ErrManagerClosed))
		case <-time.After(2 * time.Second):
			t.Fatal("waiter still blocked after Stop")
		}
	}

	close(b.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, errors.Is(m.Flush(context.Background()), ErrManagerClosed))
}
