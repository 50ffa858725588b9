package nan

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
)

// Config holds StateManager tuning.
type Config struct {
	// TransactionTimeout is how long a command may wait for its response
	// before it is failed locally. Zero disables expiry.
	TransactionTimeout time.Duration

	// SweepInterval is how often pending transactions are checked for
	// expiry.
	SweepInterval time.Duration

	// OnContractViolation, if set, receives caller bugs detected inside the
	// worker, such as publishing on a subscribe session.
	OnContractViolation func(error)
}

// DefaultConfig returns the default StateManager configuration.
func DefaultConfig() Config {
	return Config{
		TransactionTimeout: 10 * time.Second,
		SweepInterval:      time.Second,
	}
}

// StateManager brokers between API clients and the radio. All client,
// session and transaction state is owned by a single worker goroutine;
// public methods enqueue work and return without waiting for it.
type StateManager struct {
	config Config
	native NativeBridge
	queue  *workQueue

	// Worker-owned state.
	clients   map[ClientID]*Client
	table     *TransactionTable
	current   *ConfigRequest
	caps      *Capabilities
	ifaceAddr net.HardwareAddr
	clusterID net.HardwareAddr

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStateManager creates a StateManager issuing commands to native. The
// radio driver must be pointed back at the returned manager as its
// NativeCallbacks.
func NewStateManager(config Config, native NativeBridge) *StateManager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &StateManager{
		config:  config,
		native:  native,
		queue:   newWorkQueue(),
		clients: make(map[ClientID]*Client),
		table:   NewTransactionTable(),
		closed:  make(chan struct{}),
	}
}

// Start launches the worker and queries the radio capabilities.
func (m *StateManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return oops.Wrapf(ErrManagerRunning, "start")
	}
	if m.queue.isClosed() {
		return oops.Wrapf(ErrManagerClosed, "start")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.run()

	log.WithFields(logger.Fields{
		"at":                  "nan.StateManager.Start",
		"transaction_timeout": m.config.TransactionTimeout,
		"sweep_interval":      m.config.SweepInterval,
	}).Info("state_manager_started")

	return m.queue.push(m.queryCapabilities)
}

// Stop terminates the worker. Queued work that has not run yet is dropped
// and every later call fails with ErrManagerClosed. Callers blocked in Flush
// or Snapshot return ErrManagerClosed.
func (m *StateManager) Stop() {
	m.queue.close()
	m.closeOnce.Do(func() { close(m.closed) })

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.WithField("at", "nan.StateManager.Stop").Info("state_manager_stopped")
}

func (m *StateManager) run() {
	defer m.wg.Done()

	var sweep <-chan time.Time
	if m.config.TransactionTimeout > 0 {
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.queue.signal:
			for _, task := range m.queue.drain() {
				if m.ctx.Err() != nil {
					return
				}
				m.runTask(task)
			}
		case now := <-sweep:
			m.runTask(func() { m.expireTransactions(now) })
		}
	}
}

func (m *StateManager) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "nan.StateManager.runTask",
				"panic": r,
			}).Error("task_panicked")
		}
	}()
	task()
}

// submit queues task for the worker.
func (m *StateManager) submit(task func()) error {
	return m.queue.push(task)
}

// Connect registers a client. Connecting an id that is already present is
// logged and ignored.
func (m *StateManager) Connect(id ClientID, listener EventListener, mask EventMask) error {
	if listener == nil {
		return oops.Wrapf(ErrInvalidArgument, "connect: nil listener for client %d", id)
	}
	return m.submit(func() { m.handleConnect(id, listener, mask) })
}

// Disconnect removes a client, its sessions and its pending transactions.
func (m *StateManager) Disconnect(id ClientID) error {
	return m.submit(func() { m.handleDisconnect(id) })
}

// RequestConfig stores the client's configuration request and pushes the
// merged configuration of all clients to the radio.
func (m *StateManager) RequestConfig(id ClientID, cfg ConfigRequest) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.submit(func() { m.handleRequestConfig(id, cfg) })
}

// CreateSession registers a discovery session for the client. An existing
// session with the same id is replaced.
func (m *StateManager) CreateSession(cid ClientID, sid SessionID, listener SessionListener, mask EventMask) error {
	if listener == nil {
		return oops.Wrapf(ErrInvalidArgument, "create session: nil listener for client %d session %d", cid, sid)
	}
	return m.submit(func() { m.handleCreateSession(cid, sid, listener, mask) })
}

// DestroySession stops (if live) and removes a session.
func (m *StateManager) DestroySession(cid ClientID, sid SessionID) error {
	return m.submit(func() { m.handleDestroySession(cid, sid) })
}

// StopSession stops the session's publish or subscribe on the radio. The
// session itself remains and may be published or subscribed again.
func (m *StateManager) StopSession(cid ClientID, sid SessionID) error {
	return m.submit(func() { m.handleStopSession(cid, sid) })
}

// Publish starts or updates a publish on the session.
func (m *StateManager) Publish(cid ClientID, sid SessionID, data PublishData, settings PublishSettings) error {
	if err := data.validate(); err != nil {
		return err
	}
	if err := settings.validate(); err != nil {
		return err
	}
	return m.submit(func() { m.handlePublish(cid, sid, data, settings) })
}

// Subscribe starts or updates a subscribe on the session.
func (m *StateManager) Subscribe(cid ClientID, sid SessionID, data SubscribeData, settings SubscribeSettings) error {
	if err := data.validate(); err != nil {
		return err
	}
	if err := settings.validate(); err != nil {
		return err
	}
	return m.submit(func() { m.handleSubscribe(cid, sid, data, settings) })
}

// SendMessage sends a follow-up message to a peer the session has matched
// or heard from. The result is reported through the session listener.
func (m *StateManager) SendMessage(cid ClientID, sid SessionID, peer PeerID, message []byte, messageID MessageID) error {
	msg := append([]byte(nil), message...)
	return m.submit(func() { m.handleSendMessage(cid, sid, peer, msg, messageID) })
}

// Flush blocks until every task queued before the call has run.
func (m *StateManager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := m.submit(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.closed:
		return oops.Wrapf(ErrManagerClosed, "flush")
	case <-ctx.Done():
		return oops.Wrapf(ctx.Err(), "flush")
	}
}

// Snapshot is a point-in-time copy of the broker state.
type Snapshot struct {
	Clients          []ClientInfo   `json:"clients"`
	Pending          int            `json:"pending"`
	Config           *ConfigRequest `json:"config,omitempty"`
	Capabilities     *Capabilities  `json:"capabilities,omitempty"`
	InterfaceAddress string         `json:"interfaceAddress,omitempty"`
	ClusterID        string         `json:"clusterId,omitempty"`
}

// Client returns the snapshot of one client.
func (s Snapshot) Client(id ClientID) (ClientInfo, bool) {
	for _, c := range s.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return ClientInfo{}, false
}

// Snapshot returns a copy of the state once all previously queued work has
// run.
func (m *StateManager) Snapshot(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	if err := m.submit(func() { out <- m.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-out:
		return s, nil
	case <-m.closed:
		return Snapshot{}, oops.Wrapf(ErrManagerClosed, "snapshot")
	case <-ctx.Done():
		return Snapshot{}, oops.Wrapf(ctx.Err(), "snapshot")
	}
}

func (m *StateManager) snapshot() Snapshot {
	s := Snapshot{Pending: m.table.Len()}
	for _, c := range m.sortedClients() {
		s.Clients = append(s.Clients, c.info())
	}
	if m.current != nil {
		cfg := *m.current
		s.Config = &cfg
	}
	if m.caps != nil {
		caps := *m.caps
		s.Capabilities = &caps
	}
	if m.ifaceAddr != nil {
		s.InterfaceAddress = m.ifaceAddr.String()
	}
	if m.clusterID != nil {
		s.ClusterID = m.clusterID.String()
	}
	return s
}

func (m *StateManager) sortedClients() []*Client {
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// violation reports a caller contract violation detected in the worker.
func (m *StateManager) violation(at string, err error) {
	log.WithFields(logger.Fields{
		"at":    at,
		"error": err.Error(),
	}).Error("contract_violation")
	if m.config.OnContractViolation != nil {
		m.config.OnContractViolation(err)
	}
}
