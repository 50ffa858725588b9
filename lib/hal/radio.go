package hal

import (
	"errors"
	"net"
	"sort"
	"time"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/util/logger"
)

var log = logger.GetNanLogger()

// ErrRadioClosed is returned by commands issued after Close.
var ErrRadioClosed = errors.New("radio closed")

// RadioConfig configures a simulated radio.
type RadioConfig struct {
	// InterfaceAddress is the NAN management interface address. A nil
	// address is generated from the medium.
	InterfaceAddress net.HardwareAddr

	// ResponseLatency delays every callback delivery.
	ResponseLatency time.Duration

	// Capabilities reported to GetCapabilities. The zero value selects
	// DefaultCapabilities.
	Capabilities nan.Capabilities
}

// DefaultCapabilities are the limits of a typical single-band NAN chip.
func DefaultCapabilities() nan.Capabilities {
	return nan.Capabilities{
		MaxConcurrentClusters:     1,
		MaxPublishes:              8,
		MaxSubscribes:             8,
		MaxServiceNameLen:         255,
		MaxMatchFilterLen:         255,
		MaxTotalMatchFilterLen:    255,
		MaxServiceSpecificInfoLen: 255,
		MaxMessageLen:             255,
	}
}

type peerKey struct {
	addr string
	id   nan.RadioID
}

// service is one publish or subscribe instance running on a radio.
type service struct {
	id      nan.RadioID
	publish bool

	pubData     nan.PublishData
	pubSettings nan.PublishSettings
	subData     nan.SubscribeData
	subSettings nan.SubscribeSettings
	srf         *responseFilter

	matches int
	matched map[peerKey]bool
	ttl     *time.Timer
	gone    bool
}

func (s *service) stopTimer() {
	if s.ttl != nil {
		s.ttl.Stop()
		s.ttl = nil
	}
}

// Radio is a simulated NAN radio implementing nan.NativeBridge. Commands
// are answered asynchronously, in order, through the registered
// nan.NativeCallbacks.
type Radio struct {
	medium *Medium
	addr   net.HardwareAddr
	caps   nan.Capabilities
	out    *deliverer

	// Guarded by medium.mu.
	cb        nan.NativeCallbacks
	closed    bool
	enabled   bool
	announced bool
	config    nan.ConfigRequest
	nextID    nan.RadioID
	services  map[nan.RadioID]*service
	peers     map[peerKey]nan.PeerID
	peerByID  map[nan.PeerID]peerKey
	nextPeer  nan.PeerID
	faults    []nan.NativeStatus
	rejects   []error
	drops     int
}

// NewRadio creates a radio on medium.
func NewRadio(medium *Medium, cfg RadioConfig) *Radio {
	medium.mu.Lock()
	defer medium.mu.Unlock()

	addr := cfg.InterfaceAddress
	if addr == nil {
		addr = medium.allocAddr()
	}
	caps := cfg.Capabilities
	if caps == (nan.Capabilities{}) {
		caps = DefaultCapabilities()
	}
	r := &Radio{
		medium:   medium,
		addr:     append(net.HardwareAddr(nil), addr...),
		caps:     caps,
		out:      newDeliverer(cfg.ResponseLatency),
		services: make(map[nan.RadioID]*service),
		peers:    make(map[peerKey]nan.PeerID),
		peerByID: make(map[nan.PeerID]peerKey),
	}
	medium.radios[r.addr.String()] = r
	return r
}

// SetCallbacks registers the receiver of all responses and events.
func (r *Radio) SetCallbacks(cb nan.NativeCallbacks) {
	r.medium.mu.Lock()
	r.cb = cb
	r.medium.mu.Unlock()
}

// Address returns the interface address.
func (r *Radio) Address() net.HardwareAddr {
	return r.addr
}

// Enabled reports whether the radio is part of the cluster.
func (r *Radio) Enabled() bool {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return r.enabled
}

// ActiveServices returns the number of running publishes and subscribes.
func (r *Radio) ActiveServices() int {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	return len(r.services)
}

// FailNext makes the next command fail with status.
func (r *Radio) FailNext(status nan.NativeStatus) {
	r.medium.mu.Lock()
	r.faults = append(r.faults, status)
	r.medium.mu.Unlock()
}

// RejectNext makes the next command return err synchronously.
func (r *Radio) RejectNext(err error) {
	r.medium.mu.Lock()
	r.rejects = append(r.rejects, err)
	r.medium.mu.Unlock()
}

// DropResponses swallows the next n command responses.
func (r *Radio) DropResponses(n int) {
	r.medium.mu.Lock()
	r.drops += n
	r.medium.mu.Unlock()
}

// NanDown simulates the firmware taking NAN down.
func (r *Radio) NanDown(status nan.NativeStatus) {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	r.teardown()
	r.event(func(cb nan.NativeCallbacks) { cb.OnNanDown(status) })
}

// Close detaches the radio from the medium and stops callback delivery.
func (r *Radio) Close() {
	r.medium.mu.Lock()
	if r.closed {
		r.medium.mu.Unlock()
		return
	}
	r.teardown()
	r.closed = true
	delete(r.medium.radios, r.addr.String())
	r.medium.mu.Unlock()

	r.out.close()
}

// teardown leaves the cluster and drops every service without events.
func (r *Radio) teardown() {
	for _, s := range r.services {
		s.stopTimer()
		s.gone = true
	}
	r.services = make(map[nan.RadioID]*service)
	r.peers = make(map[peerKey]nan.PeerID)
	r.peerByID = make(map[nan.PeerID]peerKey)
	if r.enabled {
		r.enabled = false
		r.medium.leave()
	}
}

func (r *Radio) fields(at string) logger.Fields {
	return logger.Fields{"at": at, "radio": r.addr.String()}
}

// event queues an unsolicited callback.
func (r *Radio) event(fn func(nan.NativeCallbacks)) {
	cb := r.cb
	if cb == nil {
		log.WithFields(r.fields("hal.Radio.event")).Debug("no_callbacks_registered")
		return
	}
	r.out.push(func() { fn(cb) })
}

// respond queues a command response unless responses are being dropped.
func (r *Radio) respond(fn func(nan.NativeCallbacks)) {
	if r.drops > 0 {
		r.drops--
		log.WithFields(r.fields("hal.Radio.respond")).Debug("response_dropped")
		return
	}
	r.event(fn)
}

// admit runs the per-command bookkeeping: a synchronous rejection, or an
// injected failure status.
func (r *Radio) admit() (nan.NativeStatus, bool, error) {
	if r.closed {
		return 0, false, ErrRadioClosed
	}
	if len(r.rejects) > 0 {
		err := r.rejects[0]
		r.rejects = r.rejects[1:]
		return 0, false, err
	}
	if len(r.faults) > 0 {
		status := r.faults[0]
		r.faults = r.faults[1:]
		return status, true, nil
	}
	return nan.StatusSuccess, false, nil
}

func (r *Radio) allocID() nan.RadioID {
	for {
		r.nextID++
		if r.nextID == 0 {
			continue
		}
		if _, busy := r.services[r.nextID]; !busy {
			return r.nextID
		}
	}
}

func (r *Radio) peerFor(key peerKey) nan.PeerID {
	if p, ok := r.peers[key]; ok {
		return p
	}
	r.nextPeer++
	r.peers[key] = r.nextPeer
	r.peerByID[r.nextPeer] = key
	return r.nextPeer
}

func (r *Radio) sortedServices() []*service {
	out := make([]*service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Radio) countKind(publish bool) int {
	n := 0
	for _, s := range r.services {
		if s.publish == publish {
			n++
		}
	}
	return n
}

// terminate removes svc and reports the termination.
func (r *Radio) terminate(svc *service, status nan.NativeStatus) {
	if svc.gone {
		return
	}
	svc.gone = true
	svc.stopTimer()
	delete(r.services, svc.id)
	id := svc.id
	if svc.publish {
		r.event(func(cb nan.NativeCallbacks) { cb.OnPublishTerminated(id, status) })
	} else {
		r.event(func(cb nan.NativeCallbacks) { cb.OnSubscribeTerminated(id, status) })
	}
}

func (r *Radio) armTTL(svc *service, ttlSec int) {
	svc.stopTimer()
	if ttlSec <= 0 {
		return
	}
	svc.ttl = time.AfterFunc(time.Duration(ttlSec)*time.Second, func() {
		r.medium.mu.Lock()
		defer r.medium.mu.Unlock()
		if r.services[svc.id] == svc {
			r.terminate(svc, nan.TerminatedTimeout)
		}
	})
}

func (r *Radio) checkDiscovery(name string, ssi, tx, rx []byte) nan.NativeStatus {
	c := r.caps
	switch {
	case len(name) == 0 || len(name) > c.MaxServiceNameLen:
		return nan.StatusInvalidTLVLen
	case len(ssi) > c.MaxServiceSpecificInfoLen:
		return nan.StatusInvalidTLVLen
	case len(tx) > c.MaxMatchFilterLen || len(rx) > c.MaxMatchFilterLen:
		return nan.StatusInvalidTLVLen
	case len(tx)+len(rx) > c.MaxTotalMatchFilterLen:
		return nan.StatusInvalidTotalTLVsLen
	}
	if _, err := DecodeMatchFilter(tx); err != nil {
		return nan.StatusInvalidTLVValue
	}
	if _, err := DecodeMatchFilter(rx); err != nil {
		return nan.StatusInvalidTLVValue
	}
	return nan.StatusSuccess
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// EnableAndConfigure joins (or starts) the medium's cluster, or updates the
// configuration of an already enabled radio.
func (r *Radio) EnableAndConfigure(tx nan.TransactionID, cfg nan.ConfigRequest) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	if !faulted && cfg.Validate() != nil {
		status, faulted = nan.StatusInvalidTLVValue, true
	}
	if faulted {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnConfigFailed(tx, status) })
		return nil
	}

	r.config = cfg
	if r.enabled {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnConfigCompleted(tx) })
		return nil
	}

	r.enabled = true
	flag, cluster := r.medium.join(r)
	cluster = append(net.HardwareAddr(nil), cluster...)
	log.WithFields(r.fields("hal.Radio.EnableAndConfigure")).WithFields(logger.Fields{
		"cluster": cluster.String(),
		"flag":    flag.String(),
	}).Debug("radio_enabled")

	r.respond(func(cb nan.NativeCallbacks) { cb.OnConfigCompleted(tx) })
	if !r.announced {
		r.announced = true
		addr := r.addr
		r.event(func(cb nan.NativeCallbacks) { cb.OnInterfaceAddressChange(addr) })
	}
	r.event(func(cb nan.NativeCallbacks) { cb.OnClusterChange(flag, cluster) })
	return nil
}

// Disable leaves the cluster and drops all services.
func (r *Radio) Disable(tx nan.TransactionID) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	if !faulted {
		r.teardown()
	}
	r.respond(func(cb nan.NativeCallbacks) { cb.OnUnknownTransaction(nan.ResponseDisabled, tx, status) })
	return nil
}

// Publish starts a publish (publishID 0) or updates a running one.
func (r *Radio) Publish(tx nan.TransactionID, publishID nan.RadioID, data nan.PublishData, settings nan.PublishSettings) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	svc, status := r.prepare(faulted, status, publishID, true, data.ServiceName, data.ServiceSpecificInfo, data.TxFilter, data.RxFilter)
	if svc == nil {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnPublishFail(tx, status) })
		return nil
	}
	svc.pubData = nan.PublishData{
		ServiceName:         data.ServiceName,
		ServiceSpecificInfo: clone(data.ServiceSpecificInfo),
		TxFilter:            clone(data.TxFilter),
		RxFilter:            clone(data.RxFilter),
	}
	svc.pubSettings = settings
	r.services[svc.id] = svc
	r.armTTL(svc, settings.TTLSec)

	id := svc.id
	r.respond(func(cb nan.NativeCallbacks) { cb.OnPublishSuccess(tx, id) })
	r.medium.evaluate(r, svc)
	return nil
}

// Subscribe starts a subscribe (subscribeID 0) or updates a running one.
func (r *Radio) Subscribe(tx nan.TransactionID, subscribeID nan.RadioID, data nan.SubscribeData, settings nan.SubscribeSettings) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	svc, status := r.prepare(faulted, status, subscribeID, false, data.ServiceName, data.ServiceSpecificInfo, data.TxFilter, data.RxFilter)
	if svc == nil {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnSubscribeFail(tx, status) })
		return nil
	}
	svc.subData = nan.SubscribeData{
		ServiceName:         data.ServiceName,
		ServiceSpecificInfo: clone(data.ServiceSpecificInfo),
		TxFilter:            clone(data.TxFilter),
		RxFilter:            clone(data.RxFilter),
	}
	svc.subSettings = settings
	svc.srf = newResponseFilter(data.ServiceResponseFilter)
	r.services[svc.id] = svc
	r.armTTL(svc, settings.TTLSec)

	id := svc.id
	r.respond(func(cb nan.NativeCallbacks) { cb.OnSubscribeSuccess(tx, id) })
	r.medium.evaluate(r, svc)
	return nil
}

// prepare validates a discovery command and returns the service to fill
// in, either a new one or the running one being updated.
func (r *Radio) prepare(faulted bool, status nan.NativeStatus, id nan.RadioID, publish bool, name string, ssi, tx, rx []byte) (*service, nan.NativeStatus) {
	if faulted {
		return nil, status
	}
	if !r.enabled {
		return nil, nan.StatusDEFailure
	}
	if st := r.checkDiscovery(name, ssi, tx, rx); st != nan.StatusSuccess {
		return nil, st
	}
	if id != 0 {
		svc, ok := r.services[id]
		if !ok || svc.publish != publish {
			return nil, nan.StatusInvalidHandle
		}
		return svc, nan.StatusSuccess
	}
	limit := r.caps.MaxSubscribes
	if publish {
		limit = r.caps.MaxPublishes
	}
	if r.countKind(publish) >= limit {
		return nil, nan.StatusNoSpaceAvailable
	}
	return &service{
		id:      r.allocID(),
		publish: publish,
		matched: make(map[peerKey]bool),
	}, nan.StatusSuccess
}

// SendMessage transmits a follow-up to a peer this radio has discovered.
func (r *Radio) SendMessage(tx nan.TransactionID, pubSubID nan.RadioID, peer nan.PeerID, peerMAC net.HardwareAddr, message []byte) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	if !faulted {
		status = r.transmit(pubSubID, peer, peerMAC, message)
	}
	if status != nan.StatusSuccess {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnMessageSendFail(tx, status) })
		return nil
	}
	r.respond(func(cb nan.NativeCallbacks) { cb.OnMessageSendSuccess(tx) })
	return nil
}

func (r *Radio) transmit(pubSubID nan.RadioID, peer nan.PeerID, peerMAC net.HardwareAddr, message []byte) nan.NativeStatus {
	svc, ok := r.services[pubSubID]
	if !ok {
		return nan.StatusInvalidHandle
	}
	if len(message) > r.caps.MaxMessageLen {
		return nan.StatusInvalidMsgLen
	}
	key, ok := r.peerByID[peer]
	if !ok || key.addr != peerMAC.String() {
		return nan.StatusInvalidMatchHandle
	}
	remote, ok := r.medium.radios[key.addr]
	if !ok || !remote.enabled {
		return nan.StatusTimeout
	}
	target, ok := remote.services[key.id]
	if !ok {
		return nan.StatusTimeout
	}
	from := remote.peerFor(peerKey{addr: r.addr.String(), id: svc.id})
	addr, msg, id := r.addr, clone(message), target.id
	remote.event(func(cb nan.NativeCallbacks) { cb.OnMessageReceived(id, from, addr, msg) })
	return nan.StatusSuccess
}

// StopPublish cancels a running publish.
func (r *Radio) StopPublish(tx nan.TransactionID, publishID nan.RadioID) error {
	return r.cancel(tx, publishID, true)
}

// StopSubscribe cancels a running subscribe.
func (r *Radio) StopSubscribe(tx nan.TransactionID, subscribeID nan.RadioID) error {
	return r.cancel(tx, subscribeID, false)
}

func (r *Radio) cancel(tx nan.TransactionID, id nan.RadioID, publish bool) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	kind := nan.ResponseSubscribeCancel
	if publish {
		kind = nan.ResponsePublishCancel
	}
	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	if faulted {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnUnknownTransaction(kind, tx, status) })
		return nil
	}
	svc, ok := r.services[id]
	if !ok || svc.publish != publish {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnUnknownTransaction(kind, tx, nan.StatusInvalidHandle) })
		return nil
	}
	r.respond(func(cb nan.NativeCallbacks) { cb.OnUnknownTransaction(kind, tx, nan.StatusSuccess) })
	r.terminate(svc, nan.TerminatedUserRequest)
	return nil
}

// GetCapabilities reports the radio limits.
func (r *Radio) GetCapabilities(tx nan.TransactionID) error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()

	status, faulted, err := r.admit()
	if err != nil {
		return err
	}
	if faulted {
		r.respond(func(cb nan.NativeCallbacks) { cb.OnUnknownTransaction(nan.ResponseGetCapabilities, tx, status) })
		return nil
	}
	caps := r.caps
	r.respond(func(cb nan.NativeCallbacks) { cb.OnCapabilitiesResponse(tx, caps) })
	return nil
}
