package nan

import (
	"errors"
	"net"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
)

func (m *StateManager) client(at string, id ClientID) (*Client, bool) {
	c, ok := m.clients[id]
	if !ok {
		log.WithFields(logger.Fields{"at": at, "client": id}).Warn("unknown_client")
	}
	return c, ok
}

func (m *StateManager) session(at string, cid ClientID, sid SessionID) (*Client, *Session, bool) {
	c, ok := m.client(at, cid)
	if !ok {
		return nil, nil, false
	}
	s, ok := c.session(sid)
	if !ok {
		log.WithFields(logger.Fields{"at": at, "client": cid, "session": sid}).Warn("unknown_session")
		return nil, nil, false
	}
	return c, s, true
}

func (m *StateManager) handleConnect(id ClientID, listener EventListener, mask EventMask) {
	if _, exists := m.clients[id]; exists {
		log.WithFields(logger.Fields{
			"at":     "nan.StateManager.handleConnect",
			"client": id,
		}).Warn("client_already_connected")
		return
	}
	m.clients[id] = newClient(id, listener, mask)
	log.WithFields(logger.Fields{
		"at":      "nan.StateManager.handleConnect",
		"client":  id,
		"mask":    mask,
		"clients": len(m.clients),
	}).Info("client_connected")
}

func (m *StateManager) handleDisconnect(id ClientID) {
	c, ok := m.clients[id]
	if !ok {
		log.WithFields(logger.Fields{
			"at":     "nan.StateManager.handleDisconnect",
			"client": id,
		}).Info("disconnect_unknown_client")
		return
	}

	purged := m.table.PurgeWhere(func(p Pending) bool { return ownedBy(p, c) })
	for _, s := range c.sortedSessions() {
		m.stopIfLive("nan.StateManager.handleDisconnect", s)
	}
	delete(m.clients, id)

	log.WithFields(logger.Fields{
		"at":      "nan.StateManager.handleDisconnect",
		"client":  id,
		"purged":  purged,
		"clients": len(m.clients),
	}).Info("client_disconnected")

	if len(m.clients) == 0 {
		m.disable()
		return
	}
	if merged, ok := mergedConfig(m.sortedClients()); ok {
		m.configure(merged)
	}
}

func (m *StateManager) handleRequestConfig(id ClientID, cfg ConfigRequest) {
	c, ok := m.client("nan.StateManager.handleRequestConfig", id)
	if !ok {
		return
	}
	c.config = &cfg
	merged, _ := mergedConfig(m.sortedClients())
	m.configure(merged)
}

// configure issues an enable/configure for cfg.
func (m *StateManager) configure(cfg ConfigRequest) {
	tx := m.table.Allocate(ConfigPending{Config: &cfg})
	log.WithFields(logger.Fields{
		"at":          "nan.StateManager.configure",
		"transaction": tx,
		"config":      cfg.String(),
	}).Debug("enable_and_configure")
	if err := m.native.EnableAndConfigure(tx, cfg); err != nil {
		m.nativeRejected("nan.StateManager.configure", tx, err)
	}
}

func (m *StateManager) disable() {
	tx := m.table.Allocate(ConfigPending{})
	log.WithFields(logger.Fields{
		"at":          "nan.StateManager.disable",
		"transaction": tx,
	}).Debug("disable")
	if err := m.native.Disable(tx); err != nil {
		m.nativeRejected("nan.StateManager.disable", tx, err)
	}
}

func (m *StateManager) handleCreateSession(cid ClientID, sid SessionID, listener SessionListener, mask EventMask) {
	const at = "nan.StateManager.handleCreateSession"
	c, ok := m.client(at, cid)
	if !ok {
		return
	}
	if prev := c.addSession(newSession(cid, sid, listener, mask)); prev != nil {
		log.WithFields(logger.Fields{
			"at":       at,
			"client":   cid,
			"session":  sid,
			"was_live": prev.live,
		}).Warn("session_id_reused_replacing")
		m.table.PurgeWhere(func(p Pending) bool { return scopedTo(p, prev) })
		m.stopIfLive(at, prev)
	}
}

func (m *StateManager) handleDestroySession(cid ClientID, sid SessionID) {
	c, s, ok := m.session("nan.StateManager.handleDestroySession", cid, sid)
	if !ok {
		return
	}
	purged := m.table.PurgeWhere(func(p Pending) bool { return scopedTo(p, s) })
	m.stopIfLive("nan.StateManager.handleDestroySession", s)
	c.removeSession(sid)
	log.WithFields(s.fields("nan.StateManager.handleDestroySession")).
		WithField("purged", purged).Debug("session_destroyed")
}

func (m *StateManager) handleStopSession(cid ClientID, sid SessionID) {
	_, s, ok := m.session("nan.StateManager.handleStopSession", cid, sid)
	if !ok {
		return
	}
	if !s.live {
		log.WithFields(s.fields("nan.StateManager.handleStopSession")).Info("stop_on_idle_session")
		return
	}
	m.stopIfLive("nan.StateManager.handleStopSession", s)
}

// stopIfLive sends a best-effort stop for a live session.
func (m *StateManager) stopIfLive(at string, s *Session) {
	if !s.live {
		return
	}
	op := OpPublish
	if s.kind == KindSubscribe {
		op = OpSubscribe
	}
	tx := m.table.Allocate(StopPending{Op: op, RadioID: s.radioID})
	if err := s.stop(m.native, tx); err != nil {
		m.nativeRejected(at, tx, err)
	}
}

func (m *StateManager) handlePublish(cid ClientID, sid SessionID, data PublishData, settings PublishSettings) {
	const at = "nan.StateManager.handlePublish"
	c, s, ok := m.session(at, cid, sid)
	if !ok {
		return
	}
	if err := s.claim(OpPublish); err != nil {
		m.violation(at, err)
		return
	}
	if m.caps != nil {
		if err := m.caps.checkDiscovery(data.ServiceName, data.ServiceSpecificInfo, data.TxFilter, data.RxFilter); err != nil {
			log.WithFields(s.fields(at)).WithField("error", err.Error()).Info("publish_exceeds_capabilities")
			s.notifyDiscoveryFail(OpPublish, FailReasonInvalidArgs)
			return
		}
	}
	tx := m.table.Allocate(SessionPending{Client: c, Session: s, Op: OpPublish})
	if err := s.publish(m.native, tx, data, settings); err != nil {
		m.nativeRejected(at, tx, err)
	}
}

func (m *StateManager) handleSubscribe(cid ClientID, sid SessionID, data SubscribeData, settings SubscribeSettings) {
	const at = "nan.StateManager.handleSubscribe"
	c, s, ok := m.session(at, cid, sid)
	if !ok {
		return
	}
	if err := s.claim(OpSubscribe); err != nil {
		m.violation(at, err)
		return
	}
	if m.caps != nil {
		if err := m.caps.checkDiscovery(data.ServiceName, data.ServiceSpecificInfo, data.TxFilter, data.RxFilter); err != nil {
			log.WithFields(s.fields(at)).WithField("error", err.Error()).Info("subscribe_exceeds_capabilities")
			s.notifyDiscoveryFail(OpSubscribe, FailReasonInvalidArgs)
			return
		}
	}
	tx := m.table.Allocate(SessionPending{Client: c, Session: s, Op: OpSubscribe})
	if err := s.subscribe(m.native, tx, data, settings); err != nil {
		m.nativeRejected(at, tx, err)
	}
}

func (m *StateManager) handleSendMessage(cid ClientID, sid SessionID, peer PeerID, message []byte, messageID MessageID) {
	const at = "nan.StateManager.handleSendMessage"
	c, s, ok := m.session(at, cid, sid)
	if !ok {
		return
	}
	mac, ok := s.peerFor(peer)
	if !ok {
		log.WithFields(s.fields(at)).WithFields(logger.Fields{
			"peer": peer,
			"live": s.live,
		}).Info("send_without_match")
		s.notifyMessageSendFail(messageID, FailReasonNoMatchSession)
		return
	}
	if m.caps != nil && m.caps.MaxMessageLen > 0 && len(message) > m.caps.MaxMessageLen {
		log.WithFields(s.fields(at)).WithField("length", len(message)).Info("message_exceeds_capabilities")
		s.notifyMessageSendFail(messageID, FailReasonInvalidArgs)
		return
	}
	tx := m.table.Allocate(MessagePending{Client: c, Session: s, MessageID: messageID})
	if err := s.sendMessage(m.native, tx, peer, mac, message); err != nil {
		m.nativeRejected(at, tx, err)
	}
}

func (m *StateManager) queryCapabilities() {
	tx := m.table.Allocate(CapabilitiesPending{})
	if err := m.native.GetCapabilities(tx); err != nil {
		m.nativeRejected("nan.StateManager.queryCapabilities", tx, err)
	}
}

// nativeRejected handles a command the radio refused synchronously: the
// transaction is taken back and failed as if the radio had answered with an
// unspecified error.
func (m *StateManager) nativeRejected(at string, tx TransactionID, err error) {
	log.WithFields(logger.Fields{
		"at":          at,
		"transaction": tx,
		"error":       err.Error(),
	}).Warn("native_command_rejected")
	p, takeErr := m.table.Take(tx)
	if takeErr != nil {
		return
	}
	m.failPending(at, p, FailReasonOther)
}

// failPending delivers the local failure for a pending entry that will
// never get a response.
func (m *StateManager) failPending(at string, p Pending, reason FailReason) {
	switch v := p.(type) {
	case SessionPending:
		v.Session.notifyDiscoveryFail(v.Op, reason)
	case MessagePending:
		v.Session.notifyMessageSendFail(v.MessageID, reason)
	case ConfigPending:
		if v.Config == nil {
			log.WithField("at", at).Info("disable_not_confirmed")
			return
		}
		m.broadcastConfigFailed(*v.Config, reason)
	case CapabilitiesPending:
		log.WithField("at", at).Info("capabilities_unavailable")
	case StopPending:
		log.WithFields(logger.Fields{
			"at":       at,
			"op":       v.Op.String(),
			"radio_id": v.RadioID,
		}).Info("stop_not_confirmed")
	}
}

func (m *StateManager) expireTransactions(now time.Time) {
	if m.config.TransactionTimeout <= 0 {
		return
	}
	for _, e := range m.table.Expire(now, m.config.TransactionTimeout) {
		log.WithFields(logger.Fields{
			"at":          "nan.StateManager.expireTransactions",
			"transaction": e.ID,
			"kind":        e.Payload.pendingKind(),
			"age":         e.Age,
		}).Warn("transaction_timed_out")
		m.failPending("nan.StateManager.expireTransactions", e.Payload, FailReasonOther)
	}
}

func (m *StateManager) broadcastConfigCompleted(cfg ConfigRequest) {
	for _, c := range m.sortedClients() {
		c.notifyConfigCompleted(cfg)
	}
}

func (m *StateManager) broadcastConfigFailed(cfg ConfigRequest, reason FailReason) {
	for _, c := range m.sortedClients() {
		c.notifyConfigFailed(cfg, reason)
	}
}

// findLive scans every client's sessions for the live session holding
// radioID.
func (m *StateManager) findLive(radioID RadioID, kind SessionKind) *Session {
	for _, c := range m.clients {
		if s := c.findLive(radioID, kind); s != nil {
			return s
		}
	}
	return nil
}

// takePending consumes tx for a response callback. A missing entry is
// logged and reported as !ok.
func (m *StateManager) takePending(at string, tx TransactionID) (Pending, bool) {
	p, err := m.table.Take(tx)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			log.WithFields(logger.Fields{
				"at":          at,
				"transaction": tx,
			}).Info("response_for_unknown_transaction")
		}
		return nil, false
	}
	return p, true
}

func mismatch(at string, tx TransactionID, p Pending) {
	log.WithFields(logger.Fields{
		"at":          at,
		"transaction": tx,
		"kind":        p.pendingKind(),
	}).Warn("response_kind_mismatch")
}

// enqueueCallback queues a native callback; callbacks after Stop are
// dropped.
func (m *StateManager) enqueueCallback(at string, task func()) {
	if err := m.submit(task); err != nil {
		log.WithField("at", at).Debug("callback_after_stop_dropped")
	}
}

// The methods below implement NativeCallbacks.

func (m *StateManager) OnConfigCompleted(tx TransactionID) {
	m.enqueueCallback("nan.StateManager.OnConfigCompleted", func() {
		const at = "nan.StateManager.OnConfigCompleted"
		p, ok := m.takePending(at, tx)
		if !ok {
			return
		}
		v, ok := p.(ConfigPending)
		if !ok {
			mismatch(at, tx, p)
			return
		}
		if v.Config == nil {
			m.current = nil
			log.WithField("at", at).Info("nan_disabled")
			return
		}
		cfg := *v.Config
		m.current = &cfg
		log.WithFields(logger.Fields{"at": at, "config": cfg.String()}).Info("config_completed")
		m.broadcastConfigCompleted(cfg)
	})
}

func (m *StateManager) OnConfigFailed(tx TransactionID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnConfigFailed", func() {
		const at = "nan.StateManager.OnConfigFailed"
		p, ok := m.takePending(at, tx)
		if !ok {
			return
		}
		v, ok := p.(ConfigPending)
		if !ok {
			mismatch(at, tx, p)
			return
		}
		if v.Config == nil {
			log.WithFields(logger.Fields{"at": at, "status": status.String()}).Warn("disable_failed")
			return
		}
		log.WithFields(logger.Fields{
			"at":     at,
			"status": status.String(),
			"config": v.Config.String(),
		}).Info("config_failed")
		m.broadcastConfigFailed(*v.Config, TranslateFailReason(status))
	})
}

func (m *StateManager) onDiscoveryResponse(at string, tx TransactionID, op SessionOp, success bool, radioID RadioID, status NativeStatus) {
	p, ok := m.takePending(at, tx)
	if !ok {
		return
	}
	v, ok := p.(SessionPending)
	if !ok || v.Op != op {
		mismatch(at, tx, p)
		return
	}
	if success {
		v.Session.onDiscoverySuccess(radioID)
		return
	}
	log.WithFields(v.Session.fields(at)).WithField("status", status.String()).Info("discovery_failed")
	v.Session.onDiscoveryFail(op, TranslateFailReason(status))
}

func (m *StateManager) OnPublishSuccess(tx TransactionID, publishID RadioID) {
	m.enqueueCallback("nan.StateManager.OnPublishSuccess", func() {
		m.onDiscoveryResponse("nan.StateManager.OnPublishSuccess", tx, OpPublish, true, publishID, StatusSuccess)
	})
}

func (m *StateManager) OnPublishFail(tx TransactionID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnPublishFail", func() {
		m.onDiscoveryResponse("nan.StateManager.OnPublishFail", tx, OpPublish, false, 0, status)
	})
}

func (m *StateManager) OnSubscribeSuccess(tx TransactionID, subscribeID RadioID) {
	m.enqueueCallback("nan.StateManager.OnSubscribeSuccess", func() {
		m.onDiscoveryResponse("nan.StateManager.OnSubscribeSuccess", tx, OpSubscribe, true, subscribeID, StatusSuccess)
	})
}

func (m *StateManager) OnSubscribeFail(tx TransactionID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnSubscribeFail", func() {
		m.onDiscoveryResponse("nan.StateManager.OnSubscribeFail", tx, OpSubscribe, false, 0, status)
	})
}

func (m *StateManager) onMessageResponse(at string, tx TransactionID, success bool, status NativeStatus) {
	p, ok := m.takePending(at, tx)
	if !ok {
		return
	}
	v, ok := p.(MessagePending)
	if !ok {
		mismatch(at, tx, p)
		return
	}
	if success {
		v.Session.notifyMessageSendSuccess(v.MessageID)
		return
	}
	v.Session.notifyMessageSendFail(v.MessageID, TranslateFailReason(status))
}

func (m *StateManager) OnMessageSendSuccess(tx TransactionID) {
	m.enqueueCallback("nan.StateManager.OnMessageSendSuccess", func() {
		m.onMessageResponse("nan.StateManager.OnMessageSendSuccess", tx, true, StatusSuccess)
	})
}

func (m *StateManager) OnMessageSendFail(tx TransactionID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnMessageSendFail", func() {
		m.onMessageResponse("nan.StateManager.OnMessageSendFail", tx, false, status)
	})
}

func (m *StateManager) OnCapabilitiesResponse(tx TransactionID, caps Capabilities) {
	m.enqueueCallback("nan.StateManager.OnCapabilitiesResponse", func() {
		const at = "nan.StateManager.OnCapabilitiesResponse"
		p, ok := m.takePending(at, tx)
		if !ok {
			return
		}
		if _, ok := p.(CapabilitiesPending); !ok {
			mismatch(at, tx, p)
			return
		}
		m.caps = &caps
		log.WithFields(logger.Fields{
			"at":             at,
			"max_publishes":  caps.MaxPublishes,
			"max_subscribes": caps.MaxSubscribes,
		}).Debug("capabilities_received")
	})
}

// OnUnknownTransaction consumes a response that has no dedicated callback,
// such as a stop or disable acknowledgement.
func (m *StateManager) OnUnknownTransaction(kind ResponseKind, tx TransactionID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnUnknownTransaction", func() {
		const at = "nan.StateManager.OnUnknownTransaction"
		p, ok := m.takePending(at, tx)
		if !ok {
			return
		}
		if v, ok := p.(ConfigPending); ok && v.Config == nil && kind == ResponseDisabled && status == StatusSuccess {
			m.current = nil
		}
		log.WithFields(logger.Fields{
			"at":           at,
			"response":     kind.String(),
			"transaction":  tx,
			"status":       status.String(),
			"pending_kind": p.pendingKind(),
		}).Debug("unknown_transaction_consumed")
	})
}

func (m *StateManager) onTerminated(at string, radioID RadioID, kind SessionKind, status NativeStatus) {
	s := m.findLive(radioID, kind)
	if s == nil {
		log.WithFields(logger.Fields{
			"at":       at,
			"radio_id": radioID,
			"status":   status.String(),
		}).Info("terminated_unknown_session")
		return
	}
	log.WithFields(s.fields(at)).WithField("status", status.String()).Debug("session_terminated")
	s.onTerminated(TranslateTerminateReason(status))
}

func (m *StateManager) OnPublishTerminated(publishID RadioID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnPublishTerminated", func() {
		m.onTerminated("nan.StateManager.OnPublishTerminated", publishID, KindPublish, status)
	})
}

func (m *StateManager) OnSubscribeTerminated(subscribeID RadioID, status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnSubscribeTerminated", func() {
		m.onTerminated("nan.StateManager.OnSubscribeTerminated", subscribeID, KindSubscribe, status)
	})
}

func (m *StateManager) OnMatch(pubSubID RadioID, peer PeerID, peerMAC net.HardwareAddr, serviceSpecificInfo, matchFilter []byte) {
	m.enqueueCallback("nan.StateManager.OnMatch", func() {
		s := m.findLive(pubSubID, KindUnbound)
		if s == nil {
			log.WithFields(logger.Fields{
				"at":       "nan.StateManager.OnMatch",
				"radio_id": pubSubID,
				"peer":     peer,
			}).Info("match_for_unknown_session")
			return
		}
		s.onMatch(peer, peerMAC, serviceSpecificInfo, matchFilter)
	})
}

func (m *StateManager) OnMessageReceived(pubSubID RadioID, peer PeerID, peerMAC net.HardwareAddr, message []byte) {
	m.enqueueCallback("nan.StateManager.OnMessageReceived", func() {
		s := m.findLive(pubSubID, KindUnbound)
		if s == nil {
			log.WithFields(logger.Fields{
				"at":       "nan.StateManager.OnMessageReceived",
				"radio_id": pubSubID,
				"peer":     peer,
			}).Info("message_for_unknown_session")
			return
		}
		s.onMessageReceived(peer, peerMAC, message)
	})
}

func (m *StateManager) broadcastIdentityChanged(at string) {
	n := 0
	for _, c := range m.sortedClients() {
		if c.notifyIdentityChanged() {
			n++
		}
	}
	log.WithFields(logger.Fields{"at": at, "notified": n}).Debug("identity_changed")
}

func (m *StateManager) OnInterfaceAddressChange(mac net.HardwareAddr) {
	m.enqueueCallback("nan.StateManager.OnInterfaceAddressChange", func() {
		m.ifaceAddr = append(net.HardwareAddr(nil), mac...)
		m.broadcastIdentityChanged("nan.StateManager.OnInterfaceAddressChange")
	})
}

func (m *StateManager) OnClusterChange(flag ClusterEventFlag, clusterID net.HardwareAddr) {
	m.enqueueCallback("nan.StateManager.OnClusterChange", func() {
		m.clusterID = append(net.HardwareAddr(nil), clusterID...)
		log.WithFields(logger.Fields{
			"at":      "nan.StateManager.OnClusterChange",
			"flag":    flag.String(),
			"cluster": m.clusterID.String(),
		}).Info("cluster_changed")
		m.broadcastIdentityChanged("nan.StateManager.OnClusterChange")
	})
}

func (m *StateManager) OnNanDown(status NativeStatus) {
	m.enqueueCallback("nan.StateManager.OnNanDown", func() {
		const at = "nan.StateManager.OnNanDown"
		reason := TranslateFailReason(status)
		m.current = nil
		m.clusterID = nil
		for _, c := range m.clients {
			for _, s := range c.sessions {
				s.live = false
			}
		}
		subscribed := 0
		for _, c := range m.sortedClients() {
			if c.mask.Has(EventNanDown) {
				subscribed++
				c.notifyNanDown(reason)
			}
		}
		if subscribed == 0 {
			log.WithFields(logger.Fields{
				"at":     at,
				"status": status.String(),
			}).Warn("nan_down_without_subscribers")
			return
		}
		log.WithFields(logger.Fields{
			"at":       at,
			"status":   status.String(),
			"notified": subscribed,
		}).Info("nan_down")
	})
}
