package nan

import (
	"bytes"
	"fmt"
	"net"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
)

// SessionKind records whether a session publishes or subscribes. It is set
// by the first discovery command and never changes afterwards.
type SessionKind int

const (
	KindUnbound SessionKind = iota
	KindPublish
	KindSubscribe
)

func (k SessionKind) String() string {
	switch k {
	case KindUnbound:
		return "unbound"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("SessionKind(%d)", int(k))
	}
}

func kindFor(op SessionOp) SessionKind {
	if op == OpPublish {
		return KindPublish
	}
	return KindSubscribe
}

// Session is one publish or subscribe discovery context owned by a Client.
type Session struct {
	id       SessionID
	clientID ClientID
	listener SessionListener
	mask     EventMask

	kind    SessionKind
	radioID RadioID
	live    bool

	peers map[PeerID]net.HardwareAddr
}

func newSession(clientID ClientID, id SessionID, listener SessionListener, mask EventMask) *Session {
	return &Session{
		id:       id,
		clientID: clientID,
		listener: listener,
		mask:     mask,
		peers:    make(map[PeerID]net.HardwareAddr),
	}
}

// ID returns the caller-chosen session id.
func (s *Session) ID() SessionID { return s.id }

// Kind returns the session kind.
func (s *Session) Kind() SessionKind { return s.kind }

// Live reports whether the radio id is valid.
func (s *Session) Live() bool { return s.live }

// RadioID returns the radio-assigned id; only meaningful while Live.
func (s *Session) RadioID() RadioID { return s.radioID }

func (s *Session) fields(at string) logger.Fields {
	return logger.Fields{
		"at":      at,
		"client":  s.clientID,
		"session": s.id,
		"kind":    s.kind.String(),
	}
}

// claim binds the session to op's kind.
func (s *Session) claim(op SessionOp) error {
	want := kindFor(op)
	if s.kind != KindUnbound && s.kind != want {
		return oops.Wrapf(ErrSessionKindConflict, "client %d session %d is %s, cannot %s", s.clientID, s.id, s.kind, op)
	}
	s.kind = want
	return nil
}

// commandRadioID is the id passed with a publish/subscribe command: the
// current id when updating a live session, 0 for a new one.
func (s *Session) commandRadioID() RadioID {
	if s.live {
		return s.radioID
	}
	return 0
}

func (s *Session) publish(bridge NativeBridge, tx TransactionID, data PublishData, settings PublishSettings) error {
	if err := s.claim(OpPublish); err != nil {
		return err
	}
	if err := bridge.Publish(tx, s.commandRadioID(), data, settings); err != nil {
		return oops.Wrapf(ErrNativeCommand, "publish: %v", err)
	}
	return nil
}

func (s *Session) subscribe(bridge NativeBridge, tx TransactionID, data SubscribeData, settings SubscribeSettings) error {
	if err := s.claim(OpSubscribe); err != nil {
		return err
	}
	if err := bridge.Subscribe(tx, s.commandRadioID(), data, settings); err != nil {
		return oops.Wrapf(ErrNativeCommand, "subscribe: %v", err)
	}
	return nil
}

// stop sends the kind-appropriate stop command. Callers check Live first.
func (s *Session) stop(bridge NativeBridge, tx TransactionID) error {
	var err error
	switch s.kind {
	case KindPublish:
		err = bridge.StopPublish(tx, s.radioID)
	case KindSubscribe:
		err = bridge.StopSubscribe(tx, s.radioID)
	default:
		return oops.Wrapf(ErrInvalidArgument, "stop on unbound session %d", s.id)
	}
	if err != nil {
		return oops.Wrapf(ErrNativeCommand, "stop: %v", err)
	}
	return nil
}

// peerFor returns the peer address to use for a message, or false when the
// session is not live or has never seen the peer.
func (s *Session) peerFor(peer PeerID) (net.HardwareAddr, bool) {
	if !s.live {
		return nil, false
	}
	mac, ok := s.peers[peer]
	return mac, ok
}

func (s *Session) sendMessage(bridge NativeBridge, tx TransactionID, peer PeerID, mac net.HardwareAddr, message []byte) error {
	if err := bridge.SendMessage(tx, s.radioID, peer, mac, message); err != nil {
		return oops.Wrapf(ErrNativeCommand, "send message: %v", err)
	}
	return nil
}

func (s *Session) onDiscoverySuccess(radioID RadioID) {
	s.radioID = radioID
	s.live = true
	log.WithFields(s.fields("nan.Session.onDiscoverySuccess")).
		WithField("radio_id", radioID).Debug("session_live")
}

// onDiscoveryFail handles a radio-reported failure: the radio no longer
// runs the session.
func (s *Session) onDiscoveryFail(op SessionOp, reason FailReason) {
	s.live = false
	s.notifyDiscoveryFail(op, reason)
}

// notifyDiscoveryFail reports a failed request without touching liveness. A
// request refused before the radio acted on it leaves a live session running.
func (s *Session) notifyDiscoveryFail(op SessionOp, reason FailReason) {
	if op == OpPublish {
		if s.mask.Has(EventPublishFail) {
			deliver("nan.Session.notifyDiscoveryFail", s.fields(""), func() error {
				return s.listener.OnPublishFail(reason)
			})
		}
		return
	}
	if s.mask.Has(EventSubscribeFail) {
		deliver("nan.Session.notifyDiscoveryFail", s.fields(""), func() error {
			return s.listener.OnSubscribeFail(reason)
		})
	}
}

func (s *Session) onTerminated(reason TerminateReason) {
	s.live = false
	switch s.kind {
	case KindPublish:
		if s.mask.Has(EventPublishTerminated) {
			deliver("nan.Session.onTerminated", s.fields(""), func() error {
				return s.listener.OnPublishTerminated(reason)
			})
		}
	case KindSubscribe:
		if s.mask.Has(EventSubscribeTerminated) {
			deliver("nan.Session.onTerminated", s.fields(""), func() error {
				return s.listener.OnSubscribeTerminated(reason)
			})
		}
	}
}

func (s *Session) learnPeer(peer PeerID, mac net.HardwareAddr) {
	if prev, ok := s.peers[peer]; ok && !bytes.Equal(prev, mac) {
		log.WithFields(s.fields("nan.Session.learnPeer")).WithFields(logger.Fields{
			"peer":     peer,
			"previous": prev.String(),
			"current":  mac.String(),
		}).Info("peer_address_changed")
	}
	s.peers[peer] = append(net.HardwareAddr(nil), mac...)
}

func (s *Session) onMatch(peer PeerID, mac net.HardwareAddr, ssi, filter []byte) {
	s.learnPeer(peer, mac)
	if s.mask.Has(EventMatch) {
		deliver("nan.Session.onMatch", s.fields(""), func() error {
			return s.listener.OnMatch(peer, ssi, filter)
		})
	}
}

func (s *Session) onMessageReceived(peer PeerID, mac net.HardwareAddr, message []byte) {
	s.learnPeer(peer, mac)
	if s.mask.Has(EventMessageReceived) {
		deliver("nan.Session.onMessageReceived", s.fields(""), func() error {
			return s.listener.OnMessageReceived(peer, message)
		})
	}
}

func (s *Session) notifyMessageSendSuccess(id MessageID) {
	if s.mask.Has(EventMessageSendSuccess) {
		deliver("nan.Session.notifyMessageSendSuccess", s.fields(""), func() error {
			return s.listener.OnMessageSendSuccess(id)
		})
	}
}

func (s *Session) notifyMessageSendFail(id MessageID, reason FailReason) {
	if s.mask.Has(EventMessageSendFail) {
		deliver("nan.Session.notifyMessageSendFail", s.fields(""), func() error {
			return s.listener.OnMessageSendFail(id, reason)
		})
	}
}

// SessionInfo is a point-in-time copy of a session's state.
type SessionInfo struct {
	ID      SessionID         `json:"id"`
	Kind    SessionKind       `json:"kind"`
	Live    bool              `json:"live"`
	RadioID RadioID           `json:"radioId"`
	Peers   map[PeerID]string `json:"peers,omitempty"`
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:      s.id,
		Kind:    s.kind,
		Live:    s.live,
		RadioID: s.radioID,
	}
	if len(s.peers) > 0 {
		info.Peers = make(map[PeerID]string, len(s.peers))
		for p, mac := range s.peers {
			info.Peers[p] = mac.String()
		}
	}
	return info
}
