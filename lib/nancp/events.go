package nancp

import "github.com/go-nan/go-nan/lib/nan"

// clientEvents forwards client-level broker events to the connection.
type clientEvents struct {
	c *clientConn
}

func (e *clientEvents) OnConfigCompleted(completed nan.ConfigRequest) error {
	return e.c.event(MessageTypeConfigCompleted, EventPayload{Config: &completed})
}

func (e *clientEvents) OnConfigFailed(failed nan.ConfigRequest, reason nan.FailReason) error {
	return e.c.event(MessageTypeConfigFailed, EventPayload{Config: &failed, Reason: reason.String()})
}

func (e *clientEvents) OnNanDown(reason nan.FailReason) error {
	return e.c.event(MessageTypeNanDown, EventPayload{Reason: reason.String()})
}

func (e *clientEvents) OnIdentityChanged() error {
	return e.c.event(MessageTypeIdentityChanged, EventPayload{})
}

// sessionEvents forwards the events of one session to the connection.
type sessionEvents struct {
	c  *clientConn
	id nan.SessionID
}

func (e *sessionEvents) send(t MessageType, p EventPayload) error {
	id := e.id
	p.SessionID = &id
	return e.c.event(t, p)
}

func (e *sessionEvents) OnPublishFail(reason nan.FailReason) error {
	return e.send(MessageTypePublishFail, EventPayload{Reason: reason.String()})
}

func (e *sessionEvents) OnPublishTerminated(reason nan.TerminateReason) error {
	return e.send(MessageTypePublishTerminated, EventPayload{Reason: reason.String()})
}

func (e *sessionEvents) OnSubscribeFail(reason nan.FailReason) error {
	return e.send(MessageTypeSubscribeFail, EventPayload{Reason: reason.String()})
}

func (e *sessionEvents) OnSubscribeTerminated(reason nan.TerminateReason) error {
	return e.send(MessageTypeSubscribeTerminated, EventPayload{Reason: reason.String()})
}

func (e *sessionEvents) OnMatch(peer nan.PeerID, serviceSpecificInfo, matchFilter []byte) error {
	return e.send(MessageTypeMatch, EventPayload{Peer: peer, Data: serviceSpecificInfo, Filter: matchFilter})
}

func (e *sessionEvents) OnMessageSendSuccess(messageID nan.MessageID) error {
	return e.send(MessageTypeMessageSendSuccess, EventPayload{MessageID: messageID})
}

func (e *sessionEvents) OnMessageSendFail(messageID nan.MessageID, reason nan.FailReason) error {
	return e.send(MessageTypeMessageSendFail, EventPayload{MessageID: messageID, Reason: reason.String()})
}

func (e *sessionEvents) OnMessageReceived(peer nan.PeerID, message []byte) error {
	return e.send(MessageTypeMessageReceived, EventPayload{Peer: peer, Data: message})
}
