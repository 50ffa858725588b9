package nan

import (
	"github.com/go-nan/go-nan/lib/util/logger"
)

var log = logger.GetNanLogger()

// EventListener receives client-level events. Returning an error reports a
// delivery failure (e.g. the remote end is gone); it is logged and does not
// affect other deliveries.
type EventListener interface {
	OnConfigCompleted(completed ConfigRequest) error
	OnConfigFailed(failed ConfigRequest, reason FailReason) error
	OnNanDown(reason FailReason) error
	OnIdentityChanged() error
}

// SessionListener receives events for one discovery session.
type SessionListener interface {
	OnPublishFail(reason FailReason) error
	OnPublishTerminated(reason TerminateReason) error
	OnSubscribeFail(reason FailReason) error
	OnSubscribeTerminated(reason TerminateReason) error
	OnMatch(peer PeerID, serviceSpecificInfo, matchFilter []byte) error
	OnMessageSendSuccess(messageID MessageID) error
	OnMessageSendFail(messageID MessageID, reason FailReason) error
	OnMessageReceived(peer PeerID, message []byte) error
}

// deliver invokes one listener callback, logging errors and panics so a
// broken listener never aborts a fan-out.
func deliver(at string, fields logger.Fields, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).WithFields(logger.Fields{
				"at":    at,
				"panic": r,
			}).Error("listener_panicked")
			ok = false
		}
	}()
	if err := fn(); err != nil {
		log.WithFields(fields).WithFields(logger.Fields{
			"at":    at,
			"error": err.Error(),
		}).Warn("listener_delivery_failed")
		return false
	}
	return true
}
