package nan

import (
	"fmt"
	"net"
)

// NativeBridge is the radio driver. Every method is fire-and-forget: a nil
// return means the command was handed to the radio and a response carrying
// the same transaction id will arrive later through NativeCallbacks. A
// non-nil error means nothing was sent.
type NativeBridge interface {
	EnableAndConfigure(tx TransactionID, cfg ConfigRequest) error
	Disable(tx TransactionID) error
	Publish(tx TransactionID, publishID RadioID, data PublishData, settings PublishSettings) error
	Subscribe(tx TransactionID, subscribeID RadioID, data SubscribeData, settings SubscribeSettings) error
	SendMessage(tx TransactionID, pubSubID RadioID, peer PeerID, peerMAC net.HardwareAddr, message []byte) error
	StopPublish(tx TransactionID, publishID RadioID) error
	StopSubscribe(tx TransactionID, subscribeID RadioID) error
	GetCapabilities(tx TransactionID) error
}

// NativeCallbacks is implemented by the StateManager and invoked by the
// radio driver from any goroutine.
type NativeCallbacks interface {
	OnConfigCompleted(tx TransactionID)
	OnConfigFailed(tx TransactionID, status NativeStatus)
	OnPublishSuccess(tx TransactionID, publishID RadioID)
	OnPublishFail(tx TransactionID, status NativeStatus)
	OnSubscribeSuccess(tx TransactionID, subscribeID RadioID)
	OnSubscribeFail(tx TransactionID, status NativeStatus)
	OnMessageSendSuccess(tx TransactionID)
	OnMessageSendFail(tx TransactionID, status NativeStatus)
	OnCapabilitiesResponse(tx TransactionID, caps Capabilities)
	OnUnknownTransaction(kind ResponseKind, tx TransactionID, status NativeStatus)

	OnPublishTerminated(publishID RadioID, status NativeStatus)
	OnSubscribeTerminated(subscribeID RadioID, status NativeStatus)
	OnMatch(pubSubID RadioID, peer PeerID, peerMAC net.HardwareAddr, serviceSpecificInfo, matchFilter []byte)
	OnMessageReceived(pubSubID RadioID, peer PeerID, peerMAC net.HardwareAddr, message []byte)
	OnInterfaceAddressChange(mac net.HardwareAddr)
	OnClusterChange(flag ClusterEventFlag, clusterID net.HardwareAddr)
	OnNanDown(status NativeStatus)
}

// ResponseKind identifies the command a response belongs to when the radio
// reports it without a dedicated callback.
type ResponseKind int

const (
	ResponseEnabled ResponseKind = iota
	ResponseDisabled
	ResponsePublish
	ResponsePublishCancel
	ResponseTransmitFollowup
	ResponseSubscribe
	ResponseSubscribeCancel
	ResponseStats
	ResponseConfig
	ResponseTCA
	ResponseError
	ResponseBeaconSDFPayload
	ResponseGetCapabilities
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseEnabled:
		return "Enabled"
	case ResponseDisabled:
		return "Disabled"
	case ResponsePublish:
		return "Publish"
	case ResponsePublishCancel:
		return "PublishCancel"
	case ResponseTransmitFollowup:
		return "TransmitFollowup"
	case ResponseSubscribe:
		return "Subscribe"
	case ResponseSubscribeCancel:
		return "SubscribeCancel"
	case ResponseStats:
		return "Stats"
	case ResponseConfig:
		return "Config"
	case ResponseTCA:
		return "TCA"
	case ResponseError:
		return "Error"
	case ResponseBeaconSDFPayload:
		return "BeaconSDFPayload"
	case ResponseGetCapabilities:
		return "GetCapabilities"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}
