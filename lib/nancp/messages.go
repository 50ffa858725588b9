package nancp

import (
	"encoding/json"
	"errors"
	"net"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/samber/oops"
)

// Sentinel errors reported through Error replies.
var (
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrRateLimited      = errors.New("request rate limit exceeded")
	ErrBadRequest       = errors.New("malformed request")
	ErrServerClosed     = errors.New("server closed")
	ErrClientClosed     = errors.New("client closed")
)

// Error codes carried by ErrorReply.
const (
	CodeInvalidArgument  = "invalid_argument"
	CodeKindConflict     = "session_kind_conflict"
	CodeManagerClosed    = "manager_closed"
	CodeNotConnected     = "not_connected"
	CodeAlreadyConnected = "already_connected"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeInvalidArgument, nan.ErrInvalidArgument},
	{CodeKindConflict, nan.ErrSessionKindConflict},
	{CodeManagerClosed, nan.ErrManagerClosed},
	{CodeNotConnected, ErrNotConnected},
	{CodeAlreadyConnected, ErrAlreadyConnected},
	{CodeRateLimited, ErrRateLimited},
	{CodeBadRequest, ErrBadRequest},
}

func codeFor(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

func errorFor(code string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}

// ConnectRequest registers the connection as a broker client.
type ConnectRequest struct {
	Seq  uint32        `json:"seq"`
	Mask nan.EventMask `json:"mask"`
}

// SeqRequest carries no arguments besides its sequence number.
type SeqRequest struct {
	Seq uint32 `json:"seq"`
}

// RequestConfigRequest submits the client's configuration request.
type RequestConfigRequest struct {
	Seq    uint32            `json:"seq"`
	Config nan.ConfigRequest `json:"config"`
}

// SessionRequest addresses one session for create, destroy and stop.
type SessionRequest struct {
	Seq       uint32        `json:"seq"`
	SessionID nan.SessionID `json:"sessionId"`
	Mask      nan.EventMask `json:"mask,omitempty"`
}

// PublishRequest starts or updates a publish.
type PublishRequest struct {
	Seq       uint32              `json:"seq"`
	SessionID nan.SessionID       `json:"sessionId"`
	Data      nan.PublishData     `json:"data"`
	Settings  nan.PublishSettings `json:"settings"`
}

// SubscribeRequest starts or updates a subscribe. ResponseFilter lists the
// publisher interface addresses the subscriber accepts.
type SubscribeRequest struct {
	Seq            uint32                `json:"seq"`
	SessionID      nan.SessionID         `json:"sessionId"`
	Data           nan.SubscribeData     `json:"data"`
	Settings       nan.SubscribeSettings `json:"settings"`
	ResponseFilter []string              `json:"responseFilter,omitempty"`
}

// subscribeData returns the request data with the response filter parsed.
func (r SubscribeRequest) subscribeData() (nan.SubscribeData, error) {
	data := r.Data
	data.ServiceResponseFilter = nil
	for _, s := range r.ResponseFilter {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return data, oops.Wrapf(nan.ErrInvalidArgument, "response filter address %q: %v", s, err)
		}
		data.ServiceResponseFilter = append(data.ServiceResponseFilter, mac)
	}
	return data, nil
}

// SendMessageRequest transmits a follow-up message to a peer.
type SendMessageRequest struct {
	Seq       uint32        `json:"seq"`
	SessionID nan.SessionID `json:"sessionId"`
	Peer      nan.PeerID    `json:"peer"`
	MessageID nan.MessageID `json:"messageId"`
	Message   []byte        `json:"message"`
}

// Ack confirms a request was accepted by the broker.
type Ack struct {
	Seq uint32 `json:"seq"`
}

// ConnectStatus answers Connect with the client id the server assigned.
type ConnectStatus struct {
	Seq      uint32       `json:"seq"`
	ClientID nan.ClientID `json:"clientId"`
}

// ErrorReply rejects a request.
type ErrorReply struct {
	Seq     uint32 `json:"seq"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the reply back into an error matching the package and nan
// sentinels.
func (e ErrorReply) Err() error {
	if sentinel := errorFor(e.Code); sentinel != nil {
		return oops.Wrapf(sentinel, "%s", e.Message)
	}
	return oops.Errorf("%s: %s", e.Code, e.Message)
}

// EventPayload is the body of every event frame. Only the fields relevant to
// the frame type are set.
type EventPayload struct {
	SessionID *nan.SessionID     `json:"sessionId,omitempty"`
	Config    *nan.ConfigRequest `json:"config,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Peer      nan.PeerID         `json:"peer,omitempty"`
	MessageID nan.MessageID      `json:"messageId,omitempty"`
	Data      []byte             `json:"data,omitempty"`
	Filter    []byte             `json:"filter,omitempty"`
}

func newFrame(t MessageType, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Wrapf(err, "encode %s", t)
	}
	return &Message{Type: t, Payload: payload}, nil
}

func decode(msg *Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return oops.Wrapf(ErrBadRequest, "decode %s: %v", msg.Type, err)
	}
	return nil
}
