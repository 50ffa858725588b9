// Package nancp implements the NAN client protocol, a framed stream protocol
// that lets out-of-process applications use a nan.StateManager.
//
// Protocol overview:
//   - TCP or unix socket; the client first sends the protocol byte 0x4e
//   - every frame is length(4, big endian) + type(1) + JSON payload
//   - payloads are limited to MaxPayloadSize
//   - requests carry a client chosen "seq" that the server echoes in the
//     Ack, ConnectStatus or Error reply; events carry no seq
package nancp

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
)

var log = logger.GetNanLogger()

// ProtocolByte is sent by the client before the first frame.
const ProtocolByte = 0x4e

// MessageType identifies the payload of a frame.
type MessageType uint8

// Client -> server requests.
const (
	MessageTypeConnect        MessageType = 1
	MessageTypeDisconnect     MessageType = 2
	MessageTypeRequestConfig  MessageType = 3
	MessageTypeCreateSession  MessageType = 4
	MessageTypeDestroySession MessageType = 5
	MessageTypeStopSession    MessageType = 6
	MessageTypePublish        MessageType = 7
	MessageTypeSubscribe      MessageType = 8
	MessageTypeSendMessage    MessageType = 9
)

// Server -> client replies.
const (
	MessageTypeAck           MessageType = 20
	MessageTypeConnectStatus MessageType = 21
	MessageTypeError         MessageType = 22
)

// Server -> client events.
const (
	MessageTypeConfigCompleted     MessageType = 40
	MessageTypeConfigFailed        MessageType = 41
	MessageTypeNanDown             MessageType = 42
	MessageTypeIdentityChanged     MessageType = 43
	MessageTypePublishFail         MessageType = 44
	MessageTypePublishTerminated   MessageType = 45
	MessageTypeSubscribeFail       MessageType = 46
	MessageTypeSubscribeTerminated MessageType = 47
	MessageTypeMatch               MessageType = 48
	MessageTypeMessageSendSuccess  MessageType = 49
	MessageTypeMessageSendFail     MessageType = 50
	MessageTypeMessageReceived     MessageType = 51
)

// Protocol limits.
const (
	// HeaderSize is length(4) + type(1).
	HeaderSize = 5

	// MaxPayloadSize bounds a single frame payload.
	MaxPayloadSize = 64 * 1024

	// DefaultReadTimeout is the maximum time allowed to read one complete
	// frame once its header started arriving.
	DefaultReadTimeout = 30 * time.Second
)

var messageTypeNames = map[MessageType]string{
	MessageTypeConnect:             "Connect",
	MessageTypeDisconnect:          "Disconnect",
	MessageTypeRequestConfig:       "RequestConfig",
	MessageTypeCreateSession:       "CreateSession",
	MessageTypeDestroySession:      "DestroySession",
	MessageTypeStopSession:         "StopSession",
	MessageTypePublish:             "Publish",
	MessageTypeSubscribe:           "Subscribe",
	MessageTypeSendMessage:         "SendMessage",
	MessageTypeAck:                 "Ack",
	MessageTypeConnectStatus:       "ConnectStatus",
	MessageTypeError:               "Error",
	MessageTypeConfigCompleted:     "ConfigCompleted",
	MessageTypeConfigFailed:        "ConfigFailed",
	MessageTypeNanDown:             "NanDown",
	MessageTypeIdentityChanged:     "IdentityChanged",
	MessageTypePublishFail:         "PublishFail",
	MessageTypePublishTerminated:   "PublishTerminated",
	MessageTypeSubscribeFail:       "SubscribeFail",
	MessageTypeSubscribeTerminated: "SubscribeTerminated",
	MessageTypeMatch:               "Match",
	MessageTypeMessageSendSuccess:  "MessageSendSuccess",
	MessageTypeMessageSendFail:     "MessageSendFail",
	MessageTypeMessageReceived:     "MessageReceived",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// IsEvent reports whether t is an unsolicited server event.
func (t MessageType) IsEvent() bool {
	return t >= MessageTypeConfigCompleted && t <= MessageTypeMessageReceived
}

// Message is one protocol frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// MarshalBinary serializes the frame: length(4) + type(1) + payload.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, oops.Errorf("nancp payload too large: %d bytes (max %d)", len(m.Payload), MaxPayloadSize)
	}
	out := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(m.Payload)))
	out[4] = byte(m.Type)
	copy(out[HeaderSize:], m.Payload)
	return out, nil
}

// UnmarshalBinary parses one complete frame.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return oops.Errorf("nancp frame too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if n > MaxPayloadSize {
		return oops.Errorf("nancp payload too large: %d bytes (max %d)", n, MaxPayloadSize)
	}
	if uint32(len(data)-HeaderSize) < n {
		return oops.Errorf("nancp frame truncated: expected %d payload bytes, got %d", n, len(data)-HeaderSize)
	}
	m.Type = MessageType(data[4])
	m.Payload = append([]byte{}, data[HeaderSize:HeaderSize+int(n)]...)
	return nil
}

// ReadMessage reads one frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, oops.Wrapf(err, "read nancp header")
	}
	n := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(header[4])
	if n > MaxPayloadSize {
		log.WithFields(logger.Fields{
			"at":         "nancp.ReadMessage",
			"msgType":    msgType.String(),
			"payloadLen": n,
			"maxAllowed": MaxPayloadSize,
		}).Warn("payload_size_exceeded_max")
		return nil, oops.Errorf("nancp payload too large: %d bytes (max %d)", n, MaxPayloadSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, oops.Wrapf(err, "read nancp payload")
	}
	log.WithFields(logger.Fields{
		"at":         "nancp.ReadMessage",
		"msgType":    msgType.String(),
		"payloadLen": n,
	}).Debug("message_read")
	return &Message{Type: msgType, Payload: payload}, nil
}

// WriteMessage writes one frame to w.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return oops.Wrapf(err, "write nancp %s", msg.Type)
	}
	return nil
}

// readWithDeadline reads a frame, bounding the whole read by timeout once
// the first header byte is available.
func readWithDeadline(conn net.Conn, timeout time.Duration) (*Message, error) {
	first := make([]byte, 1)
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.WithError(err).Debug("failed_to_clear_read_deadline")
	}
	if _, err := io.ReadFull(conn, first); err != nil {
		return nil, oops.Wrapf(err, "read nancp header")
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			log.WithError(err).Debug("failed_to_set_read_deadline")
		}
	}
	return ReadMessage(io.MultiReader(bytes.NewReader(first), conn))
}
