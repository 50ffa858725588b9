package nancp

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"
)

// Event is one broker event received by a Client.
type Event struct {
	Type MessageType

	// SessionID is set when HasSession is true.
	SessionID  nan.SessionID
	HasSession bool

	Payload []byte
}

// Reason returns the fail or terminate reason carried by the event, if any.
func (e Event) Reason() string {
	return gjson.GetBytes(e.Payload, "reason").String()
}

// Decode parses the full event body.
func (e Event) Decode() (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, oops.Wrapf(err, "decode %s event", e.Type)
	}
	return p, nil
}

func newEvent(msg *Message) Event {
	ev := Event{Type: msg.Type, Payload: msg.Payload}
	if sid := gjson.GetBytes(msg.Payload, "sessionId"); sid.Exists() {
		ev.SessionID = nan.SessionID(sid.Int())
		ev.HasSession = true
	}
	return ev
}

// EventBuffer is the number of events a Client buffers. Callers must drain
// Events; a full buffer stalls reply delivery too.
const EventBuffer = 128

// Client is a connection to a nancp Server.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	seq     atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *Message

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a server and performs the protocol handshake.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, oops.Wrapf(err, "dial %s %s", network, address)
	}
	if _, err := conn.Write([]byte{ProtocolByte}); err != nil {
		conn.Close()
		return nil, oops.Wrapf(err, "send protocol byte")
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan *Message),
		events:  make(chan Event, EventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the channel of broker events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection; the server disconnects the client.
func (c *Client) Close() error {
	c.shutdown()
	<-c.done
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":    "nancp.Client.readLoop",
				"error": err.Error(),
			}).Debug("connection_closed")
			c.shutdown()
			return
		}
		if msg.Type.IsEvent() {
			select {
			case c.events <- newEvent(msg):
			case <-c.quit:
				return
			}
			continue
		}
		seq := uint32(gjson.GetBytes(msg.Payload, "seq").Uint())
		c.mu.Lock()
		ch, ok := c.pending[seq]
		delete(c.pending, seq)
		c.mu.Unlock()
		if !ok {
			log.WithFields(logger.Fields{
				"at":   "nancp.Client.readLoop",
				"seq":  seq,
				"type": msg.Type.String(),
			}).Debug("unexpected_reply")
			continue
		}
		ch <- msg
	}
}

// roundTrip sends one request and waits for its reply. Error replies are
// returned as errors.
func (c *Client) roundTrip(ctx context.Context, t MessageType, build func(seq uint32) any) (*Message, error) {
	seq := c.seq.Add(1)
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	frame, err := newFrame(t, build(seq))
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	err = WriteMessage(c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Type == MessageTypeError {
			var e ErrorReply
			if err := json.Unmarshal(reply.Payload, &e); err != nil {
				return nil, oops.Wrapf(err, "decode error reply")
			}
			return nil, e.Err()
		}
		return reply, nil
	case <-ctx.Done():
		return nil, oops.Wrapf(ctx.Err(), "%s", t)
	case <-c.done:
		return nil, oops.Wrapf(ErrClientClosed, "%s", t)
	}
}

// Connect registers this connection as a broker client and returns the
// client id the server assigned.
func (c *Client) Connect(ctx context.Context, mask nan.EventMask) (nan.ClientID, error) {
	reply, err := c.roundTrip(ctx, MessageTypeConnect, func(seq uint32) any {
		return ConnectRequest{Seq: seq, Mask: mask}
	})
	if err != nil {
		return 0, err
	}
	var status ConnectStatus
	if err := json.Unmarshal(reply.Payload, &status); err != nil {
		return 0, oops.Wrapf(err, "decode connect status")
	}
	return status.ClientID, nil
}

// Disconnect removes the client from the broker; the connection stays open.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.roundTrip(ctx, MessageTypeDisconnect, func(seq uint32) any {
		return SeqRequest{Seq: seq}
	})
	return err
}

// RequestConfig submits a configuration request.
func (c *Client) RequestConfig(ctx context.Context, cfg nan.ConfigRequest) error {
	_, err := c.roundTrip(ctx, MessageTypeRequestConfig, func(seq uint32) any {
		return RequestConfigRequest{Seq: seq, Config: cfg}
	})
	return err
}

// CreateSession creates a discovery session.
func (c *Client) CreateSession(ctx context.Context, sid nan.SessionID, mask nan.EventMask) error {
	_, err := c.roundTrip(ctx, MessageTypeCreateSession, func(seq uint32) any {
		return SessionRequest{Seq: seq, SessionID: sid, Mask: mask}
	})
	return err
}

// DestroySession stops and removes a session.
func (c *Client) DestroySession(ctx context.Context, sid nan.SessionID) error {
	_, err := c.roundTrip(ctx, MessageTypeDestroySession, func(seq uint32) any {
		return SessionRequest{Seq: seq, SessionID: sid}
	})
	return err
}

// StopSession stops a session's publish or subscribe.
func (c *Client) StopSession(ctx context.Context, sid nan.SessionID) error {
	_, err := c.roundTrip(ctx, MessageTypeStopSession, func(seq uint32) any {
		return SessionRequest{Seq: seq, SessionID: sid}
	})
	return err
}

// Publish starts or updates a publish.
func (c *Client) Publish(ctx context.Context, sid nan.SessionID, data nan.PublishData, settings nan.PublishSettings) error {
	_, err := c.roundTrip(ctx, MessageTypePublish, func(seq uint32) any {
		return PublishRequest{Seq: seq, SessionID: sid, Data: data, Settings: settings}
	})
	return err
}

// Subscribe starts or updates a subscribe.
func (c *Client) Subscribe(ctx context.Context, sid nan.SessionID, data nan.SubscribeData, settings nan.SubscribeSettings) error {
	var srf []string
	for _, mac := range data.ServiceResponseFilter {
		srf = append(srf, mac.String())
	}
	_, err := c.roundTrip(ctx, MessageTypeSubscribe, func(seq uint32) any {
		return SubscribeRequest{Seq: seq, SessionID: sid, Data: data, Settings: settings, ResponseFilter: srf}
	})
	return err
}

// SendMessage sends a follow-up message to a peer.
func (c *Client) SendMessage(ctx context.Context, sid nan.SessionID, peer nan.PeerID, message []byte, messageID nan.MessageID) error {
	_, err := c.roundTrip(ctx, MessageTypeSendMessage, func(seq uint32) any {
		return SendMessageRequest{Seq: seq, SessionID: sid, Peer: peer, MessageID: messageID, Message: message}
	})
	return err
}
