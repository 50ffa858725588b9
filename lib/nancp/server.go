package nancp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Broker is the part of nan.StateManager the server drives.
type Broker interface {
	Connect(id nan.ClientID, listener nan.EventListener, mask nan.EventMask) error
	Disconnect(id nan.ClientID) error
	RequestConfig(id nan.ClientID, cfg nan.ConfigRequest) error
	CreateSession(cid nan.ClientID, sid nan.SessionID, listener nan.SessionListener, mask nan.EventMask) error
	DestroySession(cid nan.ClientID, sid nan.SessionID) error
	StopSession(cid nan.ClientID, sid nan.SessionID) error
	Publish(cid nan.ClientID, sid nan.SessionID, data nan.PublishData, settings nan.PublishSettings) error
	Subscribe(cid nan.ClientID, sid nan.SessionID, data nan.SubscribeData, settings nan.SubscribeSettings) error
	SendMessage(cid nan.ClientID, sid nan.SessionID, peer nan.PeerID, message []byte, messageID nan.MessageID) error
}

// ServerConfig holds configuration for the client protocol server.
type ServerConfig struct {
	// Network type: "tcp" or "unix"
	Network string

	// Address to listen on (e.g. "localhost:7655" or "/tmp/nan.sock")
	Address string

	// Maximum number of concurrent connections
	MaxClients int

	// Per-connection token bucket: sustained requests per second and burst
	MessagesPerSecond float64
	Burst             int

	// Maximum time to read one frame once it started arriving
	ReadTimeout time.Duration

	// Number of outbound frames buffered per connection before events are
	// reported as undeliverable
	OutboundQueue int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Network:           "tcp",
		Address:           "localhost:7655",
		MaxClients:        64,
		MessagesPerSecond: 200,
		Burst:             50,
		ReadTimeout:       DefaultReadTimeout,
		OutboundQueue:     256,
	}
}

// Server accepts client protocol connections and forwards their requests to
// a Broker. Every connection becomes one broker client.
type Server struct {
	config ServerConfig
	broker Broker

	listener   net.Listener
	conns      cmap.ConcurrentMap[string, *clientConn]
	nextClient atomic.Int64

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server driving broker.
func NewServer(config ServerConfig, broker Broker) (*Server, error) {
	if broker == nil {
		return nil, oops.Errorf("nancp server requires a broker")
	}
	if config.Network != "tcp" && config.Network != "unix" {
		return nil, oops.Errorf("unsupported network %q", config.Network)
	}
	def := DefaultServerConfig()
	if config.MaxClients <= 0 {
		config.MaxClients = def.MaxClients
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = def.OutboundQueue
	}

	log.WithFields(logger.Fields{
		"at":         "nancp.NewServer",
		"network":    config.Network,
		"address":    config.Address,
		"maxClients": config.MaxClients,
	}).Info("creating_nancp_server")

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: config,
		broker: broker,
		conns:  cmap.New[*clientConn](),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return oops.Errorf("server already running")
	}
	if s.ctx.Err() != nil {
		return oops.Wrapf(ErrServerClosed, "start")
	}

	listener, err := net.Listen(s.config.Network, s.config.Address)
	if err != nil {
		return oops.Wrapf(err, "listen on %s", s.config.Address)
	}
	s.listener = listener
	s.running = true

	log.WithFields(logger.Fields{
		"at":      "nancp.Server.Start",
		"network": s.config.Network,
		"address": listener.Addr().String(),
	}).Info("nancp_server_started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	return s.conns.Count()
}

// Stop closes the listener and every connection, disconnecting their
// clients from the broker.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if err := s.listener.Close(); err != nil {
		log.WithError(err).Debug("error_closing_listener")
	}
	for _, c := range s.conns.Items() {
		c.conn.Close()
	}
	s.wg.Wait()

	log.WithField("at", "nancp.Server.Stop").Info("nancp_server_stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("failed_to_accept_connection")
			continue
		}

		if s.conns.Count() >= s.config.MaxClients {
			log.WithFields(logger.Fields{
				"at":         "nancp.Server.acceptLoop",
				"clients":    s.conns.Count(),
				"maxClients": s.config.MaxClients,
				"remoteAddr": conn.RemoteAddr().String(),
			}).Warn("max_clients_reached_rejecting_connection")
			conn.Close()
			continue
		}

		c := s.newClientConn(conn)
		s.conns.Set(c.tag, c)
		if s.ctx.Err() != nil {
			s.conns.Remove(c.tag)
			conn.Close()
			return
		}
		s.wg.Add(2)
		go c.writeLoop(&s.wg)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()
	defer s.cleanupConnection(c)

	if !s.readProtocolByte(c) {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := readWithDeadline(c.conn, s.config.ReadTimeout)
		if err != nil {
			if !isClosedRead(err) {
				log.WithFields(c.fields("nancp.Server.handleConnection")).WithField("error", err.Error()).Debug("read_failed")
			}
			return
		}

		if !c.limiter.Allow() {
			log.WithFields(c.fields("nancp.Server.handleConnection")).Warn("connection_rate_limit_exceeded")
			s.replyError(c, seqOf(msg), ErrRateLimited)
			continue
		}
		s.handleMessage(c, msg)
	}
}

func isClosedRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func (s *Server) cleanupConnection(c *clientConn) {
	if c.connected {
		if err := s.broker.Disconnect(c.clientID); err != nil {
			log.WithFields(c.fields("nancp.Server.cleanupConnection")).WithField("error", err.Error()).Debug("disconnect_failed")
		}
	}
	c.close()
	s.conns.Remove(c.tag)
	log.WithFields(c.fields("nancp.Server.cleanupConnection")).Info("client_disconnected")
}

// readProtocolByte validates the handshake byte sent first by every client.
func (s *Server) readProtocolByte(c *clientConn) bool {
	if s.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			log.WithError(err).Debug("failed_to_set_read_deadline")
		}
	}
	b := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		log.WithFields(c.fields("nancp.Server.readProtocolByte")).WithField("error", err.Error()).Debug("failed_to_read_protocol_byte")
		return false
	}
	if b[0] != ProtocolByte {
		log.WithFields(c.fields("nancp.Server.readProtocolByte")).WithFields(logger.Fields{
			"expected": fmt.Sprintf("0x%02x", ProtocolByte),
			"received": fmt.Sprintf("0x%02x", b[0]),
		}).Warn("invalid_protocol_byte")
		return false
	}
	return true
}

func seqOf(msg *Message) uint32 {
	return uint32(gjson.GetBytes(msg.Payload, "seq").Uint())
}

// handleMessage runs one request and queues its reply.
func (s *Server) handleMessage(c *clientConn, msg *Message) {
	log.WithFields(c.fields("nancp.Server.handleMessage")).WithFields(logger.Fields{
		"type":        msg.Type.String(),
		"payloadSize": len(msg.Payload),
	}).Debug("received_message")

	seq := seqOf(msg)
	if msg.Type == MessageTypeConnect {
		s.handleConnect(c, msg)
		return
	}
	if !c.connected {
		s.replyError(c, seq, ErrNotConnected)
		return
	}

	var err error
	switch msg.Type {
	case MessageTypeDisconnect:
		err = s.handleDisconnect(c)
	case MessageTypeRequestConfig:
		var req RequestConfigRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.RequestConfig(c.clientID, req.Config)
		}
	case MessageTypeCreateSession:
		var req SessionRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.CreateSession(c.clientID, req.SessionID, &sessionEvents{c: c, id: req.SessionID}, req.Mask)
		}
	case MessageTypeDestroySession:
		var req SessionRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.DestroySession(c.clientID, req.SessionID)
		}
	case MessageTypeStopSession:
		var req SessionRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.StopSession(c.clientID, req.SessionID)
		}
	case MessageTypePublish:
		var req PublishRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.Publish(c.clientID, req.SessionID, req.Data, req.Settings)
		}
	case MessageTypeSubscribe:
		err = s.handleSubscribe(c, msg)
	case MessageTypeSendMessage:
		var req SendMessageRequest
		if err = decode(msg, &req); err == nil {
			err = s.broker.SendMessage(c.clientID, req.SessionID, req.Peer, req.Message, req.MessageID)
		}
	default:
		err = oops.Wrapf(ErrBadRequest, "unexpected message type %d", msg.Type)
	}

	if err != nil {
		s.replyError(c, seq, err)
		return
	}
	c.reply(MessageTypeAck, Ack{Seq: seq})
}

func (s *Server) handleConnect(c *clientConn, msg *Message) {
	var req ConnectRequest
	if err := decode(msg, &req); err != nil {
		s.replyError(c, seqOf(msg), err)
		return
	}
	if c.connected {
		s.replyError(c, req.Seq, ErrAlreadyConnected)
		return
	}
	id := nan.ClientID(s.nextClient.Add(1))
	if err := s.broker.Connect(id, &clientEvents{c: c}, req.Mask); err != nil {
		s.replyError(c, req.Seq, err)
		return
	}
	c.connected = true
	c.clientID = id
	log.WithFields(c.fields("nancp.Server.handleConnect")).Info("client_connected")
	c.reply(MessageTypeConnectStatus, ConnectStatus{Seq: req.Seq, ClientID: id})
}

func (s *Server) handleDisconnect(c *clientConn) error {
	if err := s.broker.Disconnect(c.clientID); err != nil {
		return err
	}
	c.connected = false
	return nil
}

func (s *Server) handleSubscribe(c *clientConn, msg *Message) error {
	var req SubscribeRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	data, err := req.subscribeData()
	if err != nil {
		return err
	}
	return s.broker.Subscribe(c.clientID, req.SessionID, data, req.Settings)
}

func (s *Server) replyError(c *clientConn, seq uint32, err error) {
	log.WithFields(c.fields("nancp.Server.replyError")).WithFields(logger.Fields{
		"seq":   seq,
		"error": err.Error(),
	}).Debug("request_rejected")
	c.reply(MessageTypeError, ErrorReply{Seq: seq, Code: codeFor(err), Message: err.Error()})
}

// clientConn is one accepted connection. connected and clientID are owned
// by the connection's read goroutine.
type clientConn struct {
	tag     string
	conn    net.Conn
	limiter *rate.Limiter

	connected bool
	clientID  nan.ClientID

	out       chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) newClientConn(conn net.Conn) *clientConn {
	return &clientConn{
		tag:     uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst),
		out:     make(chan *Message, s.config.OutboundQueue),
		done:    make(chan struct{}),
	}
}

func (c *clientConn) fields(at string) logger.Fields {
	return logger.Fields{
		"at":         at,
		"conn":       c.tag,
		"client":     c.clientID,
		"remoteAddr": c.conn.RemoteAddr().String(),
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writeLoop writes queued frames until the connection closes.
func (c *clientConn) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := WriteMessage(c.conn, msg); err != nil {
				log.WithFields(logger.Fields{
					"at":    "nancp.clientConn.writeLoop",
					"conn":  c.tag,
					"error": err.Error(),
				}).Debug("write_failed")
				c.close()
				return
			}
		}
	}
}

// reply queues a reply frame, waiting for room in the outbound queue.
func (c *clientConn) reply(t MessageType, v any) {
	msg, err := newFrame(t, v)
	if err != nil {
		log.WithFields(c.fields("nancp.clientConn.reply")).WithField("error", err.Error()).Error("failed_to_encode_reply")
		return
	}
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// event queues an event frame without blocking the broker worker.
func (c *clientConn) event(t MessageType, payload EventPayload) error {
	msg, err := newFrame(t, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return oops.Wrapf(ErrClientClosed, "deliver %s", t)
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return oops.Errorf("outbound queue full, dropping %s", t)
	}
}
