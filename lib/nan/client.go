package nan

import (
	"sort"

	"github.com/go-nan/go-nan/lib/util/logger"
)

// Client is the state kept for one connected API consumer.
type Client struct {
	id       ClientID
	listener EventListener
	mask     EventMask
	config   *ConfigRequest
	sessions map[SessionID]*Session
}

func newClient(id ClientID, listener EventListener, mask EventMask) *Client {
	return &Client{
		id:       id,
		listener: listener,
		mask:     mask,
		sessions: make(map[SessionID]*Session),
	}
}

// ID returns the client id.
func (c *Client) ID() ClientID { return c.id }

// Config returns the client's last configuration request, or nil.
func (c *Client) Config() *ConfigRequest { return c.config }

func (c *Client) fields(at string) logger.Fields {
	return logger.Fields{"at": at, "client": c.id}
}

func (c *Client) session(id SessionID) (*Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

// addSession stores s, returning the session it replaced if any.
func (c *Client) addSession(s *Session) *Session {
	prev := c.sessions[s.id]
	c.sessions[s.id] = s
	return prev
}

func (c *Client) removeSession(id SessionID) {
	delete(c.sessions, id)
}

// sortedSessions returns the sessions ordered by id so teardown and
// snapshots are deterministic.
func (c *Client) sortedSessions() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// findLive returns the live session holding radioID. With kind set to a
// kind other than KindUnbound only sessions of that kind qualify.
func (c *Client) findLive(radioID RadioID, kind SessionKind) *Session {
	for _, s := range c.sessions {
		if !s.live || s.radioID != radioID {
			continue
		}
		if kind != KindUnbound && s.kind != kind {
			continue
		}
		return s
	}
	return nil
}

func (c *Client) notifyConfigCompleted(cfg ConfigRequest) bool {
	if !c.mask.Has(EventConfigCompleted) {
		return false
	}
	return deliver("nan.Client.notifyConfigCompleted", c.fields(""), func() error {
		return c.listener.OnConfigCompleted(cfg)
	})
}

func (c *Client) notifyConfigFailed(cfg ConfigRequest, reason FailReason) bool {
	if !c.mask.Has(EventConfigFailed) {
		return false
	}
	return deliver("nan.Client.notifyConfigFailed", c.fields(""), func() error {
		return c.listener.OnConfigFailed(cfg, reason)
	})
}

func (c *Client) notifyNanDown(reason FailReason) bool {
	if !c.mask.Has(EventNanDown) {
		return false
	}
	return deliver("nan.Client.notifyNanDown", c.fields(""), func() error {
		return c.listener.OnNanDown(reason)
	})
}

func (c *Client) notifyIdentityChanged() bool {
	if !c.mask.Has(EventIdentityChanged) {
		return false
	}
	return deliver("nan.Client.notifyIdentityChanged", c.fields(""), func() error {
		return c.listener.OnIdentityChanged()
	})
}

// ClientInfo is a point-in-time copy of a client's state.
type ClientInfo struct {
	ID       ClientID       `json:"id"`
	Mask     EventMask      `json:"mask"`
	Config   *ConfigRequest `json:"config,omitempty"`
	Sessions []SessionInfo  `json:"sessions,omitempty"`
}

func (c *Client) info() ClientInfo {
	info := ClientInfo{ID: c.id, Mask: c.mask}
	if c.config != nil {
		cfg := *c.config
		info.Config = &cfg
	}
	for _, s := range c.sortedSessions() {
		info.Sessions = append(info.Sessions, s.info())
	}
	return info
}
