package nan

import (
	"math"
	"sort"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/samber/oops"
)

// Pending is the payload correlated with an in-flight native command. The
// set of implementations is closed: ConfigPending, SessionPending,
// MessagePending, CapabilitiesPending and StopPending.
type Pending interface {
	pendingKind() string
}

// ConfigPending tracks an enable/configure or disable command. Config is nil
// for a disable.
type ConfigPending struct {
	Config *ConfigRequest
}

// SessionOp tells which discovery command a SessionPending belongs to.
type SessionOp int

const (
	OpPublish SessionOp = iota
	OpSubscribe
)

func (o SessionOp) String() string {
	if o == OpPublish {
		return "publish"
	}
	return "subscribe"
}

// SessionPending tracks a publish or subscribe command.
type SessionPending struct {
	Client  *Client
	Session *Session
	Op      SessionOp
}

// MessagePending tracks a follow-up message transmission.
type MessagePending struct {
	Client    *Client
	Session   *Session
	MessageID MessageID
}

// CapabilitiesPending tracks a capabilities query.
type CapabilitiesPending struct{}

// StopPending tracks a stop command. It keeps no reference to the session,
// which may already be gone when the response arrives.
type StopPending struct {
	Op      SessionOp
	RadioID RadioID
}

func (ConfigPending) pendingKind() string       { return "config" }
func (SessionPending) pendingKind() string      { return "session" }
func (MessagePending) pendingKind() string      { return "message" }
func (CapabilitiesPending) pendingKind() string { return "capabilities" }
func (StopPending) pendingKind() string         { return "stop" }

// ownedBy reports whether the pending entry references the given client.
func ownedBy(p Pending, c *Client) bool {
	switch v := p.(type) {
	case SessionPending:
		return v.Client == c
	case MessagePending:
		return v.Client == c
	default:
		return false
	}
}

// scopedTo reports whether the pending entry references the given session.
func scopedTo(p Pending, s *Session) bool {
	switch v := p.(type) {
	case SessionPending:
		return v.Session == s
	case MessagePending:
		return v.Session == s
	default:
		return false
	}
}

type pendingEntry struct {
	payload  Pending
	issuedAt time.Time
}

// ExpiredTransaction is an entry removed by Expire.
type ExpiredTransaction struct {
	ID      TransactionID
	Payload Pending
	Age     time.Duration
}

// TransactionTable correlates native command responses with the command
// that caused them. It is not safe for concurrent use; the StateManager
// worker is its only user.
type TransactionTable struct {
	next    TransactionID
	entries map[TransactionID]pendingEntry
	now     func() time.Time
}

// NewTransactionTable creates an empty table. Ids start at 1.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		next:    1,
		entries: make(map[TransactionID]pendingEntry),
		now:     time.Now,
	}
}

// Allocate stores payload under a fresh id. The counter wraps after 65535
// and skips 0 and ids that are still pending. If every id is pending the
// next id in sequence is overwritten.
func (t *TransactionTable) Allocate(payload Pending) TransactionID {
	id := t.next
	if len(t.entries) < math.MaxUint16 {
		for {
			if _, busy := t.entries[id]; !busy && id != 0 {
				break
			}
			id = t.advance(id)
		}
	} else {
		if id == 0 {
			id = 1
		}
		log.WithFields(logger.Fields{
			"at":          "nan.TransactionTable.Allocate",
			"transaction": id,
			"dropped":     t.entries[id].payload.pendingKind(),
		}).Warn("transaction_space_exhausted_overwriting")
	}
	t.next = t.advance(id)
	t.entries[id] = pendingEntry{payload: payload, issuedAt: t.now()}
	return id
}

func (t *TransactionTable) advance(id TransactionID) TransactionID {
	id++
	if id == 0 {
		id = 1
	}
	return id
}

// Take removes and returns the payload for id.
func (t *TransactionTable) Take(id TransactionID) (Pending, error) {
	e, ok := t.entries[id]
	if !ok {
		return nil, oops.Wrapf(ErrTransactionNotFound, "transaction %d", id)
	}
	delete(t.entries, id)
	return e.payload, nil
}

// Peek returns the payload for id without removing it.
func (t *TransactionTable) Peek(id TransactionID) (Pending, bool) {
	e, ok := t.entries[id]
	return e.payload, ok
}

// PurgeWhere removes every entry whose payload matches pred and returns the
// number removed.
func (t *TransactionTable) PurgeWhere(pred func(Pending) bool) int {
	n := 0
	for id, e := range t.entries {
		if pred(e.payload) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Expire removes and returns entries issued more than timeout before now,
// oldest first.
func (t *TransactionTable) Expire(now time.Time, timeout time.Duration) []ExpiredTransaction {
	var out []ExpiredTransaction
	for id, e := range t.entries {
		if age := now.Sub(e.issuedAt); age > timeout {
			out = append(out, ExpiredTransaction{ID: id, Payload: e.payload, Age: age})
			delete(t.entries, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	return out
}

// Len returns the number of pending entries.
func (t *TransactionTable) Len() int {
	return len(t.entries)
}
