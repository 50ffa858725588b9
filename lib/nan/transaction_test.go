package nan

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionTableAllocateStartsAtOne(t *testing.T) {
	table := NewTransactionTable()

	assert.Equal(t, TransactionID(1), table.Allocate(CapabilitiesPending{}))
	assert.Equal(t, TransactionID(2), table.Allocate(CapabilitiesPending{}))
	assert.Equal(t, 2, table.Len())
}

func TestTransactionTableTakeConsumesOnce(t *testing.T) {
	table := NewTransactionTable()
	cfg := DefaultConfigRequest()
	id := table.Allocate(ConfigPending{Config: &cfg})

	p, err := table.Take(id)
	require.NoError(t, err)
	assert.Equal(t, ConfigPending{Config: &cfg}, p)

	_, err = table.Take(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransactionNotFound))
	assert.Equal(t, 0, table.Len())
}

func TestTransactionTableWrapSkipsZeroAndBusy(t *testing.T) {
	table := NewTransactionTable()
	held := table.Allocate(CapabilitiesPending{})
	require.Equal(t, TransactionID(1), held)

	table.next = math.MaxUint16
	assert.Equal(t, TransactionID(math.MaxUint16), table.Allocate(CapabilitiesPending{}))
	// 0 is never used and 1 is still pending.
	assert.Equal(t, TransactionID(2), table.Allocate(CapabilitiesPending{}))
}

func TestTransactionTableExhaustedOverwrites(t *testing.T) {
	table := NewTransactionTable()
	for i := 0; i < math.MaxUint16; i++ {
		table.Allocate(CapabilitiesPending{})
	}
	require.Equal(t, math.MaxUint16, table.Len())

	id := table.Allocate(StopPending{RadioID: 9})
	assert.Equal(t, TransactionID(1), id)
	assert.Equal(t, math.MaxUint16, table.Len())

	p, ok := table.Peek(id)
	require.True(t, ok)
	assert.Equal(t, StopPending{RadioID: 9}, p)
}

func TestTransactionTablePurgeWhere(t *testing.T) {
	table := NewTransactionTable()
	a := newClient(1, &clientRecorder{}, EventAllClient)
	b := newClient(2, &clientRecorder{}, EventAllClient)
	sa := newSession(1, 1, &sessionRecorder{}, EventAllSession)
	sb := newSession(2, 1, &sessionRecorder{}, EventAllSession)

	table.Allocate(SessionPending{Client: a, Session: sa})
	table.Allocate(MessagePending{Client: a, Session: sa, MessageID: 3})
	kept := table.Allocate(SessionPending{Client: b, Session: sb})
	stop := table.Allocate(StopPending{RadioID: 4})

	n := table.PurgeWhere(func(p Pending) bool { return ownedBy(p, a) })
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, table.Len())

	_, ok := table.Peek(kept)
	assert.True(t, ok)
	_, ok = table.Peek(stop)
	assert.True(t, ok, "stop entries are not owned by any client")
}

func TestTransactionTableExpire(t *testing.T) {
	table := NewTransactionTable()
	base := time.Unix(1000, 0)

	table.now = func() time.Time { return base }
	old := table.Allocate(CapabilitiesPending{})
	table.now = func() time.Time { return base.Add(5 * time.Second) }
	fresh := table.Allocate(CapabilitiesPending{})

	expired := table.Expire(base.Add(12*time.Second), 10*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, old, expired[0].ID)
	assert.Equal(t, 12*time.Second, expired[0].Age)

	_, ok := table.Peek(fresh)
	assert.True(t, ok)

	expired = table.Expire(base.Add(time.Minute), 10*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, fresh, expired[0].ID)
	assert.Equal(t, 0, table.Len())
}
