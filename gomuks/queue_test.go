package gomuks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueueStore is an in-memory queueStore for tests.
type memQueueStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

func (m *memQueueStore) QueueSnapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data, nil
}

func (m *memQueueStore) SetQueueSnapshot(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = data
	m.writes++

	return nil
}

func (m *memQueueStore) ClearQueueSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil

	return nil
}

func (m *memQueueStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writes
}

func TestQueue_FIFODrain(t *testing.T) {
	q := NewCommandQueue(10, nil, quietLogger())

	for i := range 5 {
		q.Enqueue(CmdSendMessage, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}

	items := q.Drain()
	require.Len(t, items, 5)

	for i, item := range items {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(item.Payload), "drain preserves enqueue order")
	}

	assert.Zero(t, q.Len())
}

func TestQueue_RequeueGoesToHead(t *testing.T) {
	q := NewCommandQueue(10, nil, quietLogger())

	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":2}`), nil)

	// A cut-short flush puts its unsent remainder back in front of
	// anything enqueued since, preserving overall send order.
	call := &Call{Kind: CmdSendMessage, done: make(chan struct{})}
	q.Requeue([]QueuedCommand{
		{Kind: CmdSendMessage, Payload: json.RawMessage(`{"seq":0}`), Call: call},
		{Kind: CmdSendMessage, Payload: json.RawMessage(`{"seq":1}`)},
	})

	items := q.Drain()
	require.Len(t, items, 3)

	for i, item := range items {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(item.Payload))
	}

	assert.Same(t, call, items[0].Call, "call futures survive the requeue")
}

func TestQueue_OverflowEvictsOldest(t *testing.T) {
	q := NewCommandQueue(3, nil, quietLogger())

	evicted := &Call{Kind: CmdSendMessage, done: make(chan struct{})}
	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":0}`), evicted)

	for i := 1; i <= 3; i++ {
		q.Enqueue(CmdSendMessage, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}

	items := q.Drain()
	require.Len(t, items, 3)
	assert.JSONEq(t, `{"seq":1}`, string(items[0].Payload))

	// The evicted command's caller is told, not left hanging.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := evicted.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_PersistsOnlyWhileDisconnected(t *testing.T) {
	store := &memQueueStore{}
	q := NewCommandQueue(10, store, quietLogger())

	// Not yet ready but connected: in-memory only.
	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":0}`), nil)
	assert.Zero(t, store.writeCount())

	q.SetDisconnected(true)
	assert.Equal(t, 1, store.writeCount(), "entering disconnected snapshots the buffer")

	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":1}`), nil)
	assert.Equal(t, 2, store.writeCount(), "every disconnected enqueue persists")

	q.SetDisconnected(false)
	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":2}`), nil)
	assert.Equal(t, 2, store.writeCount())
}

func TestQueue_DrainClearsSnapshot(t *testing.T) {
	store := &memQueueStore{}
	q := NewCommandQueue(10, store, quietLogger())

	q.SetDisconnected(true)
	q.Enqueue(CmdSendMessage, json.RawMessage(`{"seq":0}`), nil)

	q.Drain()

	snap, err := store.QueueSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestQueue_LoadSnapshotDropsStaleEntries(t *testing.T) {
	store := &memQueueStore{}

	fresh := QueuedCommand{Kind: CmdSendMessage, Payload: json.RawMessage(`{"seq":0}`), EnqueuedAt: time.Now()}
	stale := QueuedCommand{Kind: CmdSendMessage, Payload: json.RawMessage(`{"seq":1}`), EnqueuedAt: time.Now().Add(-25 * time.Hour)}

	data, err := json.Marshal([]QueuedCommand{stale, fresh})
	require.NoError(t, err)
	require.NoError(t, store.SetQueueSnapshot(data))

	q := NewCommandQueue(10, store, quietLogger())
	require.NoError(t, q.LoadSnapshot())

	items := q.Drain()
	require.Len(t, items, 1, "entries older than 24h are dropped on reload")
	assert.JSONEq(t, `{"seq":0}`, string(items[0].Payload))
}

func TestQueue_LoadSnapshotEmptyStore(t *testing.T) {
	q := NewCommandQueue(10, &memQueueStore{}, quietLogger())

	require.NoError(t, q.LoadSnapshot())
	assert.Zero(t, q.Len())
}

func TestExempt(t *testing.T) {
	assert.True(t, Exempt(CmdGetRoomState))
	assert.True(t, Exempt(CmdGetProfile))
	assert.False(t, Exempt(CmdSendMessage))
	assert.False(t, Exempt(CmdPaginate))
}
