package gomuks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultQueueCap bounds the offline-send buffer. Overflow evicts
	// the oldest entry; this is a courtesy buffer, not guaranteed
	// delivery.
	defaultQueueCap = 800

	// queueEntryMaxAge drops stale entries when a persisted snapshot is
	// reloaded after a process restart.
	queueEntryMaxAge = 24 * time.Hour
)

// exemptKinds are commands that bypass startup admission control: the
// startup sequence itself depends on them, so they must not be blocked
// by the gate they are satisfying.
var exemptKinds = map[string]bool{
	CmdGetRoomState: true,
	CmdGetProfile:   true,
	cmdPing:         true,
}

// Exempt reports whether a command kind bypasses the not-ready gate.
func Exempt(kind string) bool {
	return exemptKinds[kind]
}

// QueuedCommand is one buffered outgoing command. The call future is
// held in memory only; commands restored from a persisted snapshot have
// no waiting caller.
type QueuedCommand struct {
	Kind       string          `json:"command"`
	Payload    json.RawMessage `json:"data"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	Call *Call `json:"-"`
}

// queueStore persists the queue snapshot across process restarts.
type queueStore interface {
	QueueSnapshot() ([]byte, error)
	SetQueueSnapshot(data []byte) error
	ClearQueueSnapshot() error
}

// CommandQueue buffers outgoing commands while the session is not
// ready. Draining is strict FIFO; drained commands are sent as if
// freshly issued, with new request ids.
type CommandQueue struct {
	mu    sync.Mutex
	items []QueuedCommand
	cap   int

	// disconnected controls persistence: while disconnected every
	// enqueue flushes a snapshot so a restart can resume pending
	// sends. While merely not-yet-ready no durable write happens,
	// since acknowledgment is expected imminently.
	disconnected bool

	store  queueStore
	now    func() time.Time
	logger *slog.Logger
}

// NewCommandQueue creates a queue capped at capacity entries. A zero
// capacity uses the default.
func NewCommandQueue(capacity int, store queueStore, logger *slog.Logger) *CommandQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}

	return &CommandQueue{
		cap:    capacity,
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// Enqueue buffers a command, evicting the oldest entry on overflow.
func (q *CommandQueue) Enqueue(kind string, payload json.RawMessage, call *Call) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		evicted := q.items[0]
		q.items = q.items[1:]

		q.logger.Warn("command queue full, evicting oldest",
			slog.String("evicted_kind", evicted.Kind),
		)

		if evicted.Call != nil {
			evicted.Call.complete(nil, context.Canceled)
		}
	}

	q.items = append(q.items, QueuedCommand{
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.now(),
		Call:       call,
	})

	if q.disconnected {
		q.persistLocked()
	}
}

// Requeue puts commands back at the head of the queue in their original
// order. Used when a ready-transition flush is cut short by a write
// failure: the unsent remainder must survive for the next attempt.
func (q *CommandQueue) Requeue(items []QueuedCommand) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(append([]QueuedCommand{}, items...), q.items...)

	if q.disconnected {
		q.persistLocked()
	}
}

// Drain removes and returns all buffered commands in FIFO order and
// clears the persisted snapshot.
func (q *CommandQueue) Drain() []QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	if q.store != nil && len(items) > 0 {
		if err := q.store.ClearQueueSnapshot(); err != nil {
			q.logger.Warn("clearing queue snapshot", slog.String("error", err.Error()))
		}
	}

	return items
}

// Len returns the number of buffered commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// SetDisconnected flips persistence mode. Entering the disconnected
// state snapshots whatever is already buffered.
func (q *CommandQueue) SetDisconnected(disconnected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.disconnected = disconnected

	if disconnected && len(q.items) > 0 {
		q.persistLocked()
	}
}

// LoadSnapshot restores the persisted queue after a process restart,
// dropping entries older than the staleness bound.
func (q *CommandQueue) LoadSnapshot() error {
	if q.store == nil {
		return nil
	}

	data, err := q.store.QueueSnapshot()
	if err != nil {
		return fmt.Errorf("loading queue snapshot: %w", err)
	}

	if data == nil {
		return nil
	}

	var items []QueuedCommand
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decoding queue snapshot: %w", err)
	}

	cutoff := q.now().Add(-queueEntryMaxAge)
	kept := items[:0]

	for _, item := range items {
		if item.EnqueuedAt.Before(cutoff) {
			q.logger.Debug("dropping stale queued command",
				slog.String("kind", item.Kind),
				slog.Time("enqueued_at", item.EnqueuedAt),
			)

			continue
		}

		kept = append(kept, item)
	}

	q.mu.Lock()
	q.items = append(kept, q.items...)
	q.mu.Unlock()

	return nil
}

// persistLocked flushes the snapshot. Caller holds q.mu.
func (q *CommandQueue) persistLocked() {
	if q.store == nil {
		return
	}

	data, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Warn("encoding queue snapshot", slog.String("error", err.Error()))
		return
	}

	if err := q.store.SetQueueSnapshot(data); err != nil {
		q.logger.Warn("persisting queue snapshot", slog.String("error", err.Error()))
	}
}
