package gomuks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clienterrors "github.com/alexjbarnes/gomuks-client/internal/errors"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

const (
	// ackDeadline is how long a command may go unacknowledged before
	// the sweep retries it.
	ackDeadline = 30 * time.Second

	// sweepInterval is how often unacknowledged commands are checked.
	sweepInterval = 10 * time.Second

	// maxCommandRetries bounds resends of an unacknowledged command
	// before it is reported as permanently failed.
	maxCommandRetries = 3

	// recentKindCap bounds the memory kept for routing late responses
	// whose pending operation was already cleaned up.
	recentKindCap = 256
)

// Call is the future for one outstanding command. It resolves when a
// response or error frame with the matching request id arrives, or
// rejects on terminal failure (retry budget exhausted, connection
// reset, explicit cancellation).
type Call struct {
	Kind string

	mu   sync.Mutex
	id   int64
	done chan struct{}
	data json.RawMessage
	err  error
}

// RequestID returns the call's current request id. Retries allocate a
// fresh id, so the value may change until the call completes.
func (c *Call) RequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.id
}

// Done returns a channel closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is cancelled.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.data, c.err
}

// complete resolves the call once; later completions are no-ops.
func (c *Call) complete(data json.RawMessage, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}

	c.data = data
	c.err = err
	close(c.done)

	return true
}

// pendingOp is one in-flight command owned by the Correlator.
type pendingOp struct {
	call       *Call
	kind       string
	payload    json.RawMessage
	retryCount int
	enqueuedAt time.Time
	deadline   time.Time

	// markReadRoom and markReadEvent pin the receipt a mark_read
	// command carries so the sweep can drop retries superseded by a
	// newer receipt for the same room.
	markReadRoom  id.RoomID
	markReadEvent id.EventID
}

// Resend is a command the sweep decided to retry. The caller owns the
// actual wire write.
type Resend struct {
	RequestID int64
	Kind      string
	Payload   json.RawMessage
}

// KindHandler receives response payloads routed by command kind when no
// pending operation matches the request id anymore.
type KindHandler func(data json.RawMessage)

// Correlator maps request ids to in-flight operations and matches
// inbound response and error frames back to their callers. It performs
// no I/O itself: Send registers, the session writes, and the sweep
// returns resend instructions for the session to execute.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingOp

	// recentKinds remembers the kind of recently resolved request ids
	// so a late response can still be routed to a kind handler instead
	// of being dropped silently.
	recentKinds map[int64]string
	recentOrder []int64

	kindHandlers map[string]KindHandler

	// lastMarkRead tracks the newest receipt sent per room, used to
	// suppress retries that would flood the server with stale receipts.
	lastMarkRead map[id.RoomID]id.EventID

	now    func() time.Time
	logger *slog.Logger
}

// NewCorrelator creates a correlator with the id counter at 1.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		nextID:       1,
		pending:      make(map[int64]*pendingOp),
		recentKinds:  make(map[int64]string),
		kindHandlers: make(map[string]KindHandler),
		lastMarkRead: make(map[id.RoomID]id.EventID),
		now:          time.Now,
		logger:       logger,
	}
}

// RegisterKindHandler installs a fallback route for late responses of
// one command kind.
func (c *Correlator) RegisterKindHandler(kind string, h KindHandler) {
	c.mu.Lock()
	c.kindHandlers[kind] = h
	c.mu.Unlock()
}

// Register allocates the next request id and records a pending
// operation for it. Ids are unique within one connection epoch and
// never zero; zero is reserved for fire-and-forget frames.
func (c *Correlator) Register(kind string, payload json.RawMessage) *Call {
	call := &Call{Kind: kind, done: make(chan struct{})}
	c.Attach(call, kind, payload)

	return call
}

// Attach registers an existing call under a freshly allocated request
// id. Used when draining the command queue: the waiting caller already
// holds the call, but queued commands never reuse a stale id.
func (c *Correlator) Attach(call *Call, kind string, payload json.RawMessage) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.nextID
	c.nextID++

	call.mu.Lock()
	call.id = reqID
	call.mu.Unlock()

	op := &pendingOp{
		call:       call,
		kind:       kind,
		payload:    payload,
		enqueuedAt: c.now(),
		deadline:   c.now().Add(ackDeadline),
	}

	if kind == CmdMarkRead {
		op.markReadRoom = id.RoomID(gjson.GetBytes(payload, "room_id").String())
		op.markReadEvent = id.EventID(gjson.GetBytes(payload, "event_id").String())
		c.lastMarkRead[op.markReadRoom] = op.markReadEvent
	}

	c.pending[reqID] = op

	return reqID
}

// HandleResponse matches a response frame to its pending operation. A
// late response whose operation was already cleaned up is still routed
// through the kind table when possible; anything else is logged as
// stale and discarded. A second delivery of the same request id is a
// logged no-op, never a double completion.
func (c *Correlator) HandleResponse(reqID int64, data json.RawMessage) {
	c.mu.Lock()
	op, ok := c.pending[reqID]

	if ok {
		delete(c.pending, reqID)
		c.rememberKindLocked(reqID, op.kind)
	}

	kind, routable := c.recentKinds[reqID]
	handler := c.kindHandlers[kind]
	c.mu.Unlock()

	if ok {
		if !op.call.complete(data, nil) {
			c.logger.Warn("response delivered twice", slog.Int64("request_id", reqID))
		}

		return
	}

	if routable && handler != nil {
		c.logger.Debug("routing late response by kind",
			slog.Int64("request_id", reqID),
			slog.String("kind", kind),
		)
		handler(data)

		return
	}

	c.logger.Debug("stale response discarded", slog.Int64("request_id", reqID))
}

// HandleError matches an error frame to its pending operation. An error
// response still counts as acknowledgment: the server received and
// processed the command.
func (c *Correlator) HandleError(reqID int64, message string) {
	c.mu.Lock()
	op, ok := c.pending[reqID]

	if ok {
		delete(c.pending, reqID)
		c.rememberKindLocked(reqID, op.kind)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("stale error discarded",
			slog.Int64("request_id", reqID),
			slog.String("message", message),
		)

		return
	}

	op.call.complete(nil, fmt.Errorf("%w: %s", clienterrors.ErrAPIResponse, message))
}

// Sweep checks every pending operation against its acknowledgment
// deadline. Expired operations within the retry budget get a fresh
// request id (the server does not support replay by old id) and are
// returned for the session to resend; the rest fail terminally. Stale
// mark_read retries are dropped instead of resent when a newer receipt
// for the room has been issued since.
func (c *Correlator) Sweep() []Resend {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	var resends []Resend

	for reqID, op := range c.pending {
		if !now.After(op.deadline) {
			continue
		}

		delete(c.pending, reqID)

		if op.kind == CmdMarkRead && c.lastMarkRead[op.markReadRoom] != op.markReadEvent {
			c.logger.Debug("dropping superseded mark_read retry",
				slog.String("room_id", string(op.markReadRoom)),
			)
			op.call.complete(nil, nil)

			continue
		}

		if op.retryCount >= maxCommandRetries {
			c.logger.Warn("command permanently failed after retries",
				slog.String("kind", op.kind),
				slog.Int64("request_id", reqID),
				slog.Int("retries", op.retryCount),
			)
			op.call.complete(nil, fmt.Errorf("%w: %s", clienterrors.ErrTooManyRetries, op.kind))

			continue
		}

		newID := c.nextID
		c.nextID++

		op.retryCount++
		op.deadline = now.Add(ackDeadline)
		c.pending[newID] = op

		op.call.mu.Lock()
		op.call.id = newID
		op.call.mu.Unlock()

		c.logger.Debug("retrying unacknowledged command",
			slog.String("kind", op.kind),
			slog.Int64("old_request_id", reqID),
			slog.Int64("new_request_id", newID),
			slog.Int("attempt", op.retryCount),
		)

		resends = append(resends, Resend{RequestID: newID, Kind: op.kind, Payload: op.payload})
	}

	return resends
}

// InvalidateEpoch fails every pending operation and resets the id
// counter. A disconnect invalidates all outstanding request ids because
// the next connection epoch restarts the id space; pending operations
// never resume against a new connection.
func (c *Correlator) InvalidateEpoch() {
	c.mu.Lock()

	pending := c.pending
	c.pending = make(map[int64]*pendingOp)
	c.recentKinds = make(map[int64]string)
	c.recentOrder = c.recentOrder[:0]
	c.nextID = 1

	c.mu.Unlock()

	for reqID, op := range pending {
		c.logger.Debug("failing pending command on connection reset",
			slog.String("kind", op.kind),
			slog.Int64("request_id", reqID),
		)
		op.call.complete(nil, clienterrors.ErrConnectionReset)
	}
}

// Cancel fails one pending operation on behalf of its caller.
func (c *Correlator) Cancel(reqID int64) {
	c.mu.Lock()
	op, ok := c.pending[reqID]

	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()

	if ok {
		op.call.complete(nil, context.Canceled)
	}
}

// PendingCount returns the number of in-flight operations.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// rememberKindLocked records a resolved id's kind for late-response
// routing, bounded FIFO. Caller holds c.mu.
func (c *Correlator) rememberKindLocked(reqID int64, kind string) {
	if _, ok := c.recentKinds[reqID]; !ok {
		c.recentOrder = append(c.recentOrder, reqID)
	}

	c.recentKinds[reqID] = kind

	for len(c.recentOrder) > recentKindCap {
		oldest := c.recentOrder[0]
		c.recentOrder = c.recentOrder[1:]
		delete(c.recentKinds, oldest)
	}
}
