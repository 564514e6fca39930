// Package gomuks implements the session synchronization and timeline
// reconstruction engine for a gomuks-style Matrix backend: a single
// multiplexed WebSocket carries request/response pairs and server-pushed
// sync batches, and this package keeps a consistent, query-ready
// timeline per room despite out-of-order delivery of edits, redactions
// and reactions.
package gomuks

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Wire commands. Outgoing commands are requests the server answers with
// a "response" or "error" frame bearing the same request id; the rest
// are server-pushed.
const (
	cmdResponse     = "response"
	cmdError        = "error"
	cmdRunID        = "run_id"
	cmdSyncComplete = "sync_complete"
	cmdInitComplete = "init_complete"
	cmdClearState   = "clear_state"
	cmdPing         = "ping"
	cmdPong         = "pong"

	CmdSendMessage  = "send_message"
	CmdPaginate     = "paginate"
	CmdGetRoomState = "get_room_state"
	CmdGetProfile   = "get_profile"
	CmdMarkRead     = "mark_read"
	CmdSetTyping    = "set_typing"
	CmdLogout       = "logout"
)

// Frame is the envelope for every message in both directions.
// A request_id of 0 means no response is expected.
type Frame struct {
	Command   string          `json:"command"`
	RequestID int64           `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunData is the payload of the first frame the server sends after the
// socket opens. The run ID identifies the server's connection epoch: a
// changed run ID means incremental resume is impossible and all derived
// caches must be wiped before new data lands.
type RunData struct {
	RunID        string `json:"run_id"`
	ConnectionID string `json:"connection_id"`
}

// ErrorData is the payload of an "error" frame.
type ErrorData struct {
	Message string `json:"message"`
}

// PingData is the payload of the client heartbeat. It carries the last
// received sync id so the server can detect delivery gaps.
type PingData struct {
	LastReceivedID int64 `json:"last_received_id"`
}

// WireEvent is one server event as it appears on the wire. Values are
// never mutated after parsing; updates are layered on top via the edit
// chain resolver.
type WireEvent struct {
	RowID         int64              `json:"rowid"`
	TimelineRowID int64              `json:"timeline_rowid"`
	ID            id.EventID         `json:"event_id"`
	RoomID        id.RoomID          `json:"room_id"`
	Type          string             `json:"type"`
	StateKey      *string            `json:"state_key,omitempty"`
	Sender        id.UserID          `json:"sender"`
	Timestamp     int64              `json:"timestamp"`
	Content       json.RawMessage    `json:"content,omitempty"`
	RelatesTo     id.EventID         `json:"relates_to,omitempty"`
	RelationType  event.RelationType `json:"relation_type,omitempty"`
	Redacts       id.EventID         `json:"redacts,omitempty"`
	RedactedBy    id.EventID         `json:"redacted_by,omitempty"`
	TransactionID string             `json:"transaction_id,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e *WireEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Receipt is one read receipt attached to a sync batch.
type Receipt struct {
	UserID      id.UserID `json:"user_id"`
	ReceiptType string    `json:"receipt_type"`
	Timestamp   int64     `json:"timestamp"`
}

// SyncRoom is the per-room slice of a sync batch.
type SyncRoom struct {
	Events   []*WireEvent             `json:"events,omitempty"`
	State    []*WireEvent             `json:"state,omitempty"`
	Receipts map[id.EventID][]Receipt `json:"receipts,omitempty"`
}

// SyncPayload is the data of a "sync_complete" frame. ClearState
// instructs the client to wipe all derived state before applying the
// batch.
type SyncPayload struct {
	ClearState  bool                       `json:"clear_state,omitempty"`
	Rooms       map[id.RoomID]*SyncRoom    `json:"rooms,omitempty"`
	LeftRooms   []id.RoomID                `json:"left_rooms,omitempty"`
	AccountData map[string]json.RawMessage `json:"account_data,omitempty"`
}

// PaginateRequest asks for events strictly older than MaxTimelineID.
// A MaxTimelineID of 0 means no upper bound (fetch most recent).
type PaginateRequest struct {
	RoomID        id.RoomID `json:"room_id"`
	MaxTimelineID int64     `json:"max_timeline_id"`
	Limit         int       `json:"limit"`
	Reset         bool      `json:"reset,omitempty"`
}

// PaginateResponse is the payload answering a paginate request.
type PaginateResponse struct {
	Events  []*WireEvent `json:"events"`
	HasMore bool         `json:"has_more"`
}

// SendMessageRequest is the payload of a send_message command. The
// transaction id lets the server deduplicate retried sends.
type SendMessageRequest struct {
	RoomID        id.RoomID       `json:"room_id"`
	Content       json.RawMessage `json:"content"`
	TransactionID string          `json:"transaction_id"`
}

// MarkReadRequest is the payload of a mark_read command.
type MarkReadRequest struct {
	RoomID      id.RoomID  `json:"room_id"`
	EventID     id.EventID `json:"event_id"`
	ReceiptType string     `json:"receipt_type"`
}

// SetTypingRequest is the payload of a set_typing command.
type SetTypingRequest struct {
	RoomID  id.RoomID `json:"room_id"`
	Typing  bool      `json:"typing"`
	Timeout int64     `json:"timeout,omitempty"`
}

// GetProfileRequest is the payload of a get_profile command.
type GetProfileRequest struct {
	UserID id.UserID `json:"user_id"`
}

// GetRoomStateRequest is the payload of a get_room_state command. It is
// exempt from startup admission control because the startup sequence
// itself depends on it.
type GetRoomStateRequest struct {
	RoomID       id.RoomID `json:"room_id"`
	FetchMembers bool      `json:"fetch_members,omitempty"`
}

// AuthRequest is the HTTP login request body.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// AuthResponse is the HTTP login response body.
type AuthResponse struct {
	Token  string    `json:"token"`
	UserID id.UserID `json:"user_id"`
}
