package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrNotConnected       = errors.New("session is not connected")
	ErrSessionClosed      = errors.New("session is closed")
	ErrSecondarySession   = errors.New("secondary session may not write to the socket")
)

// Request/correlation errors.
var (
	ErrTooManyRetries  = errors.New("command retry budget exhausted")
	ErrConnectionReset = errors.New("connection reset, pending request invalidated")
	ErrRoomNotCached   = errors.New("room is not actively cached")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
