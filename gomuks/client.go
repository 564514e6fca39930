package gomuks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/gomuks-client/internal/config"
	clienterrors "github.com/alexjbarnes/gomuks-client/internal/errors"
	"github.com/alexjbarnes/gomuks-client/internal/logging"
	"github.com/alexjbarnes/gomuks-client/internal/state"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

const (
	// openRoomTimeout bounds the blocking cold-room fetch. On timeout
	// the caller proceeds with empty state instead of hanging.
	openRoomTimeout = 15 * time.Second

	httpTimeout = 30 * time.Second
)

// Client is the root object owning every collaborator: state store,
// correlator, command queue, ingestor, timeline store, profile resolver
// and the transport session. No ambient global state; each component is
// constructor-injected with a single owner.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	http  *http.Client
	store *state.Store
	token string

	correlator *Correlator
	queue      *CommandQueue
	ingestor   *SyncIngestor
	timelines  *TimelineStore
	profiles   *ProfileResolver
	session    *Session

	// pendingSends tracks transaction ids of sends not yet echoed back
	// by the sync stream.
	sendMu       sync.Mutex
	pendingSends map[string]id.RoomID
}

// ClientOptions carries optional collaborators for NewClient.
type ClientOptions struct {
	Network       NetworkMonitor
	OnStateChange func(ConnState)
	Secondary     bool

	// OnReceipts and OnAccountData receive sync deltas the engine does
	// not store itself.
	OnReceipts    func(id.RoomID, map[id.EventID][]Receipt)
	OnAccountData func(map[string]json.RawMessage)

	// OnClearState is notified after a server-directed derived state
	// reset so outer layers can drop their own views.
	OnClearState func()
}

// NewClient wires up a client from config and persisted state.
func NewClient(cfg *config.Config, store *state.Store, logger *slog.Logger, opts ClientOptions) (*Client, error) {
	token, err := store.Token()
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		http:         &http.Client{Timeout: httpTimeout},
		store:        store,
		token:        token,
		pendingSends: make(map[string]id.RoomID),
	}

	c.correlator = NewCorrelator(logging.Component(logger, "correlator"))
	c.queue = NewCommandQueue(cfg.CommandQueueCap, store, logging.Component(logger, "queue"))
	c.timelines = NewTimelineStore(cfg.MaxCachedEvents, logging.Component(logger, "timeline"))
	c.profiles = NewProfileResolver(store, logging.Component(logger, "profiles"))
	c.ingestor = NewSyncIngestor(c.timelines, c.profiles, logging.Component(logger, "ingest"))

	if err := c.queue.LoadSnapshot(); err != nil {
		logger.Warn("restoring command queue", slog.String("error", err.Error()))
	}

	c.session = NewSession(SessionConfig{
		WSURL:         cfg.WebsocketURL(),
		Token:         token,
		Device:        cfg.DeviceName,
		Secondary:     opts.Secondary,
		Store:         store,
		Correlator:    c.correlator,
		Queue:         c.queue,
		Ingestor:      c.ingestor,
		Timelines:     c.timelines,
		Profiles:      c.profiles,
		Network:       opts.Network,
		OnStateChange: opts.OnStateChange,
	}, logging.Component(logger, "session"))

	c.profiles.SetFetcher(c.fetchProfileFromServer)
	c.ingestor.SetSendEchoHook(c.confirmSend)

	if opts.OnReceipts != nil {
		c.ingestor.SetReceiptHook(opts.OnReceipts)
	}

	if opts.OnAccountData != nil {
		c.ingestor.SetAccountDataHook(opts.OnAccountData)
	}

	if opts.OnClearState != nil {
		c.ingestor.SetClearStateHook(opts.OnClearState)
	}

	// Late paginate responses are still useful: merge them instead of
	// dropping them, keyed to their room by the payload itself.
	c.correlator.RegisterKindHandler(CmdPaginate, c.handleLatePaginate)

	return c, nil
}

// HasToken reports whether a cached auth token exists.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// Login exchanges configured credentials for a token over HTTP and
// persists it.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.Username == "" {
		return fmt.Errorf("%w: no credentials configured", clienterrors.ErrInvalidCredentials)
	}

	body, err := json.Marshal(AuthRequest{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		Device:   c.cfg.DeviceName,
	})
	if err != nil {
		return fmt.Errorf("encoding auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.ServerURL+"/_gomuks/auth", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building auth request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", clienterrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return clienterrors.ErrInvalidCredentials
	default:
		return fmt.Errorf("%w: auth returned %d", clienterrors.ErrAPIResponse, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	var auth AuthResponse
	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("%w: decoding auth response: %w", clienterrors.ErrAPIResponse, err)
	}

	if auth.Token == "" {
		return fmt.Errorf("%w: empty token", clienterrors.ErrAPIResponse)
	}

	c.token = auth.Token
	c.session.token = auth.Token

	if err := c.store.SetToken(auth.Token); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}

	c.logger.Info("logged in", slog.String("user_id", string(auth.UserID)))

	return nil
}

// Run connects and serves the session until ctx is cancelled or a
// permanent error occurs. Logs in first when no token is cached.
func (c *Client) Run(ctx context.Context) error {
	if !c.HasToken() {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}

	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	return c.session.Listen(ctx)
}

// ConnectionState returns the session state for UI rendering.
func (c *Client) ConnectionState() ConnState {
	return c.session.State()
}

// OpenRoom marks a room actively cached and returns its resolved
// timeline. A warm cache is served immediately with a background
// catch-up fetch; a cold cache blocks on the first page, bounded by a
// timeout after which the caller proceeds with empty state.
func (c *Client) OpenRoom(ctx context.Context, roomID id.RoomID) ([]ResolvedEvent, error) {
	cached, warm := c.timelines.OpenRoom(roomID)

	if warm {
		c.logger.Debug("serving room from cache",
			slog.String("room_id", string(roomID)),
			slog.Int("cached", cached),
		)

		// Catch up on any gap behind the cache in the background.
		go c.fetchNewest(roomID)

		return c.timelines.Resolved(roomID), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, openRoomTimeout)
	defer cancel()

	if err := c.fetchPage(fetchCtx, roomID, 0, DefaultPageSize); err != nil {
		if fetchCtx.Err() != nil {
			c.logger.Warn("room open timed out, proceeding with empty timeline",
				slog.String("room_id", string(roomID)),
			)

			return c.timelines.Resolved(roomID), nil
		}

		return nil, err
	}

	return c.timelines.Resolved(roomID), nil
}

// CloseRoom stops live updates for a room.
func (c *Client) CloseRoom(roomID id.RoomID) {
	c.timelines.CloseRoom(roomID)
}

// ResolvedTimeline returns the room's render-ready timeline.
func (c *Client) ResolvedTimeline(roomID id.RoomID) []ResolvedEvent {
	return c.timelines.Resolved(roomID)
}

// VersionedMessage returns the edit history for one message.
func (c *Client) VersionedMessage(roomID id.RoomID, eventID id.EventID) *VersionedMessage {
	return c.timelines.Versioned(roomID, eventID)
}

// PaginateOlder fetches one page of history older than the room's
// cursor. The room must be open: backfill cursors only exist for
// actively cached rooms. Returns whether more history is believed to
// exist.
func (c *Client) PaginateOlder(ctx context.Context, roomID id.RoomID, limit int) (bool, error) {
	if !c.timelines.IsActive(roomID) {
		return false, clienterrors.ErrRoomNotCached
	}

	if !c.timelines.HasMore(roomID) {
		return false, nil
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}

	cursor := c.timelines.NextPageCursor(roomID)

	if err := c.fetchPage(ctx, roomID, cursor, limit); err != nil {
		return c.timelines.HasMore(roomID), err
	}

	return c.timelines.HasMore(roomID), nil
}

// fetchNewest issues the background catch-up request for a warm room.
func (c *Client) fetchNewest(roomID id.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), openRoomTimeout)
	defer cancel()

	if err := c.fetchPage(ctx, roomID, 0, DefaultPageSize); err != nil {
		c.logger.Debug("background catch-up fetch failed",
			slog.String("room_id", string(roomID)),
			slog.String("error", err.Error()),
		)
	}
}

// fetchPage sends one paginate request and merges the response.
func (c *Client) fetchPage(ctx context.Context, roomID id.RoomID, cursor int64, limit int) error {
	call, err := c.session.SendCommand(ctx, CmdPaginate, PaginateRequest{
		RoomID:        roomID,
		MaxTimelineID: cursor,
		Limit:         limit,
	})
	if err != nil {
		return err
	}

	data, err := call.Wait(ctx)
	if err != nil {
		return err
	}

	var page PaginateResponse
	if err := json.Unmarshal(data, &page); err != nil {
		return fmt.Errorf("decoding paginate response: %w", err)
	}

	c.timelines.ApplyPage(roomID, cursor, &page)

	return nil
}

// handleLatePaginate merges a paginate response whose pending operation
// was already cleaned up. The payload names its room, so the page is
// still mergeable; the stall cursor is unknown, so no stall check runs.
func (c *Client) handleLatePaginate(data json.RawMessage) {
	var page PaginateResponse
	if err := json.Unmarshal(data, &page); err != nil {
		c.logger.Debug("undecodable late paginate response", slog.String("error", err.Error()))
		return
	}

	if len(page.Events) == 0 {
		return
	}

	roomID := page.Events[0].RoomID
	c.timelines.ApplyPage(roomID, 0, &page)
}

// Profile resolves a member profile from cache, room override first.
func (c *Client) Profile(roomID id.RoomID, userID id.UserID) *Profile {
	return c.profiles.Resolve(roomID, userID)
}

// FetchProfile resolves from cache or fetches from the server,
// collapsing concurrent fetches for the same pair.
func (c *Client) FetchProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (Profile, error) {
	return c.profiles.FetchProfile(ctx, roomID, userID)
}

// fetchProfileFromServer is the ProfileResolver's server request.
func (c *Client) fetchProfileFromServer(ctx context.Context, userID id.UserID) (Profile, error) {
	call, err := c.session.SendCommand(ctx, CmdGetProfile, GetProfileRequest{UserID: userID})
	if err != nil {
		return Profile{}, err
	}

	data, err := call.Wait(ctx)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile response: %w", err)
	}

	return p, nil
}

// SendCommand submits an arbitrary command and returns its correlation
// handle.
func (c *Client) SendCommand(ctx context.Context, kind string, payload any) (*Call, error) {
	return c.session.SendCommand(ctx, kind, payload)
}

// SendMessage sends a message to a room. The transaction id lets the
// server deduplicate retried sends under fresh request ids, and the
// sync echo carrying it back marks the send delivered.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content json.RawMessage) (*Call, error) {
	txnID := "gomuks-client-" + uuid.NewString()

	c.sendMu.Lock()
	c.pendingSends[txnID] = roomID
	c.sendMu.Unlock()

	call, err := c.session.SendCommand(ctx, CmdSendMessage, SendMessageRequest{
		RoomID:        roomID,
		Content:       content,
		TransactionID: txnID,
	})
	if err != nil {
		c.sendMu.Lock()
		delete(c.pendingSends, txnID)
		c.sendMu.Unlock()

		return nil, err
	}

	return call, nil
}

// PendingSendCount returns how many sends await their sync echo.
func (c *Client) PendingSendCount() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return len(c.pendingSends)
}

// confirmSend resolves a pending send when its transaction id echoes
// back through the sync stream.
func (c *Client) confirmSend(roomID id.RoomID, ev *WireEvent) {
	c.sendMu.Lock()
	_, mine := c.pendingSends[ev.TransactionID]
	if mine {
		delete(c.pendingSends, ev.TransactionID)
	}
	c.sendMu.Unlock()

	if mine {
		c.logger.Debug("send confirmed by sync echo",
			slog.String("room_id", string(roomID)),
			slog.String("event_id", string(ev.ID)),
		)
	}
}

// MarkRead sends a read receipt. Retries of an older receipt are
// suppressed once a newer one for the same room has been issued.
func (c *Client) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Call, error) {
	return c.session.SendCommand(ctx, CmdMarkRead, MarkReadRequest{
		RoomID:      roomID,
		EventID:     eventID,
		ReceiptType: "m.read",
	})
}

// SetTyping sends a typing notification, fire and forget.
func (c *Client) SetTyping(ctx context.Context, roomID id.RoomID, typing bool) error {
	return c.session.Notify(ctx, CmdSetTyping, SetTypingRequest{
		RoomID:  roomID,
		Typing:  typing,
		Timeout: 10_000,
	})
}

// GetRoomState requests a room's current state. Exempt from startup
// admission control.
func (c *Client) GetRoomState(ctx context.Context, roomID id.RoomID, fetchMembers bool) (*Call, error) {
	return c.session.SendCommand(ctx, CmdGetRoomState, GetRoomStateRequest{
		RoomID:       roomID,
		FetchMembers: fetchMembers,
	})
}

// ForceFullRefresh drops the session epoch so the next connect resyncs
// from scratch.
func (c *Client) ForceFullRefresh() {
	c.session.ForceFullRefresh()
}

// Logout tells the server to invalidate the session, closes the
// connection and wipes all persisted state.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.session.Notify(ctx, CmdLogout, struct{}{}); err != nil {
		c.logger.Debug("logout notify failed", slog.String("error", err.Error()))
	}

	if err := c.session.Close(); err != nil {
		c.logger.Debug("closing session", slog.String("error", err.Error()))
	}

	c.token = ""

	if err := c.store.Wipe(); err != nil {
		return fmt.Errorf("wiping state: %w", err)
	}

	return nil
}

// Close shuts the session down cleanly without touching persisted
// state.
func (c *Client) Close() error {
	return c.session.Close()
}
