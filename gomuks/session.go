package gomuks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	clienterrors "github.com/alexjbarnes/gomuks-client/internal/errors"
	"github.com/alexjbarnes/gomuks-client/internal/state"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// heartbeatInterval is how often a ping carrying the last received
	// sync id is sent once the session is ready.
	heartbeatInterval = 15 * time.Second

	// pongDeadline is how long to wait for the heartbeat reply before
	// declaring the connection dead.
	pongDeadline = 5 * time.Second

	// heartbeatTick is the event loop timer granularity for heartbeat
	// bookkeeping.
	heartbeatTick = 1 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// dnsBackoffMin and dnsBackoffMax bound the stepped backoff for
	// DNS resolution failures.
	dnsBackoffMin = 2 * time.Second
	dnsBackoffMax = 64 * time.Second

	// serverRestartDelay is the fixed wait after a going-away or
	// service-restart close, covering the server's restart window.
	serverRestartDelay = 3 * time.Second

	// normalCloseWait is the wait after a clean close before trying
	// again. A clean close may be an intentional pause, so reconnection
	// waits roughly a heartbeat round before probing.
	normalCloseWait = heartbeatInterval + pongDeadline

	// wsReadLimit is the WebSocket read limit. Sync batches for large
	// accounts can be several megabytes.
	wsReadLimit = 16 * 1024 * 1024

	// inboundChanSize buffers messages from the reader goroutine to
	// the event loop.
	inboundChanSize = 64

	// sendChanSize buffers outgoing frames from caller goroutines to
	// the event loop, which owns all writes.
	sendChanSize = 64

	// jitterDivisor controls reconnect jitter: uniform in
	// [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// errHeartbeatTimeout marks a missed pong. The connection is already
// known dead when this is raised, so reconnection starts immediately
// instead of waiting out a backoff.
var errHeartbeatTimeout = errors.New("heartbeat timeout")

// ConnState is the session connection state, exposed so callers can
// render connecting/reconnecting/offline/ready.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// NetworkMonitor reports whether the underlying network is reachable.
// It decides whether reconnection is attempted at all, as opposed to
// "socket closed" which reconnects on its own schedule.
type NetworkMonitor interface {
	Available() bool
	WaitUntilAvailable(ctx context.Context) error
}

// alwaysOnline is the default monitor for platforms without a network
// availability signal.
type alwaysOnline struct{}

func (alwaysOnline) Available() bool                          { return true }
func (alwaysOnline) WaitUntilAvailable(context.Context) error { return nil }

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outbound is a frame submitted to the event loop for writing.
type outbound struct {
	frame  Frame
	result chan error
}

// wsConn abstracts the WebSocket connection so the session can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mock_conn_test.go -package=gomuks . wsConn
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// SessionConfig holds the collaborators and parameters for a Session.
type SessionConfig struct {
	WSURL  string
	Token  string
	Device string

	// Secondary marks a handoff instance that must never write to the
	// socket while a primary exists.
	Secondary bool

	Store      *state.Store
	Correlator *Correlator
	Queue      *CommandQueue
	Ingestor   *SyncIngestor
	Timelines  *TimelineStore
	Profiles   *ProfileResolver

	Network       NetworkMonitor
	OnStateChange func(ConnState)
}

// Session owns the single WebSocket and the connection state machine.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound frames,
// outgoing sends, heartbeat ticks and retry sweeps. All writes to the
// connection happen from the event loop, so no write mutex is needed.
type Session struct {
	conn   wsConn
	logger *slog.Logger

	wsURL     string
	token     string
	device    string
	secondary bool

	store      *state.Store
	correlator *Correlator
	queue      *CommandQueue
	ingestor   *SyncIngestor
	timelines  *TimelineStore
	profiles   *ProfileResolver

	network       NetworkMonitor
	onStateChange func(ConnState)

	// runID identifies the server's connection epoch. Resuming with
	// the same run id plus lastReceivedID is a lightweight resume; a
	// changed run id forces a full refresh with cache wipes.
	runID          string
	lastReceivedID int64
	sessionDirty   bool

	connState atomic.Int32

	// sendCh receives outgoing frames from caller goroutines.
	sendCh chan outbound

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	// connCancel cancels the per-connection context, stopping the
	// reader goroutine before a reconnect.
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// Heartbeat state, owned by the event loop goroutine.
	lastPing     time.Time
	pingSentAt   time.Time
	awaitingPong bool

	// dial is swapped out by tests to inject a mock connection.
	dial func(ctx context.Context) (wsConn, error)
}

// NewSession creates a session from the given config. Loads the
// persisted session identity so a restart can resume incrementally.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	s := &Session{
		logger:        logger,
		wsURL:         cfg.WSURL,
		token:         cfg.Token,
		device:        cfg.Device,
		secondary:     cfg.Secondary,
		store:         cfg.Store,
		correlator:    cfg.Correlator,
		queue:         cfg.Queue,
		ingestor:      cfg.Ingestor,
		timelines:     cfg.Timelines,
		profiles:      cfg.Profiles,
		network:       cfg.Network,
		onStateChange: cfg.OnStateChange,
		sendCh:        make(chan outbound, sendChanSize),
	}

	if s.network == nil {
		s.network = alwaysOnline{}
	}

	s.dial = s.dialWS

	if cfg.Store != nil {
		if sess, err := cfg.Store.Session(); err != nil {
			logger.Warn("loading persisted session", slog.String("error", err.Error()))
		} else if sess != nil {
			s.runID = sess.RunID
			s.lastReceivedID = sess.LastReceivedID
		}
	}

	return s
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return ConnState(s.connState.Load())
}

func (s *Session) setState(st ConnState) {
	old := ConnState(s.connState.Swap(int32(st)))
	if old == st {
		return
	}

	s.logger.Info("connection state changed",
		slog.String("from", old.String()),
		slog.String("to", st.String()),
	)

	if s.onStateChange != nil {
		s.onStateChange(st)
	}
}

// Connect dials the WebSocket and performs the run-id handshake.
func (s *Session) Connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	if err := s.handshake(ctx, conn); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.setState(StateConnected)

	return nil
}

// dialWS performs the real WebSocket dial with resume parameters.
func (s *Session) dialWS(ctx context.Context) (wsConn, error) {
	u := s.wsURL + "?run_id=" + url.QueryEscape(s.runID) +
		"&last_received_id=" + strconv.FormatInt(s.lastReceivedID, 10)

	s.logger.Debug("connecting", slog.String("url", s.wsURL))

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.token},
			"User-Agent":    []string{"gomuks-client (" + s.device + ")"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.purgeToken()

			return nil, fmt.Errorf("%w: server rejected token", clienterrors.ErrInvalidToken)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// purgeToken removes the stored credential after a 401 so reconnection
// cannot loop on a dead token.
func (s *Session) purgeToken() {
	s.token = ""

	if s.store != nil {
		if err := s.store.SetToken(""); err != nil {
			s.logger.Warn("purging token", slog.String("error", err.Error()))
		}
	}
}

// handshake reads the run_id frame that opens every connection and
// decides between incremental resume and full refresh. Extracted from
// Connect so it can be tested with a mock wsConn.
func (s *Session) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("reading run_id frame: %w", err)
	}

	if typ != websocket.MessageText {
		s.conn.Close(websocket.StatusUnsupportedData, "expected text frame")
		return fmt.Errorf("unexpected %v frame during handshake", typ)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.conn.Close(websocket.StatusInvalidFramePayloadData, "bad handshake frame")
		return fmt.Errorf("decoding handshake frame: %w", err)
	}

	if frame.Command != cmdRunID {
		s.conn.Close(websocket.StatusProtocolError, "expected run_id")
		return fmt.Errorf("expected run_id frame, got %q", frame.Command)
	}

	var rd RunData
	if err := json.Unmarshal(frame.Data, &rd); err != nil {
		s.conn.Close(websocket.StatusInvalidFramePayloadData, "bad run_id payload")
		return fmt.Errorf("decoding run_id payload: %w", err)
	}

	if s.runID != "" && s.runID == rd.RunID {
		s.logger.Info("resuming session",
			slog.String("run_id", rd.RunID),
			slog.Int64("last_received_id", s.lastReceivedID),
		)
	} else {
		s.logger.Info("new session epoch, wiping derived caches",
			slog.String("run_id", rd.RunID),
		)
		s.fullRefresh()
		s.runID = rd.RunID
	}

	// Every connection replays init: the ingestor buffers sync batches
	// until this connection's init_complete arrives.
	s.ingestor.Reset()

	s.sessionDirty = true
	s.persistSessionIfDirty()

	return nil
}

// fullRefresh wipes every cache derived from the previous epoch before
// any new data lands, so the two epochs can never mix.
func (s *Session) fullRefresh() {
	s.lastReceivedID = 0

	if s.timelines != nil {
		s.timelines.WipeAll()
	}

	if s.profiles != nil {
		s.profiles.WipeOverrides()
	}
}

// ForceFullRefresh clears the stored run id so the next connect asks
// the server for complete initial state.
func (s *Session) ForceFullRefresh() {
	s.runID = ""
	s.fullRefresh()
	s.sessionDirty = true
}

// startReader launches the goroutine feeding inboundCh. The channel and
// conn are captured by value so a stale reader from a previous
// connection can never feed the new channel.
func (s *Session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Returns only on permanent errors or context
// cancellation.
func (s *Session) Listen(ctx context.Context) error {
	backoff := reconnectMin
	dnsBackoff := dnsBackoffMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)

	for {
		err := s.eventLoop(ctx, connCtx)

		s.onDisconnect()
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			return nil
		}

		class := classifyFailure(err)
		if class == failPermanent {
			return fmt.Errorf("permanent error: %w", err)
		}

		delay := s.failureDelay(class, backoff, dnsBackoff)
		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		if class == failNetwork {
			if err := s.network.WaitUntilAvailable(ctx); err != nil {
				return err
			}
		}

		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if classifyFailure(err) == failPermanent {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			s.logger.Warn("reconnect failed", slog.String("error", err.Error()))

			switch classifyFailure(err) {
			case failDNS:
				dnsBackoff = min(dnsBackoff*2, dnsBackoffMax)
			default:
				backoff = min(backoff*2, reconnectMax)
			}

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)

		backoff = reconnectMin
		dnsBackoff = dnsBackoffMin

		s.logger.Info("reconnected")
	}
}

// onDisconnect runs the epoch teardown: pending operations fail with a
// connection reset, the id counter restarts, and the queue flips to
// persistent mode.
func (s *Session) onDisconnect() {
	s.setState(StateDisconnected)
	s.persistSessionIfDirty()
	s.correlator.InvalidateEpoch()
	s.queue.SetDisconnected(true)
	s.awaitingPong = false
}

// sleep waits with jitter, honoring ctx.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	jitter := time.Duration(rand.Int64N(int64(d) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter has no security impact

	timer := time.NewTimer(d + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failureClass buckets disconnect causes into reconnect policies.
type failureClass int

const (
	failGeneric failureClass = iota
	failPermanent
	failDNS
	failNetwork
	failNormalClose
	failServerRestart
	failImmediate
)

// classifyFailure maps a disconnect error to its reconnect policy. TLS
// and certificate failures are permanent: retry-storming a MITM or a
// misconfigured server helps nobody.
func classifyFailure(err error) failureClass {
	if errors.Is(err, clienterrors.ErrInvalidToken) ||
		errors.Is(err, clienterrors.ErrInvalidCredentials) ||
		errors.Is(err, clienterrors.ErrSessionClosed) {
		return failPermanent
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return failPermanent
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError

	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return failPermanent
	}

	if errors.Is(err, errHeartbeatTimeout) {
		return failImmediate
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failDNS
	}

	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return failNetwork
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return failNormalClose
	case websocket.StatusGoingAway, websocket.StatusServiceRestart:
		return failServerRestart
	case websocket.StatusAbnormalClosure:
		return failImmediate
	}

	return failGeneric
}

// failureDelay picks the wait before the next connection attempt for a
// failure class.
func (s *Session) failureDelay(class failureClass, backoff, dnsBackoff time.Duration) time.Duration {
	switch class {
	case failImmediate:
		return 0
	case failServerRestart:
		return serverRestartDelay
	case failNormalClose:
		return normalCloseWait
	case failDNS:
		return dnsBackoff
	case failNetwork:
		return 0
	default:
		return backoff
	}
}

// eventLoop is the single event loop for one connection. All writes
// happen here. Returns on read error, write error, heartbeat timeout or
// context cancellation.
func (s *Session) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	s.lastPing = time.Now()
	s.awaitingPong = false

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleInbound(ctx, msg.data); err != nil {
				return err
			}

		case out := <-s.sendCh:
			err := s.writeFrame(ctx, out.frame)
			if out.result != nil {
				out.result <- err
			}

			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil {
				return err
			}

			s.persistSessionIfDirty()

		case <-sweepTicker.C:
			for _, rs := range s.correlator.Sweep() {
				frame := Frame{Command: rs.Kind, RequestID: rs.RequestID, Data: rs.Payload}

				if err := s.writeFrame(ctx, frame); err != nil {
					return fmt.Errorf("resending command: %w", err)
				}
			}

		case <-ctx.Done():
			s.persistSessionIfDirty()
			return ctx.Err()

		case <-connCtx.Done():
			s.persistSessionIfDirty()
			return connCtx.Err()
		}
	}
}

// heartbeat sends the periodic ping and enforces the pong deadline.
// The ping carries the last received sync id so the server can detect
// gaps.
func (s *Session) heartbeat(ctx context.Context) error {
	now := time.Now()

	if s.awaitingPong && now.Sub(s.pingSentAt) > pongDeadline {
		s.logger.Warn("heartbeat reply overdue, closing connection")
		s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")

		return errHeartbeatTimeout
	}

	if s.State() != StateReady || s.awaitingPong {
		return nil
	}

	if now.Sub(s.lastPing) < heartbeatInterval {
		return nil
	}

	data, err := json.Marshal(PingData{LastReceivedID: s.lastReceivedID})
	if err != nil {
		return fmt.Errorf("encoding ping: %w", err)
	}

	if err := s.writeFrame(ctx, Frame{Command: cmdPing, Data: data}); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}

	s.lastPing = now
	s.pingSentAt = now
	s.awaitingPong = true

	return nil
}

// handleInbound dispatches one inbound frame. The command is sniffed
// before full decoding so large sync payloads are only parsed once by
// their consumer.
func (s *Session) handleInbound(ctx context.Context, data []byte) error {
	cmd := gjson.GetBytes(data, "command").Str
	reqID := gjson.GetBytes(data, "request_id").Int()
	payload := json.RawMessage(gjson.GetBytes(data, "data").Raw)

	switch cmd {
	case cmdPong:
		s.awaitingPong = false
		return nil

	case cmdPing:
		// Server-initiated ping, echo the id back.
		return s.writeFrame(ctx, Frame{Command: cmdPong, RequestID: reqID})

	case cmdResponse:
		s.correlator.HandleResponse(reqID, payload)
		return nil

	case cmdError:
		var ed ErrorData
		if err := json.Unmarshal(payload, &ed); err != nil {
			ed.Message = string(payload)
		}

		s.correlator.HandleError(reqID, ed.Message)

		return nil

	case cmdSyncComplete:
		// Batch ids are a delivery cursor, not an ordered sequence: the
		// server may number its pushes negatively. The id of the newest
		// batch seen wins regardless of sign.
		if reqID != 0 && reqID != s.lastReceivedID {
			s.lastReceivedID = reqID
			s.sessionDirty = true
		}

		if err := s.ingestor.HandleSyncComplete(payload); err != nil {
			s.logger.Warn("ingesting sync batch", slog.String("error", err.Error()))
		}

		return nil

	case cmdInitComplete:
		s.becomeReady(ctx)
		return nil

	case cmdClearState:
		if err := s.ingestor.HandleSyncComplete(json.RawMessage(`{"clear_state":true}`)); err != nil {
			s.logger.Warn("handling clear_state", slog.String("error", err.Error()))
		}

		return nil

	case cmdRunID:
		s.logger.Warn("unexpected run_id frame after handshake")
		return nil

	case "":
		s.logger.Debug("frame without command", slog.Int("bytes", len(data)))
		return nil

	default:
		s.logger.Debug("unknown command", slog.String("command", cmd))
		return nil
	}
}

// becomeReady transitions to ready after init completes: the ingestor
// drains its pre-init buffer first, then the command queue flushes in
// FIFO order with fresh request ids.
func (s *Session) becomeReady(ctx context.Context) {
	s.ingestor.OnInitComplete()
	s.queue.SetDisconnected(false)
	s.setState(StateReady)

	drained := s.queue.Drain()

	for i, qc := range drained {
		call := qc.Call
		if call == nil {
			call = &Call{Kind: qc.Kind, done: make(chan struct{})}
		}

		reqID := s.correlator.Attach(call, qc.Kind, qc.Payload)

		if err := s.writeFrame(ctx, Frame{Command: qc.Kind, RequestID: reqID, Data: qc.Payload}); err != nil {
			s.logger.Warn("flushing queued command",
				slog.String("kind", qc.Kind),
				slog.String("error", err.Error()),
				slog.Int("requeued", len(drained)-i-1),
			)

			// The failed command is attached, so epoch invalidation on
			// the disconnect that follows resolves its caller. The
			// unsent remainder goes back to the queue with its call
			// futures intact for the next ready transition.
			s.queue.Requeue(drained[i+1:])

			return
		}
	}
}

// SendCommand submits a command expecting a response. While the session
// is not ready, non-exempt commands are captured into the queue and
// sent with a fresh request id once ready; the returned call resolves
// either way.
func (s *Session) SendCommand(ctx context.Context, kind string, payload any) (*Call, error) {
	if s.secondary {
		return nil, clienterrors.ErrSecondarySession
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	if s.State() != StateReady && !Exempt(kind) {
		call := &Call{Kind: kind, done: make(chan struct{})}
		s.queue.Enqueue(kind, raw, call)

		return call, nil
	}

	call := s.correlator.Register(kind, json.RawMessage(raw))

	if err := s.submit(ctx, Frame{Command: kind, RequestID: call.RequestID(), Data: raw}); err != nil {
		s.correlator.Cancel(call.RequestID())
		return nil, err
	}

	return call, nil
}

// Notify submits a fire-and-forget frame with request id 0.
func (s *Session) Notify(ctx context.Context, kind string, payload any) error {
	if s.secondary {
		return clienterrors.ErrSecondarySession
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	return s.submit(ctx, Frame{Command: kind, Data: raw})
}

// submit hands a frame to the event loop for writing. Without a live
// connection there is no event loop to pick the frame up, so the send
// fails fast instead of parking the caller on the channel.
func (s *Session) submit(ctx context.Context, frame Frame) error {
	if st := s.State(); st != StateConnected && st != StateReady {
		return clienterrors.ErrNotConnected
	}

	out := outbound{frame: frame, result: make(chan error, 1)}

	select {
	case s.sendCh <- out:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeFrame marshals and writes one frame. Only called from the event
// loop goroutine.
func (s *Session) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

// LastReceivedID returns the newest sync id observed this epoch.
func (s *Session) LastReceivedID() int64 {
	return s.lastReceivedID
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// persistSessionIfDirty writes the session identity through to the
// state store when it changed since the last persist.
func (s *Session) persistSessionIfDirty() {
	if !s.sessionDirty || s.store == nil {
		return
	}

	err := s.store.SetSession(state.Session{
		RunID:          s.runID,
		LastReceivedID: s.lastReceivedID,
	})
	if err != nil {
		s.logger.Warn("persisting session", slog.String("error", err.Error()))
		return
	}

	s.sessionDirty = false
}

// Close closes the connection cleanly.
func (s *Session) Close() error {
	if s.connCancel != nil {
		s.connCancel()
	}

	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}

	return nil
}
