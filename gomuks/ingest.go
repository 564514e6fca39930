package gomuks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"
)

// SyncIngestor consumes server-pushed sync batches and routes each
// event to the right subsystem. Batches that arrive before the
// init-complete signal are buffered strict FIFO and replayed single
// file once init completes: later batches depend on cache state
// established by earlier ones, so parallel ingestion is never allowed.
type SyncIngestor struct {
	mu       sync.Mutex
	preInit  []*SyncPayload
	initDone bool

	timelines *TimelineStore
	profiles  *ProfileResolver

	// onClearState runs extra derived-state wipes owned by the client
	// (room-scoped profile tier, collaborator notification).
	onClearState func()

	// onReceipts and onAccountData surface deltas to the embedding
	// layer; the ingestor itself stores neither.
	onReceipts    func(id.RoomID, map[id.EventID][]Receipt)
	onAccountData func(map[string]json.RawMessage)

	// onSendEcho fires for timeline events carrying a transaction id,
	// confirming a locally issued send.
	onSendEcho func(id.RoomID, *WireEvent)

	logger *slog.Logger
}

// NewSyncIngestor creates an ingestor feeding the given stores.
func NewSyncIngestor(timelines *TimelineStore, profiles *ProfileResolver, logger *slog.Logger) *SyncIngestor {
	return &SyncIngestor{
		timelines: timelines,
		profiles:  profiles,
		logger:    logger,
	}
}

// SetClearStateHook installs the extra wipe callback run on a
// server-directed derived state reset.
func (s *SyncIngestor) SetClearStateHook(fn func()) {
	s.mu.Lock()
	s.onClearState = fn
	s.mu.Unlock()
}

// SetReceiptHook installs the callback receiving per-room read receipt
// deltas.
func (s *SyncIngestor) SetReceiptHook(fn func(id.RoomID, map[id.EventID][]Receipt)) {
	s.mu.Lock()
	s.onReceipts = fn
	s.mu.Unlock()
}

// SetAccountDataHook installs the callback receiving account data
// deltas.
func (s *SyncIngestor) SetAccountDataHook(fn func(map[string]json.RawMessage)) {
	s.mu.Lock()
	s.onAccountData = fn
	s.mu.Unlock()
}

// SetSendEchoHook installs the callback fired when a timeline event
// echoes a transaction id back.
func (s *SyncIngestor) SetSendEchoHook(fn func(id.RoomID, *WireEvent)) {
	s.mu.Lock()
	s.onSendEcho = fn
	s.mu.Unlock()
}

// HandleSyncComplete ingests one sync batch, or buffers it when the
// init-complete signal has not been observed yet.
func (s *SyncIngestor) HandleSyncComplete(data json.RawMessage) error {
	var payload SyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding sync batch: %w", err)
	}

	s.mu.Lock()

	if !s.initDone {
		s.preInit = append(s.preInit, &payload)
		n := len(s.preInit)
		s.mu.Unlock()

		s.logger.Debug("buffered pre-init sync batch", slog.Int("buffered", n))

		return nil
	}

	s.mu.Unlock()

	s.ingest(&payload)

	return nil
}

// OnInitComplete drains the pre-init buffer in arrival order and marks
// the ingestor live. Readiness gates on this returning, not merely on
// receipt of the init signal.
func (s *SyncIngestor) OnInitComplete() {
	s.mu.Lock()
	buffered := s.preInit
	s.preInit = nil
	s.initDone = true
	s.mu.Unlock()

	if len(buffered) > 0 {
		s.logger.Info("ingesting buffered sync batches", slog.Int("count", len(buffered)))
	}

	for _, payload := range buffered {
		s.ingest(payload)
	}
}

// InitDone reports whether the init-complete signal has been processed.
func (s *SyncIngestor) InitDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initDone
}

// Reset returns the ingestor to its pre-init state. Used when a
// reconnect starts a new connection epoch.
func (s *SyncIngestor) Reset() {
	s.mu.Lock()
	s.preInit = nil
	s.initDone = false
	s.mu.Unlock()
}

// ingest applies one batch. Membership and state bookkeeping always
// proceeds; timeline ingestion is skipped for rooms that are not
// actively cached, keeping memory bounded across inactive rooms.
func (s *SyncIngestor) ingest(payload *SyncPayload) {
	if payload.ClearState {
		s.clearDerivedState()
	}

	for roomID, room := range payload.Rooms {
		if room == nil {
			continue
		}

		s.ingestRoom(roomID, room)
	}

	for _, roomID := range payload.LeftRooms {
		s.timelines.DropRoom(roomID)
	}

	if len(payload.AccountData) > 0 {
		if hook := s.accountDataHook(); hook != nil {
			hook(payload.AccountData)
		}
	}
}

func (s *SyncIngestor) accountDataHook() func(map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.onAccountData
}

// ingestRoom applies one room's slice of a batch.
func (s *SyncIngestor) ingestRoom(roomID id.RoomID, room *SyncRoom) {
	s.observeMembers(roomID, room.State)
	s.observeMembers(roomID, room.Events)
	s.confirmEchoes(roomID, room.Events)

	if len(room.Receipts) > 0 {
		s.mu.Lock()
		hook := s.onReceipts
		s.mu.Unlock()

		if hook != nil {
			hook(roomID, room.Receipts)
		}
	}

	if !s.timelines.IsActive(roomID) {
		return
	}

	s.timelines.MergeIncremental(roomID, room.Events)
}

// confirmEchoes surfaces events that carry a transaction id. These are
// the server's echo of this client's own sends and fire regardless of
// whether the room is actively cached.
func (s *SyncIngestor) confirmEchoes(roomID id.RoomID, events []*WireEvent) {
	s.mu.Lock()
	hook := s.onSendEcho
	s.mu.Unlock()

	if hook == nil {
		return
	}

	for _, ev := range events {
		if ev == nil || ev.TransactionID == "" {
			continue
		}

		hook(roomID, ev)
	}
}

// observeMembers feeds membership events into the profile resolver.
// Malformed events are skipped individually; the rest of the batch
// continues.
func (s *SyncIngestor) observeMembers(roomID id.RoomID, events []*WireEvent) {
	for _, ev := range events {
		if ev == nil || ev.Kind() != KindMembership {
			continue
		}

		if err := ev.Validate(); err != nil {
			s.logger.Warn("skipping malformed membership event", slog.String("error", err.Error()))
			continue
		}

		if ev.StateKey == nil || *ev.StateKey == "" {
			continue
		}

		displayName, avatarURL := ev.MemberProfileFields()
		if displayName == "" && avatarURL == "" {
			continue
		}

		s.profiles.Observe(roomID, id.UserID(*ev.StateKey), Profile{
			DisplayName: displayName,
			AvatarURL:   avatarURL,
		})
	}
}

// clearDerivedState wipes everything rebuilt from the sync stream:
// timelines, edit chains, reaction aggregates and the room-scoped
// profile tier. Raw-event caches owned by outer layers are untouched;
// this is a derived-state reset, not a session reset.
func (s *SyncIngestor) clearDerivedState() {
	s.logger.Info("server requested derived state reset")

	s.timelines.WipeAll()
	s.profiles.WipeOverrides()

	s.mu.Lock()
	hook := s.onClearState
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}
