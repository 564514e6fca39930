package gomuks

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

const (
	// warmCacheThreshold is the cached-event count above which an
	// opened room is served from cache immediately while a catch-up
	// fetch runs in the background.
	warmCacheThreshold = 50

	// DefaultPageSize is the page size used for blocking cold-room
	// fetches and paginate-older requests without an explicit limit.
	DefaultPageSize = 100
)

// ResolvedEvent is one renderable timeline entry: the original event,
// its currently rendered content after edits, redaction state, and
// aggregated reactions.
type ResolvedEvent struct {
	// Event is the original timeline event.
	Event *WireEvent
	// Rendered is the content-bearing event after edit resolution. It
	// equals Event when no edit applies and is nil when the message is
	// redacted.
	Rendered  *WireEvent
	Redacted  bool
	Reactions []Reaction
}

// roomCache holds one room's timeline state. All fields are guarded by
// mu; cross-room operations may run concurrently but mutations within a
// room are serialized.
type roomCache struct {
	mu sync.Mutex

	events []*WireEvent
	byID   map[id.EventID]int64 // event id -> arrival order

	chains    *EditChainResolver
	reactions *ReactionAggregator

	// oldestRowID is the backfill cursor: the smallest timeline row id
	// cached so far. Zero means no cursor yet; zero is never used as a
	// real cursor value once events exist.
	oldestRowID int64
	hasMore     bool

	active       bool
	lastAccessed time.Time
	arrivalSeq   int64

	resolved      []ResolvedEvent
	resolvedValid bool
}

// TimelineStore is the per-room ordered event cache with LRU eviction
// across rooms. The global cap counts total cached events, not rooms.
type TimelineStore struct {
	mu        sync.Mutex
	rooms     map[id.RoomID]*roomCache
	maxEvents int
	total     int
	now       func() time.Time
	logger    *slog.Logger
}

// NewTimelineStore creates a store capped at maxEvents cached events
// across all rooms.
func NewTimelineStore(maxEvents int, logger *slog.Logger) *TimelineStore {
	return &TimelineStore{
		rooms:     make(map[id.RoomID]*roomCache),
		maxEvents: maxEvents,
		now:       time.Now,
		logger:    logger,
	}
}

// room returns the cache for roomID, creating it when create is set.
func (t *TimelineStore) room(roomID id.RoomID, create bool) *roomCache {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc, ok := t.rooms[roomID]
	if !ok && create {
		rc = &roomCache{
			byID:      make(map[id.EventID]int64),
			chains:    NewEditChainResolver(t.logger),
			reactions: NewReactionAggregator(),
			hasMore:   true,
		}
		t.rooms[roomID] = rc
	}

	if rc != nil {
		rc.lastAccessed = t.now()
	}

	return rc
}

// OpenRoom marks a room as actively cached so live sync events flow
// into it. Returns the cached event count and whether the cache is warm
// enough to serve immediately.
func (t *TimelineStore) OpenRoom(roomID id.RoomID) (cached int, warm bool) {
	rc := t.room(roomID, true)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.active = true

	return len(rc.events), len(rc.events) >= warmCacheThreshold
}

// CloseRoom stops live updates for a room. The cache is retained until
// LRU eviction needs the space.
func (t *TimelineStore) CloseRoom(roomID id.RoomID) {
	rc := t.room(roomID, false)
	if rc == nil {
		return
	}

	rc.mu.Lock()
	rc.active = false
	rc.mu.Unlock()
}

// IsActive reports whether a room currently receives live incremental
// updates. Rooms that are not active must not be fed message events, so
// memory stays bounded across hundreds of inactive rooms.
func (t *TimelineStore) IsActive(roomID id.RoomID) bool {
	t.mu.Lock()
	rc := t.rooms[roomID]
	t.mu.Unlock()

	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.active
}

// NextPageCursor returns the exclusive upper bound for the next
// backfill request: "rows strictly older than this". Zero means the
// room has no cached events yet and the server should send the most
// recent page.
func (t *TimelineStore) NextPageCursor(roomID id.RoomID) int64 {
	rc := t.room(roomID, false)
	if rc == nil {
		return 0
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.oldestRowID
}

// HasMore reports whether older history is believed to exist for the
// room.
func (t *TimelineStore) HasMore(roomID id.RoomID) bool {
	rc := t.room(roomID, false)
	if rc == nil {
		return true
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.hasMore
}

// MergeIncremental feeds live sync events into an actively cached room.
// Message events are appended in timestamp order; edits, redactions and
// reactions invalidate the resolved cache so it is lazily rebuilt on
// the next read instead of patched in place.
func (t *TimelineStore) MergeIncremental(roomID id.RoomID, events []*WireEvent) {
	rc := t.room(roomID, false)
	if rc == nil {
		return
	}

	rc.mu.Lock()

	if !rc.active {
		rc.mu.Unlock()
		return
	}

	added := rc.ingest(events, t.logger)
	rc.mu.Unlock()

	t.addTotal(roomID, added)
}

// ApplyPage merges one pagination response. cursorUsed is the cursor
// the request was issued with. Stall detection: when the response makes
// no cursor progress and adds zero new events, hasMore flips false
// regardless of what the server claims, so a stuck cursor can never
// loop forever.
func (t *TimelineStore) ApplyPage(roomID id.RoomID, cursorUsed int64, resp *PaginateResponse) (added int) {
	rc := t.room(roomID, true)

	rc.mu.Lock()

	prevOldest := rc.oldestRowID
	added = rc.ingest(resp.Events, t.logger)
	rc.hasMore = resp.HasMore

	stuck := cursorUsed != 0 && added == 0 && rc.oldestRowID >= prevOldest
	if stuck && rc.hasMore {
		t.logger.Warn("pagination made no progress, stopping backfill",
			slog.String("room_id", string(roomID)),
			slog.Int64("cursor", cursorUsed),
		)

		rc.hasMore = false
	}

	rc.mu.Unlock()

	t.addTotal(roomID, added)

	return added
}

// ingest routes a mixed slice of events into the room's structures.
// Caller holds rc.mu. Returns how many timeline entries were added.
func (rc *roomCache) ingest(events []*WireEvent, logger *slog.Logger) int {
	added := 0

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			logger.Warn("skipping malformed event", slog.String("error", err.Error()))
			continue
		}

		switch ev.Kind() {
		case KindMessage:
			if _, dup := rc.byID[ev.ID]; dup {
				continue
			}

			rc.arrivalSeq++
			rc.byID[ev.ID] = rc.arrivalSeq
			rc.events = append(rc.events, ev)
			rc.chains.IngestMessage(ev)
			rc.advanceCursor(ev, logger)

			added++
			rc.resolvedValid = false

		case KindEdit:
			rc.chains.IngestEdit(ev)
			rc.advanceCursor(ev, logger)
			rc.resolvedValid = false

		case KindRedaction:
			target := ev.RedactionTarget()
			if !rc.reactions.Redact(target) {
				rc.chains.IngestRedaction(ev)
			}

			rc.resolvedValid = false

		case KindReaction:
			if rc.reactions.Add(ev) {
				rc.resolvedValid = false
			}

		case KindMembership, KindState, KindUnknown:
			// Membership and state bookkeeping happens upstream; they
			// do not enter the timeline.
		}
	}

	if added > 0 {
		rc.sortEvents()
	}

	return added
}

// advanceCursor lowers oldestRowID toward the oldest cached row. A row
// id of zero is a bug signal, never a cursor: reusing it would make the
// server reinterpret the next page request as "fetch newest" and stall
// backfill.
func (rc *roomCache) advanceCursor(ev *WireEvent, logger *slog.Logger) {
	if ev.TimelineRowID == 0 {
		logger.Warn("event with zero timeline row id",
			slog.String("event_id", string(ev.ID)),
		)

		return
	}

	if rc.oldestRowID == 0 || ev.TimelineRowID < rc.oldestRowID {
		rc.oldestRowID = ev.TimelineRowID
	}
}

// sortEvents orders the timeline by timestamp, ties broken by arrival
// order.
func (rc *roomCache) sortEvents() {
	sort.SliceStable(rc.events, func(i, j int) bool {
		a, b := rc.events[i], rc.events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}

		return rc.byID[a.ID] < rc.byID[b.ID]
	})
}

// Resolved returns the room's render-ready timeline, rebuilding the
// cached view if edits, redactions or reactions invalidated it.
func (t *TimelineStore) Resolved(roomID id.RoomID) []ResolvedEvent {
	rc := t.room(roomID, false)
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.resolvedValid {
		rc.rebuildResolved()
	}

	out := make([]ResolvedEvent, len(rc.resolved))
	copy(out, rc.resolved)

	return out
}

// rebuildResolved recomputes the resolved view. Caller holds rc.mu.
func (rc *roomCache) rebuildResolved() {
	rc.resolved = rc.resolved[:0]

	for _, ev := range rc.events {
		res := rc.chains.Resolve(ev.ID)

		entry := ResolvedEvent{
			Event:     ev,
			Reactions: rc.reactions.Reactions(ev.ID),
		}

		if res.Redacted {
			entry.Redacted = true
		} else if res.Event != nil {
			entry.Rendered = res.Event
		} else {
			entry.Rendered = ev
		}

		rc.resolved = append(rc.resolved, entry)
	}

	rc.resolvedValid = true
}

// Versioned returns the edit history aggregate for one message in a
// room, or nil when unknown.
func (t *TimelineStore) Versioned(roomID id.RoomID, eventID id.EventID) *VersionedMessage {
	rc := t.room(roomID, false)
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.chains.Versioned(eventID)
}

// addTotal updates the global event count and evicts least recently
// accessed rooms while over the cap. The room that just grew is spared
// so a single large merge cannot evict itself.
func (t *TimelineStore) addTotal(justTouched id.RoomID, delta int) {
	if delta == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total += delta

	for t.total > t.maxEvents {
		victim := t.lruVictim(justTouched)
		if victim == "" {
			return
		}

		t.evictLocked(victim)
	}
}

// lruVictim picks the least recently accessed room other than the one
// just touched. Caller holds t.mu.
func (t *TimelineStore) lruVictim(skip id.RoomID) id.RoomID {
	var (
		victim id.RoomID
		oldest time.Time
	)

	for roomID, rc := range t.rooms {
		if roomID == skip {
			continue
		}

		if victim == "" || rc.lastAccessed.Before(oldest) {
			victim = roomID
			oldest = rc.lastAccessed
		}
	}

	return victim
}

// evictLocked drops a room's entire cache: events, edit chains and
// reactions. The room reverts to cold and must repaginate from the
// server on the next open. Caller holds t.mu.
func (t *TimelineStore) evictLocked(roomID id.RoomID) {
	rc := t.rooms[roomID]
	if rc == nil {
		return
	}

	rc.mu.Lock()
	t.total -= len(rc.events)
	rc.mu.Unlock()

	delete(t.rooms, roomID)

	t.logger.Debug("evicted room timeline cache", slog.String("room_id", string(roomID)))
}

// DropRoom discards a room's cache entirely, active or not. Used when
// the account leaves the room.
func (t *TimelineStore) DropRoom(roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictLocked(roomID)
}

// EventCount returns the total number of cached timeline events across
// all rooms.
func (t *TimelineStore) EventCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.total
}

// WipeAll drops every room cache. Used on a server-directed derived
// state reset and on a full-refresh reconnect.
func (t *TimelineStore) WipeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rooms = make(map[id.RoomID]*roomCache)
	t.total = 0
}
