package gomuks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
	"maunium.net/go/mautrix/id"
)

// Profile is a member's display identity. Both fields are optional.
type Profile struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Equal compares profiles with NFC-normalized display names, so the
// same name delivered in different Unicode compositions does not create
// a spurious room override.
func (p Profile) Equal(o Profile) bool {
	return norm.NFC.String(p.DisplayName) == norm.NFC.String(o.DisplayName) &&
		p.AvatarURL == o.AvatarURL
}

// ProfileFetcher performs the server request backing an on-demand
// profile fetch. The session wires this to a get_profile command.
type ProfileFetcher func(ctx context.Context, userID id.UserID) (Profile, error)

// profileStore persists the global profile tier across restarts.
type profileStore interface {
	GlobalProfiles() ([]byte, error)
	SetGlobalProfiles(data []byte) error
}

// ProfileResolver is the two-tier member profile cache. The global tier
// is canonical; a room-scoped override is only materialized when it
// differs from the global entry, and is pruned as soon as the two
// become equal again.
type ProfileResolver struct {
	mu        sync.Mutex
	global    map[id.UserID]Profile
	overrides map[id.RoomID]map[id.UserID]Profile

	fetch   singleflight.Group
	fetcher ProfileFetcher

	store  profileStore
	logger *slog.Logger
}

// NewProfileResolver creates a resolver, loading the persisted global
// tier from the store when one is provided.
func NewProfileResolver(store profileStore, logger *slog.Logger) *ProfileResolver {
	r := &ProfileResolver{
		global:    make(map[id.UserID]Profile),
		overrides: make(map[id.RoomID]map[id.UserID]Profile),
		store:     store,
		logger:    logger,
	}

	if store != nil {
		data, err := store.GlobalProfiles()
		if err != nil {
			logger.Warn("loading persisted profiles", slog.String("error", err.Error()))
		} else if data != nil {
			if err := json.Unmarshal(data, &r.global); err != nil {
				logger.Warn("decoding persisted profiles", slog.String("error", err.Error()))
			}
		}
	}

	return r
}

// SetFetcher installs the server request used by FetchProfile.
func (r *ProfileResolver) SetFetcher(f ProfileFetcher) {
	r.mu.Lock()
	r.fetcher = f
	r.mu.Unlock()
}

// Resolve checks the room-scoped override first and falls back to the
// global tier. Returns nil when neither tier has an entry; the caller
// decides fallback rendering.
func (r *ProfileResolver) Resolve(roomID id.RoomID, userID id.UserID) *Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.overrides[roomID]; ok {
		if p, ok := room[userID]; ok {
			return &p
		}
	}

	if p, ok := r.global[userID]; ok {
		return &p
	}

	return nil
}

// Observe records a profile seen in a room's membership stream. The
// first observation becomes the global canonical entry; later
// observations only create a room override when they differ from
// global, and equal observations prune any stale override.
func (r *ProfileResolver) Observe(roomID id.RoomID, userID id.UserID, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	global, ok := r.global[userID]
	if !ok {
		r.global[userID] = p
		r.persistGlobalLocked()

		return
	}

	if global.Equal(p) {
		r.pruneOverrideLocked(roomID, userID)
		return
	}

	room := r.overrides[roomID]
	if room == nil {
		room = make(map[id.UserID]Profile)
		r.overrides[roomID] = room
	}

	room[userID] = p
}

// UpdateGlobal replaces the canonical entry from an authoritative
// source (an explicit profile fetch) and prunes every room override
// that now equals the new value.
func (r *ProfileResolver) UpdateGlobal(userID id.UserID, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global[userID] = p

	for roomID, room := range r.overrides {
		if override, ok := room[userID]; ok && override.Equal(p) {
			r.pruneOverrideLocked(roomID, userID)
		}
	}

	r.persistGlobalLocked()
}

// pruneOverrideLocked removes one override entry and the room map when
// it empties. Caller holds r.mu.
func (r *ProfileResolver) pruneOverrideLocked(roomID id.RoomID, userID id.UserID) {
	room, ok := r.overrides[roomID]
	if !ok {
		return
	}

	delete(room, userID)

	if len(room) == 0 {
		delete(r.overrides, roomID)
	}
}

// HasOverride reports whether a room-scoped override exists for the
// pair.
func (r *ProfileResolver) HasOverride(roomID id.RoomID, userID id.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.overrides[roomID]
	if !ok {
		return false
	}

	_, ok = room[userID]

	return ok
}

// FetchProfile resolves from cache or performs an on-demand server
// fetch. Concurrent fetches for the same pair collapse into one
// in-flight request, and the in-flight marker clears on every outcome
// including timeout, so a failed fetch can never wedge future ones.
func (r *ProfileResolver) FetchProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (Profile, error) {
	if p := r.Resolve(roomID, userID); p != nil {
		return *p, nil
	}

	r.mu.Lock()
	fetcher := r.fetcher
	r.mu.Unlock()

	if fetcher == nil {
		return Profile{}, fmt.Errorf("no profile fetcher configured")
	}

	key := string(roomID) + "\x00" + string(userID)

	v, err, _ := r.fetch.Do(key, func() (any, error) {
		p, err := fetcher(ctx, userID)
		if err != nil {
			return nil, err
		}

		r.UpdateGlobal(userID, p)

		return p, nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("fetching profile for %s: %w", userID, err)
	}

	return v.(Profile), nil
}

// WipeOverrides drops the entire room-scoped tier. The global tier
// survives: canonical profiles are epoch-independent.
func (r *ProfileResolver) WipeOverrides() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = make(map[id.RoomID]map[id.UserID]Profile)
}

// persistGlobalLocked writes the global tier through to the store.
// Caller holds r.mu.
func (r *ProfileResolver) persistGlobalLocked() {
	if r.store == nil {
		return
	}

	data, err := json.Marshal(r.global)
	if err != nil {
		r.logger.Warn("encoding profiles for persistence", slog.String("error", err.Error()))
		return
	}

	if err := r.store.SetGlobalProfiles(data); err != nil {
		r.logger.Warn("persisting profiles", slog.String("error", err.Error()))
	}
}
