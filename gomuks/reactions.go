package gomuks

import (
	"sort"

	"maunium.net/go/mautrix/id"
)

// reactionIdentity is the logical identity of an annotation. Retried
// sends can mint new event ids for the same logical reaction, so
// deduplication keys on who reacted to what with which key, never on
// the event id.
type reactionIdentity struct {
	sender id.UserID
	target id.EventID
	key    string
}

// Reaction is one aggregated annotation on a target event.
type Reaction struct {
	Key     string
	Count   int
	Senders []id.UserID
}

// ReactionAggregator collects annotation events per target event id.
// Not safe for concurrent use; each room cache owns one and serializes
// access through the room lock.
type ReactionAggregator struct {
	byTarget map[id.EventID]map[string][]id.UserID
	seen     map[reactionIdentity]id.EventID
	byID     map[id.EventID]reactionIdentity
}

// NewReactionAggregator creates an empty aggregator.
func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{
		byTarget: make(map[id.EventID]map[string][]id.UserID),
		seen:     make(map[reactionIdentity]id.EventID),
		byID:     make(map[id.EventID]reactionIdentity),
	}
}

// Add ingests a reaction event. Returns false when the logical
// annotation was already recorded (duplicate delivery or retry under a
// fresh event id).
func (a *ReactionAggregator) Add(ev *WireEvent) bool {
	identity := reactionIdentity{
		sender: ev.Sender,
		target: ev.ReactionTarget(),
		key:    ev.ReactionKey(),
	}

	if identity.target == "" || identity.key == "" {
		return false
	}

	if _, ok := a.seen[identity]; ok {
		return false
	}

	a.seen[identity] = ev.ID
	a.byID[ev.ID] = identity

	keys := a.byTarget[identity.target]
	if keys == nil {
		keys = make(map[string][]id.UserID)
		a.byTarget[identity.target] = keys
	}

	keys[identity.key] = append(keys[identity.key], ev.Sender)

	return true
}

// Redact removes the annotation whose event id was redacted. Returns
// false when the id is not a known reaction.
func (a *ReactionAggregator) Redact(reactionEventID id.EventID) bool {
	identity, ok := a.byID[reactionEventID]
	if !ok {
		return false
	}

	delete(a.byID, reactionEventID)
	delete(a.seen, identity)

	keys := a.byTarget[identity.target]
	senders := keys[identity.key]

	for i, s := range senders {
		if s == identity.sender {
			keys[identity.key] = append(senders[:i], senders[i+1:]...)
			break
		}
	}

	if len(keys[identity.key]) == 0 {
		delete(keys, identity.key)
	}

	if len(keys) == 0 {
		delete(a.byTarget, identity.target)
	}

	return true
}

// Reactions returns the aggregated annotations for a target event,
// sorted by key for stable rendering. Returns nil when the target has
// none.
func (a *ReactionAggregator) Reactions(target id.EventID) []Reaction {
	keys := a.byTarget[target]
	if len(keys) == 0 {
		return nil
	}

	out := make([]Reaction, 0, len(keys))
	for key, senders := range keys {
		out = append(out, Reaction{Key: key, Count: len(senders), Senders: senders})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}

// Wipe drops all aggregated reactions.
func (a *ReactionAggregator) Wipe() {
	a.byTarget = make(map[id.EventID]map[string][]id.UserID)
	a.seen = make(map[reactionIdentity]id.EventID)
	a.byID = make(map[id.EventID]reactionIdentity)
}
