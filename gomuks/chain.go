package gomuks

import (
	"log/slog"

	"maunium.net/go/mautrix/id"
)

// maxChainHops bounds edit chain walks. A chain longer than this is
// treated as corrupt and truncated rather than followed further.
const maxChainHops = 20

// ResolveStatus reports how a chain walk ended.
type ResolveStatus int

const (
	// ResolveMissing means the id has no node at all.
	ResolveMissing ResolveStatus = iota
	// Resolved means the walk reached the chain terminal normally.
	Resolved
	// ResolveTruncated means the walk hit the hop cap or a cycle and
	// stopped at the last sound node.
	ResolveTruncated
)

// chainNode is one entry in the per-message edit chain. The chain is a
// singly linked list ordered by timestamp: the original first, then
// edits oldest to newest, so the terminal node is always the current
// rendered content.
type chainNode struct {
	event       *WireEvent
	replacedBy  id.EventID
	placeholder bool
	originalTS  int64
}

// Resolution is the outcome of resolving a logical message to its
// currently rendered content.
type Resolution struct {
	// Event is the terminal event of the edit chain, or nil when only a
	// placeholder exists (an edit or redaction arrived before its
	// original).
	Event *WireEvent
	// Redacted reports whether the original was redacted. Redaction
	// always wins over the edit chain.
	Redacted       bool
	RedactionEvent *WireEvent
	Status         ResolveStatus
}

// MessageVersion is one entry in a message's version history.
type MessageVersion struct {
	EventID    id.EventID
	Event      *WireEvent
	Timestamp  int64
	IsOriginal bool
}

// VersionedMessage aggregates a logical message: its original, every
// edit newest first, and any redaction.
type VersionedMessage struct {
	OriginalID     id.EventID
	Original       *WireEvent
	Versions       []MessageVersion
	RedactedBy     id.EventID
	RedactionEvent *WireEvent
}

// EditChainResolver reconstructs the current visible content of each
// logical message from original, edit and redaction events arriving in
// any order. It is not safe for concurrent use; each room cache owns
// one and serializes access through the room lock.
type EditChainResolver struct {
	nodes      map[id.EventID]*chainNode
	redactions map[id.EventID]*WireEvent
	versions   map[id.EventID]*VersionedMessage
	logger     *slog.Logger
}

// NewEditChainResolver creates an empty resolver.
func NewEditChainResolver(logger *slog.Logger) *EditChainResolver {
	return &EditChainResolver{
		nodes:      make(map[id.EventID]*chainNode),
		redactions: make(map[id.EventID]*WireEvent),
		versions:   make(map[id.EventID]*VersionedMessage),
		logger:     logger,
	}
}

// IngestMessage records an original message event. If an edit arrived
// first, the placeholder it created is filled in while the attached
// edit chain is preserved.
func (r *EditChainResolver) IngestMessage(ev *WireEvent) {
	node, ok := r.nodes[ev.ID]
	if ok {
		if !node.placeholder {
			// Duplicate delivery of the same event id.
			return
		}

		node.event = ev
		node.placeholder = false
		node.originalTS = ev.Timestamp
	} else {
		r.nodes[ev.ID] = &chainNode{event: ev, originalTS: ev.Timestamp}
	}

	delete(r.versions, ev.ID)
}

// IngestEdit links an edit into its target's chain. Edits always target
// the original event id on the wire, so arrival order says nothing
// about edit order; the chain is kept sorted by timestamp (ties keep
// arrival order) so the terminal node is the latest edit.
func (r *EditChainResolver) IngestEdit(ev *WireEvent) {
	target := ev.RelatesTo

	if _, ok := r.nodes[ev.ID]; ok {
		// Duplicate edit delivery.
		return
	}

	base, ok := r.nodes[target]
	if !ok {
		// Edit before original: hold the chain on a placeholder until
		// the original lands.
		base = &chainNode{placeholder: true}
		r.nodes[target] = base
	}

	r.nodes[ev.ID] = &chainNode{event: ev, originalTS: base.originalTS}
	r.insertSorted(target, base, ev)
	r.invalidate(target)
}

// insertSorted walks the chain from the base node and splices the edit
// in timestamp order. The base node itself is never displaced; edits
// with timestamps at or before an existing edit's timestamp go after
// it, preserving arrival order for ties.
func (r *EditChainResolver) insertSorted(baseID id.EventID, base *chainNode, ev *WireEvent) {
	prev := base
	prevID := baseID
	visited := map[id.EventID]bool{baseID: true}

	for hops := 0; ; hops++ {
		nextID := prev.replacedBy
		if nextID == "" {
			break
		}

		if hops >= maxChainHops || visited[nextID] {
			r.logger.Warn("edit chain corrupt, truncating insertion walk",
				slog.String("base", string(baseID)),
				slog.String("at", string(prevID)),
			)

			break
		}

		visited[nextID] = true

		next, ok := r.nodes[nextID]
		if !ok {
			r.logger.Warn("edit chain points at unknown node",
				slog.String("base", string(baseID)),
				slog.String("missing", string(nextID)),
			)

			break
		}

		if next.event != nil && next.event.Timestamp > ev.Timestamp {
			break
		}

		prev = next
		prevID = nextID
	}

	r.nodes[ev.ID].replacedBy = prev.replacedBy
	prev.replacedBy = ev.ID
}

// IngestRedaction records a redaction against its target. The record is
// independent of the edit chain and dominates it at render time, even
// when the redaction arrives before the original.
func (r *EditChainResolver) IngestRedaction(ev *WireEvent) {
	target := ev.RedactionTarget()
	if _, ok := r.redactions[target]; ok {
		return
	}

	r.redactions[target] = ev
	r.invalidate(target)
}

// Has reports whether a non-placeholder node exists for the id.
func (r *EditChainResolver) Has(eventID id.EventID) bool {
	node, ok := r.nodes[eventID]

	return ok && !node.placeholder
}

// Resolve follows the edit chain from eventID to its terminal node and
// returns the rendered content. Side-effect free and safe to call
// repeatedly.
func (r *EditChainResolver) Resolve(eventID id.EventID) Resolution {
	res := Resolution{Status: Resolved}

	if red, ok := r.redactions[eventID]; ok {
		res.Redacted = true
		res.RedactionEvent = red
	}

	node, ok := r.nodes[eventID]
	if !ok {
		res.Status = ResolveMissing
		return res
	}

	terminal, truncated := r.walk(eventID, node)
	if truncated {
		res.Status = ResolveTruncated
	}

	if terminal.event != nil {
		res.Event = terminal.event
	}

	return res
}

// walk follows replacedBy links to the chain terminal with a visited
// set and hop cap. Returns the last sound node and whether the walk was
// cut short.
func (r *EditChainResolver) walk(startID id.EventID, start *chainNode) (*chainNode, bool) {
	node := start
	visited := map[id.EventID]bool{startID: true}

	for hops := 0; node.replacedBy != ""; hops++ {
		nextID := node.replacedBy
		if hops >= maxChainHops || visited[nextID] {
			r.logger.Warn("edit chain corrupt, truncating resolve walk",
				slog.String("start", string(startID)),
				slog.String("at", string(nextID)),
			)

			return node, true
		}

		next, ok := r.nodes[nextID]
		if !ok {
			return node, true
		}

		visited[nextID] = true
		node = next
	}

	return node, false
}

// Versioned returns the aggregate view of a logical message: original
// plus every edit newest first. Cached per id; the cache is invalidated
// whenever a new edit or redaction for that id arrives.
func (r *EditChainResolver) Versioned(eventID id.EventID) *VersionedMessage {
	if cached, ok := r.versions[eventID]; ok {
		return cached
	}

	node, ok := r.nodes[eventID]
	if !ok {
		return nil
	}

	vm := &VersionedMessage{OriginalID: eventID}
	if !node.placeholder {
		vm.Original = node.event
	}

	if red, ok := r.redactions[eventID]; ok {
		vm.RedactedBy = red.ID
		vm.RedactionEvent = red
	}

	cur := node
	curID := eventID
	visited := map[id.EventID]bool{eventID: true}

	for hops := 0; ; hops++ {
		if cur.event != nil {
			vm.Versions = append(vm.Versions, MessageVersion{
				EventID:    curID,
				Event:      cur.event,
				Timestamp:  cur.event.Timestamp,
				IsOriginal: curID == eventID,
			})
		}

		nextID := cur.replacedBy
		if nextID == "" || hops >= maxChainHops || visited[nextID] {
			break
		}

		next, ok := r.nodes[nextID]
		if !ok {
			break
		}

		visited[nextID] = true
		cur = next
		curID = nextID
	}

	// The chain is oldest first; readers want newest first.
	for i, j := 0, len(vm.Versions)-1; i < j; i, j = i+1, j-1 {
		vm.Versions[i], vm.Versions[j] = vm.Versions[j], vm.Versions[i]
	}

	r.versions[eventID] = vm

	return vm
}

// invalidate drops the cached aggregate for a logical message.
func (r *EditChainResolver) invalidate(eventID id.EventID) {
	delete(r.versions, eventID)
}

// Len returns the number of chain nodes held.
func (r *EditChainResolver) Len() int {
	return len(r.nodes)
}

// Wipe drops all chain state.
func (r *EditChainResolver) Wipe() {
	r.nodes = make(map[id.EventID]*chainNode)
	r.redactions = make(map[id.EventID]*WireEvent)
	r.versions = make(map[id.EventID]*VersionedMessage)
}
