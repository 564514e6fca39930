package gomuks

import (
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventKind classifies a wire event at the single parsing boundary.
// All downstream logic switches on the kind and never re-inspects raw
// fields to reclassify.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindMessage
	KindEdit
	KindRedaction
	KindReaction
	KindMembership
	KindState
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEdit:
		return "edit"
	case KindRedaction:
		return "redaction"
	case KindReaction:
		return "reaction"
	case KindMembership:
		return "membership"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// messageTypes are the event types rendered as timeline messages.
var messageTypes = map[string]bool{
	event.EventMessage.Type:   true,
	event.EventEncrypted.Type: true,
	event.EventSticker.Type:   true,
}

// Kind classifies the event. Redaction beats relation checks because a
// redaction of an edit must still be treated as a redaction.
func (e *WireEvent) Kind() EventKind {
	switch {
	case e.Type == event.EventRedaction.Type:
		return KindRedaction
	case e.Type == event.EventReaction.Type,
		e.RelationType == event.RelAnnotation:
		return KindReaction
	case e.RelationType == event.RelReplace:
		return KindEdit
	case e.Type == event.StateMember.Type:
		return KindMembership
	case e.StateKey != nil:
		return KindState
	case messageTypes[e.Type]:
		return KindMessage
	default:
		return KindUnknown
	}
}

// Validate reports whether the event carries the fields every consumer
// depends on. Invalid events are skipped at ingestion, not fatal to the
// batch.
func (e *WireEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event missing event_id")
	}

	if e.RoomID == "" {
		return fmt.Errorf("event %s missing room_id", e.ID)
	}

	if e.Type == "" {
		return fmt.Errorf("event %s missing type", e.ID)
	}

	switch e.Kind() {
	case KindEdit:
		if e.RelatesTo == "" {
			return fmt.Errorf("edit %s missing relation target", e.ID)
		}
	case KindRedaction:
		if e.Redacts == "" && e.RelatesTo == "" {
			return fmt.Errorf("redaction %s missing target", e.ID)
		}
	}

	return nil
}

// RedactionTarget returns the event id a redaction removes. Some
// servers put the target in redacts, others in the relation.
func (e *WireEvent) RedactionTarget() id.EventID {
	if e.Redacts != "" {
		return e.Redacts
	}

	return e.RelatesTo
}

// ReactionKey extracts the annotation key (usually an emoji) from a
// reaction event's content.
func (e *WireEvent) ReactionKey() string {
	return gjson.GetBytes(e.Content, `m\.relates_to.key`).String()
}

// ReactionTarget returns the event id a reaction annotates, preferring
// the top-level relation over the content relation.
func (e *WireEvent) ReactionTarget() id.EventID {
	if e.RelatesTo != "" {
		return e.RelatesTo
	}

	return id.EventID(gjson.GetBytes(e.Content, `m\.relates_to.event_id`).String())
}

// MemberProfileFields extracts displayname and avatar_url from a
// membership event's content.
func (e *WireEvent) MemberProfileFields() (displayName, avatarURL string) {
	displayName = gjson.GetBytes(e.Content, "displayname").String()
	avatarURL = gjson.GetBytes(e.Content, "avatar_url").String()

	return displayName, avatarURL
}
