package gomuks

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// quietLogger discards output so tests exercising warning paths don't
// spam the test log.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testRoom = id.RoomID("!room:example.com")

func msgEvent(eventID string, ts, rowID int64, body string) *WireEvent {
	return &WireEvent{
		ID:            id.EventID(eventID),
		RoomID:        testRoom,
		Type:          event.EventMessage.Type,
		Sender:        "@alice:example.com",
		Timestamp:     ts,
		TimelineRowID: rowID,
		Content:       json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

func editEvent(eventID, target string, ts int64, body string) *WireEvent {
	return &WireEvent{
		ID:           id.EventID(eventID),
		RoomID:       testRoom,
		Type:         event.EventMessage.Type,
		Sender:       "@alice:example.com",
		Timestamp:    ts,
		RelatesTo:    id.EventID(target),
		RelationType: event.RelReplace,
		Content:      json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

func redactionEvent(eventID, target string, ts int64) *WireEvent {
	return &WireEvent{
		ID:        id.EventID(eventID),
		RoomID:    testRoom,
		Type:      event.EventRedaction.Type,
		Sender:    "@alice:example.com",
		Timestamp: ts,
		Redacts:   id.EventID(target),
	}
}

func reactionEvent(eventID, target, sender, key string, ts int64) *WireEvent {
	return &WireEvent{
		ID:           id.EventID(eventID),
		RoomID:       testRoom,
		Type:         event.EventReaction.Type,
		Sender:       id.UserID(sender),
		Timestamp:    ts,
		RelatesTo:    id.EventID(target),
		RelationType: event.RelAnnotation,
		Content:      json.RawMessage(fmt.Sprintf(`{"m.relates_to":{"rel_type":"m.annotation","event_id":%q,"key":%q}}`, target, key)),
	}
}

func memberEvent(eventID, userID, displayName, avatarURL string, ts int64) *WireEvent {
	stateKey := userID

	return &WireEvent{
		ID:        id.EventID(eventID),
		RoomID:    testRoom,
		Type:      event.StateMember.Type,
		StateKey:  &stateKey,
		Sender:    id.UserID(userID),
		Timestamp: ts,
		Content:   json.RawMessage(fmt.Sprintf(`{"membership":"join","displayname":%q,"avatar_url":%q}`, displayName, avatarURL)),
	}
}

// ingestAll feeds events to a resolver routing by kind, the way the
// room cache does.
func ingestAll(r *EditChainResolver, events ...*WireEvent) {
	for _, ev := range events {
		switch ev.Kind() {
		case KindEdit:
			r.IngestEdit(ev)
		case KindRedaction:
			r.IngestRedaction(ev)
		default:
			r.IngestMessage(ev)
		}
	}
}

func body(ev *WireEvent) string {
	var content struct {
		Body string `json:"body"`
	}

	_ = json.Unmarshal(ev.Content, &content)

	return content.Body
}
