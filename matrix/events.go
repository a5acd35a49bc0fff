package matrix

import (
	"encoding/json"
	"strings"
)

// MembershipAction is the room membership transition carried by a member
// event.
type MembershipAction string

const (
	MembershipJoin   MembershipAction = "join"
	MembershipLeave  MembershipAction = "leave"
	MembershipBan    MembershipAction = "ban"
	MembershipInvite MembershipAction = "invite"
)

// Event is one decoded homeserver event. ID is empty for state events that
// carry no event_id. Age is the unsigned.age value in milliseconds, 0 when
// absent.
type Event struct {
	ID   string
	Age  int64
	Data EventData
}

// EventData is the tagged payload of an Event.
type EventData interface{ isEventData() }

// Room scopes a RoomEvent to the room it occurred in.
type Room struct {
	ID    RoomID
	Event RoomEvent
}

// Typing reports users currently typing in a room.
type Typing struct {
	Room  RoomID
	Users []UserID
}

// Presence reports a user's presence state.
type Presence struct {
	User  UserID
	State string
}

// Unknown carries an event type the bridge does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Room) isEventData()     {}
func (Typing) isEventData()   {}
func (Presence) isEventData() {}
func (Unknown) isEventData()  {}

// RoomEvent is the tagged payload of a room-scoped event.
type RoomEvent interface{ isRoomEvent() }

type CanonicalAlias struct{ Alias string }

type Aliases struct{ Aliases []string }

type JoinRules struct{ Rule string }

type Membership struct {
	User   UserID
	Action MembershipAction
}

type HistoryVisibility struct{ Visibility string }

type Create struct{}

type PowerLevels struct{}

type Name struct {
	Sender UserID
	Name   string
}

type Avatar struct {
	Sender UserID
	URL    string
}

type Topic struct {
	Sender UserID
	Topic  string
}

type Message struct {
	Sender UserID
	Body   string
}

// UnknownRoom carries a room event type the bridge does not understand,
// including redactions, which arrive as recognized types with empty content.
type UnknownRoom struct {
	Type string
	Raw  json.RawMessage
}

func (CanonicalAlias) isRoomEvent()    {}
func (Aliases) isRoomEvent()           {}
func (JoinRules) isRoomEvent()         {}
func (Membership) isRoomEvent()        {}
func (HistoryVisibility) isRoomEvent() {}
func (Create) isRoomEvent()            {}
func (PowerLevels) isRoomEvent()       {}
func (Name) isRoomEvent()              {}
func (Avatar) isRoomEvent()            {}
func (Topic) isRoomEvent()             {}
func (Message) isRoomEvent()           {}
func (UnknownRoom) isRoomEvent()       {}

// rawEvent is the wire shape of a single event. Room scoping arrives either
// via the sync response structure or an injected room_id field.
type rawEvent struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	UserID   string          `json:"user_id"`
	RoomID   string          `json:"room_id"`
	EventID  string          `json:"event_id"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
	Unsigned struct {
		Age int64 `json:"age"`
	} `json:"unsigned"`
}

func (r rawEvent) sender() string {
	if r.Sender != "" {
		return r.Sender
	}
	return r.UserID
}

func (r rawEvent) emptyContent() bool {
	c := strings.TrimSpace(string(r.Content))
	return c == "" || c == "{}" || c == "null"
}

// decodeEvent turns one raw event into a tagged Event. roomID scopes events
// that lack their own room_id field. Decoding never fails: shapes the bridge
// does not understand come back as Unknown payloads.
func decodeEvent(raw json.RawMessage, roomID string) Event {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return Event{Data: Unknown{Raw: raw}}
	}
	if re.RoomID == "" {
		re.RoomID = roomID
	}

	evt := Event{ID: re.EventID, Age: re.Unsigned.Age}

	switch re.Type {
	case "m.typing":
		evt.Data = decodeTyping(re)
		return evt
	case "m.presence":
		evt.Data = decodePresence(re, raw)
		return evt
	}

	if strings.HasPrefix(re.Type, "m.room.") {
		room, err := ParseRoomID(re.RoomID)
		if err != nil {
			return Event{ID: re.EventID, Age: re.Unsigned.Age, Data: Unknown{Type: re.Type, Raw: raw}}
		}
		evt.Data = Room{ID: room, Event: decodeRoomEvent(re, raw)}
		return evt
	}

	evt.Data = Unknown{Type: re.Type, Raw: raw}
	return evt
}

func decodeTyping(re rawEvent) EventData {
	room, err := ParseRoomID(re.RoomID)
	if err != nil {
		return Unknown{Type: re.Type, Raw: re.Content}
	}
	var content struct {
		UserIDs []string `json:"user_ids"`
	}
	_ = json.Unmarshal(re.Content, &content)
	t := Typing{Room: room}
	for _, u := range content.UserIDs {
		if user, err := ParseUserID(u); err == nil {
			t.Users = append(t.Users, user)
		}
	}
	return t
}

func decodePresence(re rawEvent, raw json.RawMessage) EventData {
	var content struct {
		Presence string `json:"presence"`
		UserID   string `json:"user_id"`
	}
	_ = json.Unmarshal(re.Content, &content)
	id := re.sender()
	if id == "" {
		id = content.UserID
	}
	user, err := ParseUserID(id)
	if err != nil {
		return Unknown{Type: re.Type, Raw: raw}
	}
	return Presence{User: user, State: content.Presence}
}

func decodeRoomEvent(re rawEvent, raw json.RawMessage) RoomEvent {
	// A recognized type with empty content is a redaction.
	if re.emptyContent() {
		return UnknownRoom{Type: re.Type, Raw: raw}
	}

	switch re.Type {
	case "m.room.canonical_alias":
		var content struct {
			Alias string `json:"alias"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return CanonicalAlias{Alias: content.Alias}

	case "m.room.aliases":
		var content struct {
			Aliases []string `json:"aliases"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return Aliases{Aliases: content.Aliases}

	case "m.room.join_rules":
		var content struct {
			JoinRule string `json:"join_rule"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return JoinRules{Rule: content.JoinRule}

	case "m.room.member":
		var content struct {
			Membership string `json:"membership"`
		}
		_ = json.Unmarshal(re.Content, &content)
		subject := re.sender()
		if re.StateKey != nil && *re.StateKey != "" {
			subject = *re.StateKey
		}
		user, err := ParseUserID(subject)
		if err != nil {
			return UnknownRoom{Type: re.Type, Raw: raw}
		}
		switch MembershipAction(content.Membership) {
		case MembershipJoin, MembershipLeave, MembershipBan, MembershipInvite:
			return Membership{User: user, Action: MembershipAction(content.Membership)}
		}
		return UnknownRoom{Type: re.Type, Raw: raw}

	case "m.room.history_visibility":
		var content struct {
			HistoryVisibility string `json:"history_visibility"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return HistoryVisibility{Visibility: content.HistoryVisibility}

	case "m.room.create":
		return Create{}

	case "m.room.power_levels":
		return PowerLevels{}

	case "m.room.name":
		sender, err := ParseUserID(re.sender())
		if err != nil {
			return UnknownRoom{Type: re.Type, Raw: raw}
		}
		var content struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return Name{Sender: sender, Name: content.Name}

	case "m.room.avatar":
		sender, err := ParseUserID(re.sender())
		if err != nil {
			return UnknownRoom{Type: re.Type, Raw: raw}
		}
		var content struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return Avatar{Sender: sender, URL: content.URL}

	case "m.room.topic":
		sender, err := ParseUserID(re.sender())
		if err != nil {
			return UnknownRoom{Type: re.Type, Raw: raw}
		}
		var content struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(re.Content, &content)
		return Topic{Sender: sender, Topic: content.Topic}

	case "m.room.message":
		sender, err := ParseUserID(re.sender())
		if err != nil {
			return UnknownRoom{Type: re.Type, Raw: raw}
		}
		var content struct {
			Body          string `json:"body"`
			Format        string `json:"format"`
			FormattedBody string `json:"formatted_body"`
		}
		_ = json.Unmarshal(re.Content, &content)
		body := content.Body
		if content.Format == "org.matrix.custom.html" && content.FormattedBody != "" {
			if flat := FlattenHTML(content.FormattedBody); flat != "" {
				body = flat
			}
		}
		return Message{Sender: sender, Body: body}
	}

	return UnknownRoom{Type: re.Type, Raw: raw}
}
