package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

type EventType string

const (
	EventMessageCreate       EventType = "MESSAGE_CREATE"
	EventMessageUpdate       EventType = "MESSAGE_UPDATE"
	EventMessageDelete       EventType = "MESSAGE_DELETE"
	EventMessageAck          EventType = "MESSAGE_ACK"
	EventChannelCreate       EventType = "CHANNEL_CREATE"
	EventChannelUpdate       EventType = "CHANNEL_UPDATE"
	EventChannelMemberAdd    EventType = "CHANNEL_MEMBER_ADD"
	EventChannelMemberRemove EventType = "CHANNEL_MEMBER_REMOVE"
)

// Event — закрытый набор вариантов событий. Новый вид события — это
// новый вариант здесь плюс ветка в исчерпывающем switch роутера,
// проверяемая компилятором, а не строковый ключ в map.
type Event interface {
	eventType() EventType
}

type MessageCreate struct {
	Message model.Message `json:"message"`
}

type MessageUpdate struct {
	Message model.Message `json:"message"`
}

// MessageDelete несёт замену превью для канала: LastMessage == nil —
// сообщений в канале не осталось.
type MessageDelete struct {
	ChannelID   string                `json:"channel_id"`
	MessageID   string                `json:"message_id"`
	LastMessage *model.MessagePreview `json:"last_message,omitempty"`
}

type MessageAck struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	MemberID  string `json:"member_id"`
}

type ChannelCreate struct {
	Channel model.Channel `json:"channel"`
}

type ChannelUpdate struct {
	Channel model.Channel `json:"channel"`
}

type ChannelMemberAdd struct {
	ChannelID string     `json:"channel_id"`
	User      model.User `json:"user"`
}

type ChannelMemberRemove struct {
	ChannelID string     `json:"channel_id"`
	User      model.User `json:"user"`
}

func (MessageCreate) eventType() EventType       { return EventMessageCreate }
func (MessageUpdate) eventType() EventType       { return EventMessageUpdate }
func (MessageDelete) eventType() EventType       { return EventMessageDelete }
func (MessageAck) eventType() EventType          { return EventMessageAck }
func (ChannelCreate) eventType() EventType       { return EventChannelCreate }
func (ChannelUpdate) eventType() EventType       { return EventChannelUpdate }
func (ChannelMemberAdd) eventType() EventType    { return EventChannelMemberAdd }
func (ChannelMemberRemove) eventType() EventType { return EventChannelMemberRemove }

// frame — кадр на проводе: имя события и полезная нагрузка.
type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode разбирает кадр в типизированный вариант.
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("gateway frame: %w", err)
	}
	var ev Event
	switch f.Type {
	case EventMessageCreate:
		ev = &MessageCreate{}
	case EventMessageUpdate:
		ev = &MessageUpdate{}
	case EventMessageDelete:
		ev = &MessageDelete{}
	case EventMessageAck:
		ev = &MessageAck{}
	case EventChannelCreate:
		ev = &ChannelCreate{}
	case EventChannelUpdate:
		ev = &ChannelUpdate{}
	case EventChannelMemberAdd:
		ev = &ChannelMemberAdd{}
	case EventChannelMemberRemove:
		ev = &ChannelMemberRemove{}
	default:
		return nil, fmt.Errorf("gateway: unknown event type %q", f.Type)
	}
	if err := json.Unmarshal(f.Payload, ev); err != nil {
		return nil, fmt.Errorf("gateway payload %s: %w", f.Type, err)
	}
	return deref(ev), nil
}

// Encode собирает кадр из варианта (используется dev-сервером).
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: ev.eventType(), Payload: payload})
}

// deref возвращает значение, чтобы switch в роутере работал по
// значениям вариантов, без указателей.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *MessageCreate:
		return *e
	case *MessageUpdate:
		return *e
	case *MessageDelete:
		return *e
	case *MessageAck:
		return *e
	case *ChannelCreate:
		return *e
	case *ChannelUpdate:
		return *e
	case *ChannelMemberAdd:
		return *e
	case *ChannelMemberRemove:
		return *e
	}
	return ev
}
