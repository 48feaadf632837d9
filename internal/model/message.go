package model

import "time"

type MessageType string

const (
	MessageTypeDefault           MessageType = "default"
	MessageTypeReply             MessageType = "reply"
	MessageTypeMemberAdd         MessageType = "member_add"
	MessageTypeMemberRemove      MessageType = "member_remove"
	MessageTypeMemberLeave       MessageType = "member_leave"
	MessageTypeChannelNameChange MessageType = "channel_name_change"
	MessageTypePin               MessageType = "pin"
	MessageTypeUnpin             MessageType = "unpin"
)

// IsMeta сообщает, является ли тип системным уведомлением
// (изменение состава, переименование канала, пины), а не обычным текстом.
func (t MessageType) IsMeta() bool {
	switch t {
	case MessageTypeDefault, MessageTypeReply:
		return false
	}
	return true
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

type Message struct {
	ID              string            `json:"id"`
	ChannelID       string            `json:"channel_id"`
	Author          User              `json:"author"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	EditedTimestamp *time.Time        `json:"edited_timestamp,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	Type            MessageType       `json:"type"`
	TargetUser      *User             `json:"target_user,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// MessagePreview — денормализованное превью последнего сообщения канала.
type MessagePreview struct {
	ID              string            `json:"id"`
	Author          User              `json:"author"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	EditedTimestamp *time.Time        `json:"edited_timestamp,omitempty"`
	AttachmentCount int               `json:"attachment_count"`
	Type            MessageType       `json:"type"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PreviewOf строит превью из полного сообщения (для локального обновления
// канала, чтобы не ждать эха от сервера).
func PreviewOf(m Message) *MessagePreview {
	return &MessagePreview{
		ID:              m.ID,
		Author:          m.Author,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		EditedTimestamp: m.EditedTimestamp,
		AttachmentCount: len(m.Attachments),
		Type:            m.Type,
		Metadata:        m.Metadata,
	}
}
