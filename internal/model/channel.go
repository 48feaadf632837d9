package model

type ChannelKind string

const (
	ChannelKindDM    ChannelKind = "dm"
	ChannelKindGroup ChannelKind = "group"
)

type Channel struct {
	ID       string      `json:"id"`
	Kind     ChannelKind `json:"kind"`
	Name     string      `json:"name"`
	ImageURL string      `json:"image_url,omitempty"`
	Members  []User      `json:"members"`

	LastMessage *MessagePreview `json:"last_message,omitempty"`

	// LastReadMessageID — собственный watermark текущего пользователя,
	// MaxReadMessageID — максимальный watermark среди всех участников.
	// Сервер не присылает их в channel-update; кеш хранит локально.
	LastReadMessageID *string `json:"last_read_message_id,omitempty"`
	MaxReadMessageID  *string `json:"max_read_message_id,omitempty"`
}

// HasMember проверяет наличие участника по id.
func (c *Channel) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}
