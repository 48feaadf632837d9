package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// Messages возвращает страницу истории: до limit сообщений старше before
// (before == nil — самая свежая страница). Порядок в ответе — от новых к старым.
func (c *Client) Messages(ctx context.Context, channelID string, before *string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != nil {
		q.Set("before", *before)
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages?" + q.Encode()

	var out []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type CreateMessageRequest struct {
	Content string `json:"content"`
	// Attachments — серверные имена уже загруженных файлов.
	Attachments []string `json:"attachments,omitempty"`
	ReplyToID   *string  `json:"reply_to_id,omitempty"`
}

func (c *Client) CreateMessage(ctx context.Context, channelID string, req CreateMessageRequest) (*model.Message, error) {
	var m model.Message
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type UpdateMessageRequest struct {
	Content string `json:"content"`
}

func (c *Client) UpdateMessage(ctx context.Context, channelID, messageID string, req UpdateMessageRequest) (*model.Message, error) {
	var m model.Message
	path := "/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPatch, path, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AckMessage подтверждает прочтение: двигает собственный watermark
// пользователя в канале до messageID.
func (c *Client) AckMessage(ctx context.Context, channelID, messageID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID) + "/ack"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
