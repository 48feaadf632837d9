package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// Channels возвращает все каналы текущего пользователя.
func (c *Client) Channels(ctx context.Context) ([]model.Channel, error) {
	var out []model.Channel
	if err := c.do(ctx, http.MethodGet, "/users/@me/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type CreateChannelRequest struct {
	Kind      model.ChannelKind `json:"kind"`
	Name      string            `json:"name,omitempty"`
	MemberIDs []string          `json:"member_ids"`
}

func (c *Client) CreateChannel(ctx context.Context, req CreateChannelRequest) (*model.Channel, error) {
	var ch model.Channel
	if err := c.do(ctx, http.MethodPost, "/channels", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

type UpdateChannelRequest struct {
	Name     *string `json:"name,omitempty"`
	ImageURL *string `json:"image_url,omitempty"`
}

func (c *Client) UpdateChannel(ctx context.Context, channelID string, req UpdateChannelRequest) (*model.Channel, error) {
	var ch model.Channel
	err := c.do(ctx, http.MethodPatch, "/channels/"+url.PathEscape(channelID), req, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) AddMember(ctx context.Context, channelID, userID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *Client) RemoveMember(ctx context.Context, channelID, userID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
