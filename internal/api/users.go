package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

// Me возвращает профиль текущего пользователя.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type UpdateMeRequest struct {
	GlobalName *string `json:"global_name,omitempty"`
}

// UpdateMe меняет поля профиля.
func (c *Client) UpdateMe(ctx context.Context, req UpdateMeRequest) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodPatch, "/users/@me", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UploadAvatar загружает аватар multipart-запросом (поле "file").
func (c *Client) UploadAvatar(ctx context.Context, filename string, r io.Reader) (*model.User, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("avatar multipart: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("avatar read: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var u model.User
	err = c.doBody(ctx, http.MethodPut, "/users/@me/avatar", mw.FormDataContentType(), buf.Bytes(), &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
