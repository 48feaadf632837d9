package api

import (
	"context"
	"net/http"
	"time"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
}

func (r tokenResponse) pair() model.TokenPair {
	return model.TokenPair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
		IssuedAt:     time.Now().UTC(),
	}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register регистрирует пользователя. Сессию не открывает.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	var u model.User
	if err := c.doNoAuth(ctx, http.MethodPost, "/auth/register", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login получает пару токенов и целиком заменяет локальную сессию.
func (c *Client) Login(ctx context.Context, login, password string) error {
	var resp tokenResponse
	err := c.doNoAuth(ctx, http.MethodPost, "/auth/token", loginRequest{Login: login, Password: password}, &resp)
	if err != nil {
		return err
	}
	return c.session.Replace(resp.pair(), resp.UserID)
}

// Logout закрывает сессию. Серверный отзыв токена — best-effort:
// локальное состояние чистится в любом случае.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		logger.Errorf("api: logout на сервере: %v", err)
	}
	return c.session.Clear()
}
