// Package api — HTTP-клиент REST-границы мессенджера. Не определяет
// протокол, только потребляет его: авторизация, каналы, сообщения,
// вложения, подтверждения прочтения.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/session"
)

// refreshSkew — за сколько до истечения access-токена делаем упреждающий refresh.
const refreshSkew = 30 * time.Second

// errNeedRefresh — внутренний сигнал "получили 401, нужен refresh и повтор".
var errNeedRefresh = errors.New("api: access token rejected")

type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *session.Manager

	// refresh гарантирует не больше одного refresh в полёте: конкурентные
	// 401 ждут общий результат и повторяют свой запрос один раз.
	refresh singleflight.Group
}

func New(baseURL string, timeout time.Duration, sess *session.Manager) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		session: sess,
	}
}

// do выполняет JSON-запрос с авторизацией и одним повтором после refresh.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api marshal %s %s: %w", method, path, err)
		}
	}
	return c.doBody(ctx, method, path, "application/json", body, out)
}

// doBody — то же, но с готовым телом (multipart и т.п.).
func (c *Client) doBody(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if c.session.Authenticated() && c.session.AccessExpiredWithin(refreshSkew) {
		if err := c.refreshTokens(ctx); err != nil {
			return err
		}
	}

	err := c.once(ctx, method, path, contentType, body, out, true)
	if !errors.Is(err, errNeedRefresh) {
		return err
	}
	if err := c.refreshTokens(ctx); err != nil {
		return err
	}
	// Один повтор после refresh; второй 401 — конец сессии.
	err = c.once(ctx, method, path, contentType, body, out, true)
	if errors.Is(err, errNeedRefresh) {
		c.dropSession()
		return ErrUnauthorized
	}
	return err
}

// doNoAuth — запрос без токена (регистрация, login, refresh).
func (c *Client) doNoAuth(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("api marshal %s %s: %w", method, path, err)
	}
	return c.once(ctx, method, path, "application/json", body, out, false)
}

func (c *Client) once(ctx context.Context, method, path, contentType string, body []byte, out any, withAuth bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if withAuth {
		tokens, ok := c.session.Tokens()
		if !ok {
			return ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Сетевая ошибка (ответа нет вообще) — отдаём как есть, UI
		// показывает её как retryable "network error".
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusUnauthorized && withAuth {
			return errNeedRefresh
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) *Error {
	apiErr := &Error{HTTPStatus: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// refreshTokens обновляет пару токенов. Конкурентные вызовы схлопываются
// в один сетевой запрос; неудача чистит сессию ровно один раз, без
// повторных попыток refresh.
func (c *Client) refreshTokens(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		tokens, ok := c.session.Tokens()
		if !ok || tokens.RefreshToken == "" {
			return nil, ErrUnauthorized
		}
		var resp tokenResponse
		err := c.doNoAuth(ctx, http.MethodPost, "/auth/refresh",
			map[string]string{"refresh_token": tokens.RefreshToken}, &resp)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				// Refresh отклонён — сессия невосстановима.
				c.dropSession()
				return nil, ErrUnauthorized
			}
			return nil, err
		}
		return nil, c.session.ReplaceTokens(resp.pair())
	})
	return err
}

func (c *Client) dropSession() {
	if err := c.session.Clear(); err != nil {
		logger.Errorf("api: очистка сессии: %v", err)
	}
}
