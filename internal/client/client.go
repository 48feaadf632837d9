// Package client — фасад мессенджер-клиента: собирает REST-клиент,
// локальные таблицы, трекер прочтений, конвейер загрузок, outbox и
// websocket-гейтвей в один объект с жизненным циклом.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/config"
	"github.com/theandrunique/messenger-api-client-sub000/internal/gateway"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/outbox"
	"github.com/theandrunique/messenger-api-client-sub000/internal/readstate"
	"github.com/theandrunique/messenger-api-client-sub000/internal/session"
	"github.com/theandrunique/messenger-api-client-sub000/internal/timeline"
	"github.com/theandrunique/messenger-api-client-sub000/internal/upload"
)

type Client struct {
	cfg     *config.Config
	session *session.Manager

	API      *api.Client
	Channels *cache.ChannelCache
	Messages *timeline.Timeline
	Uploads  *upload.Pipeline
	Outbox   *outbox.Outbox

	mu      sync.Mutex
	tracker *readstate.Tracker
	conn    *gateway.Conn
	routing sync.WaitGroup
	cancel  context.CancelFunc
}

// New собирает клиента. Сессия хранится по cfg.TokenPath; store можно
// подменить (nil — файловое хранилище по умолчанию).
func New(cfg *config.Config, store session.Store) (*Client, error) {
	if store == nil {
		store = session.NewFileStore(cfg.TokenPath)
	}
	sess, err := session.NewManager(store)
	if err != nil {
		return nil, fmt.Errorf("client: загрузка сессии: %w", err)
	}

	apiClient := api.New(cfg.APIBaseURL, cfg.HTTPTimeout, sess)
	channels := cache.NewChannelCache()
	messages := timeline.New(apiClient, cfg.MessagePageSize)
	uploads := upload.NewPipeline(apiClient)

	c := &Client{
		cfg:      cfg,
		session:  sess,
		API:      apiClient,
		Channels: channels,
		Messages: messages,
		Uploads:  uploads,
		Outbox:   outbox.New(apiClient, uploads, channels, messages),
	}
	return c, nil
}

// Authenticated — есть ли сохранённая сессия.
func (c *Client) Authenticated() bool {
	return c.session.Authenticated()
}

// UserID — id текущего пользователя (пустая строка без сессии).
func (c *Client) UserID() string {
	return c.session.UserID()
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	return c.API.Register(ctx, api.RegisterRequest{Username: username, Email: email, Password: password})
}

func (c *Client) Login(ctx context.Context, login, password string) error {
	return c.API.Login(ctx, login, password)
}

// Logout закрывает сессию и рвёт гейтвей.
func (c *Client) Logout(ctx context.Context) error {
	c.disconnect()
	return c.API.Logout(ctx)
}

// SyncChannels перечитывает список каналов целиком и заменяет локальный набор.
func (c *Client) SyncChannels(ctx context.Context) error {
	channels, err := c.API.Channels(ctx)
	if err != nil {
		return err
	}
	c.Channels.UpsertFromFetch(channels)
	return nil
}

// OpenChannel загружает свежую страницу истории, если канал ещё пуст.
func (c *Client) OpenChannel(ctx context.Context, channelID string) error {
	if len(c.Messages.Messages(channelID)) > 0 {
		return nil
	}
	_, err := c.Messages.LoadOlder(ctx, channelID)
	return err
}

// Send ставит сообщение в outbox и возвращает его nonce.
func (c *Client) Send(channelID, content string, attachmentIDs []string) string {
	return c.Outbox.Send(channelID, content, attachmentIDs)
}

// AttachFile регистрирует локальный файл в конвейере загрузок.
func (c *Client) AttachFile(filename, contentType string, size int64, open func() (io.ReadCloser, error)) string {
	return c.Uploads.Add(filename, contentType, size, open)
}

// StartUploads резервирует слоты и запускает загрузку файлов.
func (c *Client) StartUploads(ctx context.Context, channelID string, ids []string) error {
	return c.Uploads.StartBatch(ctx, channelID, ids)
}

// MessageVisible сообщает трекеру прочтений, что сообщение на экране.
func (c *Client) MessageVisible(channelID string, m model.Message) {
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr != nil {
		tr.MessageVisible(channelID, m)
	}
}

// MessageHidden сообщает трекеру, что сообщение ушло с экрана.
func (c *Client) MessageHidden(channelID, messageID string) {
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr != nil {
		tr.MessageHidden(channelID, messageID)
	}
}

// Connect открывает гейтвей и запускает роутер событий. Трекер прочтений
// создаётся здесь же: ему нужен id пользователя из сессии.
func (c *Client) Connect(ctx context.Context) error {
	tokens, ok := c.session.Tokens()
	if !ok {
		return api.ErrUnauthorized
	}
	userID := c.session.UserID()

	conn, err := gateway.Dial(ctx, c.cfg.GatewayURL, tokens.AccessToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client: гейтвей уже подключён")
	}
	c.conn = conn
	c.tracker = readstate.NewTracker(c.API, c.Channels, userID, c.cfg.AckDebounce)
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	router := gateway.NewRouter(c.Channels, c.Messages, userID, func(ctx context.Context) error {
		return c.SyncChannels(ctx)
	})
	c.routing.Add(1)
	go func() {
		defer c.routing.Done()
		router.Run(runCtx, conn.Events())
		logger.Infof("client: гейтвей отключён")
	}()
	return nil
}

// Connected — есть ли живое соединение с гейтвеем.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	select {
	case <-c.conn.Done():
		return false
	default:
		return true
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	tracker := c.tracker
	cancel := c.cancel
	c.conn = nil
	c.tracker = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.routing.Wait()
	if tracker != nil {
		tracker.Close()
	}
}

// Close останавливает фоновые горутины; сессию не трогает.
func (c *Client) Close() {
	c.disconnect()
	c.Outbox.Close()
}
