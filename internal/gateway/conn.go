package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
)

const (
	// Время на запись одного кадра.
	writeWait = 10 * time.Second

	// Сколько ждём pong от сервера.
	pongWait = 60 * time.Second

	// Пинги шлём чаще, чем истекает pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20

	eventBuf = 256
)

// Conn — живое соединение с гейтвеем. Читающая горутина декодирует кадры
// в типизированные события и отдаёт их в Events() в порядке прихода;
// пишущая поддерживает соединение пингами.
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Dial открывает соединение с гейтвеем, подписав рукопожатие access-токеном.
func Dial(ctx context.Context, gatewayURL, accessToken string) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway dial %s: status %d: %w", gatewayURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway dial %s: %w", gatewayURL, err)
	}

	c := &Conn{
		ws:     ws,
		events: make(chan Event, eventBuf),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Events — поток входящих событий. Канал закрывается, когда соединение
// умирает; переподключение — забота вызывающего кода.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done закрывается вместе с соединением.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close разрывает соединение. Повторные вызовы безопасны.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Errorf("gateway: чтение: %v", err)
			}
			return
		}
		ev, err := Decode(raw)
		if err != nil {
			// Неизвестный вид события не рвёт соединение: клиент может
			// быть старее сервера.
			logger.Errorf("gateway: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
