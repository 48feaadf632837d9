package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theandrunique/messenger-api-client-sub000/internal/gateway"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuf    = 64
)

// hub раздаёт события гейтвея подключённым пользователям. У пользователя
// может быть несколько соединений (несколько вкладок), каждое получает
// свою копию события.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[string]map[*wsClient]struct{})}
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (h *hub) add(userID string, conn *websocket.Conn) *wsClient {
	c := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuf),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*wsClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// broadcast шлёт событие каждому соединению перечисленных пользователей.
func (h *hub) broadcast(userIDs []string, ev gateway.Event) {
	raw, err := gateway.Encode(ev)
	if err != nil {
		logger.Errorf("devserver: кодирование события: %v", err)
		return
	}

	h.mu.RLock()
	var targets []*wsClient
	for _, id := range userIDs {
		for c := range h.clients[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- raw:
		case <-c.done:
		default:
			// Буфер забит — закрываем медленное соединение.
			logger.Errorf("devserver: медленный клиент user=%s, закрываем", c.userID)
			c.close()
		}
	}
}

func (h *hub) shutdown() {
	h.mu.Lock()
	var all []*wsClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump пишет события и пинги; живёт до закрытия соединения.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump выбрасывает входящие кадры (клиент ничего не шлёт) и
// поддерживает pong-дедлайны.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
