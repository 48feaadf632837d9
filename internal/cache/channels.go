// Package cache — локальная таблица каналов. Мутируется и ответами REST,
// и живыми событиями; порядок доставки транспортом не гарантируется,
// поэтому каждая операция сама проверяет порядок id перед применением.
package cache

import (
	"sort"
	"sync"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

type ChannelCache struct {
	mu       sync.RWMutex
	channels map[string]*model.Channel
}

func NewChannelCache() *ChannelCache {
	return &ChannelCache{channels: make(map[string]*model.Channel)}
}

// UpsertFromFetch целиком заменяет известный набор каналов
// (после "list my channels").
func (c *ChannelCache) UpsertFromFetch(channels []model.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]*model.Channel, len(channels))
	for i := range channels {
		ch := channels[i]
		c.channels[ch.ID] = &ch
	}
}

// OnNewChannel добавляет канал, если его ещё нет. Дубликат — no-op:
// событие создания может прийти наперегонки с REST-ответом.
func (c *ChannelCache) OnNewChannel(ch model.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[ch.ID]; ok {
		logger.Debugf("cache: канал %s уже есть, пропускаем create", ch.ID)
		return
	}
	c.channels[ch.ID] = &ch
}

// OnChannelUpdated заменяет все поля канала, кроме двух локальных
// watermark'ов: серверный channel-update не несёт per-user read state.
func (c *ChannelCache) OnChannelUpdated(ch model.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.channels[ch.ID]
	if !ok {
		return
	}
	ch.LastReadMessageID = cur.LastReadMessageID
	ch.MaxReadMessageID = cur.MaxReadMessageID
	c.channels[ch.ID] = &ch
}

// OnNewLastMessage обновляет превью канала, только если force, либо превью
// нет, либо id совпадает (правка), либо входящее новее. Иначе событие,
// догнавшее более свежий REST-ответ, откатило бы превью назад.
func (c *ChannelCache) OnNewLastMessage(m model.Message, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[m.ChannelID]
	if !ok {
		return
	}
	cur := ch.LastMessage
	if !force && cur != nil && cur.ID != m.ID && !snowflake.IsNewer(&m.ID, &cur.ID) {
		logger.Debugf("cache: превью %s новее %s, пропускаем", cur.ID, m.ID)
		return
	}
	ch.LastMessage = model.PreviewOf(m)
}

// OnMessageDeleted заменяет превью на присланное сервером, если удалили
// именно последнее сообщение. replacement == nil — сообщений не осталось.
func (c *ChannelCache) OnMessageDeleted(channelID, messageID string, replacement *model.MessagePreview) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	if ch.LastMessage == nil || ch.LastMessage.ID != messageID {
		return
	}
	ch.LastMessage = replacement
}

// OnMemberAdded дописывает участника. Если добавили самого пользователя,
// кеш не трогаем: у него этого канала не было, нужен полный refetch
// списка (его делает вызывающий код).
func (c *ChannelCache) OnMemberAdded(channelID string, u model.User, isSelf bool) {
	if isSelf {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	if ch.HasMember(u.ID) {
		return
	}
	ch.Members = append(ch.Members, u)
}

// OnMemberRemoved убирает участника; если убрали самого пользователя —
// канал целиком исчезает из локального набора.
func (c *ChannelCache) OnMemberRemoved(channelID, userID string, isSelf bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isSelf {
		delete(c.channels, channelID)
		return
	}
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	for i, m := range ch.Members {
		if m.ID == userID {
			ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
			return
		}
	}
}

// OnMessageAck двигает watermark вперёд: свой — если ack от текущего
// пользователя, общий максимум — для остальных. Назад не двигается.
func (c *ChannelCache) OnMessageAck(channelID, memberID, messageID, currentUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	if memberID == currentUserID {
		ch.LastReadMessageID = snowflake.Max(ch.LastReadMessageID, &messageID)
	} else {
		ch.MaxReadMessageID = snowflake.Max(ch.MaxReadMessageID, &messageID)
	}
}

// Get возвращает копию канала.
func (c *ChannelCache) Get(id string) (model.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	if !ok {
		return model.Channel{}, false
	}
	return copyChannel(ch), true
}

// List возвращает каналы, отсортированные по свежести последнего
// сообщения (каналы без сообщений — в конце, по id).
func (c *ChannelCache) List() []model.Channel {
	c.mu.RLock()
	out := make([]model.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, copyChannel(ch))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil:
			if a.ID != b.ID {
				return snowflake.IsNewer(&a.ID, &b.ID)
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyChannel(ch *model.Channel) model.Channel {
	cp := *ch
	cp.Members = append([]model.User(nil), ch.Members...)
	if ch.LastMessage != nil {
		lm := *ch.LastMessage
		cp.LastMessage = &lm
	}
	return cp
}
