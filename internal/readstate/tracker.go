package readstate

import (
	"context"
	"sync"
	"time"

	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

const ackTimeout = 5 * time.Second

// Acker отправляет подтверждение прочтения. Реализуется api.Client.
type Acker interface {
	AckMessage(ctx context.Context, channelID, messageID string) error
}

// Tracker превращает видимость сообщений на экране в подтверждения
// прочтения: копит видимые id, и после тихого окна шлёт один ack на самый
// новый из них — если тот новее текущего watermark. Быстрое мельтешение
// видимости схлопывается в один вызов на окно.
type Tracker struct {
	mu       sync.Mutex
	acker    Acker
	channels *cache.ChannelCache
	userID   string
	debounce time.Duration
	visible  map[string]map[string]struct{}
	timers   map[string]*time.Timer
	closed   bool
}

func NewTracker(acker Acker, channels *cache.ChannelCache, currentUserID string, debounce time.Duration) *Tracker {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Tracker{
		acker:    acker,
		channels: channels,
		userID:   currentUserID,
		debounce: debounce,
		visible:  make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// MessageVisible отмечает сообщение попавшим в зону видимости.
// Собственные сообщения не подтверждаются.
func (t *Tracker) MessageVisible(channelID string, m model.Message) {
	if m.Author.ID == t.userID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	set, ok := t.visible[channelID]
	if !ok {
		set = make(map[string]struct{})
		t.visible[channelID] = set
	}
	set[m.ID] = struct{}{}
	t.scheduleLocked(channelID)
}

// MessageHidden убирает сообщение из видимых (прокрутили мимо).
func (t *Tracker) MessageHidden(channelID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.visible[channelID]; ok {
		delete(set, messageID)
		if timer, pending := t.timers[channelID]; pending {
			// Любое изменение видимости продлевает тихое окно.
			timer.Reset(t.debounce)
		}
	}
}

// Reset сбрасывает состояние канала (переключение каналов).
func (t *Tracker) Reset(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.visible, channelID)
	if timer, ok := t.timers[channelID]; ok {
		timer.Stop()
		delete(t.timers, channelID)
	}
}

// Close останавливает все отложенные подтверждения.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Tracker) scheduleLocked(channelID string) {
	if newest := t.newestVisibleLocked(channelID); newest == nil || !t.needsAck(channelID, newest) {
		return
	}
	if timer, ok := t.timers[channelID]; ok {
		timer.Reset(t.debounce)
		return
	}
	t.timers[channelID] = time.AfterFunc(t.debounce, func() { t.flush(channelID) })
}

func (t *Tracker) newestVisibleLocked(channelID string) *string {
	var newest *string
	for id := range t.visible[channelID] {
		id := id
		newest = snowflake.Max(newest, &id)
	}
	return newest
}

func (t *Tracker) needsAck(channelID string, id *string) bool {
	ch, ok := t.channels.Get(channelID)
	if !ok {
		return false
	}
	return snowflake.IsNewer(id, ch.LastReadMessageID)
}

func (t *Tracker) flush(channelID string) {
	t.mu.Lock()
	delete(t.timers, channelID)
	closed := t.closed
	newest := t.newestVisibleLocked(channelID)
	t.mu.Unlock()

	if closed || newest == nil || !t.needsAck(channelID, newest) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := t.acker.AckMessage(ctx, channelID, *newest); err != nil {
		logger.Errorf("readstate: ack канала %s до %s: %v", channelID, *newest, err)
		return
	}
	// Двигаем локальный watermark сразу, не дожидаясь эха события.
	t.channels.OnMessageAck(channelID, t.userID, *newest, t.userID)
}
