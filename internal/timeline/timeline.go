// Package timeline — упорядоченная, постранично подгружаемая лента
// сообщений каждого канала: назад — страницами истории, вперёд — живыми
// событиями. Страницы склеиваются и дедуплицируются по id.
package timeline

import (
	"context"
	"sort"
	"sync"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/snowflake"
)

// HistoryFetcher отдаёт страницу истории: до limit сообщений старше before,
// от новых к старым. Реализуется api.Client.
type HistoryFetcher interface {
	Messages(ctx context.Context, channelID string, before *string, limit int) ([]model.Message, error)
}

type Timeline struct {
	mu       sync.Mutex
	fetcher  HistoryFetcher
	pageSize int
	views    map[string]*view
	// gens переживают Reset: страница, запрошенная до сброса, по
	// возвращении сверяет поколение и молча выбрасывается.
	gens map[string]int
}

type view struct {
	messages []model.Message // по возрастанию id
	seen     map[string]struct{}
	hasMore  bool
	gen      int
}

func New(fetcher HistoryFetcher, pageSize int) *Timeline {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Timeline{
		fetcher:  fetcher,
		pageSize: pageSize,
		views:    make(map[string]*view),
		gens:     make(map[string]int),
	}
}

func (t *Timeline) viewFor(channelID string) *view {
	v, ok := t.views[channelID]
	if !ok {
		v = &view{seen: make(map[string]struct{}), hasMore: true, gen: t.gens[channelID]}
		t.views[channelID] = v
	}
	return v
}

// LoadOlder подгружает следующую страницу истории (первый вызов — самую
// свежую). Страница короче pageSize означает конец истории: дальнейшие
// вызовы не ходят в сеть. Возвращает число добавленных сообщений.
func (t *Timeline) LoadOlder(ctx context.Context, channelID string) (int, error) {
	t.mu.Lock()
	v := t.viewFor(channelID)
	if !v.hasMore {
		t.mu.Unlock()
		return 0, nil
	}
	var before *string
	if len(v.messages) > 0 {
		id := v.messages[0].ID
		before = &id
	}
	gen := v.gen
	t.mu.Unlock()

	// Запрос вне мьютекса: живые события применяются параллельно.
	page, err := t.fetcher.Messages(ctx, channelID, before, t.pageSize)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.views[channelID]
	if !ok || cur.gen != gen {
		logger.Debugf("timeline: страница канала %s пришла после сброса, пропускаем", channelID)
		return 0, nil
	}
	if len(page) < t.pageSize {
		cur.hasMore = false
	}
	// Страница приходит от новых к старым; вставляем в начало в прямом порядке.
	older := make([]model.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if _, dup := cur.seen[m.ID]; dup {
			continue
		}
		cur.seen[m.ID] = struct{}{}
		older = append(older, m)
	}
	cur.messages = append(older, cur.messages...)
	return len(older), nil
}

// OnMessageCreated дописывает живое сообщение, если канал открыт и такого
// id ещё нет (оптимистичная вставка и эхо события приходят дважды).
func (t *Timeline) OnMessageCreated(m model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[m.ChannelID]
	if !ok {
		return
	}
	if _, dup := v.seen[m.ID]; dup {
		return
	}
	v.seen[m.ID] = struct{}{}
	v.messages = append(v.messages, m)
	// Транспорт не гарантирует порядок; чиним редкую инверсию на месте.
	if n := len(v.messages); n > 1 && snowflake.Compare(v.messages[n-2].ID, v.messages[n-1].ID) > 0 {
		sort.Slice(v.messages, func(i, j int) bool {
			return snowflake.Compare(v.messages[i].ID, v.messages[j].ID) < 0
		})
	}
}

// OnMessageUpdated правит сообщение на месте: меняются только content,
// attachments и edited_timestamp, id и автор неизменяемы. Неизвестный id —
// сообщение со страницы, которую ещё не загрузили; no-op.
func (t *Timeline) OnMessageUpdated(m model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[m.ChannelID]
	if !ok {
		return
	}
	for i := range v.messages {
		if v.messages[i].ID == m.ID {
			v.messages[i].Content = m.Content
			v.messages[i].Attachments = m.Attachments
			v.messages[i].EditedTimestamp = m.EditedTimestamp
			return
		}
	}
}

// OnMessageDeleted убирает сообщение по id.
func (t *Timeline) OnMessageDeleted(channelID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[channelID]
	if !ok {
		return
	}
	delete(v.seen, messageID)
	for i := range v.messages {
		if v.messages[i].ID == messageID {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			return
		}
	}
}

// Messages возвращает копию текущей ленты канала (по возрастанию id).
func (t *Timeline) Messages(channelID string) []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[channelID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), v.messages...)
}

// HasMore сообщает, осталась ли незагруженная история.
func (t *Timeline) HasMore(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[channelID]
	if !ok {
		return true
	}
	return v.hasMore
}

// Reset сбрасывает ленту канала (переключение каналов). Поколение растёт,
// чтобы уже летящая страница не применилась к свежему состоянию.
func (t *Timeline) Reset(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gens[channelID]++
	delete(t.views, channelID)
}
