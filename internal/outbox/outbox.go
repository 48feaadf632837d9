// Package outbox связывает локально набранные сообщения с их вложениями
// через nonce: настоящий create-message уходит только когда все
// привязанные загрузки завершились. До подтверждения сообщение живёт
// в отдельной арене pending-записей, а не в подтверждённой ленте.
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/timeline"
	"github.com/theandrunique/messenger-api-client-sub000/internal/upload"
)

const sendTimeout = 10 * time.Second

type Status string

const (
	// StatusAwaitingUploads — ждём завершения привязанных загрузок.
	StatusAwaitingUploads Status = "awaiting_uploads"
	// StatusSending — create-message в полёте.
	StatusSending Status = "sending"
	// StatusFailed — create-message не удался; запись остаётся до явного
	// Retry или Discard, автоматических повторов нет (повтор вслепую
	// может продублировать сообщение, если первый вызов всё же дошёл).
	StatusFailed Status = "failed"
)

// MessageSender — create-message на REST-границе. Реализуется api.Client.
type MessageSender interface {
	CreateMessage(ctx context.Context, channelID string, req api.CreateMessageRequest) (*model.Message, error)
}

// Pending — оптимистичная запись неподтверждённого сообщения.
type Pending struct {
	Nonce         string
	ChannelID     string
	Content       string
	AttachmentIDs []string
	Status        Status
	Error         string
	CreatedAt     time.Time
}

type Outbox struct {
	mu       sync.Mutex
	sender   MessageSender
	uploads  *upload.Pipeline
	channels *cache.ChannelCache
	messages *timeline.Timeline
	pending  map[string]*Pending
	done     chan struct{}
	once     sync.Once
}

func New(sender MessageSender, uploads *upload.Pipeline, channels *cache.ChannelCache, messages *timeline.Timeline) *Outbox {
	return &Outbox{
		sender:   sender,
		uploads:  uploads,
		channels: channels,
		messages: messages,
		pending:  make(map[string]*Pending),
		done:     make(chan struct{}),
	}
}

// Send ставит сообщение в очередь отправки и возвращает его nonce.
// Оптимистичная запись появляется сразу; сетевая отправка уходит, когда
// все привязанные вложения достигнут конечного состояния.
func (o *Outbox) Send(channelID, content string, attachmentIDs []string) string {
	nonce := uuid.New().String()
	o.uploads.Tag(nonce, attachmentIDs)

	p := &Pending{
		Nonce:         nonce,
		ChannelID:     channelID,
		Content:       content,
		AttachmentIDs: append([]string(nil), attachmentIDs...),
		Status:        StatusAwaitingUploads,
		CreatedAt:     time.Now().UTC(),
	}
	o.mu.Lock()
	o.pending[nonce] = p
	o.mu.Unlock()

	if len(attachmentIDs) == 0 {
		go o.send(nonce)
	} else {
		go o.watch(nonce)
	}
	return nonce
}

// watch ждёт, пока каждый файл с этим nonce дойдёт до success или error.
func (o *Outbox) watch(nonce string) {
	ch, unsub := o.uploads.Subscribe()
	defer unsub()
	for {
		if o.uploadsSettled(nonce) {
			o.send(nonce)
			return
		}
		select {
		case <-ch:
		case <-o.done:
			return
		}
	}
}

func (o *Outbox) uploadsSettled(nonce string) bool {
	for _, a := range o.uploads.ByNonce(nonce) {
		if !a.Terminal() {
			return false
		}
	}
	return true
}

func (o *Outbox) send(nonce string) {
	o.mu.Lock()
	p, ok := o.pending[nonce]
	if !ok || p.Status == StatusSending {
		o.mu.Unlock()
		return
	}
	p.Status = StatusSending
	channelID, content := p.ChannelID, p.Content
	o.mu.Unlock()

	// В сообщение попадают только успешно загруженные файлы; отклонённые
	// валидацией остаются в конвейере как error до действий пользователя.
	var filenames, succeededIDs []string
	for _, a := range o.uploads.ByNonce(nonce) {
		if a.Status == upload.StatusSuccess {
			filenames = append(filenames, a.UploadedFilename)
			succeededIDs = append(succeededIDs, a.ID)
		}
	}

	if content == "" && len(filenames) == 0 {
		o.fail(nonce, "nothing to send: all attachments failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	msg, err := o.sender.CreateMessage(ctx, channelID, api.CreateMessageRequest{
		Content:     content,
		Attachments: filenames,
	})
	if err != nil {
		logger.Errorf("outbox: отправка nonce=%s канал=%s: %v", nonce, channelID, err)
		o.fail(nonce, err.Error())
		return
	}

	// Подтверждено: сервер — источник истины, локальное состояние
	// патчится сразу, не дожидаясь эха события.
	o.messages.OnMessageCreated(*msg)
	o.channels.OnNewLastMessage(*msg, false)
	o.uploads.Forget(succeededIDs)

	o.mu.Lock()
	delete(o.pending, nonce)
	o.mu.Unlock()
}

func (o *Outbox) fail(nonce, msg string) {
	o.mu.Lock()
	if p, ok := o.pending[nonce]; ok {
		p.Status = StatusFailed
		p.Error = msg
	}
	o.mu.Unlock()
}

// Retry повторяет отправку из состояния failed.
func (o *Outbox) Retry(nonce string) {
	o.mu.Lock()
	p, ok := o.pending[nonce]
	if !ok || p.Status != StatusFailed {
		o.mu.Unlock()
		return
	}
	p.Status = StatusAwaitingUploads
	p.Error = ""
	o.mu.Unlock()
	go o.send(nonce)
}

// Discard выбрасывает неподтверждённое сообщение и его вложения
// (включая уже загруженные — их слоты чистятся best-effort).
func (o *Outbox) Discard(nonce string) {
	o.mu.Lock()
	p, ok := o.pending[nonce]
	if ok {
		delete(o.pending, nonce)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	for _, id := range p.AttachmentIDs {
		o.uploads.Remove(id)
	}
}

// Pending возвращает снимки неподтверждённых сообщений канала
// (по времени создания).
func (o *Outbox) Pending(channelID string) []Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Pending
	for _, p := range o.pending {
		if p.ChannelID == channelID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close останавливает наблюдателей за загрузками.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}
