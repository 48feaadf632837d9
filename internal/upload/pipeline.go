// Package upload — конвейер загрузки вложений. Каждый файл проходит
// pending → uploading → success|error независимо от отправки сообщения;
// батч резервирует слоты одним вызовом, отклонённые валидацией файлы
// сразу попадают в error и в физическую загрузку не идут.
package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

const cleanupTimeout = 10 * time.Second

// Uploader — REST-операции над вложениями. Реализуется api.Client.
type Uploader interface {
	CreateAttachments(ctx context.Context, channelID string, files []api.AttachmentRequest) (*api.CreateAttachmentsResponse, error)
	UploadFile(ctx context.Context, uploadURL, contentType string, r io.Reader, size int64, progress func(int)) error
	DeleteUpload(ctx context.Context, uploadURL string) error
}

// Attachment — снимок состояния одного файла в конвейере.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Status      Status
	Progress    int
	Errors      []string
	Nonce       string
	// UploadedFilename — серверное имя; им ссылается create-message.
	UploadedFilename string
}

// Terminal — файл дошёл до конечного состояния.
func (a Attachment) Terminal() bool {
	return a.Status == StatusSuccess || a.Status == StatusError
}

type file struct {
	Attachment
	open      func() (io.ReadCloser, error)
	uploadURL string
	cancel    context.CancelFunc
}

type Pipeline struct {
	mu       sync.Mutex
	uploader Uploader
	files    map[string]*file
	order    []string
	subs     map[chan struct{}]struct{}
}

func NewPipeline(uploader Uploader) *Pipeline {
	return &Pipeline{
		uploader: uploader,
		files:    make(map[string]*file),
		subs:     make(map[chan struct{}]struct{}),
	}
}

// Add регистрирует локальный файл в состоянии pending и возвращает его id.
// open вызывается в момент физической загрузки.
func (p *Pipeline) Add(filename, contentType string, size int64, open func() (io.ReadCloser, error)) string {
	id := uuid.New().String()
	p.mu.Lock()
	p.files[id] = &file{
		Attachment: Attachment{
			ID:          id,
			Filename:    filename,
			ContentType: contentType,
			Size:        size,
			Status:      StatusPending,
		},
		open: open,
	}
	p.order = append(p.order, id)
	p.mu.Unlock()
	p.notify()
	return id
}

// StartBatch резервирует слоты для pending-файлов из ids и запускает
// загрузки. Отклонённые сервером файлы (ошибки по индексу) получают
// error с серверными сообщениями и не загружаются; автоматических
// повторов для них нет.
func (p *Pipeline) StartBatch(ctx context.Context, channelID string, ids []string) error {
	defer logger.DeferLogDuration("upload.StartBatch", time.Now())()

	p.mu.Lock()
	batch := make([]*file, 0, len(ids))
	reqs := make([]api.AttachmentRequest, 0, len(ids))
	for _, id := range ids {
		f, ok := p.files[id]
		if !ok || f.Status != StatusPending {
			continue
		}
		batch = append(batch, f)
		reqs = append(reqs, api.AttachmentRequest{
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Size:        f.Size,
		})
	}
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	resp, err := p.uploader.CreateAttachments(ctx, channelID, reqs)
	if err != nil {
		// Весь батч не удался (сеть или целиком отклонён) — каждому
		// файлу его ошибки, если сервер прислал их по индексам.
		var apiErr *api.Error
		perFile := map[int][]string{}
		if errors.As(err, &apiErr) {
			perFile = apiErr.FileErrors()
		}
		p.mu.Lock()
		for i, f := range batch {
			f.Status = StatusError
			if msgs := perFile[i]; len(msgs) > 0 {
				f.Errors = msgs
			} else {
				f.Errors = []string{err.Error()}
			}
		}
		p.mu.Unlock()
		p.notify()
		return err
	}

	p.mu.Lock()
	for i, f := range batch {
		var slot *api.AttachmentSlot
		if i < len(resp.Files) {
			slot = resp.Files[i]
		}
		if slot == nil {
			f.Status = StatusError
			f.Errors = resp.SlotErrors(i)
			continue
		}
		f.Status = StatusUploading
		f.uploadURL = slot.UploadURL
		f.UploadedFilename = slot.Filename
		upCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go p.run(upCtx, f.ID)
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// run выполняет физическую загрузку одного файла.
func (p *Pipeline) run(ctx context.Context, id string) {
	p.mu.Lock()
	f, ok := p.files[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	open := f.open
	uploadURL := f.uploadURL
	contentType := f.ContentType
	size := f.Size
	p.mu.Unlock()

	fail := func(msgs ...string) {
		p.mu.Lock()
		if cur, ok := p.files[id]; ok {
			cur.Status = StatusError
			cur.Errors = msgs
		}
		p.mu.Unlock()
		p.notify()
	}

	r, err := open()
	if err != nil {
		fail("open file: " + err.Error())
		return
	}
	defer r.Close()

	err = p.uploader.UploadFile(ctx, uploadURL, contentType, r, size, func(pct int) {
		p.mu.Lock()
		if cur, ok := p.files[id]; ok {
			cur.Progress = pct
		}
		p.mu.Unlock()
		p.notify()
	})
	if err != nil {
		if ctx.Err() != nil {
			// Отменили — слот осиротел, чистим best-effort.
			p.deleteSlot(uploadURL)
			fail("cancelled")
			return
		}
		fail(err.Error())
		return
	}

	p.mu.Lock()
	if cur, ok := p.files[id]; ok {
		cur.Status = StatusSuccess
		cur.Progress = 100
	}
	p.mu.Unlock()
	p.notify()
}

// Cancel прерывает загрузку файла. Переход в error и очистку слота
// делает сама горутина загрузки.
func (p *Pipeline) Cancel(id string) {
	p.mu.Lock()
	f, ok := p.files[id]
	var cancel context.CancelFunc
	if ok && f.cancel != nil {
		cancel = f.cancel
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Remove убирает файл в любом состоянии: прерывает полёт и best-effort
// удаляет серверный слот, ни на чём не блокируясь.
func (p *Pipeline) Remove(id string) {
	p.mu.Lock()
	f, ok := p.files[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	cancel := f.cancel
	uploadURL := f.uploadURL
	status := f.Status
	p.dropLocked(id)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Слот загрузки в полёте чистит сама горутина после отмены; для уже
	// завершённых файлов — мы. Повторное удаление сервер терпит (404).
	if uploadURL != "" && status != StatusUploading {
		p.deleteSlot(uploadURL)
	}
	p.notify()
}

// Forget выбрасывает локальные записи, не трогая сервер: вложения
// перешли во владение подтверждённого сообщения.
func (p *Pipeline) Forget(ids []string) {
	p.mu.Lock()
	for _, id := range ids {
		p.dropLocked(id)
	}
	p.mu.Unlock()
	p.notify()
}

func (p *Pipeline) dropLocked(id string) {
	delete(p.files, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Tag привязывает файлы к nonce ещё не подтверждённого сообщения.
func (p *Pipeline) Tag(nonce string, ids []string) {
	p.mu.Lock()
	for _, id := range ids {
		if f, ok := p.files[id]; ok {
			f.Nonce = nonce
		}
	}
	p.mu.Unlock()
	p.notify()
}

// ByNonce возвращает снимки всех файлов с данным nonce (в порядке добавления).
func (p *Pipeline) ByNonce(nonce string) []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Attachment
	for _, id := range p.order {
		if f := p.files[id]; f != nil && f.Nonce == nonce {
			out = append(out, f.snapshot())
		}
	}
	return out
}

// Get возвращает снимок файла.
func (p *Pipeline) Get(id string) (Attachment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[id]
	if !ok {
		return Attachment{}, false
	}
	return f.snapshot(), true
}

// List возвращает снимки всех файлов в порядке добавления.
func (p *Pipeline) List() []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Attachment, 0, len(p.order))
	for _, id := range p.order {
		if f := p.files[id]; f != nil {
			out = append(out, f.snapshot())
		}
	}
	return out
}

func (f *file) snapshot() Attachment {
	a := f.Attachment
	a.Errors = append([]string(nil), f.Errors...)
	return a
}

// Subscribe возвращает канал уведомлений об изменениях (схлопываются)
// и функцию отписки.
func (p *Pipeline) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
}

func (p *Pipeline) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) deleteSlot(uploadURL string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := p.uploader.DeleteUpload(ctx, uploadURL); err != nil {
			logger.Errorf("upload: удаление осиротевшего слота: %v", err)
		}
	}()
}
