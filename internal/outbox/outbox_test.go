package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
	"github.com/theandrunique/messenger-api-client-sub000/internal/cache"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/timeline"
	"github.com/theandrunique/messenger-api-client-sub000/internal/upload"
)

var bob = model.User{ID: "u-bob", Username: "bob"}

type fakeUploader struct {
	mu       sync.Mutex
	rejected map[int][]string
	block    chan struct{}
}

func (u *fakeUploader) CreateAttachments(_ context.Context, _ string, files []api.AttachmentRequest) (*api.CreateAttachmentsResponse, error) {
	resp := &api.CreateAttachmentsResponse{Errors: map[string][]string{}}
	for i, f := range files {
		if msgs, bad := u.rejected[i]; bad {
			resp.Files = append(resp.Files, nil)
			resp.Errors[fmt.Sprintf("files[%d]", i)] = msgs
			continue
		}
		resp.Files = append(resp.Files, &api.AttachmentSlot{
			UploadURL: fmt.Sprintf("https://uploads.test/slot-%d", i),
			Filename:  "srv-" + f.Filename,
		})
	}
	return resp, nil
}

func (u *fakeUploader) UploadFile(ctx context.Context, _, _ string, r io.Reader, _ int64, _ func(int)) error {
	if u.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.block:
		}
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (u *fakeUploader) DeleteUpload(context.Context, string) error { return nil }

type fakeSender struct {
	mu     sync.Mutex
	calls  []api.CreateMessageRequest
	fail   bool
	nextID int64
}

func (s *fakeSender) CreateMessage(_ context.Context, channelID string, req api.CreateMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("boom")
	}
	s.calls = append(s.calls, req)
	s.nextID++
	return &model.Message{
		ID:        fmt.Sprintf("900719925474100%d", s.nextID),
		ChannelID: channelID,
		Author:    bob,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
		Type:      model.MessageTypeDefault,
	}, nil
}

func (s *fakeSender) snapshot() []api.CreateMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.CreateMessageRequest(nil), s.calls...)
}

type emptyHistory struct{}

func (emptyHistory) Messages(context.Context, string, *string, int) ([]model.Message, error) {
	return nil, nil
}

func setup(t *testing.T, u *fakeUploader, s *fakeSender) (*Outbox, *upload.Pipeline, *cache.ChannelCache, *timeline.Timeline) {
	t.Helper()
	p := upload.NewPipeline(u)
	c := cache.NewChannelCache()
	c.UpsertFromFetch([]model.Channel{{ID: "ch-1", Members: []model.User{bob}}})
	tl := timeline.New(emptyHistory{}, 50)
	_, err := tl.LoadOlder(context.Background(), "ch-1")
	require.NoError(t, err)
	o := New(s, p, c, tl)
	t.Cleanup(o.Close)
	return o, p, c, tl
}

func addFile(p *upload.Pipeline, name string) string {
	return p.Add(name, "image/png", 4, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data")), nil
	})
}

// Сценарий: "hello" с одним вложением — ровно один create-message с
// серверным именем файла, pending-запись исчезает после подтверждения.
func TestOutbox_SendWaitsForUpload(t *testing.T) {
	u := &fakeUploader{block: make(chan struct{})}
	s := &fakeSender{}
	o, p, c, tl := setup(t, u, s)

	id := addFile(p, "pic.png")
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", []string{id}))
	nonce := o.Send("ch-1", "hello", []string{id})

	require.Len(t, o.Pending("ch-1"), 1, "оптимистичная запись видна сразу")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, s.snapshot(), "create-message не уходит до завершения загрузки")

	close(u.block)

	require.Eventually(t, func() bool {
		return len(o.Pending("ch-1")) == 0
	}, time.Second, 5*time.Millisecond)

	calls := s.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Content)
	assert.Equal(t, []string{"srv-pic.png"}, calls[0].Attachments)

	msgs := tl.Messages("ch-1")
	require.Len(t, msgs, 1, "подтверждённое сообщение попало в ленту")
	ch, _ := c.Get("ch-1")
	require.NotNil(t, ch.LastMessage)
	assert.Equal(t, msgs[0].ID, ch.LastMessage.ID)

	_, ok := p.Get(id)
	assert.False(t, ok, "вложение уничтожено после подтверждения")
	_ = nonce
}

func TestOutbox_TextOnlySendsImmediately(t *testing.T) {
	s := &fakeSender{}
	o, _, _, _ := setup(t, &fakeUploader{}, s)

	o.Send("ch-1", "just text", nil)
	require.Eventually(t, func() bool {
		return len(s.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.snapshot()[0].Attachments)
}

func TestOutbox_SendSkipsRejectedAttachments(t *testing.T) {
	u := &fakeUploader{rejected: map[int][]string{1: {"rejected"}}}
	s := &fakeSender{}
	o, p, _, _ := setup(t, u, s)

	ids := []string{addFile(p, "a.png"), addFile(p, "b.png"), addFile(p, "c.png")}
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", ids))
	o.Send("ch-1", "", ids)

	require.Eventually(t, func() bool {
		return len(s.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"srv-a.png", "srv-c.png"}, s.snapshot()[0].Attachments,
		"отправка ждёт только прошедшие валидацию файлы")
}

func TestOutbox_FailedSendStaysForRetry(t *testing.T) {
	s := &fakeSender{fail: true}
	o, _, _, _ := setup(t, &fakeUploader{}, s)

	nonce := o.Send("ch-1", "hello", nil)

	require.Eventually(t, func() bool {
		ps := o.Pending("ch-1")
		return len(ps) == 1 && ps[0].Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()

	o.Retry(nonce)
	require.Eventually(t, func() bool {
		return len(o.Pending("ch-1")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, s.snapshot(), 1)
}

func TestOutbox_Discard(t *testing.T) {
	s := &fakeSender{fail: true}
	u := &fakeUploader{}
	o, p, _, _ := setup(t, u, s)

	id := addFile(p, "a.png")
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", []string{id}))
	nonce := o.Send("ch-1", "hello", []string{id})

	require.Eventually(t, func() bool {
		ps := o.Pending("ch-1")
		return len(ps) == 1 && ps[0].Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	o.Discard(nonce)
	assert.Empty(t, o.Pending("ch-1"))
	_, ok := p.Get(id)
	assert.False(t, ok, "вложения выброшены вместе с записью")
}
