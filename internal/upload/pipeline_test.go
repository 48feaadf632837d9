package upload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theandrunique/messenger-api-client-sub000/internal/api"
)

type fakeUploader struct {
	mu       sync.Mutex
	rejected map[int][]string // индекс в батче → ошибки валидации
	uploaded []string
	deleted  []string
	block    chan struct{} // не-nil: загрузки висят до закрытия канала
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

func (u *fakeUploader) UploadFile(ctx context.Context, uploadURL, _ string, r io.Reader, _ int64, progress func(int)) error {
	if u.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.block:
		}
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	u.mu.Lock()
	u.uploaded = append(u.uploaded, uploadURL)
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) DeleteUpload(_ context.Context, uploadURL string) error {
	u.mu.Lock()
	u.deleted = append(u.deleted, uploadURL)
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) deletedURLs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.deleted...)
}

func addFile(p *Pipeline, name string) string {
	return p.Add(name, "image/png", 4, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data")), nil
	})
}

func TestPipeline_BatchPartialFailure(t *testing.T) {
	u := &fakeUploader{rejected: map[int][]string{1: {"file too large", "bad type"}}}
	p := NewPipeline(u)

	ids := []string{addFile(p, "a.png"), addFile(p, "b.png"), addFile(p, "c.png")}
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", ids))

	require.Eventually(t, func() bool {
		for _, id := range ids {
			a, ok := p.Get(id)
			if !ok || !a.Terminal() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	a0, _ := p.Get(ids[0])
	assert.Equal(t, StatusSuccess, a0.Status)
	assert.Equal(t, "srv-a.png", a0.UploadedFilename)
	assert.Equal(t, 100, a0.Progress)

	a1, _ := p.Get(ids[1])
	assert.Equal(t, StatusError, a1.Status)
	assert.Equal(t, []string{"file too large", "bad type"}, a1.Errors)
	assert.Empty(t, a1.UploadedFilename, "отклонённый файл не загружается")

	a2, _ := p.Get(ids[2])
	assert.Equal(t, StatusSuccess, a2.Status)
	assert.Equal(t, "srv-c.png", a2.UploadedFilename)
}

func TestPipeline_CancelDeletesOrphanSlot(t *testing.T) {
	u := &fakeUploader{block: make(chan struct{})}
	p := NewPipeline(u)

	id := addFile(p, "a.png")
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", []string{id}))

	require.Eventually(t, func() bool {
		a, _ := p.Get(id)
		return a.Status == StatusUploading
	}, time.Second, 5*time.Millisecond)

	p.Cancel(id)

	require.Eventually(t, func() bool {
		a, _ := p.Get(id)
		return a.Status == StatusError
	}, time.Second, 5*time.Millisecond)
	a, _ := p.Get(id)
	assert.Equal(t, []string{"cancelled"}, a.Errors)

	require.Eventually(t, func() bool {
		return len(u.deletedURLs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_RemoveSuccessCleansUpServer(t *testing.T) {
	u := &fakeUploader{}
	p := NewPipeline(u)

	id := addFile(p, "a.png")
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", []string{id}))
	require.Eventually(t, func() bool {
		a, _ := p.Get(id)
		return a.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)

	p.Remove(id)
	_, ok := p.Get(id)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return len(u.deletedURLs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_ForgetKeepsServerSide(t *testing.T) {
	u := &fakeUploader{}
	p := NewPipeline(u)

	id := addFile(p, "a.png")
	require.NoError(t, p.StartBatch(context.Background(), "ch-1", []string{id}))
	require.Eventually(t, func() bool {
		a, _ := p.Get(id)
		return a.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)

	// Подтверждённое сообщение теперь владеет вложением: слот не трогаем.
	p.Forget([]string{id})
	_, ok := p.Get(id)
	assert.False(t, ok)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, u.deletedURLs())
}

func TestPipeline_TagAndByNonce(t *testing.T) {
	p := NewPipeline(&fakeUploader{})
	a := addFile(p, "a.png")
	b := addFile(p, "b.png")
	addFile(p, "c.png")

	p.Tag("nonce-1", []string{a, b})
	got := p.ByNonce("nonce-1")
	require.Len(t, got, 2)
	assert.Equal(t, "a.png", got[0].Filename)
	assert.Equal(t, "b.png", got[1].Filename)
}

func TestPipeline_SubscribeNotifies(t *testing.T) {
	p := NewPipeline(&fakeUploader{})
	ch, unsub := p.Subscribe()
	defer unsub()

	addFile(p, "a.png")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("нет уведомления об изменении конвейера")
	}
}
