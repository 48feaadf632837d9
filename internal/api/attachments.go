package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

type AttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// AttachmentSlot — цель загрузки одного файла: pre-signed URL и серверное имя.
type AttachmentSlot struct {
	UploadURL string `json:"upload_url"`
	Filename  string `json:"filename"`
}

// CreateAttachmentsResponse — частично-успешный ответ батча: Files[i] == nil
// для отклонённых файлов, их ошибки лежат в Errors под ключом files[<i>].
type CreateAttachmentsResponse struct {
	Files  []*AttachmentSlot   `json:"files"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// SlotErrors возвращает ошибки валидации файла с индексом i.
func (r *CreateAttachmentsResponse) SlotErrors(i int) []string {
	if r.Errors == nil {
		return nil
	}
	return r.Errors["files["+strconv.Itoa(i)+"]"]
}

// CreateAttachments резервирует слоты загрузки для батча файлов.
func (c *Client) CreateAttachments(ctx context.Context, channelID string, files []AttachmentRequest) (*CreateAttachmentsResponse, error) {
	var resp CreateAttachmentsResponse
	path := "/channels/" + url.PathEscape(channelID) + "/attachments"
	req := struct {
		Files []AttachmentRequest `json:"files"`
	}{Files: files}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadFile грузит содержимое файла по pre-signed URL. Авторизация не
// нужна — право на запись закодировано в самом URL. progress (может быть
// nil) получает целые проценты по мере передачи байт.
func (c *Client) UploadFile(ctx context.Context, uploadURL, contentType string, r io.Reader, size int64, progress func(int)) error {
	body := io.Reader(r)
	if progress != nil {
		body = &progressReader{r: r, total: size, report: progress, last: -1}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upload %s: status %d", uploadURL, resp.StatusCode)
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// DeleteUpload удаляет осиротевший слот загрузки (после отмены или
// удаления вложения до отправки сообщения).
func (c *Client) DeleteUpload(ctx context.Context, uploadURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete upload %s: status %d", uploadURL, resp.StatusCode)
	}
	return nil
}

// progressReader считает переданные байты и репортит целые проценты,
// не повторяя одно и то же значение.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := 100
		if p.total > 0 {
			pct = int(p.read * 100 / p.total)
			if pct > 100 {
				pct = 100
			}
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
