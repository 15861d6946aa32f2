package whatsapp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// DefaultMaxMediaBytes caps a single attachment.
const DefaultMaxMediaBytes = 64 << 20

// MediaLoader resolves a template's media reference, a local path or an
// http(s) URL, to bytes.
type MediaLoader struct {
	HTTP     *http.Client
	MaxBytes int64
}

// NewMediaLoader returns a loader with a bounded HTTP client.
func NewMediaLoader() *MediaLoader {
	return &MediaLoader{
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		MaxBytes: DefaultMaxMediaBytes,
	}
}

// Load returns the media bytes and its MIME type.
func (l *MediaLoader) Load(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return l.fetch(ctx, ref)
	}

	f, err := os.Open(ref)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()

	data, err := l.readAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, detectMime(ref, "", data), nil
}

func (l *MediaLoader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download media: status %d", resp.StatusCode)
	}

	data, err := l.readAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, detectMime(url, resp.Header.Get("Content-Type"), data), nil
}

func (l *MediaLoader) readAll(r io.Reader) ([]byte, error) {
	limit := l.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxMediaBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("media exceeds %d bytes", limit)
	}
	return data, nil
}

func detectMime(ref, header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if ext := filepath.Ext(strings.SplitN(ref, "?", 2)[0]); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			mt, _, _ = mime.ParseMediaType(mt)
			return mt
		}
	}
	return http.DetectContentType(data)
}

// uploader is the upload half of a protocol client.
type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// buildMessage turns a rendered template into a protocol message, uploading
// any attachment first.
func buildMessage(ctx context.Context, up uploader, loader *MediaLoader, t message.Template) (*waE2E.Message, error) {
	if !t.IsMedia() {
		return &waE2E.Message{Conversation: proto.String(t.Text)}, nil
	}

	data, mimeType, err := loader.Load(ctx, t.MediaRef)
	if err != nil {
		return nil, err
	}
	if t.MimeType != "" {
		mimeType = t.MimeType
	}

	var appInfo whatsmeow.MediaType
	switch t.Kind {
	case message.KindImage:
		appInfo = whatsmeow.MediaImage
	case message.KindVideo:
		appInfo = whatsmeow.MediaVideo
	case message.KindAudio:
		appInfo = whatsmeow.MediaAudio
	default:
		appInfo = whatsmeow.MediaDocument
	}

	resp, err := up.Upload(ctx, data, appInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	switch t.Kind {
	case message.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(t.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &resp.FileLength,
		}}, nil
	case message.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(t.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &resp.FileLength,
		}}, nil
	case message.KindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &resp.FileLength,
		}}, nil
	}

	name := t.FileName
	if name == "" {
		name = filepath.Base(strings.SplitN(t.MediaRef, "?", 2)[0])
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       optional(t.Caption),
		Title:         proto.String(name),
		FileName:      proto.String(name),
		Mimetype:      proto.String(mimeType),
		URL:           &resp.URL,
		DirectPath:    &resp.DirectPath,
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    &resp.FileLength,
	}}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
