package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

type fakeUploader struct {
	got     []byte
	appInfo whatsmeow.MediaType
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.got, f.appInfo = plaintext, appInfo
	if f.err != nil {
		return whatsmeow.UploadResponse{}, f.err
	}
	return whatsmeow.UploadResponse{
		URL:        "https://mmg.example/abc",
		DirectPath: "/v/abc",
		MediaKey:   []byte("key"),
		FileLength: uint64(len(plaintext)),
	}, nil
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestBuildTextMessage(t *testing.T) {
	up := &fakeUploader{}
	msg, err := buildMessage(context.Background(), up, NewMediaLoader(), message.Text("hello Dana"))
	require.NoError(t, err)
	assert.Equal(t, "hello Dana", msg.GetConversation())
	assert.Nil(t, up.got)
}

func TestBuildImageMessageUploadsFile(t *testing.T) {
	path := writeTemp(t, "promo.png", []byte("\x89PNG\r\n\x1a\nrest"))
	up := &fakeUploader{}

	msg, err := buildMessage(context.Background(), up, NewMediaLoader(), message.Media(message.KindImage, path, "see this"))
	require.NoError(t, err)

	assert.Equal(t, whatsmeow.MediaImage, up.appInfo)
	img := msg.GetImageMessage()
	require.NotNil(t, img)
	assert.Equal(t, "see this", img.GetCaption())
	assert.Equal(t, "image/png", img.GetMimetype())
	assert.Equal(t, "https://mmg.example/abc", img.GetURL())
	assert.Equal(t, "/v/abc", img.GetDirectPath())
	assert.Equal(t, uint64(12), img.GetFileLength())
}

func TestBuildDocumentMessageUsesFileName(t *testing.T) {
	path := writeTemp(t, "terms.pdf", []byte("%PDF-1.4"))
	tpl := message.Media(message.KindDocument, path, "")
	tpl.FileName = "Terms.pdf"

	msg, err := buildMessage(context.Background(), &fakeUploader{}, NewMediaLoader(), tpl)
	require.NoError(t, err)

	doc := msg.GetDocumentMessage()
	require.NotNil(t, doc)
	assert.Equal(t, "Terms.pdf", doc.GetFileName())
	assert.Equal(t, "application/pdf", doc.GetMimetype())
	assert.Nil(t, doc.Caption)
}

func TestBuildMessageFetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	up := &fakeUploader{}
	msg, err := buildMessage(context.Background(), up, NewMediaLoader(), message.Media(message.KindVideo, srv.URL+"/clip", "watch"))
	require.NoError(t, err)

	assert.Equal(t, whatsmeow.MediaVideo, up.appInfo)
	assert.Equal(t, []byte("video-bytes"), up.got)
	assert.Equal(t, "video/mp4", msg.GetVideoMessage().GetMimetype())
}

func TestBuildMessageErrors(t *testing.T) {
	ctx := context.Background()

	_, err := buildMessage(ctx, &fakeUploader{}, NewMediaLoader(), message.Media(message.KindAudio, "/nonexistent/voice.ogg", ""))
	assert.Error(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = buildMessage(ctx, &fakeUploader{}, NewMediaLoader(), message.Media(message.KindImage, srv.URL, ""))
	assert.ErrorContains(t, err, "status 404")

	path := writeTemp(t, "a.ogg", []byte("OggS"))
	_, err = buildMessage(ctx, &fakeUploader{err: errors.New("media conn refused")}, NewMediaLoader(), message.Media(message.KindAudio, path, ""))
	assert.ErrorContains(t, err, "failed to upload media")
}

func TestMediaLoaderEnforcesSizeLimit(t *testing.T) {
	path := writeTemp(t, "big.bin", make([]byte, 32))
	l := &MediaLoader{HTTP: http.DefaultClient, MaxBytes: 16}

	_, _, err := l.Load(context.Background(), path)
	assert.ErrorContains(t, err, "exceeds 16 bytes")
}
