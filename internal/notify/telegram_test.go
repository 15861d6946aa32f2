package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSinkPostsAlerts(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSink("123:abc", "42", quietEntry())
	s.baseURL = srv.URL

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := s.Notify(context.Background(), Event{
		Kind:     KindCampaignFinished,
		Campaign: "spring-sale",
		Status:   "completed",
		Counts:   &Counts{Total: 12500, Sent: 12000, Failed: 500},
		Started:  start,
		At:       start.Add(90 * time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Contains(t, got["text"], "CAMPAIGN COMPLETED")
	assert.Contains(t, got["text"], "12,000 / 12,500")
	assert.Contains(t, got["text"], "1h30m0s")
}

func TestTelegramSinkSkipsNonAlerts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	s := NewTelegramSink("t", "c", quietEntry())
	s.baseURL = srv.URL
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Event{Kind: KindCampaignProgress}))
	require.NoError(t, s.Notify(ctx, Event{Kind: KindSessionHealth, Status: "resumed"}))
	require.NoError(t, s.Notify(ctx, Event{Kind: KindSessionLifecycle, Status: "open"}))
	require.NoError(t, s.Notify(ctx, Event{Kind: KindSessionLifecycle, Status: "close", Reason: "connection lost"}))
	assert.Zero(t, calls)
}

func TestTelegramSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSink("bad", "c", quietEntry())
	s.baseURL = srv.URL

	err := s.Notify(context.Background(), Event{Kind: KindSessionLifecycle, Status: "restore_error", SessionID: "s1"})
	assert.ErrorContains(t, err, "status 401")
}

func TestFormatHealthAlert(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	text := formatAlert(Event{
		Kind:      KindSessionHealth,
		Status:    "paused",
		SessionID: "s7",
		Reason:    "error rate 45% over last 20 sends",
		Until:     at.Add(5 * time.Minute),
		At:        at,
	})
	assert.Contains(t, text, "SESSION PAUSED")
	assert.Contains(t, text, "s7")
	assert.Contains(t, text, "5 minutes from now")
	assert.Contains(t, text, "2026-03-01 10:00:00")
}
