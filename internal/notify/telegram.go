package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const telegramAPIURL = "https://api.telegram.org"

// TelegramSink sends operator alerts through a Telegram bot. Only events an
// operator should act on are sent; the rest are ignored.
type TelegramSink struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

// NewTelegramSink creates a sink posting to chatID with the bot token.
func NewTelegramSink(token, chatID string, log *logrus.Entry) *TelegramSink {
	return &TelegramSink{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPIURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.WithField("sink", "telegram"),
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Notify(ctx context.Context, e Event) error {
	text := formatAlert(e)
	if text == "" {
		return nil
	}
	return s.send(ctx, text)
}

func (s *TelegramSink) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    s.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	s.log.Debug("Alert sent")
	return nil
}

func (s *TelegramSink) Close() error { return nil }

func stamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatAlert renders the operator message for e, or "" when e is not an
// alert.
func formatAlert(e Event) string {
	var b strings.Builder

	switch e.Kind {
	case KindCampaignFinished:
		fmt.Fprintf(&b, "✅ <b>CAMPAIGN %s</b>\n", strings.ToUpper(e.Status))
		fmt.Fprintf(&b, "📣 Campaign: %s\n", e.Campaign)
		if e.Counts != nil {
			fmt.Fprintf(&b, "📤 Sent: %s / %s\n", humanize.Comma(int64(e.Counts.Sent)), humanize.Comma(int64(e.Counts.Total)))
			fmt.Fprintf(&b, "❌ Failed: %s\n", humanize.Comma(int64(e.Counts.Failed)))
		}
		if !e.Started.IsZero() {
			fmt.Fprintf(&b, "⏱️ Duration: %s\n", e.At.Sub(e.Started).Round(time.Second))
		}
		if e.Reason != "" {
			fmt.Fprintf(&b, "📝 Reason: %s\n", e.Reason)
		}

	case KindSessionHealth:
		if e.Status != "paused" {
			return ""
		}
		fmt.Fprintf(&b, "⛔ <b>SESSION PAUSED</b>\n")
		fmt.Fprintf(&b, "📱 Session: %s\n", e.SessionID)
		fmt.Fprintf(&b, "📝 Reason: %s\n", e.Reason)
		if !e.Until.IsZero() {
			fmt.Fprintf(&b, "⏳ Resumes %s\n", humanize.RelTime(e.Until, e.At, "ago", "from now"))
		}

	case KindSessionLifecycle:
		switch e.Status {
		case "close":
			if e.Reason == "connection lost" {
				return ""
			}
			fmt.Fprintf(&b, "⚠️ <b>DISCONNECTED</b>\n")
		case "temporary_ban":
			fmt.Fprintf(&b, "🚨 <b>TEMPORARY BAN</b>\n")
		case "restore_error":
			fmt.Fprintf(&b, "❌ <b>RESTORE FAILED</b>\n")
		default:
			return ""
		}
		fmt.Fprintf(&b, "📱 Session: %s\n", e.SessionID)
		if e.Reason != "" {
			fmt.Fprintf(&b, "📝 Reason: %s\n", e.Reason)
		}
		if !e.Until.IsZero() {
			fmt.Fprintf(&b, "⏳ Until: %s\n", stamp(e.Until))
		}

	default:
		return ""
	}

	fmt.Fprintf(&b, "⏰ Time: %s", stamp(e.At))
	return b.String()
}
