package app

import (
	"context"
	"errors"
	"time"

	"github.com/whatsapp-automation/broadcaster/internal/autopause"
	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/dispatcher"
	"github.com/whatsapp-automation/broadcaster/internal/metrics"
	"github.com/whatsapp-automation/broadcaster/internal/notify"
	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/whatsapp"
)

// publisher is the part of notify.Hub the bridge uses.
type publisher interface {
	Publish(e notify.Event)
}

// bridge turns engine callbacks into metrics and notifications.
type bridge struct {
	hub       publisher
	metrics   *metrics.Metrics
	campaigns *campaign.Manager
	now       func() time.Time
}

func newBridge(hub publisher, m *metrics.Metrics, campaigns *campaign.Manager) *bridge {
	return &bridge{hub: hub, metrics: m, campaigns: campaigns, now: time.Now}
}

func (b *bridge) hooks() dispatcher.Hooks {
	return dispatcher.Hooks{
		OnProgress: b.onProgress,
		OnSend:     b.onSend,
		OnDelay:    b.onDelay,
		OnFinish:   b.onFinish,
	}
}

func counts(c *campaign.Campaign) *notify.Counts {
	return &notify.Counts{
		Total:   c.Stats.Total,
		Sent:    c.Stats.Sent,
		Failed:  c.Stats.Failed,
		Pending: c.Stats.Pending,
	}
}

func (b *bridge) onProgress(c *campaign.Campaign) {
	b.hub.Publish(notify.Event{
		Kind:     notify.KindCampaignProgress,
		Campaign: c.Name,
		OwnerID:  c.OwnerID,
		Status:   string(c.Status),
		Counts:   counts(c),
		Progress: c.Progress(),
		At:       b.now(),
	})
}

func (b *bridge) onSend(_, sessionID string, err error) {
	b.metrics.ObserveSend(sessionID, err, failureReason(err))
}

func (b *bridge) onDelay(_ string, d time.Duration, long bool) {
	b.metrics.ObserveDelay(d, long)
}

func (b *bridge) onFinish(name string, status campaign.Status, err error) {
	b.metrics.IncCampaignFinished(string(status))
	b.refreshCampaigns()

	e := notify.Event{
		Kind:     notify.KindCampaignStatus,
		Campaign: name,
		Status:   string(status),
		At:       b.now(),
	}
	if status == campaign.StatusCompleted || err != nil {
		e.Kind = notify.KindCampaignFinished
	}
	if err != nil {
		e.Reason = err.Error()
	}
	if c, getErr := b.campaigns.Get(name); getErr == nil {
		e.OwnerID = c.OwnerID
		e.Counts = counts(c)
		e.Progress = c.Progress()
		if c.StartedAt != nil {
			e.Started = *c.StartedAt
		}
	}
	b.hub.Publish(e)
}

// refreshCampaigns recomputes the per-status campaign gauge.
func (b *bridge) refreshCampaigns() {
	byStatus := make(map[string]int)
	for _, c := range b.campaigns.List("") {
		byStatus[string(c.Status)]++
	}
	b.metrics.SetCampaignCounts(byStatus)
}

func (b *bridge) onHealth(e autopause.Event) {
	status := "paused"
	if e.Type == autopause.EventResume {
		status = "resumed"
	}
	b.metrics.IncAutoPause(e.SessionID, string(e.Type))

	n := notify.Event{
		Kind:      notify.KindSessionHealth,
		SessionID: e.SessionID,
		Status:    status,
		Reason:    e.Reason,
		At:        e.At,
	}
	if e.Type == autopause.EventPause && e.Cooldown > 0 {
		n.Until = e.At.Add(e.Cooldown)
	}
	b.hub.Publish(n)
}

func (b *bridge) onLifecycle(e whatsapp.LifecycleEvent) {
	b.metrics.IncSessionEvent(string(e.Type))

	// QR payloads and pairing codes are credentials; they stay on the API.
	if e.Type == whatsapp.EventQR || e.Type == whatsapp.EventPairCode {
		return
	}
	b.hub.Publish(notify.Event{
		Kind:      notify.KindSessionLifecycle,
		SessionID: e.SessionID,
		OwnerID:   e.OwnerID,
		Status:    string(e.Type),
		Reason:    e.Reason,
		Until:     e.Until,
		At:        e.At,
	})
}

// failureReason is the metrics label for a failed send.
func failureReason(err error) string {
	var te *whatsapp.TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrUnavailable):
		return "no_session"
	case errors.Is(err, whatsapp.ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case whatsapp.IsProxyError(err):
		return "proxy"
	case errors.As(err, &te):
		return "transport"
	}
	return "other"
}
