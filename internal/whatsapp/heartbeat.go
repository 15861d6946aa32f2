package whatsapp

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"
)

const (
	defaultHeartbeatInterval = 5 * time.Minute
	heartbeatTimeout         = 10 * time.Second
)

// presenceTarget is an account the heartbeat keeps visibly online.
type presenceTarget interface {
	ID() string
	Ready() bool
	ping(ctx context.Context) error
}

// heartbeat periodically sends an available presence from every ready
// account, so idle accounts between campaigns do not look abandoned.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Entry
	// onFail is called for every failed ping.
	onFail func(id string, err error)
}

func newHeartbeat(interval time.Duration, log *logrus.Entry, onFail func(string, error)) *heartbeat {
	if interval == 0 {
		interval = defaultHeartbeatInterval
	}
	return &heartbeat{
		interval: interval,
		timeout:  heartbeatTimeout,
		log:      log,
		onFail:   onFail,
	}
}

// enabled is false for a negative interval.
func (h *heartbeat) enabled() bool {
	return h.interval > 0
}

func (h *heartbeat) run(ctx context.Context, targets func() []presenceTarget) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx, targets())
		}
	}
}

// beat pings every ready target once and returns how many succeeded.
func (h *heartbeat) beat(ctx context.Context, targets []presenceTarget) (ok, failed int) {
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if !t.Ready() {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := t.ping(pctx)
		cancel()

		if err != nil {
			failed++
			h.log.WithError(err).WithField("session", t.ID()).Warn("Heartbeat failed")
			if h.onFail != nil {
				h.onFail(t.ID(), err)
			}
			continue
		}
		ok++
	}

	if ok+failed > 0 {
		h.log.WithFields(logrus.Fields{"ok": ok, "failed": failed}).Debug("Heartbeat sent")
	}
	return ok, failed
}

func (a *Account) ping(ctx context.Context) error {
	if a.client == nil {
		return ErrNotLoggedIn
	}
	return a.client.SendPresence(ctx, types.PresenceAvailable)
}
