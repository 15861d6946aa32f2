package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultWatchInterval = 30 * time.Second
	defaultWatchCooldown = 60 * time.Second
	maxWatchCooldown     = 30 * time.Minute
	maxWatchFailures     = 5
)

// watchTarget is an account the watchdog may try to bring back.
type watchTarget interface {
	ID() string
	// dropped reports a session that was logged in but lost its connection.
	dropped() bool
	reconnectNow(ctx context.Context) error
}

// watchdog periodically reconnects sessions that dropped without a
// Disconnected event reaching us, backing off per session on failure.
type watchdog struct {
	interval time.Duration
	cooldown time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu          sync.Mutex
	lastAttempt map[string]time.Time
	failures    map[string]int
}

func newWatchdog(interval time.Duration, log *logrus.Entry) *watchdog {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &watchdog{
		interval:    interval,
		cooldown:    defaultWatchCooldown,
		now:         time.Now,
		log:         log,
		lastAttempt: make(map[string]time.Time),
		failures:    make(map[string]int),
	}
}

// run checks targets every interval until ctx is done.
func (w *watchdog) run(ctx context.Context, targets func() []watchTarget) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, targets())
		}
	}
}

// check makes one pass and returns how many sessions came back.
func (w *watchdog) check(ctx context.Context, targets []watchTarget) int {
	reconnected := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if !t.dropped() || !w.due(t.ID()) {
			continue
		}

		w.mu.Lock()
		w.lastAttempt[t.ID()] = w.now()
		w.mu.Unlock()

		if err := t.reconnectNow(ctx); err != nil {
			w.mu.Lock()
			w.failures[t.ID()]++
			n := w.failures[t.ID()]
			w.mu.Unlock()
			if n == 1 || n == maxWatchFailures {
				w.log.WithError(err).WithFields(logrus.Fields{
					"session":  t.ID(),
					"failures": n,
				}).Warn("Watchdog reconnect failed")
			}
			continue
		}

		w.reset(t.ID())
		reconnected++
	}

	if reconnected > 0 {
		w.log.WithField("count", reconnected).Info("Watchdog reconnected sessions")
	}
	return reconnected
}

// due reports whether enough time has passed since the last attempt. The
// cooldown doubles with each failure and a session is abandoned after
// maxWatchFailures.
func (w *watchdog) due(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.lastAttempt[id]
	if !ok {
		return true
	}
	failures := w.failures[id]
	if failures >= maxWatchFailures {
		return false
	}

	cooldown := w.cooldown
	for i := 0; i < failures; i++ {
		cooldown *= 2
		if cooldown > maxWatchCooldown {
			cooldown = maxWatchCooldown
			break
		}
	}
	return w.now().Sub(last) >= cooldown
}

// reset clears the history of a session, after a manual login or a
// successful reconnect.
func (w *watchdog) reset(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastAttempt, id)
	delete(w.failures, id)
}
