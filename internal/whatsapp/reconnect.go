package whatsapp

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff bounds the reconnect state machine.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Settle is how long to wait after Connect before checking the login.
	Settle time.Duration
}

func (b *Backoff) setDefaults() {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 5
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = 5 * time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 2 * time.Minute
	}
	if b.Settle < 0 {
		b.Settle = 0
	}
}

// Delay returns the wait after the given zero-based failed attempt:
// base, 2*base, 4*base... capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// connector is the part of a protocol client the reconnector drives.
type connector interface {
	Connect() error
	IsConnected() bool
	IsLoggedIn() bool
}

// reconnector restores a dropped connection with bounded exponential backoff.
type reconnector struct {
	backoff Backoff
	log     *logrus.Entry
}

func newReconnector(b Backoff, log *logrus.Entry) *reconnector {
	b.setDefaults()
	return &reconnector{backoff: b, log: log}
}

// run attempts to reconnect c. It returns nil once c is connected and
// logged in, ErrReconnectExhausted after MaxAttempts, or ctx.Err().
func (r *reconnector) run(ctx context.Context, c connector) error {
	for attempt := 0; attempt < r.backoff.MaxAttempts; attempt++ {
		if c.IsConnected() && c.IsLoggedIn() {
			return nil
		}

		log := r.log.WithField("attempt", attempt+1)
		log.Info("Reconnecting")

		err := c.Connect()
		if err == nil {
			if err := sleepCtx(ctx, r.backoff.Settle); err != nil {
				return err
			}
			if c.IsConnected() && c.IsLoggedIn() {
				log.Info("Reconnected")
				return nil
			}
		} else {
			log.WithError(err).Warn("Reconnect attempt failed")
		}

		if attempt == r.backoff.MaxAttempts-1 {
			break
		}
		if err := sleepCtx(ctx, r.backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	return ErrReconnectExhausted
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
