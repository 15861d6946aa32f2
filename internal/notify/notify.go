// Package notify fans out engine events to external sinks: a message
// broker, an operator chat and the log.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies an event. It doubles as the broker routing key.
type Kind string

const (
	KindCampaignProgress Kind = "campaign.progress"
	KindCampaignStatus   Kind = "campaign.status"
	KindCampaignFinished Kind = "campaign.finished"
	KindSessionHealth    Kind = "session.health"
	KindSessionLifecycle Kind = "session.lifecycle"
)

// Counts are the campaign counters carried by campaign events.
type Counts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Event is one notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	Campaign  string    `json:"campaign,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Counts    *Counts   `json:"counts,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Started   time.Time `json:"started,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	At        time.Time `json:"at"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Notify(ctx context.Context, e Event) error
	Close() error
}

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 10 * time.Second
)

// Hub queues events and delivers them to every sink on one background
// goroutine. Publish never blocks; events are dropped when the queue is full.
type Hub struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *logrus.Entry

	dropped atomic.Uint64
	// OnDeliveryError is called after a sink fails to deliver an event.
	OnDeliveryError func(sink string, err error)

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewHub starts a hub delivering to sinks.
func NewHub(log *logrus.Entry, sinks ...Sink) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hub{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueueSize),
		timeout: defaultSinkTimeout,
		log:     log.WithField("component", "notify"),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

// Publish enqueues an event.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	select {
	case h.queue <- e:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.log.WithField("dropped", n).Warn("Notification queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for e := range h.queue {
		for _, s := range h.sinks {
			h.deliver(s, e)
		}
	}
}

func (h *Hub) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{"sink": s.Name(), "panic": r}).Error("Sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := s.Notify(ctx, e); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"sink": s.Name(),
			"kind": e.Kind,
		}).Warn("Failed to deliver notification")
		if h.OnDeliveryError != nil {
			h.OnDeliveryError(s.Name(), err)
		}
	}
}

// Close drains the queue and closes every sink.
func (h *Hub) Close() error {
	var errs []error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.queue)
		h.mu.Unlock()

		h.wg.Wait()
		for _, s := range h.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
