package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/broadcaster/internal/campaign"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventQR           EventType = "qr"
	EventPairCode     EventType = "pair_code"
	EventOpen         EventType = "open"
	EventClose        EventType = "close"
	EventRestoreError EventType = "restore_error"
	EventTemporaryBan EventType = "temporary_ban"
)

// LifecycleEvent is published for every session state change.
type LifecycleEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	OwnerID   string    `json:"ownerId,omitempty"`
	// Code carries the QR payload or the pairing code.
	Code string `json:"code,omitempty"`
	// Identity is the linked account's JID on open.
	Identity  string    `json:"identity,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Reconnect bool      `json:"reconnect,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives lifecycle events. It runs on the protocol event goroutine
// and must not block.
type Observer func(LifecycleEvent)

// Subscribe registers an observer.
func (m *Manager) Subscribe(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

func (m *Manager) emit(e LifecycleEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.obsMu.RLock()
	obs := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("Lifecycle observer panicked")
				}
			}()
			o(e)
		}()
	}
}

// handleEvent maps protocol events of one account onto the pool, the
// stores and the campaign tracker.
func (m *Manager) handleEvent(acc *Account, evt interface{}) {
	log := acc.log

	switch v := evt.(type) {
	case *events.Connected:
		acc.mu.Lock()
		acc.qrCode, acc.qrPath = "", ""
		acc.lastError = ""
		acc.connectedAt = time.Now()
		acc.mu.Unlock()

		m.watchdog.reset(acc.id)
		m.pool.Add(acc)
		if err := m.metas.save(m.ctx, acc.meta()); err != nil {
			log.WithError(err).Warn("Failed to save session meta")
		}
		log.Info("Connected")
		m.emit(LifecycleEvent{Type: EventOpen, SessionID: acc.id, OwnerID: acc.ownerID, Identity: acc.jid()})

	case *events.PairSuccess:
		acc.mu.Lock()
		acc.qrCode, acc.qrPath = "", ""
		if acc.phone == "" {
			acc.phone = v.ID.User
		}
		acc.mu.Unlock()
		log.WithField("jid", v.ID.String()).Info("Paired")

	case *events.LoggedOut:
		log.WithField("reason", v.Reason.String()).Warn("Logged out")
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.purge(m.ctx, acc.id); err != nil {
				log.WithError(err).Warn("Failed to remove logged out session")
			}
		}()
		m.emit(LifecycleEvent{Type: EventClose, SessionID: acc.id, OwnerID: acc.ownerID, Reason: "logged out: " + v.Reason.String()})

	case *events.Disconnected:
		shouldReconnect := acc.jid() != "" && !acc.banned()
		log.WithField("reconnect", shouldReconnect).Warn("Disconnected")
		m.emit(LifecycleEvent{Type: EventClose, SessionID: acc.id, OwnerID: acc.ownerID, Reason: "connection lost", Reconnect: shouldReconnect})
		if shouldReconnect {
			m.reconnectAsync(acc, 0)
		}

	case *events.StreamReplaced:
		acc.setError("stream replaced by another client")
		log.Warn("Stream replaced, not reconnecting")
		m.emit(LifecycleEvent{Type: EventClose, SessionID: acc.id, OwnerID: acc.ownerID, Reason: "stream replaced"})

	case *events.TemporaryBan:
		until := time.Now().Add(v.Expire)
		acc.mu.Lock()
		acc.bannedUntil = until
		acc.lastError = fmt.Sprintf("temporary ban %s until %s", v.Code.String(), until.Format(time.RFC3339))
		acc.mu.Unlock()
		log.WithFields(logrus.Fields{"code": v.Code.String(), "until": until}).Error("Temporary ban")
		m.emit(LifecycleEvent{Type: EventTemporaryBan, SessionID: acc.id, OwnerID: acc.ownerID, Reason: v.Code.String(), Until: until})

	case *events.KeepAliveTimeout:
		log.WithField("errors", v.ErrorCount).Warn("Keepalive timeout")
		if v.ErrorCount > 3 {
			m.reconnectAsync(acc, 5*time.Second)
		}

	case *events.KeepAliveRestored:
		log.Info("Keepalive restored")

	case *events.Receipt:
		m.applyReceipt(acc, v)

	case *events.Message:
		m.handleInbound(acc, v)
	}
}

// reconnectAsync forces a disconnect after delay, when delay > 0, and then
// runs the bounded reconnector.
func (m *Manager) reconnectAsync(acc *Account, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			if sleepCtx(m.ctx, delay) != nil {
				return
			}
			acc.client.Disconnect()
		}
		if err := acc.reconnect(m.ctx, m.rc); err != nil && m.ctx.Err() == nil {
			acc.log.WithError(err).Error("Reconnect failed")
			m.emit(LifecycleEvent{Type: EventClose, SessionID: acc.id, OwnerID: acc.ownerID, Reason: err.Error()})
		}
	}()
}

func receiptStatus(t types.ReceiptType) (campaign.ContactStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return campaign.ContactReceived, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return campaign.ContactRead, true
	}
	return "", false
}

func (m *Manager) applyReceipt(acc *Account, evt *events.Receipt) {
	if m.tracker == nil || evt.IsFromMe {
		return
	}
	status, ok := receiptStatus(evt.Type)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	for _, id := range evt.MessageIDs {
		if _, err := m.tracker.ApplyReceipt(ctx, id, status); err != nil {
			acc.log.WithError(err).WithField("message_id", id).Debug("Receipt not applied")
		}
	}
}

func (m *Manager) handleInbound(acc *Account, evt *events.Message) {
	text, ok := inboundText(evt)
	if !ok {
		return
	}
	from := evt.Info.Sender.User

	m.inbox.Add(InboundMessage{
		ID:        evt.Info.ID,
		SessionID: acc.id,
		From:      from,
		Text:      text,
		Timestamp: evt.Info.Timestamp,
	})

	if m.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if n := m.tracker.RecordReply(ctx, acc.id, from); n > 0 {
		acc.log.WithFields(logrus.Fields{"from": from, "contacts": n}).Info("Reply recorded")
	}
}
