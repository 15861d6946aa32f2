package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/whatsapp-automation/broadcaster/internal/config"
	"github.com/whatsapp-automation/broadcaster/internal/fingerprint"
	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// Account is one linked messaging account. It satisfies session.Session.
type Account struct {
	id      string
	ownerID string

	client    *whatsmeow.Client
	container *sqlstore.Container
	device    fingerprint.Device
	proxy     *config.Proxy
	media     *MediaLoader
	rc        *reconnector
	log       *logrus.Entry

	// onProxyError is called when a send fails in a way that points at the proxy.
	onProxyError func(*config.Proxy)

	mu          sync.RWMutex
	phone       string
	qrCode      string
	qrPath      string
	lastError   string
	bannedUntil time.Time
	connectedAt time.Time
	createdAt   time.Time
	sent        int
	failed      int

	reconnecting atomic.Bool
}

// AccountStatus is a point-in-time view of an account for listings.
type AccountStatus struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Phone       string    `json:"phone,omitempty"`
	Connected   bool      `json:"connected"`
	LoggedIn    bool      `json:"loggedIn"`
	Ready       bool      `json:"ready"`
	PendingQR   bool      `json:"pendingQr"`
	Proxy       string    `json:"proxy,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
}

func (a *Account) ID() string      { return a.id }
func (a *Account) OwnerID() string { return a.ownerID }

func (a *Account) connected() bool {
	return a.client != nil && a.client.IsConnected()
}

func (a *Account) loggedIn() bool {
	return a.client != nil && a.client.IsLoggedIn()
}

func (a *Account) banned() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.bannedUntil.IsZero() && time.Now().Before(a.bannedUntil)
}

// Ready reports whether the account can send right now.
func (a *Account) Ready() bool {
	return a.connected() && a.loggedIn() && !a.banned()
}

// Send delivers one rendered template to a phone number and returns the
// server-assigned message id.
func (a *Account) Send(ctx context.Context, to string, content message.Template) (string, error) {
	if !a.loggedIn() {
		return "", transportError(a.id, "send", ErrNotLoggedIn)
	}

	phone := message.NormalizePhone(to)
	if phone == "" {
		return "", transportError(a.id, "send", fmt.Errorf("invalid recipient %q", to))
	}
	jid := types.NewJID(phone, types.DefaultUserServer)

	if err := a.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		a.log.WithError(err).Debug("Failed to send presence")
	}

	msg, err := buildMessage(ctx, a.client, a.media, content)
	if err != nil {
		a.recordSend(err)
		return "", transportError(a.id, "build", err)
	}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	a.recordSend(err)
	if err != nil {
		if IsProxyError(err) && a.proxy != nil && a.onProxyError != nil {
			a.log.WithField("proxy", a.proxy.String()).Warn("Proxy error detected")
			a.onProxyError(a.proxy)
		}
		return "", transportError(a.id, "send", err)
	}

	a.log.WithFields(logrus.Fields{
		"to":         phone,
		"message_id": resp.ID,
	}).Debug("Message sent")
	return resp.ID, nil
}

func (a *Account) recordSend(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.failed++
		a.lastError = err.Error()
		return
	}
	a.sent++
}

// Close disconnects the account and releases its credential store. The
// credentials stay on disk.
func (a *Account) Close(ctx context.Context) error {
	if a.client != nil {
		a.client.Disconnect()
	}
	if a.container != nil {
		return a.container.Close()
	}
	return nil
}

// reconnect runs r against the client unless a reconnect is already in flight
// or the account is banned.
func (a *Account) reconnect(ctx context.Context, r *reconnector) error {
	if a.client == nil {
		return ErrNotLoggedIn
	}
	if a.banned() {
		return errors.New("account temporarily banned")
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer a.reconnecting.Store(false)

	err := r.run(ctx, a.client)
	if err != nil {
		a.setError(err.Error())
	}
	return err
}

func (a *Account) reconnectNow(ctx context.Context) error {
	return a.reconnect(ctx, a.rc)
}

func (a *Account) dropped() bool {
	return a.jid() != "" && !a.connected() && !a.banned() && !a.reconnecting.Load()
}

func (a *Account) setError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}

func (a *Account) setQR(code, path string) {
	a.mu.Lock()
	a.qrCode, a.qrPath = code, path
	a.mu.Unlock()
}

func (a *Account) pendingQR() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.qrCode, a.qrPath
}

func (a *Account) jid() string {
	if a.client == nil || a.client.Store == nil || a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.String()
}

func (a *Account) meta() SessionMeta {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return SessionMeta{
		ID:              a.id,
		OwnerID:         a.ownerID,
		Phone:           a.phone,
		JID:             a.jid(),
		Device:          a.device,
		CreatedAt:       a.createdAt,
		LastConnectedAt: a.connectedAt,
	}
}

// Status returns a snapshot of the account.
func (a *Account) Status() AccountStatus {
	st := AccountStatus{
		ID:        a.id,
		OwnerID:   a.ownerID,
		Connected: a.connected(),
		LoggedIn:  a.loggedIn(),
		Ready:     a.Ready(),
	}
	if a.proxy != nil {
		st.Proxy = a.proxy.String()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	st.Phone = a.phone
	st.PendingQR = a.qrCode != ""
	st.LastError = a.lastError
	st.BannedUntil = a.bannedUntil
	st.ConnectedAt = a.connectedAt
	st.Sent = a.sent
	st.Failed = a.failed
	return st
}
