package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/config"
	"github.com/whatsapp-automation/broadcaster/internal/fingerprint"
	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/storage"
)

// Login methods.
const (
	MethodQR   = "qr"
	MethodPair = "pair"
)

// Connect result statuses.
const (
	StatusConnected        = "connected"
	StatusAlreadyConnected = "already_connected"
	StatusQRCode           = "qr_code"
	StatusPairingCode      = "pairing_code"
	StatusPending          = "pending"
)

// loginSettle is how long to wait after connecting a stored session before
// checking whether the server accepted it.
const loginSettle = 2 * time.Second

// Config configures the session manager.
type Config struct {
	SessionsDir   string
	QRDir         string
	LogLevel      string
	DeviceSeed    string
	Country       string
	Reconnect     Backoff
	QRTimeout     time.Duration
	WatchInterval time.Duration
	// HeartbeatInterval spaces presence pings; negative disables them.
	HeartbeatInterval time.Duration
}

// Tracker receives post-delivery signals for sent messages.
type Tracker interface {
	ApplyReceipt(ctx context.Context, messageID string, status campaign.ContactStatus) (bool, error)
	RecordReply(ctx context.Context, sessionID, phone string) int
}

// ConnectParams describes a login request.
type ConnectParams struct {
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Phone     string `json:"phone"`
	Method    string `json:"method"`
}

// ConnectResult is the outcome of a login request.
type ConnectResult struct {
	Status      string `json:"status"`
	SessionID   string `json:"sessionId"`
	QRCode      string `json:"qrCode,omitempty"`
	QRCodePath  string `json:"qrCodePath,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	LoggedIn    bool   `json:"loggedIn"`
	DeviceID    string `json:"deviceId,omitempty"`
}

// Manager owns every linked account: login, restore, reconnect, teardown.
// Ready accounts are registered in the session pool.
type Manager struct {
	cfg      Config
	pool     *session.Pool
	metas    metaStore
	creds    *credentialStore
	proxies  *config.ProxyPool
	tracker  Tracker
	media    *MediaLoader
	inbox    *Inbox
	rc       *reconnector
	watchdog *watchdog
	beat     *heartbeat
	waLog    waLog.Logger
	log      *logrus.Entry

	accounts map[string]*Account
	mu       sync.RWMutex
	// connectMu serializes logins; device props are process-global.
	connectMu sync.Mutex

	observers []Observer
	obsMu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the session manager. proxies and tracker may be nil.
func NewManager(cfg Config, pool *session.Pool, kv storage.Store, proxies *config.ProxyPool, tracker Tracker, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "whatsapp")

	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = 180 * time.Second
	}
	if cfg.QRDir != "" {
		if err := os.MkdirAll(cfg.QRDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create qr directory: %w", err)
		}
	}

	wlog := newLogAdapter(log, cfg.LogLevel)
	creds, err := newCredentialStore(cfg.SessionsDir, wlog.Sub("store"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		pool:     pool,
		metas:    metaStore{kv: kv},
		creds:    creds,
		proxies:  proxies,
		tracker:  tracker,
		media:    NewMediaLoader(),
		inbox:    NewInbox(0),
		rc:       newReconnector(cfg.Reconnect, log),
		watchdog: newWatchdog(cfg.WatchInterval, log),
		waLog:    wlog,
		log:      log,
		accounts: make(map[string]*Account),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.beat = newHeartbeat(cfg.HeartbeatInterval, log, m.heartbeatFailed)
	return m, nil
}

// Start launches the background watchdog and the presence heartbeat.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchdog.run(m.ctx, m.watchTargets)
	}()

	if m.beat.enabled() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.beat.run(m.ctx, m.presenceTargets)
		}()
	}
}

func (m *Manager) snapshot() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	return out
}

func (m *Manager) watchTargets() []watchTarget {
	accounts := m.snapshot()
	out := make([]watchTarget, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc)
	}
	return out
}

func (m *Manager) presenceTargets() []presenceTarget {
	accounts := m.snapshot()
	out := make([]presenceTarget, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc)
	}
	return out
}

// heartbeatFailed records the error and hands a dropped connection to the
// reconnector.
func (m *Manager) heartbeatFailed(id string, err error) {
	acc, ok := m.account(id)
	if !ok {
		return
	}
	acc.setError("heartbeat: " + err.Error())
	if !acc.connected() && acc.jid() != "" {
		m.reconnectAsync(acc, 0)
	}
}

// Inbox returns the inbound message buffer.
func (m *Manager) Inbox() *Inbox {
	return m.inbox
}

// ============================================
// LOGIN
// ============================================

// Connect logs a session in. A stored session reconnects directly; otherwise
// a QR code or a pairing code is returned and the login completes in the
// background.
func (m *Manager) Connect(ctx context.Context, p ConnectParams) (*ConnectResult, error) {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if strings.ContainsAny(p.SessionID, `/\.`) {
		return nil, &campaign.ValidationError{Field: "sessionId", Message: "must not contain path separators or dots"}
	}
	if p.Method == "" {
		p.Method = MethodQR
	}
	if p.Method != MethodQR && p.Method != MethodPair {
		return nil, &campaign.ValidationError{Field: "method", Message: "must be qr or pair"}
	}
	p.Phone = message.NormalizePhone(p.Phone)
	if p.Method == MethodPair && p.Phone == "" {
		return nil, &campaign.ValidationError{Field: "phone", Message: "required for pairing"}
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if acc, ok := m.account(p.SessionID); ok {
		if acc.loggedIn() {
			return &ConnectResult{
				Status:    StatusAlreadyConnected,
				SessionID: acc.id,
				LoggedIn:  true,
				DeviceID:  acc.jid(),
			}, nil
		}
		if code, path := acc.pendingQR(); code != "" && p.Method == MethodQR {
			return &ConnectResult{
				Status:     StatusQRCode,
				SessionID:  acc.id,
				QRCode:     code,
				QRCodePath: path,
			}, nil
		}
		m.drop(acc)
	}

	acc, err := m.newAccount(ctx, p.SessionID, p.OwnerID, p.Phone)
	if err != nil {
		return nil, err
	}
	log := acc.log

	if acc.jid() != "" {
		log.Info("Existing session found, connecting")
		if err := acc.client.Connect(); err != nil {
			log.WithError(err).Warn("Failed to connect with existing session")
		} else if m.settle(ctx, acc) {
			return &ConnectResult{
				Status:    StatusConnected,
				SessionID: acc.id,
				LoggedIn:  true,
				DeviceID:  acc.jid(),
			}, nil
		}
		acc.client.Disconnect()
	}

	if p.Method == MethodPair {
		return m.pair(ctx, acc, p.Phone)
	}
	return m.loginQR(ctx, acc)
}

func (m *Manager) pair(ctx context.Context, acc *Account, phone string) (*ConnectResult, error) {
	if err := acc.client.Connect(); err != nil {
		m.drop(acc)
		return nil, transportError(acc.id, "connect", err)
	}

	code, err := acc.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Windows)")
	if err != nil {
		m.drop(acc)
		return nil, transportError(acc.id, "pair", err)
	}
	if len(code) == 8 {
		code = code[:4] + "-" + code[4:]
	}

	acc.log.Info("Pairing code issued")
	m.emit(LifecycleEvent{Type: EventPairCode, SessionID: acc.id, OwnerID: acc.ownerID, Code: code})

	return &ConnectResult{
		Status:      StatusPairingCode,
		SessionID:   acc.id,
		PairingCode: code,
	}, nil
}

func (m *Manager) loginQR(ctx context.Context, acc *Account) (*ConnectResult, error) {
	qrChan, err := acc.client.GetQRChannel(m.ctx)
	if err != nil {
		m.drop(acc)
		return nil, transportError(acc.id, "qr", err)
	}

	first := make(chan string, 1)
	done := make(chan error, 1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sent := false
		for evt := range qrChan {
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				path, err := m.writeQR(acc.id, evt.Code)
				if err != nil {
					acc.log.WithError(err).Warn("Failed to write QR image")
				}
				acc.setQR(evt.Code, path)
				m.emit(LifecycleEvent{Type: EventQR, SessionID: acc.id, OwnerID: acc.ownerID, Code: evt.Code})
				if !sent {
					first <- evt.Code
					sent = true
				}
			case whatsmeow.QRChannelSuccess.Event:
				acc.setQR("", "")
				acc.log.Info("QR login successful")
				select {
				case done <- nil:
				default:
				}
			case whatsmeow.QRChannelTimeout.Event:
				acc.setQR("", "")
				acc.log.Warn("QR code expired without a scan")
				m.drop(acc)
				m.emit(LifecycleEvent{Type: EventClose, SessionID: acc.id, OwnerID: acc.ownerID, Reason: "qr timeout"})
				select {
				case done <- errors.New("qr code timeout"):
				default:
				}
			default:
				if evt.Error != nil {
					acc.log.WithError(evt.Error).Warn("QR login failed")
					select {
					case done <- evt.Error:
					default:
					}
				}
			}
		}
	}()

	if err := acc.client.Connect(); err != nil {
		m.drop(acc)
		return nil, transportError(acc.id, "connect", err)
	}

	timer := time.NewTimer(m.cfg.QRTimeout)
	defer timer.Stop()

	select {
	case code := <-first:
		_, path := acc.pendingQR()
		return &ConnectResult{
			Status:     StatusQRCode,
			SessionID:  acc.id,
			QRCode:     code,
			QRCodePath: path,
		}, nil
	case err := <-done:
		if err != nil {
			return nil, transportError(acc.id, "qr", err)
		}
		return &ConnectResult{Status: StatusConnected, SessionID: acc.id, LoggedIn: true, DeviceID: acc.jid()}, nil
	case <-timer.C:
		return &ConnectResult{Status: StatusPending, SessionID: acc.id}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) writeQR(sessionID, code string) (string, error) {
	if m.cfg.QRDir == "" {
		return "", nil
	}
	path := filepath.Join(m.cfg.QRDir, fmt.Sprintf("qr-%s.png", sessionID))
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return "", err
	}
	return path, nil
}

// QRCodePNG renders the pending QR code of a session.
func (m *Manager) QRCodePNG(sessionID string) ([]byte, error) {
	acc, ok := m.account(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	code, _ := acc.pendingQR()
	if code == "" {
		return nil, fmt.Errorf("session %s has no pending qr code: %w", sessionID, ErrSessionNotFound)
	}
	return qrcode.Encode(code, qrcode.Medium, 512)
}

// newAccount opens the session's credentials and builds its client. The
// account is registered but not connected.
func (m *Manager) newAccount(ctx context.Context, id, ownerID, phone string) (*Account, error) {
	meta, found, err := m.metas.load(ctx, id)
	if err != nil {
		m.log.WithError(err).WithField("session", id).Warn("Failed to load session meta")
	}
	if found {
		if ownerID == "" {
			ownerID = meta.OwnerID
		}
		if phone == "" {
			phone = meta.Phone
		}
	}

	container, device, err := m.creds.open(ctx, id)
	if err != nil {
		return nil, err
	}

	fp := fingerprint.ForSession(m.cfg.DeviceSeed, id, m.cfg.Country)
	osName := fp.OSName()
	platform := waCompanionReg.DeviceProps_CHROME
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = proto.String(osName)

	client := whatsmeow.NewClient(device, m.waLog.Sub(id))
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	acc := &Account{
		id:        id,
		ownerID:   ownerID,
		phone:     phone,
		client:    client,
		container: container,
		device:    fp,
		media:     m.media,
		rc:        m.rc,
		log:       m.log.WithFields(logrus.Fields{"session": id, "owner": ownerID}),
		createdAt: time.Now(),
	}
	if found && !meta.CreatedAt.IsZero() {
		acc.createdAt = meta.CreatedAt
	}

	if m.proxies != nil {
		if px := m.proxies.Next(); px != nil {
			if err := client.SetProxyAddress(px.URL()); err != nil {
				container.Close()
				return nil, fmt.Errorf("failed to set proxy: %w", err)
			}
			acc.proxy = px
			acc.onProxyError = m.proxies.MarkBlocked
			acc.log.WithField("proxy", px.String()).Info("Using proxy")
		}
	}

	client.AddEventHandler(func(evt interface{}) {
		m.handleEvent(acc, evt)
	})

	m.mu.Lock()
	m.accounts[id] = acc
	m.mu.Unlock()
	return acc, nil
}

// settle waits briefly for a stored session to finish logging in.
func (m *Manager) settle(ctx context.Context, acc *Account) bool {
	if err := sleepCtx(ctx, loginSettle); err != nil {
		return false
	}
	return acc.loggedIn()
}

// ============================================
// RESTORE / TEARDOWN
// ============================================

// Restore reconnects every session with stored credentials. Sessions that
// fail are reported through a restore_error event and skipped.
func (m *Manager) Restore(ctx context.Context) (restored, failed int, err error) {
	ids, err := m.creds.list()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return restored, failed, ctx.Err()
		}
		if _, ok := m.account(id); ok {
			continue
		}
		if err := m.restoreOne(ctx, id); err != nil {
			failed++
			m.log.WithError(err).WithField("session", id).Warn("Failed to restore session")
			m.emit(LifecycleEvent{Type: EventRestoreError, SessionID: id, Reason: err.Error()})
			continue
		}
		restored++
	}

	m.log.WithFields(logrus.Fields{"restored": restored, "failed": failed}).Info("Sessions restored")
	return restored, failed, nil
}

func (m *Manager) restoreOne(ctx context.Context, id string) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	acc, err := m.newAccount(ctx, id, "", "")
	if err != nil {
		return err
	}
	if acc.jid() == "" {
		m.drop(acc)
		if err := m.creds.remove(id); err != nil {
			return err
		}
		return errors.New("session was never linked")
	}
	if err := acc.client.Connect(); err != nil {
		m.drop(acc)
		return transportError(id, "connect", err)
	}
	if !m.settle(ctx, acc) {
		m.drop(acc)
		return transportError(id, "restore", ErrNotLoggedIn)
	}
	return nil
}

// Disconnect closes a session but keeps its credentials, so a later Connect
// or Restore brings it back.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	acc, ok := m.account(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	m.forget(sessionID)
	m.pool.Forget(sessionID)
	m.watchdog.reset(sessionID)
	return acc.Close(ctx)
}

// Logout unlinks a session from the phone and deletes everything stored for it.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	acc, ok := m.account(sessionID)
	if ok && acc.loggedIn() {
		if err := acc.client.Logout(ctx); err != nil {
			acc.log.WithError(err).Warn("Logout request failed, removing locally")
		}
	}
	if !ok && !m.creds.exists(sessionID) {
		return ErrSessionNotFound
	}
	return m.purge(ctx, sessionID)
}

// purge forgets a session and deletes its credentials and meta.
func (m *Manager) purge(ctx context.Context, sessionID string) error {
	acc, ok := m.account(sessionID)
	m.forget(sessionID)
	m.pool.Forget(sessionID)
	m.watchdog.reset(sessionID)
	m.inbox.Forget(sessionID)
	if ok {
		if err := acc.Close(ctx); err != nil {
			acc.log.WithError(err).Debug("Failed to close session store")
		}
	}

	var errs []error
	if err := m.creds.remove(sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.metas.delete(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// drop closes and unregisters an account that never became usable.
func (m *Manager) drop(acc *Account) {
	m.mu.Lock()
	if cur, ok := m.accounts[acc.id]; ok && cur == acc {
		delete(m.accounts, acc.id)
	}
	m.mu.Unlock()
	if err := acc.Close(context.Background()); err != nil {
		acc.log.WithError(err).Debug("Failed to close session store")
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.accounts, id)
	m.mu.Unlock()
}

// Close stops the watchdog and disconnects every account.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	accounts := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		accounts = append(accounts, acc)
	}
	m.accounts = make(map[string]*Account)
	m.mu.Unlock()

	var errs []error
	for _, acc := range accounts {
		m.pool.Forget(acc.id)
		if err := acc.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.wg.Wait()
	return errors.Join(errs...)
}

// ============================================
// QUERIES
// ============================================

func (m *Manager) account(id string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	return acc, ok
}

// Account returns the status of one session.
func (m *Manager) Account(id string) (AccountStatus, error) {
	acc, ok := m.account(id)
	if !ok {
		return AccountStatus{}, ErrSessionNotFound
	}
	return acc.Status(), nil
}

// Accounts lists every known session. An empty ownerID lists all owners.
func (m *Manager) Accounts(ownerID string) []AccountStatus {
	m.mu.RLock()
	accounts := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if ownerID == "" || acc.ownerID == ownerID {
			accounts = append(accounts, acc)
		}
	}
	m.mu.RUnlock()

	out := make([]AccountStatus, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
