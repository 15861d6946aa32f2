package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/storage"
)

// ContactInput is a recipient as supplied by the caller.
type ContactInput struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
}

// CreateParams describes a new campaign.
type CreateParams struct {
	DisplayName    string             `json:"name"`
	OwnerID        string             `json:"ownerId"`
	Contacts       []ContactInput     `json:"contacts"`
	Messages       []message.Template `json:"messages"`
	LinkedSessions []string           `json:"sessions,omitempty"`
	MaxDelay       time.Duration      `json:"maxDelay,omitempty"`
}

// Validate checks the scalar fields. Contacts and messages are checked
// individually when they are added.
func (p CreateParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DisplayName, validation.Required, validation.Length(1, 120)),
		validation.Field(&p.OwnerID, validation.Required),
		validation.Field(&p.MaxDelay, validation.Min(time.Duration(0))),
	)
}

// Outcome is the result of one send attempt.
type Outcome struct {
	Index     int
	SessionID string
	MessageID string
	Err       error
}

type entry struct {
	c  *Campaign
	mu sync.Mutex
}

type messageRef struct {
	campaign string
	index    int
}

// Manager owns every campaign and writes each mutation through to storage.
// Storage failures are logged and reported through OnPersistError but never
// returned: memory stays authoritative.
type Manager struct {
	store           storage.Store
	defaultMaxDelay time.Duration
	log             *logrus.Entry

	// OnPersistError, when set, is called for every failed write.
	OnPersistError func(name string, err error)

	campaigns map[string]*entry
	messages  map[string]messageRef
	mu        sync.RWMutex
}

// NewManager creates a manager backed by store.
func NewManager(store storage.Store, defaultMaxDelay time.Duration, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		store:           store,
		defaultMaxDelay: defaultMaxDelay,
		log:             log.WithField("component", "campaign_manager"),
		campaigns:       make(map[string]*entry),
		messages:        make(map[string]messageRef),
	}
}

// ============================================
// LIFECYCLE
// ============================================

// Load restores every persisted campaign. A contact left in sending had no
// recorded outcome and is marked failed rather than being sent twice.
func (m *Manager) Load(ctx context.Context) (int, error) {
	items, err := m.store.List(ctx, storage.BucketCampaigns)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaigns: %w", err)
	}

	loaded := 0
	for _, it := range items {
		var c Campaign
		if err := json.Unmarshal(it.Value, &c); err != nil {
			m.log.WithError(err).WithField("campaign", it.Key).Error("Skipping unreadable campaign")
			continue
		}

		interrupted := 0
		now := time.Now()
		for i := range c.Contacts {
			if c.Contacts[i].Status == ContactSending {
				setContactStatus(&c.Contacts[i], ContactFailed, now)
				c.Contacts[i].Error = "interrupted before outcome was recorded"
				if c.Cursor < i+1 {
					c.Cursor = i + 1
				}
				interrupted++
			}
		}
		if c.Cursor > len(c.Contacts) {
			c.Cursor = len(c.Contacts)
		}
		c.recount()

		e := &entry{c: &c}
		m.mu.Lock()
		m.campaigns[c.Name] = e
		for i, ct := range c.Contacts {
			if ct.MessageID != "" {
				m.messages[ct.MessageID] = messageRef{campaign: c.Name, index: i}
			}
		}
		m.mu.Unlock()

		if interrupted > 0 {
			m.log.WithFields(logrus.Fields{
				"campaign":    c.Name,
				"interrupted": interrupted,
			}).Warn("Marked interrupted sends as failed")
			e.mu.Lock()
			m.persist(ctx, e.c)
			e.mu.Unlock()
		}
		loaded++
	}

	m.log.WithField("count", loaded).Info("Campaigns loaded")
	return loaded, nil
}

// Create validates and stores a new idle campaign.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Campaign, error) {
	if err := p.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	contacts, err := buildContacts(nil, p.Contacts)
	if err != nil {
		return nil, err
	}
	if err := validateMessages(p.Messages); err != nil {
		return nil, err
	}

	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = m.defaultMaxDelay
	}

	now := time.Now()
	c := &Campaign{
		Name:           internalName(p.DisplayName),
		DisplayName:    strings.TrimSpace(p.DisplayName),
		OwnerID:        p.OwnerID,
		Contacts:       contacts,
		Messages:       append([]message.Template(nil), p.Messages...),
		LinkedSessions: dedupe(p.LinkedSessions),
		Status:         StatusIdle,
		MaxDelay:       maxDelay,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.recount()

	e := &entry{c: c}
	m.mu.Lock()
	m.campaigns[c.Name] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	m.persist(ctx, c)

	m.log.WithFields(logrus.Fields{
		"campaign": c.Name,
		"owner":    c.OwnerID,
		"contacts": len(c.Contacts),
		"messages": len(c.Messages),
	}).Info("Campaign created")
	return c.clone(), nil
}

// Get returns a snapshot of a campaign.
func (m *Manager) Get(name string) (*Campaign, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.clone(), nil
}

// List returns snapshots of an owner's campaigns, oldest first.
// An empty ownerID lists every campaign.
func (m *Manager) List(ownerID string) []*Campaign {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.campaigns))
	for _, e := range m.campaigns {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Campaign, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if ownerID == "" || e.c.OwnerID == ownerID {
			out = append(out, e.c.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Names returns the names of campaigns in the given status.
func (m *Manager) Names(status Status) []string {
	var names []string
	for _, c := range m.List("") {
		if c.Status == status {
			names = append(names, c.Name)
		}
	}
	return names
}

// Delete removes a campaign that is not running.
func (m *Manager) Delete(ctx context.Context, name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.Status == StatusRunning {
		return invalid("status", "stop campaign %s before deleting it", name)
	}

	m.mu.Lock()
	delete(m.campaigns, name)
	for i := range e.c.Contacts {
		if id := e.c.Contacts[i].MessageID; id != "" {
			delete(m.messages, id)
		}
	}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, storage.BucketCampaigns, name); err != nil {
		m.persistFailed(name, err)
	}
	m.log.WithField("campaign", name).Info("Campaign deleted")
	return nil
}

// ============================================
// EDITING
// ============================================

// AddContacts appends pending contacts to a campaign that is not running.
func (m *Manager) AddContacts(ctx context.Context, name string, inputs []ContactInput) (*Campaign, error) {
	return m.edit(ctx, name, func(c *Campaign) error {
		if c.Status == StatusRunning || c.Status == StatusCompleted {
			return invalid("status", "cannot add contacts to a %s campaign", c.Status)
		}
		contacts, err := buildContacts(c.Contacts, inputs)
		if err != nil {
			return err
		}
		c.Contacts = contacts
		c.recount()
		return nil
	})
}

// SetMessages replaces the message variants of a campaign that is not running.
// The list cannot be emptied.
func (m *Manager) SetMessages(ctx context.Context, name string, msgs []message.Template) (*Campaign, error) {
	if len(msgs) == 0 {
		return nil, invalid("messages", "at least one message is required")
	}
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}
	return m.edit(ctx, name, func(c *Campaign) error {
		if c.Status == StatusRunning {
			return invalid("status", "cannot change messages of a running campaign")
		}
		c.Messages = append([]message.Template(nil), msgs...)
		return nil
	})
}

// LinkSessions restricts the campaign to the given sessions. An empty list
// means any ready session of the owner.
func (m *Manager) LinkSessions(ctx context.Context, name string, sessionIDs []string) (*Campaign, error) {
	return m.edit(ctx, name, func(c *Campaign) error {
		c.LinkedSessions = dedupe(sessionIDs)
		return nil
	})
}

// Transition moves a campaign to a new status if the state machine allows it.
func (m *Manager) Transition(ctx context.Context, name string, to Status) (*Campaign, error) {
	return m.edit(ctx, name, func(c *Campaign) error {
		if !CanTransition(c.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
		}
		now := time.Now()
		if to == StatusRunning && c.StartedAt == nil {
			c.StartedAt = &now
		}
		if to == StatusCompleted || to == StatusStopped {
			c.CompletedAt = &now
		}
		c.Status = to
		m.log.WithFields(logrus.Fields{
			"campaign": name,
			"status":   to,
		}).Info("Campaign status changed")
		return nil
	})
}

// Status returns the current status of a campaign.
func (m *Manager) Status(name string) (Status, error) {
	e, err := m.entry(name)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.Status, nil
}

// ============================================
// DISPATCH SUPPORT
// ============================================

// Plan is the part of a campaign the dispatch loop reads every iteration.
type Plan struct {
	Status         Status
	OwnerID        string
	LinkedSessions []string
	Messages       []message.Template
	MaxDelay       time.Duration
	Cursor         int
	Total          int
}

// Plan returns the current dispatch settings without copying contacts.
func (m *Manager) Plan(name string) (Plan, error) {
	e, err := m.entry(name)
	if err != nil {
		return Plan{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return Plan{
		Status:         e.c.Status,
		OwnerID:        e.c.OwnerID,
		LinkedSessions: append([]string(nil), e.c.LinkedSessions...),
		Messages:       append([]message.Template(nil), e.c.Messages...),
		MaxDelay:       e.c.MaxDelay,
		Cursor:         e.c.Cursor,
		Total:          len(e.c.Contacts),
	}, nil
}

// NextContact returns the contact at the cursor. ok is false once the
// campaign is exhausted.
func (m *Manager) NextContact(name string) (index int, contact Contact, ok bool, err error) {
	e, err := m.entry(name)
	if err != nil {
		return 0, Contact{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c.Exhausted() {
		return e.c.Cursor, Contact{}, false, nil
	}
	return e.c.Cursor, e.c.Contacts[e.c.Cursor].clone(), true, nil
}

// MarkSending flags the contact at index as in flight.
func (m *Manager) MarkSending(ctx context.Context, name string, index int) error {
	_, err := m.edit(ctx, name, func(c *Campaign) error {
		if index < 0 || index >= len(c.Contacts) {
			return invalid("index", "contact index %d out of range", index)
		}
		ct := &c.Contacts[index]
		if ct.Status != ContactPending {
			return invalid("status", "contact %s is %s, not pending", ct.Phone, ct.Status)
		}
		setContactStatus(ct, ContactSending, time.Now())
		return nil
	})
	return err
}

// Skip advances the cursor past index without sending.
func (m *Manager) Skip(ctx context.Context, name string, index int) (*Campaign, error) {
	return m.edit(ctx, name, func(c *Campaign) error {
		advance(c, index)
		return nil
	})
}

// RecordOutcome applies a send result: contact state, aggregate and
// per-session counters and the cursor change together and are persisted
// in a single write.
func (m *Manager) RecordOutcome(ctx context.Context, name string, o Outcome) (*Campaign, error) {
	c, err := m.edit(ctx, name, func(c *Campaign) error {
		if o.Index < 0 || o.Index >= len(c.Contacts) {
			return invalid("index", "contact index %d out of range", o.Index)
		}
		ct := &c.Contacts[o.Index]
		if ct.Status.Settled() {
			// Already has an outcome; only move the cursor.
			advance(c, o.Index)
			return nil
		}

		c.account(*ct, -1)
		now := time.Now()
		ct.SessionID = o.SessionID
		if o.Err != nil {
			setContactStatus(ct, ContactFailed, now)
			ct.Error = o.Err.Error()
		} else {
			setContactStatus(ct, ContactSent, now)
			ct.MessageID = o.MessageID
			ct.Error = ""
		}
		c.account(*ct, 1)
		c.Stats.Pending = c.Stats.Total - c.Stats.Sent - c.Stats.Failed
		advance(c, o.Index)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.Err == nil && o.MessageID != "" {
		m.mu.Lock()
		m.messages[o.MessageID] = messageRef{campaign: name, index: o.Index}
		m.mu.Unlock()
	}
	return c, nil
}

// ============================================
// POST-DELIVERY TRACKING
// ============================================

// UpdateContactStatus moves a contact forward. Re-applying the current
// status or moving backwards is a no-op; failed is terminal and only
// reachable before a message was sent. It reports whether anything changed.
func (m *Manager) UpdateContactStatus(ctx context.Context, name, phone string, status ContactStatus, details string) (bool, error) {
	if !IsValidContactStatus(status) {
		return false, invalid("status", "unknown contact status %q", status)
	}
	phone = message.NormalizePhone(phone)

	changed := false
	_, err := m.edit(ctx, name, func(c *Campaign) error {
		idx := -1
		for i := range c.Contacts {
			if c.Contacts[i].Phone == phone {
				idx = i
				break
			}
		}
		if idx < 0 {
			return invalid("phone", "contact %s not in campaign", phone)
		}

		var err error
		changed, err = applyContactStatus(c, idx, status, details)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ApplyReceipt applies a delivery or read receipt for a sent message id.
// Unknown ids are ignored.
func (m *Manager) ApplyReceipt(ctx context.Context, messageID string, status ContactStatus) (bool, error) {
	m.mu.RLock()
	ref, ok := m.messages[messageID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	changed := false
	_, err := m.edit(ctx, ref.campaign, func(c *Campaign) error {
		if ref.index >= len(c.Contacts) || c.Contacts[ref.index].MessageID != messageID {
			return nil
		}
		var err error
		changed, err = applyContactStatus(c, ref.index, status, "")
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return changed, err
}

// RecordReply marks every delivered contact with this phone as replied.
// When sessionID is set only contacts reached through that session match.
func (m *Manager) RecordReply(ctx context.Context, sessionID, phone string) int {
	phone = message.NormalizePhone(phone)
	if phone == "" {
		return 0
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.campaigns))
	for name := range m.campaigns {
		names = append(names, name)
	}
	m.mu.RUnlock()

	updated := 0
	for _, name := range names {
		_, err := m.edit(ctx, name, func(c *Campaign) error {
			for i := range c.Contacts {
				ct := &c.Contacts[i]
				if ct.Phone != phone || !ct.Status.Delivered() {
					continue
				}
				if sessionID != "" && ct.SessionID != sessionID {
					continue
				}
				if ok, _ := applyContactStatus(c, i, ContactReplied, ""); ok {
					updated++
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			m.log.WithError(err).WithField("campaign", name).Warn("Failed to record reply")
		}
	}
	return updated
}

// ============================================
// INTERNALS
// ============================================

func (m *Manager) entry(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.campaigns[name]
	if !ok {
		return nil, notFound(name)
	}
	return e, nil
}

// edit runs fn under the campaign lock and persists the result if fn
// succeeded. The returned snapshot reflects the persisted state.
func (m *Manager) edit(ctx context.Context, name string, fn func(c *Campaign) error) (*Campaign, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Work on a copy so a failed edit leaves no partial mutation behind.
	work := e.c.clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()
	e.c = work

	m.persist(ctx, work)
	return work.clone(), nil
}

func (m *Manager) persist(ctx context.Context, c *Campaign) {
	data, err := json.Marshal(c)
	if err != nil {
		m.persistFailed(c.Name, err)
		return
	}
	if err := m.store.Set(ctx, storage.BucketCampaigns, c.Name, data); err != nil {
		m.persistFailed(c.Name, err)
	}
}

func (m *Manager) persistFailed(name string, err error) {
	m.log.WithError(err).WithField("campaign", name).Error("Failed to persist campaign")
	if m.OnPersistError != nil {
		m.OnPersistError(name, err)
	}
}

// applyContactStatus enforces the forward-only contact state machine and
// keeps the counters in step. Moving past intermediate states counts them.
func applyContactStatus(c *Campaign, idx int, to ContactStatus, details string) (bool, error) {
	ct := &c.Contacts[idx]
	from := ct.Status

	if from == to || from == ContactFailed {
		return false, nil
	}
	if to == ContactFailed {
		if from.Delivered() {
			return false, fmt.Errorf("%w: contact %s already %s", ErrInvalidTransition, ct.Phone, from)
		}
	} else if contactRank[to] <= contactRank[from] {
		return false, nil
	}

	c.account(*ct, -1)
	setContactStatus(ct, to, time.Now())
	if details != "" {
		ct.StatusDetails = details
	}
	if to == ContactFailed && details != "" {
		ct.Error = details
	}
	c.account(*ct, 1)
	c.Stats.Pending = c.Stats.Total - c.Stats.Sent - c.Stats.Failed
	return true, nil
}

func setContactStatus(ct *Contact, status ContactStatus, at time.Time) {
	ct.Status = status
	if ct.Timestamps == nil {
		ct.Timestamps = make(map[ContactStatus]time.Time)
	}
	ct.Timestamps[status] = at
}

// advance moves the cursor past index. The cursor never goes backwards.
func advance(c *Campaign, index int) {
	if index+1 > c.Cursor {
		c.Cursor = index + 1
	}
	if c.Cursor > len(c.Contacts) {
		c.Cursor = len(c.Contacts)
	}
}

func buildContacts(existing []Contact, inputs []ContactInput) ([]Contact, error) {
	seen := make(map[string]struct{}, len(existing)+len(inputs))
	for _, ct := range existing {
		seen[ct.Phone] = struct{}{}
	}

	out := append([]Contact(nil), existing...)
	now := time.Now()
	for i, in := range inputs {
		phone := message.NormalizePhone(in.Phone)
		if err := message.ValidatePhone(phone); err != nil {
			return nil, invalid(fmt.Sprintf("contacts[%d].phone", i), "%v", err)
		}
		if _, dup := seen[phone]; dup {
			return nil, invalid(fmt.Sprintf("contacts[%d].phone", i), "duplicate contact %s", phone)
		}
		seen[phone] = struct{}{}

		ct := Contact{
			Phone:  phone,
			Name:   strings.TrimSpace(in.Name),
			Status: ContactPending,
			Timestamps: map[ContactStatus]time.Time{
				ContactPending: now,
			},
		}
		if len(in.Variables) > 0 {
			ct.Variables = make(map[string]string, len(in.Variables))
			for k, v := range in.Variables {
				ct.Variables[k] = v
			}
		}
		out = append(out, ct)
	}
	return out, nil
}

func validateMessages(msgs []message.Template) error {
	for i, t := range msgs {
		if err := t.Validate(); err != nil {
			return invalid(fmt.Sprintf("messages[%d]", i), "%v", err)
		}
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// internalName derives a collision resistant identifier from a display name.
func internalName(display string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(display), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		slug = "campaign"
	}
	return slug + "-" + uuid.New().String()[:8]
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
