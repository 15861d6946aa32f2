package campaign

import (
	"time"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// transitions lists the allowed status changes.
var transitions = map[Status][]Status{
	StatusIdle:    {StatusRunning},
	StatusRunning: {StatusPaused, StatusStopped, StatusCompleted},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContactStatus tracks one recipient's delivery progress.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactSending  ContactStatus = "sending"
	ContactSent     ContactStatus = "sent"
	ContactReceived ContactStatus = "received"
	ContactRead     ContactStatus = "read"
	ContactReplied  ContactStatus = "replied"
	ContactFailed   ContactStatus = "failed"
)

// contactRank orders the forward-only progression. Failed sits outside it.
var contactRank = map[ContactStatus]int{
	ContactPending:  0,
	ContactSending:  1,
	ContactSent:     2,
	ContactReceived: 3,
	ContactRead:     4,
	ContactReplied:  5,
}

// IsValidContactStatus reports whether s is a known contact status.
func IsValidContactStatus(s ContactStatus) bool {
	_, ok := contactRank[s]
	return ok || s == ContactFailed
}

// Delivered reports whether the contact reached the sent stage or beyond.
func (s ContactStatus) Delivered() bool {
	return s != ContactFailed && contactRank[s] >= contactRank[ContactSent]
}

// Settled reports whether the send attempt for the contact has an outcome.
func (s ContactStatus) Settled() bool {
	return s == ContactFailed || s.Delivered()
}

// Stats are the aggregate counters of a campaign.
// Pending always equals Total - Sent - Failed.
type Stats struct {
	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Read     int `json:"read"`
	Replied  int `json:"replied"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// SessionStats counts outcomes per sending session.
type SessionStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Contact is one recipient of a campaign.
type Contact struct {
	Phone         string                      `json:"phone"`
	Name          string                      `json:"name,omitempty"`
	Variables     map[string]string           `json:"variables,omitempty"`
	Status        ContactStatus               `json:"status"`
	StatusDetails string                      `json:"statusDetails,omitempty"`
	Timestamps    map[ContactStatus]time.Time `json:"timestamps,omitempty"`
	Error         string                      `json:"error,omitempty"`
	MessageID     string                      `json:"messageId,omitempty"`
	SessionID     string                      `json:"sessionId,omitempty"`
}

// Vars returns the personalization variables for this contact.
func (c Contact) Vars() map[string]string {
	vars := make(map[string]string, len(c.Variables)+2)
	for k, v := range c.Variables {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["phone"] = c.Phone
	return vars
}

// Campaign is a named bulk send: contacts, message variants and progress.
type Campaign struct {
	Name           string                  `json:"name"`
	DisplayName    string                  `json:"displayName"`
	OwnerID        string                  `json:"ownerId"`
	Contacts       []Contact               `json:"contacts"`
	Messages       []message.Template      `json:"messages"`
	LinkedSessions []string                `json:"linkedSessions,omitempty"`
	Status         Status                  `json:"status"`
	Stats          Stats                   `json:"stats"`
	SessionStats   map[string]SessionStats `json:"sessionStats"`
	Cursor         int                     `json:"cursor"`
	MaxDelay       time.Duration           `json:"maxDelay"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
	StartedAt      *time.Time              `json:"startedAt,omitempty"`
	CompletedAt    *time.Time              `json:"completedAt,omitempty"`
}

// Exhausted reports whether every contact has been processed.
func (c *Campaign) Exhausted() bool {
	return c.Cursor >= len(c.Contacts)
}

// Progress returns the fraction of processed contacts in [0, 1].
func (c *Campaign) Progress() float64 {
	if len(c.Contacts) == 0 {
		return 0
	}
	return float64(c.Cursor) / float64(len(c.Contacts))
}

// clone deep-copies a campaign so callers never share mutable state.
func (c *Campaign) clone() *Campaign {
	out := *c

	out.Contacts = make([]Contact, len(c.Contacts))
	for i, ct := range c.Contacts {
		out.Contacts[i] = ct.clone()
	}
	out.Messages = append([]message.Template(nil), c.Messages...)
	out.LinkedSessions = append([]string(nil), c.LinkedSessions...)

	out.SessionStats = make(map[string]SessionStats, len(c.SessionStats))
	for k, v := range c.SessionStats {
		out.SessionStats[k] = v
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (c Contact) clone() Contact {
	out := c
	if c.Variables != nil {
		out.Variables = make(map[string]string, len(c.Variables))
		for k, v := range c.Variables {
			out.Variables[k] = v
		}
	}
	if c.Timestamps != nil {
		out.Timestamps = make(map[ContactStatus]time.Time, len(c.Timestamps))
		for k, v := range c.Timestamps {
			out.Timestamps[k] = v
		}
	}
	return out
}

// recount rebuilds aggregate and per-session counters from contact states.
func (c *Campaign) recount() {
	c.Stats = Stats{}
	c.SessionStats = make(map[string]SessionStats)
	for _, ct := range c.Contacts {
		c.account(ct, 1)
	}
	c.Stats.Total = len(c.Contacts)
	c.Stats.Pending = c.Stats.Total - c.Stats.Sent - c.Stats.Failed
}

// account adds (sign 1) or removes (sign -1) one contact's contribution to
// the counters. Pending is derived by the caller.
func (c *Campaign) account(ct Contact, sign int) {
	if c.SessionStats == nil {
		c.SessionStats = make(map[string]SessionStats)
	}

	switch {
	case ct.Status == ContactFailed:
		c.Stats.Failed += sign
		if ct.SessionID != "" {
			s := c.SessionStats[ct.SessionID]
			s.Failed += sign
			c.SessionStats[ct.SessionID] = s
		}
	case ct.Status.Delivered():
		c.Stats.Sent += sign
		rank := contactRank[ct.Status]
		if rank >= contactRank[ContactReceived] {
			c.Stats.Received += sign
		}
		if rank >= contactRank[ContactRead] {
			c.Stats.Read += sign
		}
		if rank >= contactRank[ContactReplied] {
			c.Stats.Replied += sign
		}
		if ct.SessionID != "" {
			s := c.SessionStats[ct.SessionID]
			s.Sent += sign
			c.SessionStats[ct.SessionID] = s
		}
	}
}
