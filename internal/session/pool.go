package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// ErrUnavailable is returned when no ready session can serve a send.
var ErrUnavailable = errors.New("no ready session available")

// Session is one logged-in messaging account.
type Session interface {
	ID() string
	OwnerID() string
	Ready() bool
	Send(ctx context.Context, to string, content message.Template) (string, error)
	Close(ctx context.Context) error
}

// Summary describes a pooled session for listings.
type Summary struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Ready      bool      `json:"ready"`
	AddedAt    time.Time `json:"addedAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

type entry struct {
	session  Session
	addedAt  time.Time
	lastUsed time.Time
	useSeq   uint64 // 0 = never used
}

// Pool tracks every connected session and hands them out least recently
// used first. It does not serialize concurrent sends on one session.
type Pool struct {
	entries map[string]*entry
	seq     uint64
	mu      sync.Mutex
	log     *logrus.Entry
}

// NewPool creates an empty pool.
func NewPool(log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		entries: make(map[string]*entry),
		log:     log.WithField("component", "session_pool"),
	}
}

// Add registers a session, replacing any previous one with the same id.
// Usage history is kept across replacements.
func (p *Pool) Add(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[s.ID()]; ok {
		e.session = s
		p.log.WithField("session", s.ID()).Debug("Session re-registered")
		return
	}

	p.entries[s.ID()] = &entry{session: s, addedAt: time.Now()}
	p.log.WithFields(logrus.Fields{
		"session": s.ID(),
		"owner":   s.OwnerID(),
		"total":   len(p.entries),
	}).Info("Session added to pool")
}

// Acquire returns the least recently used ready session. When allowed is
// non-empty only those session ids are eligible, regardless of owner;
// otherwise only sessions belonging to ownerID are.
func (p *Pool) Acquire(ownerID string, allowed []string) (Session, bool) {
	return p.AcquireWhere(ownerID, allowed, nil)
}

// AcquireWhere is Acquire restricted to sessions for which usable returns
// true. A nil usable accepts every session. usable is called with the pool
// lock held and must not call back into the pool.
func (p *Pool) AcquireWhere(ownerID string, allowed []string, usable func(id string) bool) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var allowSet map[string]struct{}
	if len(allowed) > 0 {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			allowSet[id] = struct{}{}
		}
	}

	var best *entry
	for id, e := range p.entries {
		if allowSet != nil {
			if _, ok := allowSet[id]; !ok {
				continue
			}
		} else if e.session.OwnerID() != ownerID {
			continue
		}
		if !e.session.Ready() {
			continue
		}
		if usable != nil && !usable(id) {
			continue
		}
		if best == nil || e.useSeq < best.useSeq ||
			(e.useSeq == best.useSeq && id < best.session.ID()) {
			best = e
		}
	}

	if best == nil {
		return nil, false
	}
	p.touch(best)
	return best.session, true
}

// AcquireByID returns the named session if it is ready.
func (p *Pool) AcquireByID(id string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || !e.session.Ready() {
		return nil, false
	}
	p.touch(e)
	return e.session, true
}

// Get returns a pooled session whether or not it is ready.
func (p *Pool) Get(id string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// List returns summaries of ready sessions. An empty ownerID lists all owners.
func (p *Pool) List(ownerID string) []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Summary, 0, len(p.entries))
	for id, e := range p.entries {
		if ownerID != "" && e.session.OwnerID() != ownerID {
			continue
		}
		if !e.session.Ready() {
			continue
		}
		out = append(out, Summary{
			ID:         id,
			OwnerID:    e.session.OwnerID(),
			Ready:      true,
			AddedAt:    e.addedAt,
			LastUsedAt: e.lastUsed,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadyCount returns how many sessions can currently send.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.session.Ready() {
			n++
		}
	}
	return n
}

// Remove closes the session and forgets it. Removing an unknown id is a no-op.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	p.log.WithField("session", id).Info("Session removed from pool")
	return e.session.Close(ctx)
}

// Forget drops a session without closing its transport.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

func (p *Pool) touch(e *entry) {
	p.seq++
	e.useSeq = p.seq
	e.lastUsed = time.Now()
}
