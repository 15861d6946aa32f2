package autopause

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/broadcaster/internal/antiban"
)

const (
	DefaultWindowSize                 = 20
	DefaultErrorRateThreshold         = 0.3
	DefaultConsecutiveErrorsThreshold = 5
	DefaultCooldown                   = 5 * time.Minute
)

// Config sets the trip thresholds.
type Config struct {
	WindowSize                 int
	ErrorRateThreshold         float64
	ConsecutiveErrorsThreshold int
	Cooldown                   time.Duration
}

func (c *Config) setDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if c.ConsecutiveErrorsThreshold <= 0 {
		c.ConsecutiveErrorsThreshold = DefaultConsecutiveErrorsThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// EventType distinguishes health transitions.
type EventType string

const (
	EventPause  EventType = "pause"
	EventResume EventType = "resume"
)

// Event is delivered to observers on every pause and resume.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"sessionId"`
	Reason    string        `json:"reason,omitempty"`
	Cooldown  time.Duration `json:"cooldown,omitempty"`
	Automatic bool          `json:"automatic,omitempty"`
	At        time.Time     `json:"at"`
}

// Observer receives health events. It must not block.
type Observer func(Event)

// Stats is a snapshot of one session's health record.
type Stats struct {
	SessionID         string     `json:"sessionId"`
	WindowLen         int        `json:"windowLen"`
	WindowErrors      int        `json:"windowErrors"`
	ErrorRate         float64    `json:"errorRate"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	TotalSuccess      int        `json:"totalSuccess"`
	TotalFailed       int        `json:"totalFailed"`
	IsPaused          bool       `json:"isPaused"`
	PausedAt          *time.Time `json:"pausedAt,omitempty"`
	PauseReason       string     `json:"pauseReason,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	Health            int        `json:"health"`
	Action            string     `json:"action"`
}

// Result is returned from RecordResult.
type Result struct {
	ShouldPause bool
	Reason      string
	Stats       Stats
}

type record struct {
	window      []bool // true = failure, oldest first
	consecutive int
	okTotal     int
	failTotal   int
	lastError   string

	paused   bool
	pausedAt time.Time
	reason   string
	timer    *time.Timer
	epoch    uint64
}

func (r *record) errorRate() float64 {
	if len(r.window) == 0 {
		return 0
	}
	n := 0
	for _, failed := range r.window {
		if failed {
			n++
		}
	}
	return float64(n) / float64(len(r.window))
}

// Monitor watches per-session send outcomes and pauses sessions whose
// recent error profile looks like the account is being throttled.
type Monitor struct {
	cfg       Config
	records   map[string]*record
	observers map[int]Observer
	nextObs   int
	closed    bool
	mu        sync.Mutex
	log       *logrus.Entry
}

// New creates a monitor.
func New(cfg Config, log *logrus.Entry) *Monitor {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		cfg:       cfg,
		records:   make(map[string]*record),
		observers: make(map[int]Observer),
		log:       log.WithField("component", "autopause"),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Subscribe registers an observer and returns a function removing it.
func (m *Monitor) Subscribe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// RecordResult feeds one send outcome. While a session is paused the call
// short-circuits with ShouldPause set and the window is left untouched.
func (m *Monitor) RecordResult(sessionID string, success bool, sendErr error) Result {
	m.mu.Lock()

	r := m.recordFor(sessionID)
	if r.paused {
		res := Result{ShouldPause: true, Reason: r.reason, Stats: m.snapshot(sessionID, r)}
		m.mu.Unlock()
		return res
	}

	r.window = append(r.window, !success)
	if len(r.window) > m.cfg.WindowSize {
		r.window = r.window[len(r.window)-m.cfg.WindowSize:]
	}
	if success {
		r.okTotal++
		r.consecutive = 0
	} else {
		r.failTotal++
		r.consecutive++
		if sendErr != nil {
			r.lastError = sendErr.Error()
		}
	}

	reason := m.tripReason(r)
	if reason == "" {
		res := Result{Stats: m.snapshot(sessionID, r)}
		m.mu.Unlock()
		return res
	}

	evt := m.pauseLocked(sessionID, r, reason)
	res := Result{ShouldPause: true, Reason: reason, Stats: m.snapshot(sessionID, r)}
	observers := m.observerList()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"session":  sessionID,
		"reason":   reason,
		"cooldown": m.cfg.Cooldown,
	}).Warn("Session auto-paused")
	notify(observers, evt)
	return res
}

// tripReason checks consecutive errors first, then the windowed error rate
// once the window is at least half full.
func (m *Monitor) tripReason(r *record) string {
	if r.consecutive >= m.cfg.ConsecutiveErrorsThreshold {
		return fmt.Sprintf("%d consecutive errors", r.consecutive)
	}
	if len(r.window)*2 >= m.cfg.WindowSize {
		if rate := r.errorRate(); rate >= m.cfg.ErrorRateThreshold {
			return fmt.Sprintf("error rate %.0f%% over last %d messages", rate*100, len(r.window))
		}
	}
	return ""
}

func (m *Monitor) pauseLocked(sessionID string, r *record, reason string) Event {
	now := time.Now()
	r.paused = true
	r.pausedAt = now
	r.reason = reason
	r.epoch++

	epoch := r.epoch
	if !m.closed {
		r.timer = time.AfterFunc(m.cfg.Cooldown, func() {
			m.resume(sessionID, epoch, true)
		})
	}

	return Event{
		Type:      EventPause,
		SessionID: sessionID,
		Reason:    reason,
		Cooldown:  m.cfg.Cooldown,
		At:        now,
	}
}

// Resume clears a pause early. It returns false if the session was not paused.
func (m *Monitor) Resume(sessionID string) bool {
	return m.resume(sessionID, 0, false)
}

func (m *Monitor) resume(sessionID string, epoch uint64, automatic bool) bool {
	m.mu.Lock()
	r, ok := m.records[sessionID]
	if !ok || !r.paused || (automatic && r.epoch != epoch) {
		m.mu.Unlock()
		return false
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.paused = false
	r.reason = ""
	r.pausedAt = time.Time{}
	r.consecutive = 0
	r.window = r.window[:0]

	observers := m.observerList()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"session":   sessionID,
		"automatic": automatic,
	}).Info("Session resumed")
	notify(observers, Event{
		Type:      EventResume,
		SessionID: sessionID,
		Automatic: automatic,
		At:        time.Now(),
	})
	return true
}

// IsPaused reports whether the session is cooling down.
func (m *Monitor) IsPaused(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[sessionID]
	return ok && r.paused
}

// Remaining returns how much of the cooldown is left, or zero.
func (m *Monitor) Remaining(sessionID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[sessionID]
	if !ok || !r.paused {
		return 0
	}
	left := m.cfg.Cooldown - time.Since(r.pausedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Health returns the advisory 0-100 score for a session.
func (m *Monitor) Health(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[sessionID]
	if !ok {
		return 100
	}
	return antiban.HealthScore(r.errorRate(), r.consecutive)
}

// Stats returns a snapshot of one session's record. Unknown sessions get a
// healthy zero snapshot and are not tracked.
func (m *Monitor) Stats(sessionID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[sessionID]
	if !ok {
		r = &record{}
	}
	return m.snapshot(sessionID, r)
}

// All returns snapshots for every tracked session, sorted by id.
func (m *Monitor) All() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.records))
	for id, r := range m.records {
		out = append(out, m.snapshot(id, r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Forget drops a session's record and cancels its pending resume.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[sessionID]; ok && r.timer != nil {
		r.timer.Stop()
	}
	delete(m.records, sessionID)
}

// Close stops every pending auto-resume timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, r := range m.records {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
}

func (m *Monitor) recordFor(sessionID string) *record {
	r, ok := m.records[sessionID]
	if !ok {
		r = &record{window: make([]bool, 0, m.cfg.WindowSize)}
		m.records[sessionID] = r
	}
	return r
}

func (m *Monitor) snapshot(sessionID string, r *record) Stats {
	s := Stats{
		SessionID:         sessionID,
		WindowLen:         len(r.window),
		ErrorRate:         r.errorRate(),
		ConsecutiveErrors: r.consecutive,
		TotalSuccess:      r.okTotal,
		TotalFailed:       r.failTotal,
		IsPaused:          r.paused,
		PauseReason:       r.reason,
		LastError:         r.lastError,
	}
	for _, failed := range r.window {
		if failed {
			s.WindowErrors++
		}
	}
	if r.paused {
		at := r.pausedAt
		s.PausedAt = &at
	}
	s.Health = antiban.HealthScore(s.ErrorRate, s.ConsecutiveErrors)
	s.Action = antiban.RecommendedAction(s.Health)
	return s
}

func (m *Monitor) observerList() []Observer {
	out := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		out = append(out, o)
	}
	return out
}

func notify(observers []Observer, evt Event) {
	for _, o := range observers {
		o(evt)
	}
}
