package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/broadcaster/internal/antiban"
	"github.com/whatsapp-automation/broadcaster/internal/autopause"
	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/rotator"
	"github.com/whatsapp-automation/broadcaster/internal/session"
)

// ErrAlreadyActive is returned when a campaign already has a dispatch loop.
var ErrAlreadyActive = fmt.Errorf("%w: campaign already has an active dispatch loop", campaign.ErrValidation)

// Hooks are optional observers of dispatch progress. Panics inside a hook
// are recovered and logged.
type Hooks struct {
	// OnProgress receives a full snapshot after every processed contact.
	OnProgress func(c *campaign.Campaign)
	// OnSend receives every send attempt result.
	OnSend func(campaignName, sessionID string, err error)
	// OnDelay receives every inter-message wait that was scheduled.
	OnDelay func(campaignName string, d time.Duration, longPause bool)
	// OnFinish is called when a loop exits, with its fatal error if any.
	OnFinish func(campaignName string, status campaign.Status, err error)
}

// Config tunes the dispatcher.
type Config struct {
	RotationMode      rotator.Mode
	PausePollInterval time.Duration
	SendTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.RotationMode == "" {
		c.RotationMode = rotator.Sequential
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Minute
	}
}

type run struct {
	wake chan struct{}
	done chan struct{}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Dispatcher drives one delivery loop per running campaign.
type Dispatcher struct {
	cfg       Config
	campaigns *campaign.Manager
	pool      *session.Pool
	health    *autopause.Monitor
	delays    *antiban.DelayModel
	hooks     Hooks
	log       *logrus.Entry

	baseCtx context.Context
	cancel  context.CancelFunc

	runs map[string]*run
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// New creates a dispatcher. Loops started with Start live until Close.
func New(
	cfg Config,
	campaigns *campaign.Manager,
	pool *session.Pool,
	health *autopause.Monitor,
	delays *antiban.DelayModel,
	hooks Hooks,
	log *logrus.Entry,
) *Dispatcher {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		campaigns: campaigns,
		pool:      pool,
		health:    health,
		delays:    delays,
		hooks:     hooks,
		log:       log.WithField("component", "dispatcher"),
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
}

// ============================================
// CONTROL
// ============================================

// Start moves an idle campaign to running and dispatches it in the background.
func (d *Dispatcher) Start(ctx context.Context, name string) error {
	r, err := d.begin(ctx, name)
	if err != nil {
		return err
	}
	d.spawn(name, r)
	return nil
}

// Run is Start but dispatches on the calling goroutine and returns the
// loop's fatal error, if any.
func (d *Dispatcher) Run(ctx context.Context, name string) error {
	r, err := d.begin(ctx, name)
	if err != nil {
		return err
	}
	return d.execute(ctx, name, r)
}

// Pause asks a running campaign to hold before its next contact.
func (d *Dispatcher) Pause(ctx context.Context, name string) error {
	if _, err := d.campaigns.Transition(ctx, name, campaign.StatusPaused); err != nil {
		return err
	}
	d.wake(name)
	return nil
}

// Resume continues a paused campaign, starting a new loop if none is active.
func (d *Dispatcher) Resume(ctx context.Context, name string) error {
	plan, err := d.campaigns.Plan(name)
	if err != nil {
		return err
	}
	if err := dispatchable(plan); err != nil {
		return err
	}
	if _, err := d.campaigns.Transition(ctx, name, campaign.StatusRunning); err != nil {
		return err
	}

	d.mu.Lock()
	r, active := d.runs[name]
	if !active {
		r = newRun()
		d.runs[name] = r
	}
	d.mu.Unlock()

	if active {
		r.signal()
		return nil
	}
	d.spawn(name, r)
	return nil
}

// Stop ends a running or paused campaign. An in-flight send completes first.
func (d *Dispatcher) Stop(ctx context.Context, name string) error {
	if _, err := d.campaigns.Transition(ctx, name, campaign.StatusStopped); err != nil {
		return err
	}
	d.wake(name)
	return nil
}

// Delete removes a campaign that has no dispatch loop. A paused campaign
// whose loop is still parked must be stopped first.
func (d *Dispatcher) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, active := d.runs[name]; active {
		return &campaign.ValidationError{Field: "status", Message: fmt.Sprintf("stop campaign %s before deleting it", name)}
	}
	return d.campaigns.Delete(ctx, name)
}

// Recover relaunches loops for campaigns persisted as running.
func (d *Dispatcher) Recover(ctx context.Context) int {
	n := 0
	for _, name := range d.campaigns.Names(campaign.StatusRunning) {
		d.mu.Lock()
		if _, active := d.runs[name]; active {
			d.mu.Unlock()
			continue
		}
		r := newRun()
		d.runs[name] = r
		d.mu.Unlock()

		d.log.WithField("campaign", name).Info("Resuming campaign after restart")
		d.spawn(name, r)
		n++
	}
	return n
}

// Active reports whether a loop is currently running for the campaign.
func (d *Dispatcher) Active(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.runs[name]
	return ok
}

// Wait blocks until every background loop has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels background loops and waits for them. Campaign statuses are
// left untouched so Recover can pick them up on the next start.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// ============================================
// LOOP
// ============================================

func newRun() *run {
	return &run{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// dispatchable reports why a campaign cannot be sent, if it cannot.
func dispatchable(plan campaign.Plan) error {
	if plan.Total == 0 {
		return &campaign.ValidationError{Field: "contacts", Message: "campaign has no contacts"}
	}
	if len(plan.Messages) == 0 {
		return &campaign.ValidationError{Field: "messages", Message: "campaign has no messages"}
	}
	return nil
}

// begin validates and reserves a campaign, then marks it running.
func (d *Dispatcher) begin(ctx context.Context, name string) (*run, error) {
	plan, err := d.campaigns.Plan(name)
	if err != nil {
		return nil, err
	}
	if err := dispatchable(plan); err != nil {
		return nil, err
	}
	if plan.Status != campaign.StatusIdle {
		return nil, fmt.Errorf("%w: cannot start a %s campaign", campaign.ErrInvalidTransition, plan.Status)
	}

	d.mu.Lock()
	if _, active := d.runs[name]; active {
		d.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	r := newRun()
	d.runs[name] = r
	d.mu.Unlock()

	if _, err := d.campaigns.Transition(ctx, name, campaign.StatusRunning); err != nil {
		d.release(name, r)
		return nil, err
	}
	return r, nil
}

func (d *Dispatcher) spawn(name string, r *run) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.execute(d.baseCtx, name, r); err != nil {
			d.log.WithError(err).WithField("campaign", name).Error("Dispatch loop failed")
		}
	}()
}

func (d *Dispatcher) execute(ctx context.Context, name string, r *run) (err error) {
	log := d.log.WithField("campaign", name)
	log.Info("Dispatch loop started")

	defer func() {
		d.release(name, r)
		status, _ := d.campaigns.Status(name)
		log.WithField("status", status).Info("Dispatch loop exited")
		d.finish(name, status, err)
	}()

	return d.loop(ctx, name, r, log)
}

func (d *Dispatcher) release(name string, r *run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs[name] == r {
		delete(d.runs, name)
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (d *Dispatcher) wake(name string) {
	d.mu.Lock()
	r, ok := d.runs[name]
	d.mu.Unlock()
	if ok {
		r.signal()
	}
}

func (d *Dispatcher) loop(ctx context.Context, name string, r *run, log *logrus.Entry) error {
	var rot *rotator.Rotator
	loadRotator := func(p campaign.Plan) error {
		rot = rotator.New(d.cfg.RotationMode)
		if err := rot.Load(p.Messages); err != nil {
			return fmt.Errorf("campaign %s: %w", name, err)
		}
		rot.Seek(p.Cursor)
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		plan, err := d.campaigns.Plan(name)
		if err != nil {
			return err
		}

		switch plan.Status {
		case campaign.StatusPaused:
			// Messages may be edited while paused.
			rot = nil
			d.wait(ctx, r, d.cfg.PausePollInterval, name, nil)
			continue
		case campaign.StatusRunning:
		default:
			return nil
		}

		if rot == nil {
			if err := loadRotator(plan); err != nil {
				return err
			}
		}

		idx, contact, ok, err := d.campaigns.NextContact(name)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := d.campaigns.Transition(ctx, name, campaign.StatusCompleted); err != nil {
				return err
			}
			return nil
		}

		if contact.Status != campaign.ContactPending {
			if _, err := d.campaigns.Skip(ctx, name, idx); err != nil {
				return err
			}
			continue
		}

		sess, haveSession := d.acquire(plan)
		if haveSession {
			if left := d.health.Remaining(sess.ID()); left > 0 {
				log.WithFields(logrus.Fields{
					"session": sess.ID(),
					"wait":    left,
				}).Info("Session cooling down, waiting before send")
				d.wait(ctx, r, left, name, stopped)
				continue
			}
		}

		content, err := rot.RenderNext(contact.Vars())
		if err != nil {
			return err
		}

		outcome := campaign.Outcome{Index: idx}
		if !haveSession {
			outcome.Err = session.ErrUnavailable
		} else {
			outcome.SessionID = sess.ID()
			if err := d.campaigns.MarkSending(ctx, name, idx); err != nil {
				return err
			}
			outcome.MessageID, outcome.Err = d.send(ctx, sess, contact.Phone, content)
		}

		snap, err := d.campaigns.RecordOutcome(ctx, name, outcome)
		if err != nil {
			return err
		}
		d.sent(name, outcome.SessionID, outcome.Err)

		entry := log.WithFields(logrus.Fields{
			"phone":   contact.Phone,
			"session": outcome.SessionID,
			"cursor":  snap.Cursor,
			"total":   len(snap.Contacts),
		})
		if outcome.Err != nil {
			entry.WithError(outcome.Err).Warn("Send failed")
		} else {
			entry.WithField("message_id", outcome.MessageID).Debug("Message sent")
		}

		if haveSession {
			res := d.health.RecordResult(sess.ID(), outcome.Err == nil, outcome.Err)
			if res.ShouldPause {
				// A cooldown that already elapsed while its resume timer is
				// pending falls through to the normal delay.
				if cooldown := d.health.Remaining(sess.ID()); cooldown > 0 {
					log.WithFields(logrus.Fields{
						"session":  sess.ID(),
						"reason":   res.Reason,
						"cooldown": cooldown,
					}).Warn("Session health tripped, holding campaign")
					d.progress(snap)
					d.wait(ctx, r, cooldown, name, stopped)
					continue
				}
			}
		}

		d.progress(snap)

		if snap.Exhausted() {
			continue
		}

		delay := d.delays.Next(plan.MaxDelay, snap.Cursor)
		d.delayed(name, delay, d.delays.IsLongPause(snap.Cursor))
		d.wait(ctx, r, delay, name, notRunning)
	}
}

// acquire prefers sessions that are not cooling down. Only when every
// eligible session is paused is one returned anyway, so the loop waits out
// its cooldown.
func (d *Dispatcher) acquire(plan campaign.Plan) (session.Session, bool) {
	if len(plan.LinkedSessions) == 1 {
		return d.pool.AcquireByID(plan.LinkedSessions[0])
	}
	if s, ok := d.pool.AcquireWhere(plan.OwnerID, plan.LinkedSessions, d.usable); ok {
		return s, true
	}
	return d.pool.Acquire(plan.OwnerID, plan.LinkedSessions)
}

func (d *Dispatcher) usable(id string) bool {
	return !d.health.IsPaused(id)
}

// send shields the transport call from loop cancellation so a message is
// never abandoned half way.
func (d *Dispatcher) send(ctx context.Context, sess session.Session, to string, content message.Template) (string, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	return sess.Send(sendCtx, to, content)
}

// wait sleeps for dur, waking early on ctx cancellation or when a control
// signal arrives and interrupt reports true for the new status. It returns
// false if the wait was cut short.
func (d *Dispatcher) wait(ctx context.Context, r *run, dur time.Duration, name string, interrupt func(campaign.Status) bool) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-r.wake:
			if interrupt == nil {
				return false
			}
			status, err := d.campaigns.Status(name)
			if err != nil || interrupt(status) {
				return false
			}
		}
	}
}

func stopped(s campaign.Status) bool {
	return s != campaign.StatusRunning && s != campaign.StatusPaused
}

func notRunning(s campaign.Status) bool {
	return s != campaign.StatusRunning
}

// ============================================
// HOOKS
// ============================================

func (d *Dispatcher) progress(c *campaign.Campaign) {
	if d.hooks.OnProgress == nil {
		return
	}
	d.safely("progress", func() { d.hooks.OnProgress(c) })
}

func (d *Dispatcher) sent(name, sessionID string, err error) {
	if d.hooks.OnSend == nil {
		return
	}
	d.safely("send", func() { d.hooks.OnSend(name, sessionID, err) })
}

func (d *Dispatcher) delayed(name string, dur time.Duration, long bool) {
	if d.hooks.OnDelay == nil {
		return
	}
	d.safely("delay", func() { d.hooks.OnDelay(name, dur, long) })
}

func (d *Dispatcher) finish(name string, status campaign.Status, err error) {
	if d.hooks.OnFinish == nil {
		return
	}
	d.safely("finish", func() { d.hooks.OnFinish(name, status, err) })
}

func (d *Dispatcher) safely(hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.WithFields(logrus.Fields{
				"hook":  hook,
				"panic": rec,
			}).Error("Dispatch hook panicked")
		}
	}()
	fn()
}
