package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/whatsapp-automation/broadcaster/internal/antiban"
	"github.com/whatsapp-automation/broadcaster/internal/autopause"
	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/session/sessiontest"
	"github.com/whatsapp-automation/broadcaster/internal/storage/memory"
)

type fixture struct {
	campaigns *campaign.Manager
	pool      *session.Pool
	health    *autopause.Monitor
	d         *Dispatcher
}

func newFixture(t *testing.T, healthCfg autopause.Config, hooks Hooks) *fixture {
	t.Helper()
	f := &fixture{
		campaigns: campaign.NewManager(memory.New(), time.Millisecond, nil),
		pool:      session.NewPool(nil),
		health:    autopause.New(healthCfg, nil),
	}
	f.d = New(
		Config{PausePollInterval: 5 * time.Millisecond, SendTimeout: time.Second},
		f.campaigns, f.pool, f.health,
		antiban.NewDelayModel(antiban.DefaultDelayOptions()),
		hooks, nil,
	)
	t.Cleanup(func() {
		f.d.Close()
		f.health.Close()
	})
	return f
}

func (f *fixture) create(t *testing.T, phones ...string) string {
	t.Helper()
	var contacts []campaign.ContactInput
	for i, p := range phones {
		contacts = append(contacts, campaign.ContactInput{Phone: p, Name: string(rune('A' + i))})
	}
	c, err := f.campaigns.Create(context.Background(), campaign.CreateParams{
		DisplayName: "Launch",
		OwnerID:     "owner-1",
		Contacts:    contacts,
		Messages:    []message.Template{message.Text("Hi {name}")},
		MaxDelay:    2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c.Name
}

func (f *fixture) status(t *testing.T, name string) campaign.Status {
	t.Helper()
	s, err := f.campaigns.Status(name)
	require.NoError(t, err)
	return s
}

func TestRunDeliversToEveryContact(t *testing.T) {
	defer goleak.VerifyNone(t)

	var progress int32
	f := newFixture(t, autopause.Config{}, Hooks{
		OnProgress: func(c *campaign.Campaign) { atomic.AddInt32(&progress, 1) },
	})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002", "15550000003")

	require.NoError(t, f.d.Run(context.Background(), name))

	c, err := f.campaigns.Get(name)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
	assert.Equal(t, 3, c.Stats.Sent)
	assert.Equal(t, 0, c.Stats.Pending)
	assert.Equal(t, 3, c.Cursor)
	assert.Equal(t, 3, c.SessionStats["s1"].Sent)
	assert.EqualValues(t, 3, atomic.LoadInt32(&progress))

	sent := s1.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Hi A", sent[0].Content.Text)
	assert.Equal(t, "Hi C", sent[2].Content.Text)
	for i, ct := range c.Contacts {
		assert.Equal(t, campaign.ContactSent, ct.Status)
		assert.Equal(t, sent[i].ID, ct.MessageID)
	}
	assert.False(t, f.d.Active(name))
}

func TestRunFailsContactsWhenNoSessionIsReady(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	name := f.create(t, "15550000001", "15550000002")

	require.NoError(t, f.d.Run(context.Background(), name))

	c, err := f.campaigns.Get(name)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, c.Status)
	assert.Equal(t, 2, c.Stats.Failed)
	for _, ct := range c.Contacts {
		assert.Equal(t, campaign.ContactFailed, ct.Status)
		assert.Equal(t, session.ErrUnavailable.Error(), ct.Error)
	}
}

func TestStartRejectsIncompleteCampaigns(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	ctx := context.Background()

	empty, err := f.campaigns.Create(ctx, campaign.CreateParams{DisplayName: "empty", OwnerID: "o"})
	require.NoError(t, err)
	err = f.d.Start(ctx, empty.Name)
	var verr *campaign.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "contacts", verr.Field)

	noMessages, err := f.campaigns.Create(ctx, campaign.CreateParams{
		DisplayName: "no messages",
		OwnerID:     "o",
		Contacts:    []campaign.ContactInput{{Phone: "15550000001"}},
	})
	require.NoError(t, err)
	err = f.d.Start(ctx, noMessages.Name)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "messages", verr.Field)

	assert.ErrorIs(t, f.d.Start(ctx, "missing"), campaign.ErrNotFound)
	assert.Equal(t, campaign.StatusIdle, f.status(t, empty.Name))
}

func TestStartTwiceIsRejected(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001")

	hold := make(chan struct{})
	s1.OnSend(func(string) { <-hold })

	require.NoError(t, f.d.Start(context.Background(), name))
	assert.ErrorIs(t, f.d.Start(context.Background(), name), campaign.ErrValidation)
	close(hold)

	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseHoldsAndResumeContinues(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002", "15550000003")
	ctx := context.Background()

	var once sync.Once
	s1.OnSend(func(string) {
		once.Do(func() { assert.NoError(t, f.d.Pause(ctx, name)) })
	})

	require.NoError(t, f.d.Start(ctx, name))
	require.Eventually(t, func() bool {
		c, _ := f.campaigns.Get(name)
		return c.Status == campaign.StatusPaused && c.Cursor == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, s1.Sent(), 1)
	assert.True(t, f.d.Active(name))

	require.NoError(t, f.d.Resume(ctx, name))
	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s1.Sent(), 3)
}

func TestResumeWithoutLoopStartsOne(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002")
	ctx := context.Background()

	_, err := f.campaigns.Transition(ctx, name, campaign.StatusRunning)
	require.NoError(t, err)
	_, err = f.campaigns.Transition(ctx, name, campaign.StatusPaused)
	require.NoError(t, err)
	require.False(t, f.d.Active(name))

	require.NoError(t, f.d.Resume(ctx, name))
	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s1.Sent(), 2)
}

func TestStopEndsCampaign(t *testing.T) {
	finished := make(chan campaign.Status, 1)
	f := newFixture(t, autopause.Config{}, Hooks{
		OnFinish: func(_ string, status campaign.Status, _ error) { finished <- status },
	})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002", "15550000003")
	ctx := context.Background()

	var once sync.Once
	s1.OnSend(func(string) {
		once.Do(func() { assert.NoError(t, f.d.Stop(ctx, name)) })
	})

	require.NoError(t, f.d.Start(ctx, name))
	select {
	case status := <-finished:
		assert.Equal(t, campaign.StatusStopped, status)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not exit")
	}

	c, err := f.campaigns.Get(name)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Cursor)
	assert.Equal(t, 1, c.Stats.Sent)
	assert.Equal(t, 2, c.Stats.Pending)
	assert.NotNil(t, c.CompletedAt)
	assert.Len(t, s1.Sent(), 1)
	assert.ErrorIs(t, f.d.Resume(ctx, name), campaign.ErrInvalidTransition)
}

func TestAutoPauseHoldsCampaignForCooldown(t *testing.T) {
	cooldown := 60 * time.Millisecond
	f := newFixture(t, autopause.Config{ConsecutiveErrorsThreshold: 2, Cooldown: cooldown}, Hooks{})

	var trips int32
	f.health.Subscribe(func(e autopause.Event) {
		if e.Type == autopause.EventPause {
			atomic.AddInt32(&trips, 1)
		}
	})

	s1 := sessiontest.New("s1", "owner-1")
	var calls int32
	s1.FailWith(func(string) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("rate limited")
		}
		return nil
	})
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002", "15550000003", "15550000004")

	start := time.Now()
	require.NoError(t, f.d.Run(context.Background(), name))

	assert.GreaterOrEqual(t, time.Since(start), cooldown-10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&trips))

	c, err := f.campaigns.Get(name)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, c.Status)
	assert.Equal(t, 2, c.Stats.Failed)
	assert.Equal(t, 2, c.Stats.Sent)
	assert.Equal(t, "rate limited", c.Contacts[0].Error)
}

func TestSkipsContactsThatAlreadyHaveAnOutcome(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002")
	ctx := context.Background()

	_, err := f.campaigns.UpdateContactStatus(ctx, name, "15550000001", campaign.ContactFailed, "opted out")
	require.NoError(t, err)

	require.NoError(t, f.d.Run(ctx, name))

	sent := s1.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15550000002", sent[0].To)
}

func TestLinkedSessionIsUsedExclusively(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	s2 := sessiontest.New("s2", "owner-1")
	f.pool.Add(s1)
	f.pool.Add(s2)
	name := f.create(t, "15550000001", "15550000002", "15550000003")
	_, err := f.campaigns.LinkSessions(context.Background(), name, []string{"s2"})
	require.NoError(t, err)

	require.NoError(t, f.d.Run(context.Background(), name))

	assert.Empty(t, s1.Sent())
	assert.Len(t, s2.Sent(), 3)
}

func TestRecoverRelaunchesRunningCampaigns(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002")
	_, err := f.campaigns.Transition(context.Background(), name, campaign.StatusRunning)
	require.NoError(t, err)

	assert.Equal(t, 1, f.d.Recover(context.Background()))
	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s1.Sent(), 2)
}

func TestHookPanicsAreContained(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{
		OnProgress: func(*campaign.Campaign) { panic("boom") },
	})
	f.pool.Add(sessiontest.New("s1", "owner-1"))
	name := f.create(t, "15550000001")

	require.NoError(t, f.d.Run(context.Background(), name))
	assert.Equal(t, campaign.StatusCompleted, f.status(t, name))
}

func TestCloseLeavesStatusForRecovery(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002")
	ctx := context.Background()

	var once sync.Once
	s1.OnSend(func(string) {
		once.Do(func() { assert.NoError(t, f.d.Pause(ctx, name)) })
	})

	require.NoError(t, f.d.Start(ctx, name))
	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	f.d.Close()
	assert.False(t, f.d.Active(name))
	assert.Equal(t, campaign.StatusPaused, f.status(t, name))
}

func TestResumeRejectsCampaignWithoutMessages(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	f.pool.Add(sessiontest.New("s1", "owner-1"))
	ctx := context.Background()

	c, err := f.campaigns.Create(ctx, campaign.CreateParams{
		DisplayName: "draft",
		OwnerID:     "owner-1",
		Contacts:    []campaign.ContactInput{{Phone: "15550000001"}},
	})
	require.NoError(t, err)
	_, err = f.campaigns.Transition(ctx, c.Name, campaign.StatusRunning)
	require.NoError(t, err)
	_, err = f.campaigns.Transition(ctx, c.Name, campaign.StatusPaused)
	require.NoError(t, err)

	err = f.d.Resume(ctx, c.Name)
	var verr *campaign.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "messages", verr.Field)
	assert.Equal(t, campaign.StatusPaused, f.status(t, c.Name))
	assert.False(t, f.d.Active(c.Name))

	_, err = f.campaigns.SetMessages(ctx, c.Name, []message.Template{message.Text("Hi")})
	require.NoError(t, err)
	require.NoError(t, f.d.Resume(ctx, c.Name))
	require.Eventually(t, func() bool {
		return f.status(t, c.Name) == campaign.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoolingSessionIsPassedOver(t *testing.T) {
	cooldown := 500 * time.Millisecond
	f := newFixture(t, autopause.Config{ConsecutiveErrorsThreshold: 1, Cooldown: cooldown}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	s2 := sessiontest.New("s2", "owner-1")
	f.pool.Add(s1)
	f.pool.Add(s2)

	// Tripped by some other campaign.
	require.True(t, f.health.RecordResult("s1", false, errors.New("rate limited")).ShouldPause)

	name := f.create(t, "15550000001")
	start := time.Now()
	require.NoError(t, f.d.Run(context.Background(), name))

	assert.Less(t, time.Since(start), cooldown/2)
	assert.Empty(t, s1.Sent())
	assert.Len(t, s2.Sent(), 1)
}

func TestElapsedCooldownKeepsPacing(t *testing.T) {
	var delays int32
	f := newFixture(t, autopause.Config{ConsecutiveErrorsThreshold: 1, Cooldown: time.Millisecond}, Hooks{
		OnDelay: func(string, time.Duration, bool) { atomic.AddInt32(&delays, 1) },
	})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)

	// A closed monitor never fires its resume timer, so s1 stays paused
	// after its cooldown has run out.
	f.health.Close()
	require.True(t, f.health.RecordResult("s1", false, errors.New("rate limited")).ShouldPause)
	require.Eventually(t, func() bool {
		return f.health.Remaining("s1") == 0
	}, time.Second, time.Millisecond)

	name := f.create(t, "15550000001", "15550000002")
	require.NoError(t, f.d.Run(context.Background(), name))

	assert.Len(t, s1.Sent(), 2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&delays))
	assert.Equal(t, campaign.StatusCompleted, f.status(t, name))
}

func TestDeleteRefusedWhileLoopIsParked(t *testing.T) {
	f := newFixture(t, autopause.Config{}, Hooks{})
	s1 := sessiontest.New("s1", "owner-1")
	f.pool.Add(s1)
	name := f.create(t, "15550000001", "15550000002")
	ctx := context.Background()

	var once sync.Once
	s1.OnSend(func(string) {
		once.Do(func() { assert.NoError(t, f.d.Pause(ctx, name)) })
	})

	require.NoError(t, f.d.Start(ctx, name))
	require.Eventually(t, func() bool {
		return f.status(t, name) == campaign.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.d.Active(name))

	assert.ErrorIs(t, f.d.Delete(ctx, name), campaign.ErrValidation)
	_, err := f.campaigns.Get(name)
	require.NoError(t, err)

	require.NoError(t, f.d.Stop(ctx, name))
	require.Eventually(t, func() bool { return !f.d.Active(name) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.d.Delete(ctx, name))
	assert.ErrorIs(t, f.d.Delete(ctx, name), campaign.ErrNotFound)
}
