package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/storage"
	"github.com/whatsapp-automation/broadcaster/internal/storage/memory"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewManager(store, 30*time.Second, nil), store
}

func createCampaign(t *testing.T, m *Manager, phones ...string) *Campaign {
	t.Helper()
	var contacts []ContactInput
	for i, p := range phones {
		contacts = append(contacts, ContactInput{Phone: p, Name: string(rune('A' + i))})
	}
	c, err := m.Create(context.Background(), CreateParams{
		DisplayName: "Spring Sale!",
		OwnerID:     "owner-1",
		Contacts:    contacts,
		Messages:    []message.Template{message.Text("Hi {name}")},
	})
	require.NoError(t, err)
	return c
}

func assertPendingInvariant(t *testing.T, c *Campaign) {
	t.Helper()
	assert.Equal(t, c.Stats.Total-c.Stats.Sent-c.Stats.Failed, c.Stats.Pending)
	assert.Equal(t, len(c.Contacts), c.Stats.Total)
	assert.LessOrEqual(t, c.Cursor, len(c.Contacts))
}

func TestCreateValidatesInput(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateParams{OwnerID: "o"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.Create(ctx, CreateParams{
		DisplayName: "dup",
		OwnerID:     "o",
		Contacts:    []ContactInput{{Phone: "+1 555 000 1111"}, {Phone: "15550001111"}},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "duplicate")

	_, err = m.Create(ctx, CreateParams{
		DisplayName: "bad phone",
		OwnerID:     "o",
		Contacts:    []ContactInput{{Phone: "12"}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.Create(ctx, CreateParams{
		DisplayName: "bad message",
		OwnerID:     "o",
		Messages:    []message.Template{message.Text("")},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateAssignsInternalNameAndDefaults(t *testing.T) {
	m, store := newManager(t)
	c := createCampaign(t, m, "5511999990001", "5511999990002")

	assert.Regexp(t, `^spring-sale-[0-9a-f]{8}$`, c.Name)
	assert.Equal(t, "Spring Sale!", c.DisplayName)
	assert.Equal(t, StatusIdle, c.Status)
	assert.Equal(t, 30*time.Second, c.MaxDelay)
	assert.Equal(t, Stats{Total: 2, Pending: 2}, c.Stats)

	raw, err := store.Get(context.Background(), storage.BucketCampaigns, c.Name)
	require.NoError(t, err)
	var persisted Campaign
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, c.Name, persisted.Name)

	other := createCampaign(t, m, "5511999990001")
	assert.NotEqual(t, c.Name, other.Name)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	m, _ := newManager(t)
	c := createCampaign(t, m, "5511999990001")

	snap, err := m.Get(c.Name)
	require.NoError(t, err)
	snap.Contacts[0].Status = ContactFailed
	snap.Stats.Failed = 99

	again, err := m.Get(c.Name)
	require.NoError(t, err)
	assert.Equal(t, ContactPending, again.Contacts[0].Status)
	assert.Equal(t, 0, again.Stats.Failed)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	c := createCampaign(t, m, "5511999990001")

	_, err := m.Transition(ctx, c.Name, StatusPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrValidation)

	got, err := m.Transition(ctx, c.Name, StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)

	_, err = m.Transition(ctx, c.Name, StatusPaused)
	require.NoError(t, err)
	_, err = m.Transition(ctx, c.Name, StatusRunning)
	require.NoError(t, err)
	got, err = m.Transition(ctx, c.Name, StatusStopped)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	_, err = m.Transition(ctx, c.Name, StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordOutcomeUpdatesEverythingTogether(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	c := createCampaign(t, m, "5511999990001", "5511999990002", "5511999990003")

	idx, ct, ok, err := m.NextContact(c.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "5511999990001", ct.Phone)

	require.NoError(t, m.MarkSending(ctx, c.Name, 0))
	got, err := m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, ContactSent, got.Contacts[0].Status)
	assert.Equal(t, "m1", got.Contacts[0].MessageID)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, SessionStats{Sent: 1}, got.SessionStats["s1"])
	assertPendingInvariant(t, got)

	got, err = m.RecordOutcome(ctx, c.Name, Outcome{Index: 1, SessionID: "s1", Err: errors.New("boom")})
	require.NoError(t, err)
	assert.Equal(t, ContactFailed, got.Contacts[1].Status)
	assert.Equal(t, "boom", got.Contacts[1].Error)
	assert.Equal(t, SessionStats{Sent: 1, Failed: 1}, got.SessionStats["s1"])
	assert.Equal(t, Stats{Total: 3, Sent: 1, Failed: 1, Pending: 1}, got.Stats)
	assertPendingInvariant(t, got)

	// Replaying an outcome neither double counts nor rewinds the cursor.
	got, err = m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s2", MessageID: "m9"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cursor)
	assert.Equal(t, 1, got.Stats.Sent)
	assert.Equal(t, "s1", got.Contacts[0].SessionID)

	_, err = m.RecordOutcome(ctx, c.Name, Outcome{Index: 7})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateContactStatusIsIdempotentAndForwardOnly(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	c := createCampaign(t, m, "5511999990001", "5511999990002")

	_, err := m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)

	changed, err := m.UpdateContactStatus(ctx, c.Name, "+55 11 99999-0001", ContactSent, "")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.UpdateContactStatus(ctx, c.Name, "5511999990001", ContactRead, "")
	require.NoError(t, err)
	assert.True(t, changed)

	// Late delivery receipt after read is ignored.
	changed, err = m.UpdateContactStatus(ctx, c.Name, "5511999990001", ContactReceived, "")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := m.Get(c.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Received, "read implies received")
	assert.Equal(t, 1, got.Stats.Read)
	assertPendingInvariant(t, got)

	_, err = m.UpdateContactStatus(ctx, c.Name, "5511999990001", ContactFailed, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	changed, err = m.UpdateContactStatus(ctx, c.Name, "5511999990002", ContactFailed, "opted out")
	require.NoError(t, err)
	assert.True(t, changed)

	// Failed is terminal.
	changed, err = m.UpdateContactStatus(ctx, c.Name, "5511999990002", ContactSent, "")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = m.Get(c.Name)
	require.NoError(t, err)
	assert.Equal(t, "opted out", got.Contacts[1].Error)
	assertPendingInvariant(t, got)

	_, err = m.UpdateContactStatus(ctx, c.Name, "5511999990002", "bogus", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReceiptsAndReplies(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	c := createCampaign(t, m, "5511999990001", "5511999990002")

	_, err := m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)

	changed, err := m.ApplyReceipt(ctx, "m1", ContactReceived)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.ApplyReceipt(ctx, "unknown", ContactRead)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, 0, m.RecordReply(ctx, "s2", "5511999990001"), "other session")
	assert.Equal(t, 0, m.RecordReply(ctx, "", "5511999990002"), "not sent yet")
	assert.Equal(t, 1, m.RecordReply(ctx, "s1", "+5511999990001"))

	got, err := m.Get(c.Name)
	require.NoError(t, err)
	assert.Equal(t, ContactReplied, got.Contacts[0].Status)
	assert.Equal(t, Stats{Total: 2, Sent: 1, Received: 1, Read: 1, Replied: 1, Pending: 1}, got.Stats)
}

func TestLoadRecoversInterruptedSends(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	c := createCampaign(t, m, "5511999990001", "5511999990002", "5511999990003")

	_, err := m.Transition(ctx, c.Name, StatusRunning)
	require.NoError(t, err)
	_, err = m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkSending(ctx, c.Name, 1))

	restarted := NewManager(store, time.Second, nil)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restarted.Get(c.Name)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, ContactFailed, got.Contacts[1].Status)
	assert.Contains(t, got.Contacts[1].Error, "interrupted")
	assert.Equal(t, 2, got.Cursor)
	assert.Equal(t, Stats{Total: 3, Sent: 1, Failed: 1, Pending: 1}, got.Stats)
	assert.Equal(t, []string{c.Name}, restarted.Names(StatusRunning))

	// Receipt index is rebuilt.
	changed, err := restarted.ApplyReceipt(ctx, "m1", ContactRead)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPersistenceFailuresAreNotReturned(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	c := createCampaign(t, m, "5511999990001")

	var failures int
	m.OnPersistError = func(string, error) { failures++ }
	store.FailWrites = errors.New("disk full")

	got, err := m.RecordOutcome(ctx, c.Name, Outcome{Index: 0, SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Sent)
	assert.Equal(t, 1, failures)
}

func TestEditingRules(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	c := createCampaign(t, m, "5511999990001")

	got, err := m.AddContacts(ctx, c.Name, []ContactInput{{Phone: "5511999990002", Variables: map[string]string{"city": "SP"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.Total)
	assert.Equal(t, "SP", got.Contacts[1].Vars()["city"])

	_, err = m.AddContacts(ctx, c.Name, []ContactInput{{Phone: "5511999990001"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.SetMessages(ctx, c.Name, nil)
	assert.ErrorIs(t, err, ErrValidation)
	got, err = m.Get(c.Name)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)

	got, err = m.LinkSessions(ctx, c.Name, []string{"s1", "s1", " ", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, got.LinkedSessions)

	_, err = m.Transition(ctx, c.Name, StatusRunning)
	require.NoError(t, err)

	_, err = m.SetMessages(ctx, c.Name, []message.Template{message.Text("new")})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, m.Delete(ctx, c.Name), ErrValidation)

	_, err = m.Transition(ctx, c.Name, StatusStopped)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, c.Name))
	assert.ErrorIs(t, m.Delete(ctx, c.Name), ErrNotFound)
	assert.Empty(t, m.List("owner-1"))
}
