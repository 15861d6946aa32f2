package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/session/sessiontest"
)

func TestAcquireIsLeastRecentlyUsed(t *testing.T) {
	p := session.NewPool(nil)
	p.Add(sessiontest.New("s2", "owner"))
	p.Add(sessiontest.New("s1", "owner"))
	p.Add(sessiontest.New("s3", "other"))

	var got []string
	for i := 0; i < 4; i++ {
		s, ok := p.Acquire("owner", nil)
		require.True(t, ok)
		got = append(got, s.ID())
	}
	// Ties on first use break by id, then strict rotation.
	assert.Equal(t, []string{"s1", "s2", "s1", "s2"}, got)
}

func TestAcquireAllowedListIgnoresOwner(t *testing.T) {
	p := session.NewPool(nil)
	p.Add(sessiontest.New("s1", "owner"))
	p.Add(sessiontest.New("shared", "someone-else"))

	s, ok := p.Acquire("owner", []string{"shared"})
	require.True(t, ok)
	assert.Equal(t, "shared", s.ID())

	_, ok = p.Acquire("owner", []string{"missing"})
	assert.False(t, ok)
}

func TestAcquireWhereFiltersSessions(t *testing.T) {
	p := session.NewPool(nil)
	p.Add(sessiontest.New("s1", "owner"))
	p.Add(sessiontest.New("s2", "owner"))

	notS1 := func(id string) bool { return id != "s1" }
	for i := 0; i < 3; i++ {
		s, ok := p.AcquireWhere("owner", nil, notS1)
		require.True(t, ok)
		assert.Equal(t, "s2", s.ID())
	}

	_, ok := p.AcquireWhere("owner", nil, func(string) bool { return false })
	assert.False(t, ok)

	// s1 was never handed out, so it is now least recently used.
	s, ok := p.Acquire("owner", nil)
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID())
}

func TestAcquireSkipsSessionsThatAreNotReady(t *testing.T) {
	p := session.NewPool(nil)
	down := sessiontest.New("s1", "owner")
	down.SetReady(false)
	p.Add(down)

	_, ok := p.Acquire("owner", nil)
	assert.False(t, ok)
	_, ok = p.AcquireByID("s1")
	assert.False(t, ok)
	assert.Empty(t, p.List("owner"))

	down.SetReady(true)
	s, ok := p.AcquireByID("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID())
	assert.Len(t, p.List(""), 1)
	assert.Equal(t, 1, p.ReadyCount())
}

func TestRemoveIsIdempotent(t *testing.T) {
	p := session.NewPool(nil)
	s := sessiontest.New("s1", "owner")
	p.Add(s)

	require.NoError(t, p.Remove(context.Background(), "s1"))
	assert.True(t, s.Closed())
	require.NoError(t, p.Remove(context.Background(), "s1"))

	_, ok := p.Get("s1")
	assert.False(t, ok)
}
