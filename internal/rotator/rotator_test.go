package rotator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

func TestLoadRejectsEmptyList(t *testing.T) {
	r := New(Sequential)
	assert.ErrorIs(t, r.Load(nil), ErrEmpty)

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSequentialWrapsAround(t *testing.T) {
	r := New(Sequential)
	require.NoError(t, r.Load([]message.Template{
		message.Text("A"), message.Text("B"), message.Text("C"),
	}))

	var got []string
	for i := 0; i < 7; i++ {
		tpl, err := r.Next()
		require.NoError(t, err)
		got = append(got, tpl.Text)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C", "A"}, got)
}

func TestRandomOnlyReturnsLoadedTemplates(t *testing.T) {
	r := New(Random)
	require.NoError(t, r.Load([]message.Template{message.Text("A"), message.Text("B")}))

	for i := 0; i < 50; i++ {
		tpl, err := r.Next()
		require.NoError(t, err)
		assert.Contains(t, []string{"A", "B"}, tpl.Text)
	}
}

func TestSeekResumesRotationPhase(t *testing.T) {
	r := New(Sequential)
	require.NoError(t, r.Load([]message.Template{
		message.Text("A"), message.Text("B"), message.Text("C"),
	}))

	r.Seek(4)
	tpl, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "B", tpl.Text)
}

func TestRenderNextSubstitutesVariables(t *testing.T) {
	r := New(Sequential)
	require.NoError(t, r.Load([]message.Template{
		message.Text("Hi {Name}, your number is {{phone}}. {unknown} {a|b}"),
		message.Media(message.KindImage, "/img/{name}.png", "For {NAME}"),
	}))

	vars := map[string]string{"name": "Ann", "phone": "5511"}

	text, err := r.RenderNext(vars)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann, your number is 5511. {unknown} {a|b}", text.Text)

	media, err := r.RenderNext(vars)
	require.NoError(t, err)
	assert.Equal(t, "For Ann", media.Caption)
	assert.Equal(t, "/img/{name}.png", media.MediaRef)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("RANDOM")
	require.NoError(t, err)
	assert.Equal(t, Random, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Sequential, m)

	_, err = ParseMode("weighted")
	assert.Error(t, err)
}
