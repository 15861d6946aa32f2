package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateUnmarshalAcceptsPlainString(t *testing.T) {
	var list []Template
	err := json.Unmarshal([]byte(`["hello {name}", {"type":"image","mediaRef":"/tmp/a.png","caption":"hi"}]`), &list)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, KindText, list[0].Kind)
	assert.Equal(t, "hello {name}", list[0].Text)
	assert.True(t, list[1].IsMedia())
	assert.Equal(t, "hi", list[1].Body())
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		tpl     Template
		wantErr bool
	}{
		{"text ok", Text("hi"), false},
		{"text blank", Text("   "), true},
		{"image ok", Media(KindImage, "a.png", ""), false},
		{"image no ref", Media(KindImage, "", "caption"), true},
		{"unknown kind", Template{Kind: "sticker", Text: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tpl.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
