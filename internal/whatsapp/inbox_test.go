package whatsapp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestInboxKeepsNewestFirstWithinLimits(t *testing.T) {
	in := NewInbox(5)
	for i := 0; i < 8; i++ {
		in.Add(InboundMessage{ID: fmt.Sprint(i), SessionID: "s1"})
	}
	in.Add(InboundMessage{ID: "x", SessionID: "s2"})

	recent := in.Recent(0)
	assert.Len(t, recent, 5)
	assert.Equal(t, "x", recent[0].ID)
	assert.Equal(t, "7", recent[1].ID)

	assert.Len(t, in.Recent(2), 2)
	assert.Len(t, in.ForSession("s1"), 5)
	assert.Equal(t, "7", in.ForSession("s1")[0].ID)

	in.Forget("s1")
	assert.Empty(t, in.ForSession("s1"))
	assert.Len(t, in.ForSession("s2"), 1)
}

func TestInboundTextFiltersMessages(t *testing.T) {
	direct := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Sender: types.NewJID("15550001", types.DefaultUserServer)}},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}
	text, ok := inboundText(direct)
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	extended := &events.Message{Message: &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link reply")},
	}}
	text, ok = inboundText(extended)
	assert.True(t, ok)
	assert.Equal(t, "link reply", text)

	own := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{IsFromMe: true}},
		Message: &waE2E.Message{Conversation: proto.String("mine")},
	}
	_, ok = inboundText(own)
	assert.False(t, ok)

	group := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{IsGroup: true}},
		Message: &waE2E.Message{Conversation: proto.String("group")},
	}
	_, ok = inboundText(group)
	assert.False(t, ok)

	_, ok = inboundText(&events.Message{Message: &waE2E.Message{}})
	assert.False(t, ok)
}
