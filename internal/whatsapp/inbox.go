package whatsapp

import (
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"
)

// InboundMessage is a text message received by one of our sessions.
type InboundMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	defaultInboxSize       = 1000
	defaultInboxPerSession = 100
)

// Inbox keeps the most recent inbound messages, newest first, overall and
// per session.
type Inbox struct {
	messages   []InboundMessage
	bySession  map[string][]InboundMessage
	max        int
	perSession int
	mu         sync.RWMutex
}

// NewInbox creates an inbox holding at most max messages overall.
func NewInbox(max int) *Inbox {
	if max <= 0 {
		max = defaultInboxSize
	}
	per := defaultInboxPerSession
	if per > max {
		per = max
	}
	return &Inbox{
		bySession:  make(map[string][]InboundMessage),
		max:        max,
		perSession: per,
	}
}

// Add records a message.
func (in *Inbox) Add(msg InboundMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.messages = prepend(in.messages, msg, in.max)
	in.bySession[msg.SessionID] = prepend(in.bySession[msg.SessionID], msg, in.perSession)
}

func prepend(list []InboundMessage, msg InboundMessage, limit int) []InboundMessage {
	list = append([]InboundMessage{msg}, list...)
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Recent returns up to limit messages, newest first. limit <= 0 returns all.
func (in *Inbox) Recent(limit int) []InboundMessage {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if limit <= 0 || limit > len(in.messages) {
		limit = len(in.messages)
	}
	out := make([]InboundMessage, limit)
	copy(out, in.messages[:limit])
	return out
}

// ForSession returns the messages received by one session.
func (in *Inbox) ForSession(sessionID string) []InboundMessage {
	in.mu.RLock()
	defer in.mu.RUnlock()

	msgs := in.bySession[sessionID]
	out := make([]InboundMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Forget drops a session's messages from the per-session index.
func (in *Inbox) Forget(sessionID string) {
	in.mu.Lock()
	delete(in.bySession, sessionID)
	in.mu.Unlock()
}

// inboundText extracts the text of a direct message from someone else.
// Group chats, our own messages and non-text payloads give ok=false.
func inboundText(evt *events.Message) (string, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return "", false
	}
	switch {
	case evt.Message.GetConversation() != "":
		return evt.Message.GetConversation(), true
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		return evt.Message.GetExtendedTextMessage().GetText(), true
	}
	return "", false
}
