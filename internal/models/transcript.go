package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcript is the ordered list of messages of one assistant panel. Insertion order is conversation order.
//
// While a response is streaming, the transcript tracks the index of the in-progress assistant message
// explicitly. That message is created lazily by the first delta and every later delta mutates the same entry.
// A Transcript is safe for concurrent use, but only one stream may write to it at a time.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message

	// streaming is true between BeginStream and EndStream.
	streaming bool
	// current is the index of the in-progress assistant message, or -1 if no delta arrived yet.
	current int
}

// NewTranscript returns a transcript seeded with the given messages.
func NewTranscript(messages ...Message) *Transcript {
	t := &Transcript{current: -1}
	t.messages = append(t.messages, messages...)
	return t
}

// AddUser appends a user message with the given text and returns it.
func (t *Transcript) AddUser(text string) Message {
	m := Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, m)
	return m
}

// BeginStream marks the start of a streamed assistant response. No assistant entry is created until the
// first delta arrives.
func (t *Transcript) BeginStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = true
	t.current = -1
}

// ApplyDelta appends delta to the in-progress assistant message, creating it on the first call after
// BeginStream. It returns a snapshot of the assistant message after the update.
func (t *Transcript) ApplyDelta(delta string) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current < 0 || t.current >= len(t.messages) {
		t.messages = append(t.messages, Message{
			ID:        uuid.New().String(),
			Role:      RoleAssistant,
			Timestamp: time.Now(),
		})
		t.current = len(t.messages) - 1
	}

	t.messages[t.current].Content += delta
	return t.messages[t.current]
}

// EndStream marks the streamed response as finished. Later deltas would start a new assistant message.
func (t *Transcript) EndStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = false
	t.current = -1
}

// Streaming reports whether a response is currently being streamed into the transcript.
func (t *Transcript) Streaming() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streaming
}

// Current returns the in-progress assistant message, if one has been created for the running stream.
func (t *Transcript) Current() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current < 0 || t.current >= len(t.messages) {
		return Message{}, false
	}
	return t.messages[t.current], true
}

// Last returns the last message of the transcript.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the messages in conversation order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}
