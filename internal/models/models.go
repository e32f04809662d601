// Package models defines the entities persisted in the local store and
// carried over the sync protocol: conversations, their messages, and the
// deletion tombstones queued for remote propagation.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the reconciliation lifecycle tag on an entity.
type SyncStatus string

const (
	// StatusNew marks a conversation that has never been offered to the
	// server. Only conversations start as new; messages start pending.
	StatusNew SyncStatus = "new"

	// StatusPending marks an entity with unsynced local state.
	StatusPending SyncStatus = "pending"

	// StatusSyncing marks a message with an outstanding in-flight send.
	// Set only by the sync manager while the send is unresolved.
	StatusSyncing SyncStatus = "syncing"

	// StatusSynced marks an entity acknowledged by the server.
	StatusSynced SyncStatus = "synced"

	// StatusError marks an entity whose last attempt failed. Errored
	// entities remain retryable; nothing is permanently failed.
	StatusError SyncStatus = "error"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is a single chat message, owned exclusively by its parent
// conversation and never referenced independently.
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`

	SyncStatus SyncStatus `json:"syncStatus"`

	// LastSyncAttempt is the wall-clock time of the most recent send
	// attempt, in Unix milliseconds. Zero when never attempted.
	LastSyncAttempt int64 `json:"lastSyncAttempt,omitempty"`
}

// SessionMetadata is the resumability checkpoint for an in-progress
// streamed exchange. It is attached to a conversation while the stream
// is unresolved and stripped once the exchange completes, so its
// presence alone marks a resumable session.
type SessionMetadata struct {
	SessionID           string `json:"sessionId"`
	ChunkIndex          int    `json:"chunkIndex"`
	HasStreamingContent bool   `json:"hasStreamingContent"`
	LastMessageID       string `json:"lastMessageId"`
}

// Conversation is the unit of sync: an ordered, append-only sequence of
// messages plus the aggregate sync status derived from them.
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`

	SyncStatus SyncStatus `json:"syncStatus"`

	// LocalCreatedAt orders conversations in the UI. It plays no part
	// in sync logic.
	LocalCreatedAt time.Time `json:"localCreatedAt"`

	SessionMetadata *SessionMetadata `json:"sessionMetadata,omitempty"`
}

// Tombstone records a deletion intent that must still be propagated to
// the server. It lives in the deletion queue, separate from the live
// conversation collection.
type Tombstone struct {
	ID         string     `json:"id"`
	SyncStatus SyncStatus `json:"syncStatus"`
	DeletedAt  time.Time  `json:"deletedAt"`
}

// maxDerivedTitleLen bounds titles derived from the first user message.
const maxDerivedTitleLen = 48

// NewConversation creates a conversation seeded with a first user message.
// The title is derived from that message unless explicitly set later.
func NewConversation(firstUserText string) Conversation {
	msg := NewMessage(firstUserText, SenderUser)

	return Conversation{
		ID:             uuid.NewString(),
		Title:          DeriveTitle(firstUserText),
		Messages:       []Message{msg},
		SyncStatus:     StatusNew,
		LocalCreatedAt: time.Now(),
	}
}

// NewMessage creates a pending message with a fresh client-generated id.
func NewMessage(text string, sender Sender) Message {
	return Message{
		ID:         uuid.NewString(),
		Text:       text,
		Sender:     sender,
		SyncStatus: StatusPending,
	}
}

// DeriveTitle produces a display title from the first user message.
// Truncation counts runes so multi-byte text is never cut mid-character.
func DeriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= maxDerivedTitleLen {
		return text
	}

	return string(runes[:maxDerivedTitleLen]) + "…"
}

// Message returns a pointer to the message with the given id, or nil.
func (c *Conversation) Message(id string) *Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}

	return nil
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// UnsyncedMessages returns the messages currently in the given status,
// in conversation order.
func (c *Conversation) UnsyncedMessages(status SyncStatus) []Message {
	var out []Message
	for _, msg := range c.Messages {
		if msg.SyncStatus == status {
			out = append(out, msg)
		}
	}

	return out
}

// Recompute derives the conversation's aggregate status from its children:
// the least-synced child wins. A conversation with any pending, syncing, or
// errored message must not read as synced. Conversations that were never
// offered to the server stay new until the create request is acknowledged.
func (c *Conversation) Recompute() {
	if c.SyncStatus == StatusNew {
		return
	}

	agg := StatusSynced
	for _, msg := range c.Messages {
		switch msg.SyncStatus {
		case StatusError:
			c.SyncStatus = StatusError
			return
		case StatusPending, StatusSyncing:
			agg = StatusPending
		}
	}

	c.SyncStatus = agg
}

// ValidSessionMetadata reports whether the attached session metadata, if
// any, names an existing message. Metadata pointing at a missing message
// is a stuck checkpoint and must be treated as absent.
func (c *Conversation) ValidSessionMetadata() bool {
	if c.SessionMetadata == nil {
		return false
	}

	return c.Message(c.SessionMetadata.LastMessageID) != nil
}
