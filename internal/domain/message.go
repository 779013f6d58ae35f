package domain

import (
	"strings"
	"time"
)

const MaxBodySize = 5000

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
	AttachmentLink  AttachmentKind = "link"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentFile, AttachmentLink:
		return true
	}
	return false
}

type Attachment struct {
	ID   string         `json:"id"`
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Size int64          `json:"size,omitempty"`
}

// Message Invariants:
// 1. Identity: ID is assigned by the backend on the first successful send.
// 2. Immutability: Body changes only through an edit, which sets IsEdited and EditedAt.
// 3. Soft delete: a deleted message keeps its ID but leaves default history.
type Message struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	SenderID          string       `json:"sender_id"`
	SenderDisplayName string       `json:"sender_display_name,omitempty"`
	Body              string       `json:"body"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	IsEdited          bool         `json:"is_edited,omitempty"`
	EditedAt          *time.Time   `json:"edited_at,omitempty"`
	IsDeleted         bool         `json:"is_deleted,omitempty"`
	DeletedAt         *time.Time   `json:"deleted_at,omitempty"`
	Version           int64        `json:"version"`
}

// Draft is outbound content before the backend assigns identity.
type Draft struct {
	ConversationID    string       `json:"conversation_id"`
	SenderID          string       `json:"sender_id"`
	SenderDisplayName string       `json:"sender_display_name,omitempty"`
	Body              string       `json:"body"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

func NewDraft(conversationID string, sender User, body string, attachments ...Attachment) (Draft, error) {
	d := Draft{
		ConversationID:    conversationID,
		SenderID:          sender.ID,
		SenderDisplayName: sender.DisplayName,
		Body:              body,
		Attachments:       attachments,
	}
	return d, d.Validate()
}

func (d Draft) Validate() error {
	if d.ConversationID == "" || d.SenderID == "" {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0 {
		return ErrInvalidMessage
	}
	if len(d.Body) > MaxBodySize {
		return ErrMessageTooLarge
	}
	for _, a := range d.Attachments {
		if !a.Kind.Valid() || a.URL == "" {
			return ErrInvalidMessage
		}
	}
	return nil
}

// Edit applies a body change, enforcing the optimistic-lock version.
func (m *Message) Edit(body string, version int64, now time.Time) error {
	if m.IsDeleted {
		return ErrMessageNotFound
	}
	if version != m.Version {
		return ErrOptimisticLockConflict
	}
	if strings.TrimSpace(body) == "" {
		return ErrInvalidMessage
	}
	if len(body) > MaxBodySize {
		return ErrMessageTooLarge
	}
	m.Body = body
	m.IsEdited = true
	m.EditedAt = &now
	m.Version++
	return nil
}

// MarkDeleted soft-deletes the message. Deleting twice is a no-op.
func (m *Message) MarkDeleted(now time.Time) bool {
	if m.IsDeleted {
		return false
	}
	m.IsDeleted = true
	m.DeletedAt = &now
	m.Version++
	return true
}

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
)

// Event is one inbound delivery. Sequence is scoped to a single
// subscription and restarts at 0 whenever the channel reconnects.
type Event struct {
	Type     EventType `json:"type"`
	Sequence int64     `json:"sequence"`
	Message  *Message  `json:"message"`
}
