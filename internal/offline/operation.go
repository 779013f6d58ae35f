// Package offline holds mutations issued without connectivity and replays
// them in submission order once the network returns.
package offline

import (
	"time"

	"github.com/tripchat/realtime/internal/domain"
)

type OpKind string

const (
	OpSend   OpKind = "send"
	OpEdit   OpKind = "edit"
	OpDelete OpKind = "delete"
)

// Operation is one queued mutation. It carries data rather than a closure
// so a journal can persist it across restarts.
type Operation struct {
	ID               string                  `json:"id"`
	Seq              uint64                  `json:"seq"`
	Kind             OpKind                  `json:"kind"`
	ConversationID   string                  `json:"conversation_id"`
	ConversationKind domain.ConversationKind `json:"conversation_kind"`
	Draft            *domain.Draft           `json:"draft,omitempty"`
	MessageID        string                  `json:"message_id,omitempty"`
	Body             string                  `json:"body,omitempty"`
	Version          int64                   `json:"version,omitempty"`
	RetryCount       int                     `json:"retry_count"`
	EnqueuedAt       time.Time               `json:"enqueued_at"`
}

func (o Operation) Conversation() domain.Conversation {
	return domain.Conversation{ID: o.ConversationID, Kind: o.ConversationKind}
}

func SendOp(conv domain.Conversation, draft domain.Draft) Operation {
	return Operation{Kind: OpSend, ConversationID: conv.ID, ConversationKind: conv.Kind, Draft: &draft}
}

func EditOp(conv domain.Conversation, messageID, body string, version int64) Operation {
	return Operation{Kind: OpEdit, ConversationID: conv.ID, ConversationKind: conv.Kind, MessageID: messageID, Body: body, Version: version}
}

func DeleteOp(conv domain.Conversation, messageID string) Operation {
	return Operation{Kind: OpDelete, ConversationID: conv.ID, ConversationKind: conv.Kind, MessageID: messageID}
}
