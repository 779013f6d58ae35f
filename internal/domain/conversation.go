package domain

import "fmt"

// ConversationKind tags a conversation and drives provider selection.
type ConversationKind string

const (
	KindConsumer     ConversationKind = "consumer"
	KindCasual       ConversationKind = "casual"
	KindPro          ConversationKind = "pro"
	KindProfessional ConversationKind = "professional"
	KindManaged      ConversationKind = "managed"
	KindEnterprise   ConversationKind = "enterprise"
)

type Conversation struct {
	ID   string
	Kind ConversationKind
}

func (c Conversation) String() string {
	return fmt.Sprintf("%s/%s", c.ID, c.Kind)
}

// User is the local identity handed in by the authentication layer.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
