package chat

import "time"

type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationSupport ConversationType = "support"
)

func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup || t == ConversationSupport
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
	MessageTyping MessageType = "typing"
)

// Persistable reports whether messages of this type are stored. Typing
// indicators are ephemeral.
func (t MessageType) Persistable() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Conversation is the stored state of one chat. UnreadCounts[u] counts the
// messages authored by others with Seq above u's read cursor.
type Conversation struct {
	ID            string           `json:"id" db:"id"`
	Type          ConversationType `json:"type" db:"type"`
	Participants  []string         `json:"participants"`
	LastMessageID string           `json:"lastMessageId,omitempty" db:"last_message_id"`
	LastMessage   string           `json:"lastMessage,omitempty" db:"last_message"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty" db:"last_message_at"`
	LastSeq       int64            `json:"lastSeq" db:"last_seq"`
	UnreadCounts  map[string]int   `json:"unreadCounts"`
	ArchivedBy    []string         `json:"archivedBy,omitempty"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is append-only apart from the soft edit and delete flags. Seq is
// assigned by the repository and orders messages within a conversation.
type Message struct {
	ID              string      `json:"id" db:"id"`
	ConversationID  string      `json:"conversationId" db:"conversation_id"`
	Seq             int64       `json:"seq" db:"seq"`
	SenderID        string      `json:"senderId" db:"sender_id"`
	Content         string      `json:"content" db:"content"`
	Type            MessageType `json:"type" db:"type"`
	ClientMessageID string      `json:"clientMessageId,omitempty" db:"client_message_id"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	IsEdited        bool        `json:"isEdited" db:"is_edited"`
	EditedAt        *time.Time  `json:"editedAt,omitempty" db:"edited_at"`
	IsDeleted       bool        `json:"isDeleted" db:"is_deleted"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty" db:"deleted_at"`
	ReadBy          []string    `json:"readBy"`
	DeliveredTo     []string    `json:"deliveredTo"`
}

// ReceiptResult reports what a read or delivery acknowledgement changed.
type ReceiptResult struct {
	// MessageIDs lists messages that gained the receipt in this call.
	MessageIDs []string
	// Unread is the reader's unread count afterwards. Delivery leaves it as is.
	Unread int
}

// Outbound payloads.

type ReceiptPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UptoMessageID  string    `json:"uptoMessageId"`
	MessageIDs     []string  `json:"messageIds"`
	Unread         int       `json:"unread"`
	At             time.Time `json:"at"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type DeliveryFailedPayload struct {
	ConversationID  string `json:"conversationId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Reason          string `json:"reason"`
}
