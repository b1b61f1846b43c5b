package chat

// MessageType is the payload kind of a chat message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
)

// MessageStatus tracks delivery of a message. Transitions are monotonic
// along sent → delivered → read and never regress.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// statusRank orders statuses for the monotonicity check.
func statusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// ReplyRef is a snapshot of the message being replied to — never a live
// reference, so the preview survives soft-deletion of the original.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	Text           string        `json:"text"`
	Type           MessageType   `json:"type"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	MediaDuration  int64         `json:"mediaDuration,omitempty"` // seconds, audio/video only
	ReplyTo        *ReplyRef     `json:"replyTo,omitempty"`
	Status         MessageStatus `json:"status"`
	IsDeleted      bool          `json:"isDeleted"`
	IsEdited       bool          `json:"isEdited"`
	IsOneTimeView  bool          `json:"isOneTimeView"`
	Viewed         bool          `json:"viewed,omitempty"` // one-time-view messages only
	Forwarded      bool          `json:"forwarded,omitempty"`
	Timestamp      int64         `json:"timestamp"` // store-assigned, unix millis
}

// previewLabel is the conversation-list summary for a message. Media types
// map to fixed labels, never the raw payload.
func previewLabel(t MessageType, text string) string {
	switch t {
	case MessageTypeImage:
		return "📷 Photo"
	case MessageTypeVideo:
		return "📹 Video"
	case MessageTypeAudio:
		return "🎤 Voice message"
	default:
		return text
	}
}
