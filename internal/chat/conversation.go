package chat

import (
	"sort"
	"strings"
)

// UserDisplay is the denormalized name/photo pair kept on a conversation for
// list rendering, so the conversation screen never joins against a user
// profile service.
type UserDisplay struct {
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

// Conversation is the per-pair (or per-group) summary record.
type Conversation struct {
	ID                 string                 `json:"id"`
	Participants       []string               `json:"participants"`
	IsGroup            bool                   `json:"isGroup"`
	ParticipantDisplay map[string]UserDisplay `json:"participantDisplay"`
	LastMessage        string                 `json:"lastMessage"`
	LastMessageTime    int64                  `json:"lastMessageTime"`
	LastMessageSender  string                 `json:"lastMessageSender"`
	LastMessageType    MessageType            `json:"lastMessageType"`
	UnreadCount        map[string]int64       `json:"unreadCount"`
	TypingUsers        map[string]bool        `json:"typingUsers"`
	BlockedBy          []string               `json:"blockedBy"`
	CreatedAt          int64                  `json:"createdAt"`
}

// Blocked reports whether any participant has unilaterally blocked the
// conversation.
func (c *Conversation) Blocked() bool { return len(c.BlockedBy) > 0 }

// pairID derives the deterministic 1:1 conversation id for two users. Both
// sides derive the same id regardless of who initiates, which makes the
// duplicate-creation race between two first contacts converge on one
// document instead of two.
func pairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}
