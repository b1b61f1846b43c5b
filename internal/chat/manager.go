// Package chat is the messaging service: all message and conversation
// mutation and read paths, and the single writer of conversation summaries.
// It holds no state of its own — everything round-trips through the document
// store, and listeners receive their own writes back through the same
// subscription path as everyone else's.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/akbadjie/havanah/internal/store"
	"github.com/akbadjie/havanah/internal/util"
)

// ErrInvalidUserID is returned when a participant id fails validation, e.g.
// contains the reserved 1:1 conversation id separator.
var ErrInvalidUserID = errors.New("chat: invalid user id")

const (
	// statusSweepWindow bounds UpdateMessageStatus to the most recent
	// messages. Sweeping the full log would amplify every read receipt into
	// O(history) writes; the cost is that messages older than the window may
	// never be marked read.
	statusSweepWindow = 30

	conversationsCol = "conversations"
	reportsCol       = "reports"
)

// Manager orchestrates message and conversation operations against the store.
type Manager struct {
	st store.Store
}

// New creates a chat manager on top of a document store.
func New(st store.Store) *Manager {
	return &Manager{st: st}
}

func convPath(convID string) string {
	return conversationsCol + "/" + convID
}

func messagesCol(convID string) string {
	return convPath(convID) + "/messages"
}

func messagePath(convID, msgID string) string {
	return messagesCol(convID) + "/" + msgID
}

// GetOrCreateConversation returns the id of the 1:1 conversation between a
// and b, creating it on first contact. Idempotent: an existing conversation
// is returned as-is. Two simultaneous first contacts may both run the create
// path; because the 1:1 id is derived from the sorted participant pair, both
// writes land on the same document and the race is harmless.
//
// Both ids must pass util.ValidateUserID. An id containing the "_" separator
// would let distinct pairs ("a","b_c") and ("a_b","c") derive the same pair
// id, and the later create would replace the earlier conversation.
func (m *Manager) GetOrCreateConversation(ctx context.Context, a, b string, display map[string]UserDisplay) (string, error) {
	a, err := util.ValidateUserID(a)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	b, err = util.ValidateUserID(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}

	docs, err := m.st.Query(ctx, store.Query{
		Collection: conversationsCol,
		Filters: []store.Filter{
			{Field: "participants", Op: "array-contains", Value: a},
			{Field: "isGroup", Op: "==", Value: false},
		},
	})
	if err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	for i := range docs {
		conv := decodeConversation(&docs[i])
		for _, p := range conv.Participants {
			if p == b {
				return conv.ID, nil
			}
		}
	}

	id := pairID(a, b)
	disp := make(map[string]any, len(display))
	for uid, d := range display {
		disp[uid] = map[string]any{"name": d.Name, "photo": d.Photo}
	}
	err = m.st.Set(ctx, convPath(id), map[string]any{
		"participants":       []any{a, b},
		"isGroup":            false,
		"participantDisplay": disp,
		"lastMessage":        "",
		"lastMessageTime":    int64(0),
		"lastMessageSender":  "",
		"lastMessageType":    string(MessageTypeText),
		"unreadCount":        map[string]any{a: int64(0), b: int64(0)},
		"typingUsers":        map[string]any{},
		"blockedBy":          []any{},
		"createdAt":          store.ServerTimestamp(),
	}, false)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	log.Printf("CHAT: created conversation %s", id)
	return id, nil
}

// CreateGroupConversation creates a group conversation with a generated id.
func (m *Manager) CreateGroupConversation(ctx context.Context, participants []string, display map[string]UserDisplay) (string, error) {
	if len(participants) < 2 {
		return "", fmt.Errorf("group conversation needs at least 2 participants, got %d", len(participants))
	}

	id := uuid.NewString()
	disp := make(map[string]any, len(display))
	for uid, d := range display {
		disp[uid] = map[string]any{"name": d.Name, "photo": d.Photo}
	}
	members := make([]any, len(participants))
	unread := make(map[string]any, len(participants))
	for i, p := range participants {
		members[i] = p
		unread[p] = int64(0)
	}
	err := m.st.Set(ctx, convPath(id), map[string]any{
		"participants":       members,
		"isGroup":            true,
		"participantDisplay": disp,
		"lastMessage":        "",
		"lastMessageTime":    int64(0),
		"lastMessageSender":  "",
		"lastMessageType":    string(MessageTypeText),
		"unreadCount":        unread,
		"typingUsers":        map[string]any{},
		"blockedBy":          []any{},
		"createdAt":          store.ServerTimestamp(),
	}, false)
	if err != nil {
		return "", fmt.Errorf("create group conversation: %w", err)
	}
	log.Printf("CHAT: created group conversation %s (%d members)", id, len(participants))
	return id, nil
}

// SendParams carries everything SendMessage needs to append one message.
type SendParams struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Type           MessageType
	MediaURL       string
	MediaDuration  int64
	ReplyTo        *ReplyRef
	OneTimeView    bool
	forwarded      bool
}

// SendMessage appends a message with status "sent" and updates the
// conversation summary in the same logical operation. Unread counters are
// not incremented here — unread accounting is derived from message status by
// the read sweep, and badge consumers recompute from that.
func (m *Manager) SendMessage(ctx context.Context, p SendParams) (string, error) {
	if p.ConversationID == "" || p.SenderID == "" {
		return "", fmt.Errorf("send message: missing conversation or sender id")
	}
	if p.Type == "" {
		p.Type = MessageTypeText
	}

	conv, err := m.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if conv.Blocked() {
		// Enforcement is UI policy; the service records the send but makes
		// the condition visible in the log.
		log.Printf("CHAT: send into blocked conversation %s by %s", p.ConversationID, p.SenderID)
	}

	msgID := uuid.NewString()
	fields := map[string]any{
		"id":             msgID,
		"conversationId": p.ConversationID,
		"senderId":       p.SenderID,
		"senderName":     p.SenderName,
		"text":           p.Text,
		"type":           string(p.Type),
		"status":         string(StatusSent),
		"isDeleted":      false,
		"isEdited":       false,
		"isOneTimeView":  p.OneTimeView,
		"timestamp":      store.ServerTimestamp(),
	}
	if p.MediaURL != "" {
		fields["mediaUrl"] = p.MediaURL
	}
	if p.MediaDuration > 0 {
		fields["mediaDuration"] = p.MediaDuration
	}
	if p.forwarded {
		fields["forwarded"] = true
	}
	if p.ReplyTo != nil {
		fields["replyTo"] = map[string]any{
			"messageId":  p.ReplyTo.MessageID,
			"text":       p.ReplyTo.Text,
			"senderName": p.ReplyTo.SenderName,
		}
	}

	if err := m.st.Set(ctx, messagePath(p.ConversationID, msgID), fields, false); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	err = m.st.Update(ctx, convPath(p.ConversationID), map[string]any{
		"lastMessage":       previewLabel(p.Type, p.Text),
		"lastMessageTime":   store.ServerTimestamp(),
		"lastMessageSender": p.SenderID,
		"lastMessageType":   string(p.Type),
	})
	if err != nil {
		return "", fmt.Errorf("update conversation summary: %w", err)
	}
	return msgID, nil
}

// ForwardMessage copies an existing message into another conversation as a
// fresh send by the forwarding user. The copy does not carry the original's
// reply snapshot or one-time-view flag.
func (m *Manager) ForwardMessage(ctx context.Context, srcConvID, msgID, dstConvID, senderID, senderName string) (string, error) {
	src, err := m.getMessage(ctx, srcConvID, msgID)
	if err != nil {
		return "", fmt.Errorf("forward message: %w", err)
	}
	if src.IsDeleted {
		return "", fmt.Errorf("forward message: message %s is deleted", msgID)
	}
	return m.SendMessage(ctx, SendParams{
		ConversationID: dstConvID,
		SenderID:       senderID,
		SenderName:     senderName,
		Text:           src.Text,
		Type:           src.Type,
		MediaURL:       src.MediaURL,
		MediaDuration:  src.MediaDuration,
		forwarded:      true,
	})
}

// ListMessages returns the conversation's message log in ascending
// timestamp order. limit <= 0 means the full log; otherwise the most recent
// limit messages.
func (m *Manager) ListMessages(ctx context.Context, convID string, limit int) ([]Message, error) {
	q := store.Query{
		Collection: messagesCol(convID),
		OrderBy:    "timestamp",
	}
	if limit > 0 {
		q.Desc = true
		q.Limit = limit
	}
	docs, err := m.st.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]Message, 0, len(docs))
	for i := range docs {
		msgs = append(msgs, decodeMessage(&docs[i]))
	}
	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// ListenToMessages subscribes to a conversation's ordered message log. fn
// receives the full ascending-timestamp snapshot on every change, including
// the listener's own sends.
func (m *Manager) ListenToMessages(convID string, fn func([]Message)) (cancel func()) {
	return m.st.Subscribe(store.Query{
		Collection: messagesCol(convID),
		OrderBy:    "timestamp",
	}, func(docs []store.Document) {
		msgs := make([]Message, 0, len(docs))
		for i := range docs {
			msgs = append(msgs, decodeMessage(&docs[i]))
		}
		fn(msgs)
	})
}

// UpdateMessageStatus advances messages not authored by readerID toward the
// target status. Only the most recent statusSweepWindow messages are swept,
// and a message's status never moves backwards.
func (m *Manager) UpdateMessageStatus(ctx context.Context, convID, readerID string, target MessageStatus) error {
	if statusRank(target) < 0 {
		return fmt.Errorf("invalid message status %q", target)
	}

	docs, err := m.st.Query(ctx, store.Query{
		Collection: messagesCol(convID),
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      statusSweepWindow,
	})
	if err != nil {
		return fmt.Errorf("status sweep: %w", err)
	}

	for i := range docs {
		msg := decodeMessage(&docs[i])
		if msg.SenderID == readerID {
			continue
		}
		if statusRank(msg.Status) >= statusRank(target) {
			continue
		}
		err := m.st.Update(ctx, messagePath(convID, msg.ID), map[string]any{
			"status": string(target),
		})
		if err != nil {
			return fmt.Errorf("advance message %s: %w", msg.ID, err)
		}
	}
	return nil
}

// DeleteMessage soft-deletes: the document keeps its id and position in the
// log, but its content is cleared. Idempotent.
func (m *Manager) DeleteMessage(ctx context.Context, convID, msgID string) error {
	err := m.st.Update(ctx, messagePath(convID, msgID), map[string]any{
		"isDeleted": true,
		"text":      "",
		"mediaUrl":  "",
		"type":      string(MessageTypeText),
	})
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

// EditMessage replaces the text of an existing message and marks it edited.
// Deleted messages cannot be edited.
func (m *Manager) EditMessage(ctx context.Context, convID, msgID, text string) error {
	msg, err := m.getMessage(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return fmt.Errorf("edit message: message %s is deleted", msgID)
	}
	return m.st.Update(ctx, messagePath(convID, msgID), map[string]any{
		"text":     text,
		"isEdited": true,
	})
}

// MarkOneTimeViewed flags a one-time-view message as consumed and clears its
// media so it cannot be re-rendered. Idempotent; a no-op for ordinary
// messages.
func (m *Manager) MarkOneTimeViewed(ctx context.Context, convID, msgID string) error {
	msg, err := m.getMessage(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if !msg.IsOneTimeView || msg.Viewed {
		return nil
	}
	return m.st.Update(ctx, messagePath(convID, msgID), map[string]any{
		"viewed":   true,
		"mediaUrl": "",
	})
}

// SetTypingStatus flips the caller's typing flag on the conversation.
// Debounce lives with the sender (internal/presence), not here.
func (m *Manager) SetTypingStatus(ctx context.Context, convID, userID string, typing bool) error {
	return m.st.Update(ctx, convPath(convID), map[string]any{
		"typingUsers." + userID: typing,
	})
}

// BlockUser adds userID to the conversation's blockedBy set. Idempotent.
func (m *Manager) BlockUser(ctx context.Context, convID, userID string) error {
	return m.st.Update(ctx, convPath(convID), map[string]any{
		"blockedBy": store.ArrayUnion(userID),
	})
}

// UnblockUser removes userID from the conversation's blockedBy set.
// Idempotent.
func (m *Manager) UnblockUser(ctx context.Context, convID, userID string) error {
	return m.st.Update(ctx, convPath(convID), map[string]any{
		"blockedBy": store.ArrayRemove(userID),
	})
}

// DeleteConversation removes the conversation summary document. The message
// log is intentionally left behind: report records reference message ids, so
// cascading here would break the audit trail. Orphaned logs are a retention
// concern of the store, not of this service.
func (m *Manager) DeleteConversation(ctx context.Context, convID string) error {
	if err := m.st.Delete(ctx, convPath(convID)); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	log.Printf("CHAT: deleted conversation %s (message log retained)", convID)
	return nil
}

// ReportUser appends an immutable audit record. Fire-and-forget: there is no
// report lifecycle in the core.
func (m *Manager) ReportUser(ctx context.Context, reporterID, reportedID, convID, reason string) error {
	id := uuid.NewString()
	return m.st.Set(ctx, reportsCol+"/"+id, map[string]any{
		"id":             id,
		"reporterId":     reporterID,
		"reportedId":     reportedID,
		"conversationId": convID,
		"reason":         reason,
		"timestamp":      store.ServerTimestamp(),
	}, false)
}

// GetConversation returns the conversation summary.
func (m *Manager) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	doc, err := m.st.Get(ctx, convPath(convID))
	if err != nil {
		return nil, err
	}
	conv := decodeConversation(doc)
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent activity
// first.
func (m *Manager) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	docs, err := m.st.Query(ctx, store.Query{
		Collection: conversationsCol,
		Filters:    []store.Filter{{Field: "participants", Op: "array-contains", Value: userID}},
		OrderBy:    "lastMessageTime",
		Desc:       true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, decodeConversation(&docs[i]))
	}
	return out, nil
}

// ListenToConversations subscribes to the user's conversation list.
func (m *Manager) ListenToConversations(userID string, fn func([]Conversation)) (cancel func()) {
	return m.st.Subscribe(store.Query{
		Collection: conversationsCol,
		Filters:    []store.Filter{{Field: "participants", Op: "array-contains", Value: userID}},
		OrderBy:    "lastMessageTime",
		Desc:       true,
	}, func(docs []store.Document) {
		convs := make([]Conversation, 0, len(docs))
		for i := range docs {
			convs = append(convs, decodeConversation(&docs[i]))
		}
		fn(convs)
	})
}

func (m *Manager) getMessage(ctx context.Context, convID, msgID string) (*Message, error) {
	doc, err := m.st.Get(ctx, messagePath(convID, msgID))
	if err != nil {
		return nil, err
	}
	msg := decodeMessage(doc)
	return &msg, nil
}
