package chat

import "github.com/akbadjie/havanah/internal/store"

// decodeMessage maps a raw store document onto a Message. Unknown or
// malformed fields fall back to zero values rather than erroring — a bad
// document must never take down a whole snapshot delivery.
func decodeMessage(d *store.Document) Message {
	msg := Message{
		ID:             d.String("id"),
		ConversationID: d.String("conversationId"),
		SenderID:       d.String("senderId"),
		SenderName:     d.String("senderName"),
		Text:           d.String("text"),
		Type:           MessageType(d.String("type")),
		MediaURL:       d.String("mediaUrl"),
		MediaDuration:  d.Int64("mediaDuration"),
		Status:         MessageStatus(d.String("status")),
		IsDeleted:      d.Bool("isDeleted"),
		IsEdited:       d.Bool("isEdited"),
		IsOneTimeView:  d.Bool("isOneTimeView"),
		Viewed:         d.Bool("viewed"),
		Forwarded:      d.Bool("forwarded"),
		Timestamp:      d.Int64("timestamp"),
	}
	if msg.ID == "" {
		msg.ID = d.ID()
	}
	if ref, ok := d.Fields["replyTo"].(map[string]any); ok {
		rr := &ReplyRef{}
		rr.MessageID, _ = ref["messageId"].(string)
		rr.Text, _ = ref["text"].(string)
		rr.SenderName, _ = ref["senderName"].(string)
		msg.ReplyTo = rr
	}
	return msg
}

func decodeConversation(d *store.Document) Conversation {
	conv := Conversation{
		ID:                 d.ID(),
		IsGroup:            d.Bool("isGroup"),
		LastMessage:        d.String("lastMessage"),
		LastMessageTime:    d.Int64("lastMessageTime"),
		LastMessageSender:  d.String("lastMessageSender"),
		LastMessageType:    MessageType(d.String("lastMessageType")),
		CreatedAt:          d.Int64("createdAt"),
		ParticipantDisplay: make(map[string]UserDisplay),
		UnreadCount:        make(map[string]int64),
		TypingUsers:        make(map[string]bool),
	}
	if arr, ok := d.Fields["participants"].([]any); ok {
		for _, p := range arr {
			if s, ok := p.(string); ok {
				conv.Participants = append(conv.Participants, s)
			}
		}
	}
	if arr, ok := d.Fields["blockedBy"].([]any); ok {
		for _, p := range arr {
			if s, ok := p.(string); ok {
				conv.BlockedBy = append(conv.BlockedBy, s)
			}
		}
	}
	if m, ok := d.Fields["participantDisplay"].(map[string]any); ok {
		for uid, v := range m {
			if entry, ok := v.(map[string]any); ok {
				var ud UserDisplay
				ud.Name, _ = entry["name"].(string)
				ud.Photo, _ = entry["photo"].(string)
				conv.ParticipantDisplay[uid] = ud
			}
		}
	}
	if m, ok := d.Fields["unreadCount"].(map[string]any); ok {
		for uid, v := range m {
			switch n := v.(type) {
			case float64:
				conv.UnreadCount[uid] = int64(n)
			case int64:
				conv.UnreadCount[uid] = n
			}
		}
	}
	if m, ok := d.Fields["typingUsers"].(map[string]any); ok {
		for uid, v := range m {
			if b, ok := v.(bool); ok {
				conv.TypingUsers[uid] = b
			}
		}
	}
	return conv
}
