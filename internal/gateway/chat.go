package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/akbadjie/havanah/internal/chat"
	"github.com/akbadjie/havanah/internal/store"
)

// registerChatRoutes wires the messaging endpoints.
//
//	POST   /api/chat/conversations             — get-or-create a 1:1 conversation
//	POST   /api/chat/groups                    — create a group conversation
//	GET    /api/chat/conversations             — list own conversations
//	GET    /api/chat/conversations/{id}        — one conversation
//	DELETE /api/chat/conversations/{id}        — remove from own list
//	GET    /api/chat/conversations/{id}/messages?limit=N
//	GET    /api/chat/conversations/{id}/events — SSE message snapshots
//	POST   /api/chat/send | forward | read | edit | delete-message |
//	       view-once | typing | block | unblock | report
func (s *Server) registerChatRoutes() {
	mux, d := s.mux, s.d

	// GET and POST share the /api/chat/conversations pattern; ServeMux
	// forbids registering the same pattern twice, so dispatch by method.
	postConversations := func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PeerID   string `json:"peer_id"`
			PeerName string `json:"peer_name"`
			SelfName string `json:"self_name"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		display := map[string]chat.UserDisplay{
			d.UserID:   {Name: req.SelfName},
			req.PeerID: {Name: req.PeerName},
		}
		id, err := d.Chat.GetOrCreateConversation(r.Context(), d.UserID, req.PeerID, display)
		if errors.Is(err, chat.ErrInvalidUserID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("conversation failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"conversation_id": id})
	}

	handlePost(mux, "/api/chat/groups", func(w http.ResponseWriter, r *http.Request, req struct {
		Participants []string                    `json:"participants"`
		Display      map[string]chat.UserDisplay `json:"display"`
	}) {
		if len(req.Participants) < 2 {
			http.Error(w, "need at least two participants", http.StatusBadRequest)
			return
		}
		id, err := d.Chat.CreateGroupConversation(r.Context(), req.Participants, req.Display)
		if err != nil {
			http.Error(w, fmt.Sprintf("group failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"conversation_id": id})
	})

	listConversations := func(w http.ResponseWriter, r *http.Request) {
		convs, err := d.Chat.ListConversations(r.Context(), d.UserID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, convs)
	}

	mux.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			postConversations(w, r)
		case http.MethodGet:
			listConversations(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Path: /api/chat/conversations/{id}[/messages|/events]
	mux.HandleFunc("/api/chat/conversations/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/chat/conversations/")
		parts := strings.SplitN(tail, "/", 2)
		convID := parts[0]
		if convID == "" {
			http.Error(w, "missing conversation id", http.StatusBadRequest)
			return
		}
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			conv, err := d.Chat.GetConversation(r.Context(), convID)
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "conversation not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, conv)

		case action == "" && r.Method == http.MethodDelete:
			if err := d.Chat.DeleteConversation(r.Context(), convID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})

		case action == "messages" && r.Method == http.MethodGet:
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			msgs, err := d.Chat.ListMessages(r.Context(), convID, limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, msgs)

		case action == "events" && r.Method == http.MethodGet:
			s.streamMessages(w, r, convID)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string         `json:"conversation_id"`
		Text           string         `json:"text"`
		Type           string         `json:"type"`
		MediaURL       string         `json:"media_url"`
		MediaDuration  int64          `json:"media_duration"`
		OneTimeView    bool           `json:"one_time_view"`
		SenderName     string         `json:"sender_name"`
		ReplyTo        *chat.ReplyRef `json:"reply_to"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		id, err := d.Chat.SendMessage(r.Context(), chat.SendParams{
			ConversationID: req.ConversationID,
			SenderID:       d.UserID,
			SenderName:     req.SenderName,
			Text:           req.Text,
			Type:           chat.MessageType(req.Type),
			MediaURL:       req.MediaURL,
			MediaDuration:  req.MediaDuration,
			ReplyTo:        req.ReplyTo,
			OneTimeView:    req.OneTimeView,
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"message_id": id})
	})

	handlePost(mux, "/api/chat/forward", func(w http.ResponseWriter, r *http.Request, req struct {
		SrcConversationID string `json:"src_conversation_id"`
		MessageID         string `json:"message_id"`
		DstConversationID string `json:"dst_conversation_id"`
		SenderName        string `json:"sender_name"`
	}) {
		if req.SrcConversationID == "" || req.MessageID == "" || req.DstConversationID == "" {
			http.Error(w, "missing forward fields", http.StatusBadRequest)
			return
		}
		id, err := d.Chat.ForwardMessage(r.Context(), req.SrcConversationID, req.MessageID, req.DstConversationID, d.UserID, req.SenderName)
		if err != nil {
			http.Error(w, fmt.Sprintf("forward failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"message_id": id})
	})

	handlePost(mux, "/api/chat/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	}) {
		target := chat.MessageStatus(req.Status)
		if req.Status == "" {
			target = chat.StatusRead
		}
		if err := d.Chat.UpdateMessageStatus(r.Context(), req.ConversationID, d.UserID, target); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/edit", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		Text           string `json:"text"`
	}) {
		if err := d.Chat.EditMessage(r.Context(), req.ConversationID, req.MessageID, req.Text); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/delete-message", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}) {
		if err := d.Chat.DeleteMessage(r.Context(), req.ConversationID, req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/view-once", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}) {
		if err := d.Chat.MarkOneTimeViewed(r.Context(), req.ConversationID, req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/typing", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if d.Typing != nil {
			d.Typing.Typing(req.ConversationID)
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/block", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if err := d.Chat.BlockUser(r.Context(), req.ConversationID, d.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "blocked"})
	})

	handlePost(mux, "/api/chat/unblock", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if err := d.Chat.UnblockUser(r.Context(), req.ConversationID, d.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "unblocked"})
	})

	handlePost(mux, "/api/chat/report", func(w http.ResponseWriter, r *http.Request, req struct {
		ReportedID     string `json:"reported_id"`
		ConversationID string `json:"conversation_id"`
		Reason         string `json:"reason"`
	}) {
		if req.ReportedID == "" {
			http.Error(w, "missing reported_id", http.StatusBadRequest)
			return
		}
		if err := d.Chat.ReportUser(r.Context(), d.UserID, req.ReportedID, req.ConversationID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "reported"})
	})
}

// streamMessages is the SSE feed of one conversation's message log. Every
// change re-sends the full ascending snapshot, the same shape the GET
// endpoint returns.
func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, convID string) {
	sseHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	snapshots := make(chan []chat.Message, 1)
	cancel := s.d.Chat.ListenToMessages(convID, func(msgs []chat.Message) {
		// Keep only the newest pending snapshot.
		for {
			select {
			case snapshots <- msgs:
				return
			default:
				select {
				case <-snapshots:
				default:
				}
			}
		}
	})
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msgs := <-snapshots:
			data, err := json.Marshal(msgs)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: messages\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
