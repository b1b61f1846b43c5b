package gateway

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/akbadjie/havanah/internal/chat"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The gateway binds to loopback; embedding shells connect from
	// localhost or file:// origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerEventRoutes wires the combined live feeds.
//
//	GET /api/events    — SSE: conversation-list snapshots
//	GET /api/events/ws — WebSocket: conversation snapshots + incoming calls
//	                     on a single connection
func (s *Server) registerEventRoutes() {
	mux, d := s.mux, s.d

	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		snapshots := make(chan []chat.Conversation, 1)
		cancel := d.Chat.ListenToConversations(d.UserID, func(convs []chat.Conversation) {
			for {
				select {
				case snapshots <- convs:
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

		for {
			select {
			case <-r.Context().Done():
				return
			case convs := <-snapshots:
				data, err := json.Marshal(map[string]any{
					"type":          "conversations",
					"conversations": convs,
				})
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("event: conversations\ndata: "))
				_, _ = w.Write(data)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/api/events/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("GATEWAY: WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		type wsEvent struct {
			Type    string `json:"type"`
			Payload any    `json:"payload"`
		}
		events := make(chan wsEvent, 8)

		cancelConvs := d.Chat.ListenToConversations(d.UserID, func(convs []chat.Conversation) {
			select {
			case events <- wsEvent{Type: "conversations", Payload: convs}:
			default:
			}
		})
		defer cancelConvs()

		if d.Calls != nil {
			callCh := s.subscribeIncoming()
			defer s.unsubscribeIncoming(callCh)
			go func() {
				for c := range callCh {
					select {
					case events <- wsEvent{Type: "incoming-call", Payload: c}:
					case <-r.Context().Done():
						return
					}
				}
			}()
		}

		// Drain control frames so pings are answered and closes observed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case ev := <-events:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
}
