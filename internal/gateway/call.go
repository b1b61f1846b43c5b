package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/akbadjie/havanah/internal/call"
	"github.com/akbadjie/havanah/internal/signal"
	"github.com/akbadjie/havanah/internal/util"
)

// registerCallRoutes wires the call endpoints.
//
//	POST /api/call/start   — place an outgoing call
//	POST /api/call/accept  — answer a ringing call
//	POST /api/call/reject  — decline a ringing call
//	POST /api/call/hangup  — end the active call
//	GET  /api/call/debug   — session snapshot + recent activity
//	GET  /api/call/events  — SSE: incoming-call notifications
//	GET  /api/call/session/{id}/events — SSE: fires once on hangup
func (s *Server) registerCallRoutes() {
	mux, d := s.mux, s.d

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string `json:"callee_id"`
		Type     string `json:"type"`
	}) {
		callee, err := util.ValidateUserID(req.CalleeID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid callee_id: %v", err), http.StatusBadRequest)
			return
		}
		typ := signal.CallType(req.Type)
		if typ == "" {
			typ = signal.CallVideo
		}
		sess, err := d.Calls.StartCall(r.Context(), callee, typ)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "started", "call_id": sess.CallID()})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		c, err := d.Signal.GetCall(r.Context(), req.CallID)
		if err != nil {
			http.Error(w, fmt.Sprintf("call lookup failed: %v", err), http.StatusNotFound)
			return
		}
		sess, err := d.Calls.AcceptCall(r.Context(), *c)
		if err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": sess.CallID()})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.RejectCall(r.Context(), req.CallID); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := d.Calls.GetSession(req.CallID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"events": d.Calls.RecentEvents()}
		if sess, ok := d.Calls.ActiveSession(); ok {
			out["session"] = sess.Status()
		}
		writeJSON(w, out)
	})

	// SSE stream of incoming-call notifications. Each connection gets its
	// own channel, dropped on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		inCh := s.subscribeIncoming()
		defer s.unsubscribeIncoming(inCh)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case c := <-inCh:
				data, err := json.Marshal(map[string]any{
					"type": "incoming-call",
					"call": c,
				})
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// Path: /api/call/session/{id}/events — fires once when the call ends.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			http.Error(w, "invalid path — expected /api/call/session/{id}/events", http.StatusBadRequest)
			return
		}
		sess, ok := d.Calls.GetSession(parts[0])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		select {
		case <-r.Context().Done():
			// Client went away first.
		case <-sess.HangupCh():
			data, _ := json.Marshal(map[string]string{
				"type":    "hangup",
				"call_id": sess.CallID(),
			})
			fmt.Fprintf(w, "event: hangup\ndata: %s\n\n", data)
			flusher.Flush()
		}
	})
}

// callErrStatus maps orchestration errors onto HTTP statuses the UI can
// branch on.
func callErrStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, call.ErrMediaDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrOfferTimeout), errors.Is(err, signal.ErrCallEnded):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
