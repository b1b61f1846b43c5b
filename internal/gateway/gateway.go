// Package gateway exposes the messaging and call services over a local HTTP
// API: JSON endpoints for mutations, SSE streams for live snapshots, and a
// WebSocket firehose for UI shells that prefer a single connection.
package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/akbadjie/havanah/internal/call"
	"github.com/akbadjie/havanah/internal/chat"
	"github.com/akbadjie/havanah/internal/presence"
	"github.com/akbadjie/havanah/internal/signal"
)

// Deps carries everything the gateway serves. Chat and UserID are required;
// nil Calls disables the call endpoints.
type Deps struct {
	UserID string
	Chat   *chat.Manager
	Typing *presence.Tracker
	Signal *signal.Manager
	Calls  *call.Manager
}

// Server is the assembled HTTP API.
type Server struct {
	d   Deps
	mux *http.ServeMux

	incomingMu   sync.Mutex
	incomingSubs map[chan signal.Call]struct{}
}

// New builds the route table. The server registers exactly one incoming-call
// handler on the call manager and fans out to its own per-connection
// subscribers, so SSE disconnects never leak handlers.
func New(d Deps) *Server {
	s := &Server{
		d:            d,
		mux:          http.NewServeMux(),
		incomingSubs: make(map[chan signal.Call]struct{}),
	}
	s.registerChatRoutes()
	if d.Calls != nil {
		d.Calls.OnIncoming(func(ic *call.IncomingCall) {
			s.broadcastIncoming(ic.Call)
		})
		s.registerCallRoutes()
	}
	s.registerEventRoutes()
	return s
}

// Handler returns the route table for mounting or for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Printf("GATEWAY: listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) subscribeIncoming() chan signal.Call {
	ch := make(chan signal.Call, 4)
	s.incomingMu.Lock()
	s.incomingSubs[ch] = struct{}{}
	s.incomingMu.Unlock()
	return ch
}

// unsubscribeIncoming removes and closes ch. Closing is safe against
// concurrent broadcasts because both paths hold the same lock.
func (s *Server) unsubscribeIncoming(ch chan signal.Call) {
	s.incomingMu.Lock()
	if _, ok := s.incomingSubs[ch]; ok {
		delete(s.incomingSubs, ch)
		close(ch)
	}
	s.incomingMu.Unlock()
}

func (s *Server) broadcastIncoming(c signal.Call) {
	s.incomingMu.Lock()
	for ch := range s.incomingSubs {
		select {
		case ch <- c:
		default:
			// Slow consumer; it re-syncs from the store on reconnect.
		}
	}
	s.incomingMu.Unlock()
}
