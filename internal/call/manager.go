// Package call is the client-side call orchestrator. It owns local media
// capture and the peer-negotiation object, drives the signaling service, and
// exposes a single call state machine to the UI layer. The local media
// devices are exclusively owned by at most one active session at a time.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/akbadjie/havanah/internal/signal"
	"github.com/akbadjie/havanah/internal/util"
)

// ringExpiry is how long an unanswered incoming call keeps the ringer busy
// before it stops counting against the busy guard.
const ringExpiry = 45 * time.Second

// Event is one entry in the manager's recent-activity trace, served by the
// debug endpoint.
type Event struct {
	Time   int64  `json:"time"`
	CallID string `json:"call_id"`
	Kind   string `json:"kind"`
	Peer   string `json:"peer,omitempty"`
}

// Manager owns the (at most one) active call session and surfaces incoming
// calls. Ringtone and ringing state live here, not in an ambient global —
// the UI reads them off the session objects it is handed.
type Manager struct {
	sig     *signal.Manager
	userID  string
	factory PeerFactory

	mu        sync.Mutex
	active    *Session
	ringing   map[string]*time.Timer // callID -> expiry timer
	nextToken uint64

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	events *util.RingBuffer[Event]

	cancelIncoming func()
	closeOnce      sync.Once
}

// NewManager creates a call manager for userID and immediately starts
// listening for incoming calls. A nil factory selects the platform default
// (Pion, with local capture where the platform supports it).
func NewManager(sig *signal.Manager, userID string, factory PeerFactory) *Manager {
	if factory == nil {
		factory = defaultPeerFactory
	}
	m := &Manager{
		sig:     sig,
		userID:  userID,
		factory: factory,
		ringing: make(map[string]*time.Timer),
		events:  util.NewRingBuffer[Event](64),
	}
	m.cancelIncoming = sig.ListenForIncomingCalls(userID, m.dispatchIncoming)
	return m
}

// OnIncoming registers a handler fired for each surfaced incoming call.
// Multiple handlers may be registered; each gateway event stream adds one.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall runs the caller path: capture media, create the call document,
// persist the offer, subscribe to the answer and the callee's candidates.
// Returns ErrBusy while another call is ringing or active, ErrMediaDenied
// when capture fails.
func (m *Manager) StartCall(ctx context.Context, calleeID string, typ signal.CallType) (*Session, error) {
	s, err := m.reserve(calleeID, RoleCaller, typ)
	if err != nil {
		return nil, err
	}

	// Blocks until the user grants or denies capture. Other subscriptions
	// keep running — only this goroutine waits.
	pc, cleanup, err := m.factory("", typ)
	if err != nil {
		m.clearSession(s)
		return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}

	callID, err := m.sig.CreateCall(ctx, m.userID, calleeID, typ)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		pc.Close()
		m.clearSession(s)
		return nil, fmt.Errorf("create call doc: %w", err)
	}
	s.attach(callID, pc, cleanup)
	m.record(callID, "outgoing", calleeID)
	log.Printf("CALL [%s]: started %s → %s (%s)", callID, m.userID, calleeID, typ)

	if err := s.negotiateCaller(ctx); err != nil {
		return nil, err // session already torn down by fail()
	}
	return s, nil
}

// AcceptCall runs the callee path for a surfaced incoming call: stop
// ringing, capture media, poll for the offer, answer. Blocks up to the
// offer-poll timeout.
func (m *Manager) AcceptCall(ctx context.Context, c signal.Call) (*Session, error) {
	m.stopRinging(c.ID)

	s, err := m.reserve(c.CallerID, RoleCallee, c.Type)
	if err != nil {
		return nil, err
	}

	pc, cleanup, err := m.factory(c.ID, c.Type)
	if err != nil {
		m.clearSession(s)
		// The caller is still ringing; end the document so it stops.
		endCtx, cancel := context.WithTimeout(context.Background(), signalWriteTimeout)
		defer cancel()
		_ = m.sig.EndCall(endCtx, c.ID)
		return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}
	s.attach(c.ID, pc, cleanup)
	m.record(c.ID, "accepted", c.CallerID)
	log.Printf("CALL [%s]: accepted from %s", c.ID, c.CallerID)

	if err := s.negotiateCallee(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// RejectCall declines a ringing call without ever capturing media.
func (m *Manager) RejectCall(ctx context.Context, callID string) error {
	m.stopRinging(callID)
	m.record(callID, "rejected", "")
	return m.sig.DeclineCall(ctx, callID)
}

// ActiveSession returns the current session, if any.
func (m *Manager) ActiveSession() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// GetSession returns the active session if it matches callID.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.CallID() == callID {
		return m.active, true
	}
	return nil, false
}

// RecentEvents returns the recent call-activity trace, oldest first.
func (m *Manager) RecentEvents() []Event {
	return m.events.Snapshot()
}

// Close cancels the incoming-call subscription and hangs up any active
// session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancelIncoming != nil {
			m.cancelIncoming()
		}
		m.mu.Lock()
		active := m.active
		for id, timer := range m.ringing {
			timer.Stop()
			delete(m.ringing, id)
		}
		m.mu.Unlock()
		if active != nil {
			active.Hangup()
			<-active.Done()
		}
	})
}

// reserve claims the single call slot and returns a fresh session in
// capturingMedia. The slot is claimed before media capture so a second
// StartCall during a slow permission prompt sees busy, not a device clash.
func (m *Manager) reserve(remotePeer string, role Role, typ signal.CallType) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrBusy
	}
	m.nextToken++
	s := &Session{
		remotePeer: remotePeer,
		role:       role,
		typ:        typ,
		token:      m.nextToken,
		sig:        m.sig,
		mgr:        m,
		state:      StateCapturing,
		hung:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.active = s
	return s, nil
}

// isCurrent reports whether s still holds the call slot.
func (m *Manager) isCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == s
}

// clearSession releases the call slot if s still holds it.
func (m *Manager) clearSession(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// dispatchIncoming surfaces one ringing call to the registered handlers.
// While a call is active or another one is ringing the notification is
// dropped entirely — a busy peer gets no queue.
func (m *Manager) dispatchIncoming(c signal.Call) {
	m.mu.Lock()
	busy := m.active != nil || len(m.ringing) > 0
	if !busy {
		callID := c.ID
		m.ringing[callID] = time.AfterFunc(ringExpiry, func() { m.stopRinging(callID) })
	}
	m.mu.Unlock()

	if busy {
		log.Printf("CALL [%s]: busy, ignoring incoming from %s", c.ID, c.CallerID)
		m.record(c.ID, "ignored-busy", c.CallerID)
		return
	}
	m.record(c.ID, "incoming", c.CallerID)

	ic := &IncomingCall{
		Call: c,
		Accept: func() (*Session, error) {
			return m.AcceptCall(context.Background(), c)
		},
		Reject: func() error {
			return m.RejectCall(context.Background(), c.ID)
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) stopRinging(callID string) {
	m.mu.Lock()
	if timer, ok := m.ringing[callID]; ok {
		timer.Stop()
		delete(m.ringing, callID)
	}
	m.mu.Unlock()
}

func (m *Manager) record(callID, kind, peer string) {
	m.events.Push(Event{
		Time:   time.Now().UnixMilli(),
		CallID: callID,
		Kind:   kind,
		Peer:   peer,
	})
}
