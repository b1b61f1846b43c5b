package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/akbadjie/havanah/internal/signal"
)

const (
	// offerPollInterval / offerPollTimeout bound the callee's wait for the
	// caller's offer. The incoming-call fan-out can race ahead of the
	// caller's second write, so a transiently absent offer is normal; an
	// offer that never appears is not.
	offerPollInterval = 250 * time.Millisecond
	offerPollTimeout  = 10 * time.Second

	// signalWriteTimeout bounds store writes made from event callbacks.
	signalWriteTimeout = 5 * time.Second
)

// Session is one call attempt, caller- or callee-side. It owns the
// peer-negotiation object and the local media cleanup, drives the signaling
// service, and exposes a single state machine to the UI layer.
type Session struct {
	remotePeer string
	role       Role
	typ        signal.CallType
	token      uint64 // per-call identity; stale callbacks check it

	sig *signal.Manager
	mgr *Manager

	mu        sync.Mutex
	callID    string
	pc        PeerConnection
	mediaStop func()
	state     State
	err       error
	cancels   []func()

	hung chan struct{} // closed when teardown starts
	done chan struct{} // closed when cleanup finished
	once sync.Once
}

// CallID returns the call document id ("" until the caller path creates it).
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// State returns the current client-local state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// HangupCh is closed as soon as teardown begins. The gateway's per-session
// event stream selects on it.
func (s *Session) HangupCh() <-chan struct{} { return s.hung }

// Done is closed once teardown has fully completed: media stopped, peer
// connection closed, terminal status written.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a snapshot for the debug surface.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		CallID:     s.callID,
		RemotePeer: s.remotePeer,
		Role:       s.role,
		Type:       s.typ,
		State:      s.state,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// alive reports whether callbacks may still mutate the peer connection:
// teardown has not started and this session is still the manager's current
// one. A late callback for a superseded call must be a no-op.
func (s *Session) alive() bool {
	select {
	case <-s.hung:
		return false
	default:
	}
	return s.mgr.isCurrent(s)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// attach hands the session its negotiation object once media capture
// succeeded.
func (s *Session) attach(callID string, pc PeerConnection, mediaStop func()) {
	s.mu.Lock()
	s.callID = callID
	s.pc = pc
	s.mediaStop = mediaStop
	s.mu.Unlock()
}

func (s *Session) addCancel(fns ...func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, fns...)
	s.mu.Unlock()
}

// negotiateCaller runs the caller path: offer out, then wait for the answer
// and the callee's candidates through the store.
func (s *Session) negotiateCaller(ctx context.Context) error {
	s.setState(StateNegotiating)

	s.pc.OnICECandidate(func(c signal.Candidate) {
		s.persistLocalCandidate(signal.SideCaller, c)
	})

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return s.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.fail(fmt.Errorf("set local offer: %w", err))
	}
	if err := s.sig.SaveOffer(ctx, s.callID, offer); err != nil {
		return s.fail(fmt.Errorf("persist offer: %w", err))
	}

	cancelAnswer := s.sig.ListenForAnswer(s.callID, s.onAnswer, s.onRemoteTerminal)
	cancelCands := s.sig.ListenToCandidates(s.callID, signal.SideCallee, s.applyRemoteCandidate)
	s.addCancel(cancelAnswer, cancelCands)
	return nil
}

// negotiateCallee runs the answer path. It polls for the offer with a
// bounded wait and never hands the negotiation primitive an absent
// description.
func (s *Session) negotiateCallee(ctx context.Context) error {
	s.setState(StateNegotiating)

	offer, err := s.pollForOffer(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.pc.OnICECandidate(func(c signal.Candidate) {
		s.persistLocalCandidate(signal.SideCallee, c)
	})

	if err := s.pc.SetRemoteDescription(*offer); err != nil {
		return s.fail(fmt.Errorf("set remote offer: %w", err))
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return s.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return s.fail(fmt.Errorf("set local answer: %w", err))
	}
	if err := s.sig.AnswerCall(ctx, s.callID, answer); err != nil {
		return s.fail(fmt.Errorf("persist answer: %w", err))
	}

	// The answer double-fires back at us through ListenForAnswer; only the
	// terminal callback matters on this side.
	cancelDoc := s.sig.ListenForAnswer(s.callID, func(signal.SessionDescription) {}, s.onRemoteTerminal)
	cancelCands := s.sig.ListenToCandidates(s.callID, signal.SideCaller, s.applyRemoteCandidate)
	s.addCancel(cancelDoc, cancelCands)

	s.setState(StateActive)
	s.mgr.record(s.callID, "answered", s.remotePeer)
	return nil
}

// pollForOffer re-reads the call document on a timer until the offer
// appears, the call terminates remotely, the session is torn down, or the
// timeout elapses. A timer tick, not a busy loop, and cancellable mid-wait.
func (s *Session) pollForOffer(ctx context.Context) (*signal.SessionDescription, error) {
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(offerPollTimeout)
	defer deadline.Stop()

	for {
		call, err := s.sig.GetCall(ctx, s.callID)
		if err != nil {
			return nil, fmt.Errorf("poll call doc: %w", err)
		}
		if call.Status == signal.StatusEnded || call.Status == signal.StatusDenied {
			// Caller hung up while we were polling.
			return nil, signal.ErrCallEnded
		}
		if call.Offer != nil {
			return call.Offer, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.hung:
			return nil, signal.ErrCallEnded
		case <-deadline.C:
			return nil, ErrOfferTimeout
		case <-ticker.C:
		}
	}
}

// onAnswer applies the callee's answer to the caller's peer connection,
// exactly once (the signaling layer filters replays).
func (s *Session) onAnswer(sd signal.SessionDescription) {
	if !s.alive() {
		return
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		_ = s.fail(fmt.Errorf("apply answer: %w", err))
		return
	}
	s.setState(StateActive)
	s.mgr.record(s.callID, "answered", s.remotePeer)
}

// onRemoteTerminal reacts to the document reaching ended/denied.
func (s *Session) onRemoteTerminal(st signal.CallStatus) {
	if !s.alive() {
		return
	}
	log.Printf("CALL [%s]: remote status %s", s.callID, st)
	s.teardown(StateEnded, nil)
}

// applyRemoteCandidate feeds a trickled candidate to the peer connection.
// Guarded by the liveness check so a candidate racing a hang-up is dropped.
func (s *Session) applyRemoteCandidate(c signal.Candidate) {
	if !s.alive() {
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.callID, err)
	}
}

// persistLocalCandidate trickles a locally gathered candidate out through
// the store.
func (s *Session) persistLocalCandidate(side signal.Side, c signal.Candidate) {
	if !s.alive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalWriteTimeout)
	defer cancel()
	if err := s.sig.SaveCandidate(ctx, s.callID, side, c); err != nil {
		log.Printf("CALL [%s]: persist candidate: %v", s.callID, err)
	}
}

// Hangup tears the session down. Idempotent — the second and later calls
// are no-ops.
func (s *Session) Hangup() {
	s.teardown(StateEnded, nil)
}

// fail marks the session failed and tears it down, always releasing media.
func (s *Session) fail(cause error) error {
	log.Printf("CALL [%s]: failed: %v", s.callID, cause)
	s.teardown(StateFailed, cause)
	return cause
}

// teardown stops local media, closes the peer connection, cancels every
// subscription and poll, and writes the terminal status exactly once. The
// heavy lifting runs off the calling goroutine because teardown is reachable
// from inside subscription callbacks, and cancelling a subscription waits
// for its in-flight callback.
func (s *Session) teardown(final State, cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = final
		if cause != nil && s.err == nil {
			s.err = cause
		}
		cancels := s.cancels
		s.cancels = nil
		pc := s.pc
		mediaStop := s.mediaStop
		callID := s.callID
		s.mu.Unlock()

		close(s.hung)
		s.mgr.clearSession(s)

		go func() {
			defer close(s.done)
			for _, cancel := range cancels {
				cancel()
			}
			if mediaStop != nil {
				mediaStop()
			}
			if pc != nil {
				if err := pc.Close(); err != nil {
					log.Printf("CALL [%s]: close peer connection: %v", callID, err)
				}
			}
			if callID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), signalWriteTimeout)
				defer cancel()
				if err := s.sig.EndCall(ctx, callID); err != nil {
					log.Printf("CALL [%s]: write ended: %v", callID, err)
				}
			}
			s.mgr.record(callID, "ended", s.remotePeer)
			log.Printf("CALL [%s]: torn down (%s)", callID, final)
		}()
	})
}
