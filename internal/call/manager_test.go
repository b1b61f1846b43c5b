package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akbadjie/havanah/internal/signal"
	"github.com/akbadjie/havanah/internal/store"
)

// fakePeer satisfies PeerConnection in-memory so sessions can be driven
// without a negotiation stack.
type fakePeer struct {
	mu          sync.Mutex
	localDescs  []signal.SessionDescription
	remoteDescs []signal.SessionDescription
	added       []signal.Candidate
	iceFn       func(signal.Candidate)
	closed      bool

	offerErr error
}

func (f *fakePeer) CreateOffer() (signal.SessionDescription, error) {
	if f.offerErr != nil {
		return signal.SessionDescription{}, f.offerErr
	}
	return signal.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (f *fakePeer) CreateAnswer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (f *fakePeer) SetLocalDescription(sd signal.SessionDescription) error {
	f.mu.Lock()
	f.localDescs = append(f.localDescs, sd)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) SetRemoteDescription(sd signal.SessionDescription) error {
	f.mu.Lock()
	f.remoteDescs = append(f.remoteDescs, sd)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) AddICECandidate(c signal.Candidate) error {
	f.mu.Lock()
	f.added = append(f.added, c)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(signal.Candidate)) {
	f.mu.Lock()
	f.iceFn = fn
	f.mu.Unlock()
}

func (f *fakePeer) OnTrack(func(trackID string)) {}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePeer) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteDescs)
}

func (f *fakePeer) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakePeer) emitCandidate(c signal.Candidate) {
	f.mu.Lock()
	fn := f.iceFn
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// peerLog hands out fake peers and remembers them in creation order.
type peerLog struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (l *peerLog) factory(string, signal.CallType) (PeerConnection, func(), error) {
	p := &fakePeer{}
	l.mu.Lock()
	l.peers = append(l.peers, p)
	l.mu.Unlock()
	return p, nil, nil
}

func (l *peerLog) peer(i int) *fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[i]
}

func newTestSignal(t *testing.T) *signal.Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return signal.New(st)
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCallerCalleeHandshake(t *testing.T) {
	sig := newTestSignal(t)
	callerPeers := &peerLog{}
	calleePeers := &peerLog{}

	caller := NewManager(sig, "alice", callerPeers.factory)
	defer caller.Close()
	callee := NewManager(sig, "bob", calleePeers.factory)
	defer callee.Close()

	incoming := make(chan *IncomingCall, 1)
	callee.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	out, err := caller.StartCall(context.Background(), "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.State(); got != StateNegotiating {
		t.Fatalf("caller state = %s, want %s", got, StateNegotiating)
	}

	var ic *IncomingCall
	select {
	case ic = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("incoming call never surfaced")
	}
	if ic.Call.CallerID != "alice" || ic.Call.Type != signal.CallVideo {
		t.Fatalf("unexpected incoming call: %+v", ic.Call)
	}

	in, err := ic.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if got := in.State(); got != StateActive {
		t.Fatalf("callee state = %s, want %s", got, StateActive)
	}

	// The answer travels back through the store.
	waitFor(t, "caller to go active", func() bool { return out.State() == StateActive })
	if callerPeers.peer(0).remoteCount() != 1 {
		t.Fatalf("caller applied %d remote descriptions, want 1", callerPeers.peer(0).remoteCount())
	}

	// Candidates trickle both ways.
	callerPeers.peer(0).emitCandidate(signal.Candidate{Candidate: "cand-from-alice"})
	calleePeers.peer(0).emitCandidate(signal.Candidate{Candidate: "cand-from-bob"})
	waitFor(t, "callee to receive caller candidate", func() bool {
		return calleePeers.peer(0).addedCount() == 1
	})
	waitFor(t, "caller to receive callee candidate", func() bool {
		return callerPeers.peer(0).addedCount() == 1
	})

	// Callee hangs up; caller observes the terminal status from the store.
	in.Hangup()
	<-in.Done()
	waitFor(t, "caller teardown", func() bool { return out.State() == StateEnded })
	<-out.Done()

	if !callerPeers.peer(0).isClosed() || !calleePeers.peer(0).isClosed() {
		t.Fatal("peer connections not closed after hangup")
	}

	call, err := sig.GetCall(context.Background(), out.CallID())
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != signal.StatusEnded {
		t.Fatalf("call status = %s, want %s", call.Status, signal.StatusEnded)
	}

	if _, ok := caller.ActiveSession(); ok {
		t.Fatal("caller still has an active session")
	}
	if _, ok := callee.ActiveSession(); ok {
		t.Fatal("callee still has an active session")
	}
}

func TestBusyGuardIgnoresSecondIncoming(t *testing.T) {
	sig := newTestSignal(t)
	callerPeers := &peerLog{}
	calleePeers := &peerLog{}

	caller := NewManager(sig, "alice", callerPeers.factory)
	defer caller.Close()
	callee := NewManager(sig, "bob", calleePeers.factory)
	defer callee.Close()

	incoming := make(chan *IncomingCall, 2)
	callee.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	if _, err := caller.StartCall(context.Background(), "bob", signal.CallAudio); err != nil {
		t.Fatal(err)
	}
	ic := <-incoming
	in, err := ic.Accept()
	if err != nil {
		t.Fatal(err)
	}

	// A second caller rings while bob is on the line. The notification is
	// dropped, not queued.
	if _, err := sig.CreateCall(context.Background(), "carol", "bob", signal.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "busy drop to be recorded", func() bool {
		for _, ev := range callee.RecentEvents() {
			if ev.Kind == "ignored-busy" && ev.Peer == "carol" {
				return true
			}
		}
		return false
	})
	select {
	case extra := <-incoming:
		t.Fatalf("busy callee was rung for %s", extra.Call.CallerID)
	default:
	}

	in.Hangup()
	<-in.Done()
}

func TestStartCallWhileBusy(t *testing.T) {
	sig := newTestSignal(t)
	peers := &peerLog{}
	m := NewManager(sig, "alice", peers.factory)
	defer m.Close()

	s, err := m.StartCall(context.Background(), "bob", signal.CallAudio)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartCall(context.Background(), "carol", signal.CallAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartCall error = %v, want ErrBusy", err)
	}

	s.Hangup()
	<-s.Done()

	// Slot is released after teardown.
	if _, err := m.StartCall(context.Background(), "carol", signal.CallAudio); err != nil {
		t.Fatalf("StartCall after hangup: %v", err)
	}
}

func TestAcceptAbortsWhenCallerHungUp(t *testing.T) {
	sig := newTestSignal(t)
	peers := &peerLog{}
	m := NewManager(sig, "bob", peers.factory)
	defer m.Close()

	// A call document with no offer yet — the ring raced ahead of the
	// caller's second write.
	callID, err := sig.CreateCall(context.Background(), "alice", "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.AcceptCall(context.Background(), signal.Call{
			ID: callID, CallerID: "alice", CalleeID: "bob", Type: signal.CallVideo,
		})
		done <- err
	}()

	// Give the poll loop a moment, then the caller gives up.
	time.Sleep(50 * time.Millisecond)
	if err := sig.EndCall(context.Background(), callID); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, signal.ErrCallEnded) {
			t.Fatalf("AcceptCall error = %v, want ErrCallEnded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AcceptCall did not return after caller hangup")
	}

	// The negotiation primitive was never handed an absent offer.
	if n := peers.peer(0).remoteCount(); n != 0 {
		t.Fatalf("peer got %d remote descriptions, want 0", n)
	}
	waitFor(t, "peer close", func() bool { return peers.peer(0).isClosed() })
	if _, ok := m.ActiveSession(); ok {
		t.Fatal("failed accept left an active session")
	}
}

func TestAcceptWaitsForLateOffer(t *testing.T) {
	sig := newTestSignal(t)
	peers := &peerLog{}
	m := NewManager(sig, "bob", peers.factory)
	defer m.Close()

	// The ring raced ahead of the caller's offer write again, but this time
	// the offer does arrive — after the accept path has already started
	// polling for it.
	callID, err := sig.CreateCall(context.Background(), "alice", "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		sess *Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := m.AcceptCall(context.Background(), signal.Call{
			ID: callID, CallerID: "alice", CalleeID: "bob", Type: signal.CallVideo,
		})
		done <- result{sess, err}
	}()

	// Land the offer well past the first poll ticks.
	time.Sleep(2*offerPollInterval + 100*time.Millisecond)
	if err := sig.SaveOffer(context.Background(), callID, signal.SessionDescription{Type: "offer", SDP: "v=0 late"}); err != nil {
		t.Fatal(err)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("AcceptCall did not return after the offer appeared")
	}
	if res.err != nil {
		t.Fatal(res.err)
	}
	if got := res.sess.State(); got != StateActive {
		t.Fatalf("callee state = %s, want %s", got, StateActive)
	}
	if n := peers.peer(0).remoteCount(); n != 1 {
		t.Fatalf("peer applied %d remote descriptions, want 1", n)
	}

	call, err := sig.GetCall(context.Background(), callID)
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != signal.StatusAnswered {
		t.Fatalf("call status = %s, want %s", call.Status, signal.StatusAnswered)
	}

	res.sess.Hangup()
	<-res.sess.Done()
}

func TestMediaDeniedAbortsAccept(t *testing.T) {
	sig := newTestSignal(t)
	denied := func(string, signal.CallType) (PeerConnection, func(), error) {
		return nil, nil, errors.New("permission denied")
	}
	m := NewManager(sig, "bob", denied)
	defer m.Close()

	callID, err := sig.CreateCall(context.Background(), "alice", "bob", signal.CallAudio)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.AcceptCall(context.Background(), signal.Call{
		ID: callID, CallerID: "alice", CalleeID: "bob", Type: signal.CallAudio,
	})
	if !errors.Is(err, ErrMediaDenied) {
		t.Fatalf("AcceptCall error = %v, want ErrMediaDenied", err)
	}

	// The caller's ring must stop: the document is terminal now.
	call, err := sig.GetCall(context.Background(), callID)
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != signal.StatusEnded {
		t.Fatalf("call status = %s, want %s", call.Status, signal.StatusEnded)
	}
	if _, ok := m.ActiveSession(); ok {
		t.Fatal("denied accept left an active session")
	}
}

func TestRejectIncoming(t *testing.T) {
	sig := newTestSignal(t)
	callerPeers := &peerLog{}

	caller := NewManager(sig, "alice", callerPeers.factory)
	defer caller.Close()
	callee := NewManager(sig, "bob", func(string, signal.CallType) (PeerConnection, func(), error) {
		t.Error("reject must never capture media")
		return nil, nil, errors.New("unreachable")
	})
	defer callee.Close()

	incoming := make(chan *IncomingCall, 1)
	callee.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	out, err := caller.StartCall(context.Background(), "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}

	ic := <-incoming
	if err := ic.Reject(); err != nil {
		t.Fatal(err)
	}

	// The caller sees the denial as a terminal status and tears down.
	waitFor(t, "caller teardown after decline", func() bool { return out.State() == StateEnded })
	<-out.Done()

	// The callee may ring again for a new call.
	if _, ok := callee.ActiveSession(); ok {
		t.Fatal("reject left an active session")
	}
}

func TestHangupIdempotent(t *testing.T) {
	sig := newTestSignal(t)
	peers := &peerLog{}
	m := NewManager(sig, "alice", peers.factory)
	defer m.Close()

	s, err := m.StartCall(context.Background(), "bob", signal.CallAudio)
	if err != nil {
		t.Fatal(err)
	}

	s.Hangup()
	s.Hangup()
	<-s.Done()
	s.Hangup()

	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want %s", got, StateEnded)
	}
}

func TestStatusSnapshot(t *testing.T) {
	sig := newTestSignal(t)
	peers := &peerLog{}
	m := NewManager(sig, "alice", peers.factory)
	defer m.Close()

	s, err := m.StartCall(context.Background(), "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.CallID == "" || st.RemotePeer != "bob" || st.Role != RoleCaller || st.Type != signal.CallVideo {
		t.Fatalf("unexpected status: %+v", st)
	}

	s.Hangup()
	<-s.Done()
}
