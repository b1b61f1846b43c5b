// Package signal mediates the call handshake between two session state
// machines using the document store as a relay — neither peer has a direct
// channel to the other before media flows. The package enforces the call
// document's state machine; tolerating a transiently absent offer is the
// consumer's job (internal/call polls with a bounded timeout).
package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/akbadjie/havanah/internal/store"
)

const callsCol = "calls"

var (
	// ErrCallEnded is returned for any write against a call that has already
	// reached a terminal status.
	ErrCallEnded = errors.New("signal: call already ended")

	// ErrBadTransition is returned for a write that would violate the call
	// state machine (e.g. answering a call that is not offering).
	ErrBadTransition = errors.New("signal: invalid call state transition")
)

// Manager runs the call-document lifecycle against the store.
type Manager struct {
	st store.Store
}

// New creates a signaling manager.
func New(st store.Store) *Manager {
	return &Manager{st: st}
}

func callPath(callID string) string {
	return callsCol + "/" + callID
}

func candidatesCol(callID string, side Side) string {
	if side == SideCaller {
		return callPath(callID) + "/offerCandidates"
	}
	return callPath(callID) + "/answerCandidates"
}

// CreateCall writes a new call document in "offering" and returns its id.
// The offer itself is persisted separately by SaveOffer, so the callee's
// incoming-call listener may fire before the offer exists.
func (m *Manager) CreateCall(ctx context.Context, callerID, calleeID string, typ CallType) (string, error) {
	id := uuid.NewString()
	err := m.st.Set(ctx, callPath(id), map[string]any{
		"id":        id,
		"callerId":  callerID,
		"calleeId":  calleeID,
		"type":      string(typ),
		"status":    string(StatusOffering),
		"createdAt": store.ServerTimestamp(),
	}, false)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	log.Printf("SIGNAL: call %s %s → %s (%s)", id, callerID, calleeID, typ)
	return id, nil
}

// SaveOffer persists the caller's SDP offer. Valid only while the call is
// still offering, and only once.
func (m *Manager) SaveOffer(ctx context.Context, callID string, offer SessionDescription) error {
	call, err := m.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.terminal() {
		return ErrCallEnded
	}
	if call.Status != StatusOffering || call.Offer != nil {
		return ErrBadTransition
	}
	return m.st.Update(ctx, callPath(callID), map[string]any{
		"offer": map[string]any{"type": offer.Type, "sdp": offer.SDP},
	})
}

// AnswerCall persists the callee's SDP answer and flips the call to
// "answered". The answer's presence is the only valid trigger for that
// transition; answering an ended or denied call is rejected, never
// resurrecting it.
func (m *Manager) AnswerCall(ctx context.Context, callID string, answer SessionDescription) error {
	call, err := m.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.terminal() {
		return ErrCallEnded
	}
	if call.Status != StatusOffering || call.Answer != nil {
		return ErrBadTransition
	}
	err = m.st.Update(ctx, callPath(callID), map[string]any{
		"answer": map[string]any{"type": answer.Type, "sdp": answer.SDP},
		"status": string(StatusAnswered),
	})
	if err != nil {
		return err
	}
	log.Printf("SIGNAL: call %s answered", callID)
	return nil
}

// DeclineCall moves an offering call to "denied". A no-op on a call that
// already reached a terminal status.
func (m *Manager) DeclineCall(ctx context.Context, callID string) error {
	call, err := m.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.terminal() {
		return nil
	}
	if call.Status != StatusOffering {
		return ErrBadTransition
	}
	err = m.st.Update(ctx, callPath(callID), map[string]any{
		"status": string(StatusDenied),
	})
	if err != nil {
		return err
	}
	log.Printf("SIGNAL: call %s declined", callID)
	return nil
}

// EndCall moves the call to "ended", terminal. Idempotent — ending an
// already-terminated call returns nil.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	call, err := m.GetCall(ctx, callID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if call.Status.terminal() {
		return nil
	}
	err = m.st.Update(ctx, callPath(callID), map[string]any{
		"status": string(StatusEnded),
	})
	if err != nil {
		return err
	}
	log.Printf("SIGNAL: call %s ended", callID)
	return nil
}

// SaveCandidate appends one candidate to the given side's sub-collection.
// Order within a side is preserved by the store clock; cross-side ordering
// does not matter for negotiation.
func (m *Manager) SaveCandidate(ctx context.Context, callID string, side Side, c Candidate) error {
	call, err := m.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.terminal() {
		return ErrCallEnded
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return m.st.Set(ctx, candidatesCol(callID, side)+"/"+c.ID, map[string]any{
		"id":            c.ID,
		"candidate":     c.Candidate,
		"sdpMid":        c.SDPMid,
		"sdpMLineIndex": c.SDPMLineIndex,
		"timestamp":     store.ServerTimestamp(),
	}, false)
}

// GetCall returns the decoded call document.
func (m *Manager) GetCall(ctx context.Context, callID string) (*Call, error) {
	doc, err := m.st.Get(ctx, callPath(callID))
	if err != nil {
		return nil, err
	}
	call := decodeCall(doc)
	return &call, nil
}

// ListenForAnswer watches the call document and fires onAnswer exactly once
// when the answer appears, and onTerminal exactly once if the call reaches a
// terminal status first. Replayed snapshots never re-fire either callback.
func (m *Manager) ListenForAnswer(callID string, onAnswer func(SessionDescription), onTerminal func(CallStatus)) (cancel func()) {
	var answered, terminated bool // pump delivers sequentially, no lock needed
	return m.st.SubscribeDoc(callPath(callID), func(doc *store.Document) {
		if doc == nil {
			return
		}
		call := decodeCall(doc)
		if call.Answer != nil && !answered {
			answered = true
			onAnswer(*call.Answer)
		}
		if call.Status.terminal() && !terminated {
			terminated = true
			if onTerminal != nil {
				onTerminal(call.Status)
			}
		}
	})
}

// ListenToCandidates subscribes to one side's candidate sub-collection and
// invokes fn exactly once per candidate, in append order. Duplicate delivery
// from replayed snapshots is filtered by candidate id.
func (m *Manager) ListenToCandidates(callID string, side Side, fn func(Candidate)) (cancel func()) {
	seen := make(map[string]bool)
	return m.st.Subscribe(store.Query{
		Collection: candidatesCol(callID, side),
		OrderBy:    "timestamp",
	}, func(docs []store.Document) {
		for i := range docs {
			c := decodeCandidate(&docs[i])
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			fn(c)
		}
	})
}

// ListenForIncomingCalls watches for offering calls addressed to userID and
// fires fn once per call id. Calls the consumer already accepted or is
// actively handling must additionally be filtered by the consumer's own busy
// guard — this layer only suppresses snapshot replays.
func (m *Manager) ListenForIncomingCalls(userID string, fn func(Call)) (cancel func()) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	return m.st.Subscribe(store.Query{
		Collection: callsCol,
		Filters: []store.Filter{
			{Field: "calleeId", Op: "==", Value: userID},
			{Field: "status", Op: "==", Value: string(StatusOffering)},
		},
		OrderBy: "createdAt",
	}, func(docs []store.Document) {
		for i := range docs {
			call := decodeCall(&docs[i])
			mu.Lock()
			dup := seen[call.ID]
			seen[call.ID] = true
			mu.Unlock()
			if !dup {
				fn(call)
			}
		}
	})
}

func decodeCall(d *store.Document) Call {
	call := Call{
		ID:        d.String("id"),
		CallerID:  d.String("callerId"),
		CalleeID:  d.String("calleeId"),
		Type:      CallType(d.String("type")),
		Status:    CallStatus(d.String("status")),
		CreatedAt: d.Int64("createdAt"),
	}
	if call.ID == "" {
		call.ID = d.ID()
	}
	call.Offer = decodeSDP(d.Fields["offer"])
	call.Answer = decodeSDP(d.Fields["answer"])
	return call
}

func decodeSDP(v any) *SessionDescription {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	sd := &SessionDescription{}
	sd.Type, _ = m["type"].(string)
	sd.SDP, _ = m["sdp"].(string)
	return sd
}

func decodeCandidate(d *store.Document) Candidate {
	c := Candidate{
		ID:        d.String("id"),
		Candidate: d.String("candidate"),
		SDPMid:    d.String("sdpMid"),
		Timestamp: d.Int64("timestamp"),
	}
	c.SDPMLineIndex = d.Int64("sdpMLineIndex")
	if c.ID == "" {
		c.ID = d.ID()
	}
	return c
}
