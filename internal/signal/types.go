package signal

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallStatus is the state of a call document.
//
//	offering --(callee answers)--> answered --(either side)--> ended
//	offering --(callee declines)-> denied
//	offering --(either side)-----> ended
type CallStatus string

const (
	StatusOffering CallStatus = "offering"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
	StatusDenied   CallStatus = "denied"
)

// terminal reports whether no further writes are valid on the call.
func (s CallStatus) terminal() bool {
	return s == StatusEnded || s == StatusDenied
}

// Side names which peer contributed a candidate.
type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
)

// SessionDescription is an opaque SDP blob from the negotiation primitive.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one network-negotiation fragment, trickled incrementally by
// one side. Candidates are append-only and never revised.
type Candidate struct {
	ID            string `json:"id"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int64  `json:"sdpMLineIndex,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// Call is the decoded call document.
type Call struct {
	ID        string              `json:"id"`
	CallerID  string              `json:"callerId"`
	CalleeID  string              `json:"calleeId"`
	Type      CallType            `json:"type"`
	Status    CallStatus          `json:"status"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	CreatedAt int64               `json:"createdAt"`
}
