package call

import (
	"errors"

	"github.com/akbadjie/havanah/internal/signal"
)

var (
	// ErrBusy is returned when a call is started or accepted while another
	// call is already ringing or active. The local media devices belong to
	// at most one session at a time.
	ErrBusy = errors.New("call: another call is already active")

	// ErrMediaDenied is returned when local media capture fails, typically
	// because the user denied the permission prompt. Never retried silently.
	ErrMediaDenied = errors.New("call: media capture denied")

	// ErrOfferTimeout is returned on the callee path when the caller's offer
	// never appears within the poll window.
	ErrOfferTimeout = errors.New("call: timed out waiting for offer")
)

// State is the client-local call state machine. It mirrors — but is not
// identical to — the call document's status.
//
//	idle → capturingMedia → negotiating → active → ended
//	                 \→ failed (permission / no offer / timeout) → idle
type State string

const (
	StateIdle        State = "idle"
	StateCapturing   State = "capturingMedia"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
)

// Role says which side of the handshake this session drives.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// PeerConnection is the only surface the session needs from the platform's
// peer-negotiation primitive. The pion adapter satisfies this in production;
// tests substitute a fake.
type PeerConnection interface {
	CreateOffer() (signal.SessionDescription, error)
	CreateAnswer() (signal.SessionDescription, error)
	SetLocalDescription(sd signal.SessionDescription) error
	SetRemoteDescription(sd signal.SessionDescription) error
	AddICECandidate(c signal.Candidate) error

	// OnICECandidate registers fn for locally gathered candidates. Must be
	// set before the local description is applied or early candidates are
	// lost.
	OnICECandidate(fn func(signal.Candidate))

	// OnTrack registers fn for remote media arriving; the track itself stays
	// inside the implementation.
	OnTrack(fn func(trackID string))

	Close() error
}

// PeerFactory builds the peer-negotiation object with local media already
// attached. It may block until the user grants or denies capture permission.
// The returned cleanup stops local capture and must be safe to call exactly
// once; it may be nil when there is nothing to release.
type PeerFactory func(callID string, typ signal.CallType) (pc PeerConnection, cleanup func(), err error)

// IncomingCall is handed to OnIncoming handlers for each new ringing call.
// Accept and Reject are bound to the specific call document.
type IncomingCall struct {
	Call   signal.Call
	Accept func() (*Session, error)
	Reject func() error
}

// SessionStatus is a point-in-time snapshot for the debug surface.
type SessionStatus struct {
	CallID     string          `json:"call_id"`
	RemotePeer string          `json:"remote_peer"`
	Role       Role            `json:"role"`
	Type       signal.CallType `json:"type"`
	State      State           `json:"state"`
	Error      string          `json:"error,omitempty"`
}
