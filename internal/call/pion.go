package call

import (
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/akbadjie/havanah/internal/signal"
)

// pionPeer adapts *webrtc.PeerConnection to the PeerConnection interface the
// session drives. It translates between the store's wire shapes and Pion's.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

var stunURL = "stun:stun.l.google.com:19302"

// SetSTUNServer overrides the STUN server used for candidate gathering.
// Must be called before the first call is placed.
func SetSTUNServer(url string) {
	if url != "" {
		stunURL = url
	}
}

// defaultPeerFactory builds a Pion peer connection with local media attached
// (platform permitting). Selected when NewManager receives a nil factory.
func defaultPeerFactory(callID string, typ signal.CallType) (PeerConnection, func(), error) {
	pc, stop, err := newMediaPC(callID, typ)
	if err != nil {
		return nil, nil, err
	}
	return &pionPeer{pc: pc}, stop, nil
}

func (p *pionPeer) CreateOffer() (signal.SessionDescription, error) {
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (signal.SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(sd signal.SessionDescription) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (p *pionPeer) SetRemoteDescription(sd signal.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c signal.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := uint16(c.SDPMLineIndex)
	init.SDPMLineIndex = &idx
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) OnICECandidate(fn func(signal.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		j := c.ToJSON()
		out := signal.Candidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			out.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			out.SDPMLineIndex = int64(*j.SDPMLineIndex)
		}
		fn(out)
	})
}

func (p *pionPeer) OnTrack(fn func(trackID string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.ID())
		// Keep reading so the interceptor chain stays alive; rendering the
		// media is the UI layer's concern.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials
// even when local capture is unavailable.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}
