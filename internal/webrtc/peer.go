package webrtc

import (
	"errors"
	"fmt"
	"strings"

	"meshroom/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errUnsupportedTrack = errors.New("track is not a *webrtc.LocalTrack")

// Peer wraps a Pion PeerConnection for one remote participant. It
// implements domain.Peer.
type Peer struct {
	pc     *pion.PeerConnection
	userID string
}

func newPeer(userID string, pc *pion.PeerConnection) *Peer {
	p := &Peer{pc: pc, userID: userID}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("user", userID).Str("state", state.String()).Msg("ICE connection state")
	})
	return p
}

// AddTrack attaches an outgoing track and drains the RTCP its sender
// receives so the interceptors keep running.
func (p *Peer) AddTrack(track domain.Track) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errUnsupportedTrack
	}

	sender, err := p.pc.AddTrack(lt.local())
	if err != nil {
		return fmt.Errorf("add %s track: %w", lt.Kind(), err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("module", "webrtc").Str("user", p.userID).Msg("local SDP offer set")
	return offer.SDP, nil
}

// CreateAnswer answers the remote offer and sets it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("module", "webrtc").Str("user", p.userID).Msg("local SDP answer set")
	return answer.SDP, nil
}

func (p *Peer) SetRemoteDescription(kind domain.NegotiationKind, sdp string) error {
	var typ pion.SDPType
	switch kind {
	case domain.KindOffer:
		typ = pion.SDPTypeOffer
	case domain.KindAnswer:
		typ = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %q is not a session description", domain.ErrProtocolViolation, kind)
	}

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	log.Debug().Str("module", "webrtc").Str("user", p.userID).Str("type", string(kind)).Msg("remote SDP set")
	return nil
}

// AddICECandidate adds a remote candidate. The remote description must
// already be set.
func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the track of the first video sender in place. No
// renegotiation takes place.
func (p *Peer) ReplaceVideoTrack(track domain.Track) (bool, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return false, errUnsupportedTrack
	}

	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() != pion.RTPCodecTypeVideo || tr.Sender() == nil {
			continue
		}
		if err := tr.Sender().ReplaceTrack(lt.local()); err != nil {
			return true, fmt.Errorf("replace video track: %w", err)
		}
		log.Debug().Str("module", "webrtc").Str("user", p.userID).Str("track", lt.ID()).Msg("video track replaced")
		return true, nil
	}
	return false, nil
}

// OnICECandidate forwards locally gathered candidates. Loopback candidates
// and the end-of-gathering marker are not forwarded.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "webrtc").Str("user", p.userID).Msg("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			return
		}
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Info().Str("module", "webrtc").Str("user", p.userID).
			Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("got track")
		fn(&RemoteTrack{track: track})
	})
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("user", p.userID).Str("state", state.String()).Msg("peer connection state")
		fn(connectionState(state))
	})
}

// Close shuts down the PeerConnection. Closing twice is harmless.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func connectionState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
