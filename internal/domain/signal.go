package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NegotiationKind tags a NegotiationPayload.
type NegotiationKind string

const (
	KindOffer        NegotiationKind = "offer"
	KindAnswer       NegotiationKind = "answer"
	KindICECandidate NegotiationKind = "ice-candidate"
)

// ICECandidate mirrors the browser RTCIceCandidateInit JSON.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NegotiationPayload is the data carried by a signaling message: an offer,
// an answer or a trickled ICE candidate.
type NegotiationPayload struct {
	Kind      NegotiationKind `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate *ICECandidate   `json:"candidate,omitempty"`
}

// Signal is an inbound negotiation payload concerning UserID.
type Signal struct {
	RoomID  string
	UserID  string
	Payload NegotiationPayload
}

func OfferPayload(sdp string) NegotiationPayload {
	return NegotiationPayload{Kind: KindOffer, SDP: sdp}
}

func AnswerPayload(sdp string) NegotiationPayload {
	return NegotiationPayload{Kind: KindAnswer, SDP: sdp}
}

func CandidatePayload(c ICECandidate) NegotiationPayload {
	return NegotiationPayload{Kind: KindICECandidate, Candidate: &c}
}

// Validate checks that the fields required by Kind are present.
func (p NegotiationPayload) Validate() error {
	switch p.Kind {
	case KindOffer, KindAnswer:
		if p.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrProtocolViolation, p.Kind)
		}
	case KindICECandidate:
		if p.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrProtocolViolation)
		}
	default:
		return fmt.Errorf("%w: unknown negotiation type %q", ErrProtocolViolation, p.Kind)
	}
	return nil
}

// UnmarshalJSON accepts the sdp either as a plain string or as a browser
// RTCSessionDescriptionInit object ({"type": ..., "sdp": ...}).
func (p *NegotiationPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind      NegotiationKind `json:"type"`
		SDP       json.RawMessage `json:"sdp"`
		Candidate *ICECandidate   `json:"candidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Kind = raw.Kind
	p.Candidate = raw.Candidate
	p.SDP = ""

	sdp := bytes.TrimSpace(raw.SDP)
	switch {
	case len(sdp) == 0 || bytes.Equal(sdp, []byte("null")):
	case sdp[0] == '"':
		if err := json.Unmarshal(sdp, &p.SDP); err != nil {
			return fmt.Errorf("decode sdp: %w", err)
		}
	case sdp[0] == '{':
		var desc struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(sdp, &desc); err != nil {
			return fmt.Errorf("decode session description: %w", err)
		}
		p.SDP = desc.SDP
	default:
		return fmt.Errorf("%w: sdp must be a string or an object", ErrProtocolViolation)
	}
	return nil
}
