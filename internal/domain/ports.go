package domain

import "context"

// Conn is a single established connection to the signaling endpoint.
// ReadMessage blocks until a frame arrives or the connection is closed.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials the signaling endpoint. A returned Conn is ready for use.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives the signaling-level events the channel routes to the
// peer-connection manager.
type Handler interface {
	OnUserJoined(user User)
	OnUserLeft(userID string)
	OnSignal(sig Signal)
}

// Signaler forwards negotiation payloads to a single remote participant.
type Signaler interface {
	SendSignalingData(roomID, targetUserID string, payload NegotiationPayload)
}

// Track is an outgoing media track owned by the local stream.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// RemoteTrack is an incoming media track received from a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddTrack(track Track) error
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(kind NegotiationKind, sdp string) error
	AddICECandidate(candidate ICECandidate) error
	// ReplaceVideoTrack swaps the track of the outgoing video sender. It
	// reports false when the connection has no video sender.
	ReplaceVideoTrack(track Track) (bool, error)
	OnICECandidate(fn func(candidate ICECandidate))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state ConnectionState))
	Close() error
}

// PeerFactory creates a fresh Peer for a remote participant.
type PeerFactory interface {
	NewPeer(userID string) (Peer, error)
}
