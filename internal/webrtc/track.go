package webrtc

import (
	"fmt"
	"io"
	"sync/atomic"

	"meshroom/native/internal/domain"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

// LocalTrack is an outgoing RTP track fed by a capture collaborator. It
// implements domain.Track.
type LocalTrack struct {
	rtp     *pion.TrackLocalStaticRTP
	kind    domain.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewLocalTrack creates an enabled track using the codec registered for
// kind (VP8 for video, Opus for audio).
func NewLocalTrack(kind domain.TrackKind, id, streamID string) (*LocalTrack, error) {
	var codec pion.RTPCodecCapability
	switch kind {
	case domain.TrackKindVideo:
		codec = videoCodec
	case domain.TrackKindAudio:
		codec = audioCodec
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}

	t, err := pion.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	lt := &LocalTrack{rtp: t, kind: kind}
	lt.enabled.Store(true)
	return lt, nil
}

func (t *LocalTrack) ID() string { return t.rtp.ID() }
func (t *LocalTrack) StreamID() string { return t.rtp.StreamID() }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop ends the track. Later writes fail with io.ErrClosedPipe.
func (t *LocalTrack) Stop() { t.stopped.Store(true) }

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// WriteRTP forwards a packet to every sender bound to the track. Packets
// written while the track is disabled are dropped.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.rtp.WriteRTP(p)
}

func (t *LocalTrack) local() pion.TrackLocal { return t.rtp }

// RemoteTrack is an incoming track. It implements domain.RemoteTrack and
// exposes the packets for a rendering collaborator.
type RemoteTrack struct {
	track *pion.TrackRemote
}

func (t *RemoteTrack) ID() string { return t.track.ID() }
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }

func (t *RemoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == pion.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}

// Codec returns the negotiated MIME type, for example "video/VP8".
func (t *RemoteTrack) Codec() string { return t.track.Codec().MimeType }

// ReadRTP blocks until the next packet arrives or the track ends.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	p, _, err := t.track.ReadRTP()
	return p, err
}
