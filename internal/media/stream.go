// Package media holds the local and remote stream containers shared by the
// peer sessions. Capture and rendering live outside this module.
package media

import (
	"sync"

	"meshroom/native/internal/domain"
)

// Stream is the locally captured stream handed in by the media collaborator.
// Sessions read its tracks; only the manager substitutes or stops them.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []domain.Track
}

// NewStream wraps already acquired tracks.
func NewStream(id string, tracks ...domain.Track) *Stream {
	return &Stream{id: id, tracks: append([]domain.Track(nil), tracks...)}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of all tracks.
func (s *Stream) Tracks() []domain.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []domain.Track { return s.byKind(domain.TrackKindAudio) }

func (s *Stream) VideoTracks() []domain.Track { return s.byKind(domain.TrackKindVideo) }

func (s *Stream) byKind(kind domain.TrackKind) []domain.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack appends t unless it is already part of the stream.
func (s *Stream) AddTrack(t domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing == t {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// RemoveTrack reports whether t was part of the stream.
func (s *Stream) RemoveTrack(t domain.Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i:i], s.tracks[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceVideo swaps the first video track for t and returns the previous
// one, or nil when the stream had no video. The previous track is not stopped.
func (s *Stream) ReplaceVideo(t domain.Track) domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing.Kind() == domain.TrackKindVideo {
			s.tracks[i] = t
			return existing
		}
	}
	s.tracks = append(s.tracks, t)
	return nil
}

// Stop stops and releases every track.
func (s *Stream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// RemoteStream groups the tracks a single peer sends us.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []domain.RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (r *RemoteStream) ID() string { return r.id }

func (r *RemoteStream) AddTrack(t domain.RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *RemoteStream) Tracks() []domain.RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.RemoteTrack(nil), r.tracks...)
}
