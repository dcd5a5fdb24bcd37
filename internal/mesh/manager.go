// Package mesh keeps one peer connection per remote participant and drives
// the offer/answer/ICE exchange for each of them.
package mesh

import (
	"context"
	"sort"
	"sync"

	"meshroom/native/internal/domain"
	"meshroom/native/internal/event"
	"meshroom/native/internal/media"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// maxEarlyCandidates bounds the candidates held for a participant whose
// offer has not arrived yet.
const maxEarlyCandidates = 64

// RemoteStream is published once per session, on its first remote track.
type RemoteStream struct {
	UserID string
	Stream *media.RemoteStream
}

// IncomingTrack is published for every remote track, including the first.
type IncomingTrack struct {
	UserID string
	Track  domain.RemoteTrack
}

// PeerState is a connection state change of one session.
type PeerState struct {
	UserID string
	State  domain.ConnectionState
}

// Manager owns the mesh. It implements domain.Handler and is registered as
// the sole consumer of the signaling channel's negotiation events.
type Manager struct {
	roomID   string
	signaler domain.Signaler
	peers    domain.PeerFactory

	mu       sync.Mutex
	sessions map[string]*session
	departed map[string]struct{}
	early    map[string][]domain.ICECandidate
	local    *media.Stream

	// mediaMu serializes the operations that mutate the local stream.
	mediaMu sync.Mutex

	remoteStreams event.Topic[RemoteStream]
	tracks        event.Topic[IncomingTrack]
	failures      event.Topic[*domain.NegotiationFailure]
	connStates    event.Topic[PeerState]
}

func NewManager(roomID string, signaler domain.Signaler, peers domain.PeerFactory) *Manager {
	return &Manager{
		roomID:   roomID,
		signaler: signaler,
		peers:    peers,
		sessions: make(map[string]*session),
		departed: make(map[string]struct{}),
		early:    make(map[string][]domain.ICECandidate),
	}
}

func (m *Manager) RemoteStreams() event.Source[RemoteStream] { return &m.remoteStreams }
func (m *Manager) Tracks() event.Source[IncomingTrack] { return &m.tracks }
func (m *Manager) Failures() event.Source[*domain.NegotiationFailure] { return &m.failures }
func (m *Manager) ConnectionStates() event.Source[PeerState] { return &m.connStates }

// SetLocalStream sets the stream whose tracks are attached to sessions
// created from now on. Existing sessions keep what they have.
func (m *Manager) SetLocalStream(s *media.Stream) {
	m.mu.Lock()
	m.local = s
	m.mu.Unlock()
}

func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// State returns the negotiation state of the session for userID.
func (m *Manager) State(userID string) (State, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return s.State(), true
}

// Peers returns the user ids with an active session, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnUserJoined starts the initiator path towards user. A session left over
// from an earlier appearance of the same user is replaced.
func (m *Manager) OnUserJoined(user domain.User) {
	if user.ID == "" {
		return
	}
	log.Info().Str("module", "mesh").Str("user", user.ID).Str("name", user.Name).Msg("user joined, sending offer")

	m.mu.Lock()
	delete(m.departed, user.ID)
	m.mu.Unlock()

	s, err := m.open(user.ID, RoleInitiator)
	if s == nil {
		m.failures.Publish(&domain.NegotiationFailure{UserID: user.ID, Step: "create", Err: err})
		return
	}
	defer s.mu.Unlock()
	if err != nil {
		m.fail(s, "attach", err)
		return
	}

	if step, err := s.offer(); err != nil {
		m.fail(s, step, err)
	}
}

// OnUserLeft closes the session for userID. Signaling from that user is
// ignored until it joins again.
func (m *Manager) OnUserLeft(userID string) {
	m.mu.Lock()
	m.departed[userID] = struct{}{}
	delete(m.early, userID)
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if s != nil {
		s.close()
		log.Info().Str("module", "mesh").Str("user", userID).Msg("user left, session closed")
	}
}

// OnSignal applies one negotiation payload from sig.UserID.
func (m *Manager) OnSignal(sig domain.Signal) {
	if err := sig.Payload.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("user", sig.UserID).Msg("dropping signal")
		return
	}
	if sig.UserID == "" {
		log.Warn().Err(domain.ErrProtocolViolation).Str("module", "mesh").Msg("signal without user id")
		return
	}
	if sig.RoomID != "" && sig.RoomID != m.roomID {
		log.Warn().Str("module", "mesh").Str("room", sig.RoomID).Msg("signal for another room")
		return
	}

	m.mu.Lock()
	_, gone := m.departed[sig.UserID]
	s := m.sessions[sig.UserID]
	m.mu.Unlock()

	if gone {
		log.Debug().Str("module", "mesh").Str("user", sig.UserID).Str("type", string(sig.Payload.Kind)).Msg("ignoring signal from departed user")
		return
	}

	switch sig.Payload.Kind {
	case domain.KindOffer:
		if s != nil {
			log.Warn().Err(domain.ErrProtocolViolation).Str("module", "mesh").Str("user", sig.UserID).
				Str("state", s.State().String()).Msg("dropping duplicate offer")
			return
		}
		m.respond(sig.UserID, sig.Payload.SDP)

	case domain.KindAnswer:
		if s == nil {
			log.Warn().Err(domain.ErrProtocolViolation).Str("module", "mesh").Str("user", sig.UserID).Msg("answer without session")
			return
		}
		if step, err := s.acceptAnswer(sig.Payload.SDP); err != nil {
			m.fail(s, step, err)
		}

	case domain.KindICECandidate:
		if s == nil {
			m.holdEarly(sig.UserID, *sig.Payload.Candidate)
			return
		}
		s.addRemoteCandidate(*sig.Payload.Candidate)
	}
}

func (m *Manager) respond(userID, offerSDP string) {
	log.Info().Str("module", "mesh").Str("user", userID).Msg("offer received, answering")

	s, err := m.open(userID, RoleResponder)
	if s == nil {
		m.failures.Publish(&domain.NegotiationFailure{UserID: userID, Step: "create", Err: err})
		return
	}
	defer s.mu.Unlock()
	if err != nil {
		m.fail(s, "attach", err)
		return
	}

	if step, err := s.answer(offerSDP); err != nil {
		m.fail(s, step, err)
	}
}

// open registers a new session and attaches the local tracks under mediaMu,
// so a concurrent ReplaceVideoTrack either sees the session with its video
// sender or has already swapped the track the session attaches. A nil
// session means the peer could not be created; otherwise the session is
// returned with mu held and err reports a failed attach.
func (m *Manager) open(userID string, role Role) (*session, error) {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	s, err := m.newSession(userID, role)
	if err != nil {
		return nil, err
	}
	return s, s.attach(m.localTracks())
}

// newSession creates a session and registers it, replacing any previous one
// for the same user. The session is returned with mu held so no other step
// can run before the first one. Early candidates move into it.
func (m *Manager) newSession(userID string, role Role) (*session, error) {
	peer, err := m.peers.NewPeer(userID)
	if err != nil {
		return nil, err
	}
	s := newSession(m, userID, role, peer)
	s.mu.Lock()

	m.mu.Lock()
	old := m.sessions[userID]
	m.sessions[userID] = s
	s.pendingRemote = m.early[userID]
	delete(m.early, userID)
	m.mu.Unlock()

	if old != nil {
		old.close()
		log.Info().Str("module", "mesh").Str("user", userID).Msg("replaced stale session")
	}
	return s, nil
}

func (m *Manager) holdEarly(userID string, c domain.ICECandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.early[userID]) >= maxEarlyCandidates {
		log.Warn().Str("module", "mesh").Str("user", userID).Msg("too many early candidates, dropping")
		return
	}
	m.early[userID] = append(m.early[userID], c)
}

// fail closes s after a failed step and reports it, unless s was already
// closed for another reason.
func (m *Manager) fail(s *session, step string, err error) {
	if !s.close() {
		return
	}
	m.mu.Lock()
	if m.sessions[s.userID] == s {
		delete(m.sessions, s.userID)
	}
	m.mu.Unlock()

	log.Error().Err(err).Str("module", "mesh").Str("user", s.userID).Str("step", step).Msg("negotiation failed")
	m.failures.Publish(&domain.NegotiationFailure{UserID: s.userID, Step: step, Err: err})
}

func (m *Manager) send(userID string, payload domain.NegotiationPayload) {
	m.signaler.SendSignalingData(m.roomID, userID, payload)
}

func (m *Manager) localTracks() []domain.Track {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return nil
	}
	return local.Tracks()
}

type replaceResult struct {
	userID   string
	replaced bool
	err      error
}

// ReplaceVideoTrack swaps the outgoing video of every session to track
// without renegotiation, then swaps the local stream's video track and
// stops the previous one. Sessions that reject the track are reported in
// a *domain.TrackReplacementError; the others keep the new track.
func (m *Manager) ReplaceVideoTrack(ctx context.Context, track domain.Track) error {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	local := m.local
	m.mu.Unlock()

	p := pool.NewWithResults[replaceResult]()
	for _, s := range sessions {
		s := s
		p.Go(func() replaceResult {
			if s.isClosed() {
				return replaceResult{userID: s.userID}
			}
			ok, err := s.peer.ReplaceVideoTrack(track)
			return replaceResult{userID: s.userID, replaced: ok, err: err}
		})
	}

	failures := make(map[string]error)
	replaced := 0
	for _, r := range p.Wait() {
		switch {
		case r.err != nil:
			failures[r.userID] = r.err
		case r.replaced:
			replaced++
		}
	}

	if local != nil {
		if old := local.ReplaceVideo(track); old != nil && old != track {
			old.Stop()
		}
	}

	log.Info().Str("module", "mesh").Str("track", track.ID()).Int("replaced", replaced).Int("failed", len(failures)).Msg("video track replaced")

	if len(failures) > 0 {
		return &domain.TrackReplacementError{Failures: failures}
	}
	return nil
}

// Cleanup closes every session and stops the local stream. Calling it
// again, or with no sessions, is harmless.
func (m *Manager) Cleanup() {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	local := m.closeAll()

	m.mu.Lock()
	m.local = nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
}

// Reset closes every session but keeps the local stream, so the mesh can
// be rebuilt after the signaling connection was re-established.
func (m *Manager) Reset() {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.closeAll()
}

func (m *Manager) closeAll() *media.Stream {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.departed = make(map[string]struct{})
	m.early = make(map[string][]domain.ICECandidate)
	local := m.local
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if len(sessions) > 0 {
		log.Info().Str("module", "mesh").Int("sessions", len(sessions)).Msg("sessions closed")
	}
	return local
}
