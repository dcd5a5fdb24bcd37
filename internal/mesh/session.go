package mesh

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshroom/native/internal/domain"
	"meshroom/native/internal/media"

	"github.com/rs/zerolog/log"
)

var (
	errSessionClosed    = errors.New("session closed")
	errConnectionFailed = errors.New("peer connection failed")
)

// session is the negotiation state of one remote participant. Negotiation
// steps hold mu, so they apply in arrival order. state is atomic so that
// close can run without waiting for a step in flight; a step that finds
// the session closed discards its result.
type session struct {
	userID string
	role   Role
	peer   domain.Peer
	mgr    *Manager

	state atomic.Int32

	mu            sync.Mutex
	remoteSet     bool
	pendingRemote []domain.ICECandidate

	// Local candidates wait in outbox until the offer or answer went out.
	outMu    sync.Mutex
	signaled bool
	outbox   []domain.ICECandidate

	remoteMu sync.Mutex
	remote   *media.RemoteStream
}

func newSession(m *Manager, userID string, role Role, peer domain.Peer) *session {
	s := &session{
		userID: userID,
		role:   role,
		peer:   peer,
		mgr:    m,
	}
	peer.OnICECandidate(s.onLocalCandidate)
	peer.OnTrack(s.onTrack)
	peer.OnConnectionStateChange(s.onConnectionState)
	return s
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) isClosed() bool { return s.State() == StateClosed }

// move performs a legal transition. It fails once the session is closed.
func (s *session) move(to State) bool {
	for {
		cur := s.State()
		if !cur.canMove(to) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			log.Debug().Str("module", "mesh").Str("user", s.userID).
				Str("from", cur.String()).Str("to", to.String()).Msg("session state")
			return true
		}
	}
}

// close moves the session to CLOSED and closes its connection. Only the
// first call does anything; it reports whether this call closed it.
func (s *session) close() bool {
	if !s.move(StateClosed) {
		return false
	}
	if err := s.peer.Close(); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("user", s.userID).Msg("close peer")
	}
	return true
}

func (s *session) attach(tracks []domain.Track) error {
	for _, t := range tracks {
		if err := s.peer.AddTrack(t); err != nil {
			return fmt.Errorf("attach %s track %s: %w", t.Kind(), t.ID(), err)
		}
	}
	return nil
}

// offer runs the initiator path on an attached session. Must hold mu.
func (s *session) offer() (string, error) {
	sdp, err := s.peer.CreateOffer()
	if err != nil {
		return "offer", err
	}
	if !s.move(StateHaveLocalOffer) {
		return "offer", errSessionClosed
	}
	s.mgr.send(s.userID, domain.OfferPayload(sdp))
	s.flushOutbox()
	return "", nil
}

// answer runs the responder path for the first offer. Must hold mu.
func (s *session) answer(offerSDP string) (string, error) {
	if err := s.peer.SetRemoteDescription(domain.KindOffer, offerSDP); err != nil {
		return "remote-offer", err
	}
	if !s.move(StateHaveRemoteOffer) {
		return "remote-offer", errSessionClosed
	}
	s.remoteSet = true
	s.flushRemote()

	sdp, err := s.peer.CreateAnswer()
	if err != nil {
		return "answer", err
	}
	if s.isClosed() {
		return "answer", errSessionClosed
	}
	s.mgr.send(s.userID, domain.AnswerPayload(sdp))
	s.flushOutbox()
	if !s.move(StateStable) {
		return "answer", errSessionClosed
	}
	return "", nil
}

// acceptAnswer applies the remote answer to a pending local offer.
func (s *session) acceptAnswer(sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateHaveLocalOffer {
		if st == StateClosed {
			return "", nil
		}
		log.Warn().Err(domain.ErrProtocolViolation).Str("module", "mesh").Str("user", s.userID).
			Str("state", st.String()).Msg("dropping answer")
		return "", nil
	}

	if err := s.peer.SetRemoteDescription(domain.KindAnswer, sdp); err != nil {
		return "remote-answer", err
	}
	s.remoteSet = true
	s.flushRemote()
	if !s.move(StateStable) {
		return "remote-answer", errSessionClosed
	}
	return "", nil
}

// addRemoteCandidate applies c, or holds it until the remote description
// is set. A rejected candidate is logged and the session keeps going.
func (s *session) addRemoteCandidate(c domain.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		return
	}
	s.applyCandidate(c)
}

func (s *session) flushRemote() {
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		s.applyCandidate(c)
	}
}

func (s *session) applyCandidate(c domain.ICECandidate) {
	if err := s.peer.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("user", s.userID).Msg("remote candidate rejected")
	}
}

func (s *session) onLocalCandidate(c domain.ICECandidate) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.isClosed() {
		return
	}
	if !s.signaled {
		s.outbox = append(s.outbox, c)
		return
	}
	s.mgr.send(s.userID, domain.CandidatePayload(c))
}

func (s *session) flushOutbox() {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.signaled = true
	for _, c := range s.outbox {
		s.mgr.send(s.userID, domain.CandidatePayload(c))
	}
	s.outbox = nil
}

func (s *session) onTrack(t domain.RemoteTrack) {
	if s.isClosed() {
		return
	}

	s.remoteMu.Lock()
	first := s.remote == nil
	if first {
		s.remote = media.NewRemoteStream(t.StreamID())
	}
	s.remote.AddTrack(t)
	stream := s.remote
	s.remoteMu.Unlock()

	if first {
		log.Info().Str("module", "mesh").Str("user", s.userID).Msg("remote stream")
		s.mgr.remoteStreams.Publish(RemoteStream{UserID: s.userID, Stream: stream})
	}
	s.mgr.tracks.Publish(IncomingTrack{UserID: s.userID, Track: t})
}

func (s *session) onConnectionState(state domain.ConnectionState) {
	if s.isClosed() {
		return
	}
	s.mgr.connStates.Publish(PeerState{UserID: s.userID, State: state})

	if state == domain.ConnectionFailed {
		// Closing from inside the connection's own callback is not safe.
		go s.mgr.fail(s, "connection", errConnectionFailed)
	}
}
