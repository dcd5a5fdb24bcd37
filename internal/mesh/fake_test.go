package mesh

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshroom/native/internal/domain"
)

// fakeTrack is a local track that records Stop.
type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeRemoteTrack struct {
	id, stream string
	kind       domain.TrackKind
}

func (t fakeRemoteTrack) ID() string { return t.id }
func (t fakeRemoteTrack) StreamID() string { return t.stream }
func (t fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }

// peerCalls is what a fakePeer saw.
type peerCalls struct {
	tracks     []domain.Track
	video      domain.Track
	offers     int
	answers    int
	remote     []domain.NegotiationKind
	candidates []string
	closed     bool
}

// fakePeer records every call the manager makes.
type fakePeer struct {
	userID string

	mu          sync.Mutex
	calls       peerCalls
	offerErr    error
	replaceErr  error
	onOffer     func()
	onAddTrack  func()
	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.ConnectionState)
}

func (p *fakePeer) AddTrack(t domain.Track) error {
	p.mu.Lock()
	hook := p.onAddTrack
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.tracks = append(p.calls.tracks, t)
	if t.Kind() == domain.TrackKindVideo && p.calls.video == nil {
		p.calls.video = t
	}
	return nil
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	hook, err := p.onOffer, p.offerErr
	p.calls.offers++
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return "offer-for-" + p.userID, nil
}

func (p *fakePeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.answers++
	return "answer-for-" + p.userID, nil
}

func (p *fakePeer) SetRemoteDescription(kind domain.NegotiationKind, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls.closed {
		return errors.New("closed")
	}
	p.calls.remote = append(p.calls.remote, kind)
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls.remote) == 0 {
		return errors.New("no remote description")
	}
	p.calls.candidates = append(p.calls.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) ReplaceVideoTrack(t domain.Track) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replaceErr != nil {
		return true, p.replaceErr
	}
	if p.calls.video == nil {
		return false, nil
	}
	p.calls.video = t
	return true, nil
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.calls.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(domain.ICECandidate{Candidate: c})
}

func (p *fakePeer) emitTrack(t domain.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) emitState(s domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) snapshot() peerCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.calls
	c.tracks = append([]domain.Track(nil), c.tracks...)
	c.remote = append([]domain.NegotiationKind(nil), c.remote...)
	c.candidates = append([]string(nil), c.candidates...)
	return c
}

// fakeFactory hands out fakePeers and remembers every one of them.
type fakeFactory struct {
	mu        sync.Mutex
	created   map[string][]*fakePeer
	configure func(*fakePeer)
	err       error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[string][]*fakePeer)}
}

func (f *fakeFactory) NewPeer(userID string) (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{userID: userID}
	if f.configure != nil {
		f.configure(p)
	}
	f.created[userID] = append(f.created[userID], p)
	return p, nil
}

// last returns the most recent peer created for userID.
func (f *fakeFactory) last(t *testing.T, userID string) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	peers := f.created[userID]
	if len(peers) == 0 {
		t.Fatalf("no peer created for %s", userID)
	}
	return peers[len(peers)-1]
}

func (f *fakeFactory) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[userID])
}

type sent struct {
	roomID, target string
	payload        domain.NegotiationPayload
}

func (s sent) String() string {
	if s.payload.Kind == domain.KindICECandidate {
		return fmt.Sprintf("%s:%s", s.payload.Kind, s.payload.Candidate.Candidate)
	}
	return string(s.payload.Kind)
}

// fakeSignaler records outbound payloads.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSignaler) SendSignalingData(roomID, target string, p domain.NegotiationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{roomID: roomID, target: target, payload: p})
}

// to returns what was sent to target, as kind or kind:candidate strings.
func (s *fakeSignaler) to(target string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.target == target {
			out = append(out, m.String())
		}
	}
	return out
}

func (s *fakeSignaler) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
