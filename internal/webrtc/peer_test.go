package webrtc

import (
	"errors"
	"io"
	"strings"
	"testing"

	"meshroom/native/internal/domain"

	"github.com/pion/rtp"
)

type otherTrack struct{}

func (otherTrack) ID() string { return "other" }
func (otherTrack) Kind() domain.TrackKind { return domain.TrackKindVideo }
func (otherTrack) Enabled() bool { return true }
func (otherTrack) SetEnabled(bool) {}
func (otherTrack) Stop() {}

func newTestPeer(t *testing.T, f *Factory, userID string) domain.Peer {
	t.Helper()
	p, err := f.NewPeer(userID)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestTrack(t *testing.T, kind domain.TrackKind, id string) *LocalTrack {
	t.Helper()
	tr, err := NewLocalTrack(kind, id, "local")
	if err != nil {
		t.Fatalf("NewLocalTrack failed: %v", err)
	}
	return tr
}

func TestOfferAnswer_BetweenTwoPeers(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestPeer(t, f, "b")
	b := newTestPeer(t, f, "a")

	for _, p := range []domain.Peer{a, b} {
		if err := p.AddTrack(newTestTrack(t, domain.TrackKindAudio, "mic")); err != nil {
			t.Fatal(err)
		}
		if err := p.AddTrack(newTestTrack(t, domain.TrackKindVideo, "cam")); err != nil {
			t.Fatal(err)
		}
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.Contains(offer, "m=audio") || !strings.Contains(offer, "m=video") {
		t.Fatalf("offer lacks media sections:\n%s", offer)
	}
	if !strings.Contains(offer, "VP8") || !strings.Contains(offer, "opus") {
		t.Errorf("offer lacks registered codecs:\n%s", offer)
	}

	if err := b.SetRemoteDescription(domain.KindOffer, offer); err != nil {
		t.Fatalf("responder SetRemoteDescription failed: %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if err := a.SetRemoteDescription(domain.KindAnswer, answer); err != nil {
		t.Fatalf("initiator SetRemoteDescription failed: %v", err)
	}
}

func TestSetRemoteDescription_RejectsCandidateKind(t *testing.T) {
	f, _ := NewFactory(nil)
	p := newTestPeer(t, f, "x")

	err := p.SetRemoteDescription(domain.KindICECandidate, "v=0")
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestAddICECandidate_BeforeRemoteDescriptionFails(t *testing.T) {
	f, _ := NewFactory(nil)
	p := newTestPeer(t, f, "x")
	mid := "0"

	err := p.AddICECandidate(domain.ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:    &mid,
	})
	if err == nil {
		t.Error("expected error without a remote description")
	}
}

func TestReplaceVideoTrack(t *testing.T) {
	f, _ := NewFactory(nil)

	withVideo := newTestPeer(t, f, "v")
	if err := withVideo.AddTrack(newTestTrack(t, domain.TrackKindVideo, "cam")); err != nil {
		t.Fatal(err)
	}
	ok, err := withVideo.ReplaceVideoTrack(newTestTrack(t, domain.TrackKindVideo, "screen"))
	if err != nil || !ok {
		t.Errorf("expected replacement, got ok=%v err=%v", ok, err)
	}

	audioOnly := newTestPeer(t, f, "a")
	if err := audioOnly.AddTrack(newTestTrack(t, domain.TrackKindAudio, "mic")); err != nil {
		t.Fatal(err)
	}
	ok, err = audioOnly.ReplaceVideoTrack(newTestTrack(t, domain.TrackKindVideo, "screen"))
	if err != nil || ok {
		t.Errorf("expected no video sender, got ok=%v err=%v", ok, err)
	}
}

func TestAddTrack_RejectsForeignTrack(t *testing.T) {
	f, _ := NewFactory(nil)
	p := newTestPeer(t, f, "x")

	if err := p.AddTrack(otherTrack{}); !errors.Is(err, errUnsupportedTrack) {
		t.Errorf("expected errUnsupportedTrack, got %v", err)
	}
	if _, err := p.ReplaceVideoTrack(otherTrack{}); !errors.Is(err, errUnsupportedTrack) {
		t.Errorf("expected errUnsupportedTrack, got %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	f, _ := NewFactory(nil)
	p, err := f.NewPeer("x")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestNewFactory_SkipsServersWithoutURLs(t *testing.T) {
	f, err := NewFactory([]domain.ICEServer{
		{},
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(f.config.ICEServers); n != 1 {
		t.Errorf("expected 1 ICE server, got %d", n)
	}
}

func TestLocalTrack_EnabledAndStopped(t *testing.T) {
	tr := newTestTrack(t, domain.TrackKindVideo, "cam")
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96}, Payload: []byte{1, 2, 3}}

	if !tr.Enabled() {
		t.Fatal("new track should be enabled")
	}
	tr.SetEnabled(false)
	if err := tr.WriteRTP(pkt); err != nil {
		t.Errorf("disabled write should be dropped silently, got %v", err)
	}

	tr.Stop()
	if !tr.Stopped() {
		t.Error("expected stopped")
	}
	if err := tr.WriteRTP(pkt); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected io.ErrClosedPipe, got %v", err)
	}
}

func TestNewLocalTrack_UnknownKind(t *testing.T) {
	if _, err := NewLocalTrack("data", "x", "s"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestConnectionStateMapping(t *testing.T) {
	if got := connectionState(0); got != domain.ConnectionNew {
		t.Errorf("unknown state mapped to %s", got)
	}
}
