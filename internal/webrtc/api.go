package webrtc

import (
	"fmt"

	"meshroom/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
)

var (
	videoCodec = pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeVP8,
		ClockRate: 90000,
	}
	audioCodec = pion.RTPCodecCapability{
		MimeType:    pion.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

// Factory creates peer connections that share one media engine and
// interceptor chain. It implements domain.PeerFactory.
type Factory struct {
	api    *pion.API
	config pion.Configuration
}

// NewFactory registers VP8 and Opus plus NACK handling and keeps the ICE
// servers used by every peer it creates.
func NewFactory(iceServers []domain.ICEServer) (*Factory, error) {
	m := &pion.MediaEngine{}

	vp8 := pion.RTPCodecParameters{
		RTPCodecCapability: videoCodec,
		PayloadType:        96,
	}
	if err := m.RegisterCodec(vp8, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: audioCodec,
		PayloadType:        111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		if len(s.URLs) == 0 {
			continue
		}
		servers = append(servers, pion.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Factory{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
		),
		config: pion.Configuration{
			ICEServers:   servers,
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
	}, nil
}

// NewPeer creates a fresh peer connection for userID.
func (f *Factory) NewPeer(userID string) (domain.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPeer(userID, pc), nil
}
