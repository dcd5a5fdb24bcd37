// Package call ties the signaling channel and the mesh together for one
// participant: joining and leaving a room, the roster, chat, reactions,
// mute toggles and screen sharing.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"meshroom/native/internal/domain"
	"meshroom/native/internal/event"
	"meshroom/native/internal/media"
	"meshroom/native/internal/mesh"
	"meshroom/native/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined     = errors.New("not in a room")
	ErrAlreadyJoined = errors.New("already in a room")
	ErrNoTrack       = errors.New("no such local track")
)

// Channel is the part of *signal.Client a call drives.
type Channel interface {
	domain.Signaler
	Connect(ctx context.Context) error
	Disconnect()
	JoinRoom(ctx context.Context, roomID string, user domain.User) error
	LeaveRoom(roomID string)
	SendMessage(roomID string, msg domain.ChatMessage)
	SendReaction(roomID string, r domain.Reaction)
	SetHandler(h domain.Handler)
	UserJoined() event.Source[domain.User]
	UserLeft() event.Source[string]
	StateChanges() event.Source[signal.State]
}

// Call is one participant's membership in a room.
type Call struct {
	channel Channel
	peers   domain.PeerFactory

	mu       sync.Mutex
	identity *domain.RoomIdentity
	mgr      *mesh.Manager
	stream   *media.Stream
	roster   map[string]domain.User
	sharing  bool
	state    signal.State
	unsubs   []func()
}

func New(channel Channel, peers domain.PeerFactory) *Call {
	return &Call{
		channel: channel,
		peers:   peers,
		roster:  make(map[string]domain.User),
	}
}

// Join connects, announces a new participant called name in roomID and
// starts offering stream to everyone who joins after us.
func (c *Call) Join(ctx context.Context, roomID, name string, stream *media.Stream) (domain.RoomIdentity, error) {
	roomID = NormalizeRoomID(roomID)
	name = strings.TrimSpace(name)
	if roomID == "" {
		return domain.RoomIdentity{}, errors.New("room id is required")
	}
	if name == "" {
		return domain.RoomIdentity{}, errors.New("name is required")
	}
	if stream == nil {
		stream = media.NewStream("local")
	}

	c.mu.Lock()
	if c.identity != nil {
		c.mu.Unlock()
		return domain.RoomIdentity{}, ErrAlreadyJoined
	}
	c.mu.Unlock()

	if err := c.channel.Connect(ctx); err != nil {
		return domain.RoomIdentity{}, fmt.Errorf("connect: %w", err)
	}

	id := domain.RoomIdentity{
		RoomID: roomID,
		User:   domain.User{ID: uuid.NewString(), Name: name},
	}
	mgr := mesh.NewManager(roomID, c.channel, c.peers)
	mgr.SetLocalStream(stream)

	c.mu.Lock()
	c.identity = &id
	c.mgr = mgr
	c.stream = stream
	c.roster = make(map[string]domain.User)
	c.sharing = false
	c.state = signal.StateConnected
	c.unsubs = []func(){
		c.channel.UserJoined().Subscribe(c.onUserJoined),
		c.channel.UserLeft().Subscribe(c.onUserLeft),
		c.channel.StateChanges().Subscribe(c.onState),
		mgr.RemoteStreams().Subscribe(c.onRemoteStream),
	}
	c.mu.Unlock()

	c.channel.SetHandler(mgr)

	if err := c.channel.JoinRoom(ctx, roomID, id.User); err != nil {
		c.teardown(false)
		c.channel.Disconnect()
		return domain.RoomIdentity{}, fmt.Errorf("join room %s: %w", roomID, err)
	}

	log.Info().Str("module", "call").Str("room", roomID).Str("user", id.User.ID).Msg("joined")
	return id, nil
}

// Leave announces our departure, closes every peer connection, stops the
// local stream and disconnects. Leaving twice is harmless.
func (c *Call) Leave() {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()
	if id == nil {
		return
	}

	c.channel.LeaveRoom(id.RoomID)
	c.teardown(true)
	c.channel.Disconnect()

	log.Info().Str("module", "call").Str("room", id.RoomID).Msg("left")
}

// teardown forgets the room. The local stream is stopped only when
// stopMedia is set; a failed Join leaves the caller's tracks alone.
func (c *Call) teardown(stopMedia bool) {
	c.mu.Lock()
	mgr := c.mgr
	unsubs := c.unsubs
	c.identity = nil
	c.mgr = nil
	c.stream = nil
	c.unsubs = nil
	c.roster = make(map[string]domain.User)
	c.sharing = false
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.channel.SetHandler(nil)
	switch {
	case mgr == nil:
	case stopMedia:
		mgr.Cleanup()
	default:
		mgr.Reset()
	}
}

// Identity returns who we are in the current room.
func (c *Call) Identity() (domain.RoomIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return domain.RoomIdentity{}, false
	}
	return *c.identity, true
}

// Manager returns the mesh of the current room, or nil.
func (c *Call) Manager() *mesh.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr
}

// Roster returns the other participants we know of, sorted by id.
func (c *Call) Roster() []domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]domain.User, 0, len(c.roster))
	for _, u := range c.roster {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// SendChat sends text to the room. Blank messages are ignored.
func (c *Call) SendChat(text string) error {
	id, ok := c.Identity()
	if !ok {
		return ErrNotJoined
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c.channel.SendMessage(id.RoomID, domain.ChatMessage{
		UserID:   id.User.ID,
		UserName: id.User.Name,
		Message:  text,
	})
	return nil
}

func (c *Call) SendReaction(emoji string) error {
	id, ok := c.Identity()
	if !ok {
		return ErrNotJoined
	}
	if emoji == "" {
		return nil
	}
	c.channel.SendReaction(id.RoomID, domain.Reaction{
		UserID:   id.User.ID,
		UserName: id.User.Name,
		Emoji:    emoji,
	})
	return nil
}

// ToggleAudio flips the first audio track and returns its new state.
func (c *Call) ToggleAudio() (bool, error) {
	return c.toggle(domain.TrackKindAudio)
}

// ToggleVideo flips the first video track and returns its new state.
func (c *Call) ToggleVideo() (bool, error) {
	return c.toggle(domain.TrackKindVideo)
}

func (c *Call) toggle(kind domain.TrackKind) (bool, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return false, ErrNotJoined
	}

	var tracks []domain.Track
	if kind == domain.TrackKindAudio {
		tracks = stream.AudioTracks()
	} else {
		tracks = stream.VideoTracks()
	}
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}

	t := tracks[0]
	t.SetEnabled(!t.Enabled())
	log.Debug().Str("module", "call").Str("kind", string(kind)).Bool("enabled", t.Enabled()).Msg("track toggled")
	return t.Enabled(), nil
}

// ShareScreen sends screen instead of the camera to every peer. The camera
// track is stopped.
func (c *Call) ShareScreen(ctx context.Context, screen domain.Track) error {
	return c.switchVideo(ctx, screen, true)
}

// StopScreenShare goes back to a camera track. The screen track is stopped.
func (c *Call) StopScreenShare(ctx context.Context, camera domain.Track) error {
	return c.switchVideo(ctx, camera, false)
}

func (c *Call) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

func (c *Call) switchVideo(ctx context.Context, track domain.Track, sharing bool) error {
	mgr := c.Manager()
	if mgr == nil {
		return ErrNotJoined
	}

	err := mgr.ReplaceVideoTrack(ctx, track)
	var partial *domain.TrackReplacementError
	if err != nil && !errors.As(err, &partial) {
		return err
	}

	c.mu.Lock()
	c.sharing = sharing
	c.mu.Unlock()
	return err
}

func (c *Call) onUserJoined(u domain.User) {
	c.mu.Lock()
	c.roster[u.ID] = u
	c.mu.Unlock()
}

func (c *Call) onUserLeft(userID string) {
	c.mu.Lock()
	delete(c.roster, userID)
	c.mu.Unlock()
}

// onRemoteStream records participants we only learned about through their
// offer, since the server announces newcomers but not the people already
// in the room. Streams from users without a session are late arrivals from
// someone who already left; the session check and the insert share mu.
func (c *Call) onRemoteStream(r mesh.RemoteStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgr == nil {
		return
	}
	if _, ok := c.mgr.State(r.UserID); !ok {
		log.Debug().Str("module", "call").Str("user", r.UserID).Msg("remote stream from departed user")
		return
	}
	if _, ok := c.roster[r.UserID]; !ok {
		c.roster[r.UserID] = domain.User{ID: r.UserID}
	}
}

// onState rejoins the room once the channel is back after a drop. The
// server forgot us with the old connection, so every session is rebuilt.
func (c *Call) onState(s signal.State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	id := c.identity
	mgr := c.mgr
	if s == signal.StateConnected && prev == signal.StateReconnecting {
		c.roster = make(map[string]domain.User)
	}
	c.mu.Unlock()

	if id == nil || s != signal.StateConnected || prev != signal.StateReconnecting {
		return
	}

	mgr.Reset()
	if err := c.channel.JoinRoom(context.Background(), id.RoomID, id.User); err != nil {
		log.Error().Err(err).Str("module", "call").Str("room", id.RoomID).Msg("rejoin failed")
		return
	}
	log.Info().Str("module", "call").Str("room", id.RoomID).Msg("rejoined after reconnect")
}
