package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshroom/native/internal/domain"
	"meshroom/native/internal/event"

	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5

	// MaxReconnectDelay caps the doubling so long retry budgets keep waiting.
	MaxReconnectDelay = 10 * time.Minute
)

var errConnectInProgress = errors.New("connect already in progress")

// Options tunes the reconnection policy.
type Options struct {
	// ReconnectDelay is the wait before the first reconnection attempt.
	// Each further attempt doubles it.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnection. Once exhausted the
	// client is FAILED until Connect is called again.
	MaxReconnectAttempts int
}

func DefaultOptions() Options {
	return Options{
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// Client keeps one logical connection to the signaling endpoint and routes
// typed messages to its handler and subscribers.
type Client struct {
	transport domain.Transport
	opts      Options
	after     func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	state    State
	conn     domain.Conn
	handler  domain.Handler
	stop     chan struct{}
	attempts int
	pending  []State

	writeMu sync.Mutex

	userJoined event.Topic[domain.User]
	userLeft   event.Topic[string]
	chat       event.Topic[domain.ChatMessage]
	reactions  event.Topic[domain.Reaction]
	states     event.Topic[State]
}

// NewClient creates a signaling client over the given transport.
func NewClient(transport domain.Transport, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	return &Client{
		transport: transport,
		opts:      opts,
		after:     time.After,
	}
}

// SetHandler registers the single consumer of signaling-level events.
// A nil handler detaches the current one.
func (c *Client) SetHandler(h domain.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) UserJoined() event.Source[domain.User] { return &c.userJoined }
func (c *Client) UserLeft() event.Source[string] { return &c.userLeft }
func (c *Client) Chat() event.Source[domain.ChatMessage] { return &c.chat }
func (c *Client) Reactions() event.Source[domain.Reaction] { return &c.reactions }
func (c *Client) StateChanges() event.Source[State] { return &c.states }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of the reconnection attempt in progress, or
// zero when not reconnecting.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the transport and starts the read loop. It returns once the
// transport is ready. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return &domain.TransportError{Op: "connect", Err: errConnectInProgress}
	}
	if c.stop == nil {
		c.stop = make(chan struct{})
	}
	stop := c.stop
	c.setState(StateConnecting)
	c.unlockAndNotify()

	log.Info().Str("module", "signal").Msg("connecting")
	conn, err := c.transport.Dial(ctx)

	c.mu.Lock()
	if err != nil {
		if c.state == StateConnecting {
			c.setState(StateDisconnected)
		}
		c.unlockAndNotify()
		return &domain.TransportError{Op: "connect", Err: err}
	}
	if isClosed(stop) {
		c.unlockAndNotify()
		conn.Close()
		return &domain.TransportError{Op: "connect", Err: context.Canceled}
	}
	c.conn = conn
	c.attempts = 0
	c.setState(StateConnected)
	c.unlockAndNotify()

	log.Info().Str("module", "signal").Msg("connected")
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the transport, stops any reconnection and clears the
// handler and subscribers. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	conn := c.conn
	c.conn = nil
	c.handler = nil
	c.attempts = 0
	c.setState(StateDisconnected)
	c.unlockAndNotify()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("module", "signal").Msg("close")
		}
		log.Info().Str("module", "signal").Msg("disconnected")
	}

	c.userJoined.Clear()
	c.userLeft.Clear()
	c.chat.Clear()
	c.reactions.Clear()
	c.states.Clear()
}

// JoinRoom announces user in roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string, user domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(JoinRoom{RoomID: roomID, User: user})
}

// LeaveRoom is best effort and does nothing when not connected.
func (c *Client) LeaveRoom(roomID string) {
	c.trySend(LeaveRoom{RoomID: roomID})
}

// SendMessage sends a chat message. Dropped when not connected.
func (c *Client) SendMessage(roomID string, msg domain.ChatMessage) {
	c.trySend(Chat{RoomID: roomID, ChatMessage: msg})
}

// SendReaction sends a reaction. Dropped when not connected.
func (c *Client) SendReaction(roomID string, r domain.Reaction) {
	c.trySend(Reaction{RoomID: roomID, Reaction: r})
}

// SendSignalingData addresses a negotiation payload to targetUserID.
// Dropped when not connected.
func (c *Client) SendSignalingData(roomID, targetUserID string, payload domain.NegotiationPayload) {
	c.trySend(Signaling{RoomID: roomID, UserID: targetUserID, Payload: payload})
}

func (c *Client) send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}

	log.Debug().Str("module", "signal").Str("type", string(m.Type())).Msg(">>>")
	return nil
}

func (c *Client) trySend(m Message) {
	err := c.send(m)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotConnected):
		log.Debug().Str("module", "signal").Str("type", string(m.Type())).Msg("not connected, dropping")
	default:
		log.Warn().Err(err).Str("module", "signal").Str("type", string(m.Type())).Msg("send failed")
	}
}

func (c *Client) readLoop(conn domain.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("dropping frame")
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	log.Debug().Str("module", "signal").Str("type", string(msg.Type())).Msg("<<<")

	switch m := msg.(type) {
	case UserJoined:
		if h != nil {
			h.OnUserJoined(m.User)
		}
		c.userJoined.Publish(m.User)

	case UserLeft:
		if h != nil {
			h.OnUserLeft(m.UserID)
		}
		c.userLeft.Publish(m.UserID)

	case Chat:
		c.chat.Publish(m.ChatMessage)

	case Reaction:
		c.reactions.Publish(m.Reaction)

	case Signaling:
		if h == nil {
			log.Debug().Str("module", "signal").Str("user", m.UserID).Msg("no handler for signaling")
			return
		}
		h.OnSignal(domain.Signal{RoomID: m.RoomID, UserID: m.UserID, Payload: m.Payload})

	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type())).Msg("unexpected inbound message")
	}
}

// connectionLost runs when the read loop of conn ends. A stale conn (already
// replaced or disconnected) is ignored.
func (c *Client) connectionLost(conn domain.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	log.Warn().Err(cause).Str("module", "signal").Msg("connection lost")

	if c.state != StateConnected || c.opts.MaxReconnectAttempts == 0 {
		c.setState(StateFailed)
		c.unlockAndNotify()
		conn.Close()
		return
	}
	c.setState(StateReconnecting)
	stop := c.stop
	c.unlockAndNotify()
	conn.Close()

	go c.reconnect(stop)
}

func (c *Client) reconnect(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if isClosed(stop) {
			c.mu.Unlock()
			return
		}
		if attempt > c.opts.MaxReconnectAttempts {
			c.attempts = 0
			c.setState(StateFailed)
			c.unlockAndNotify()
			log.Error().Str("module", "signal").Int("attempts", attempt-1).Msg("reconnection gave up")
			return
		}
		c.attempts = attempt
		c.mu.Unlock()

		delay := backoff(c.opts.ReconnectDelay, attempt)
		log.Info().Str("module", "signal").Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-stop:
			return
		case <-c.after(delay):
		}

		conn, err := c.transport.Dial(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Int("attempt", attempt).Msg("reconnection attempt failed")
			continue
		}

		c.mu.Lock()
		if isClosed(stop) {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.attempts = 0
		c.setState(StateConnected)
		c.unlockAndNotify()

		log.Info().Str("module", "signal").Int("attempt", attempt).Msg("reconnected")
		go c.readLoop(conn)
		return
	}
}

// backoff returns base * 2^(attempt-1), saturating at MaxReconnectDelay.
func backoff(base time.Duration, attempt int) time.Duration {
	if base >= MaxReconnectDelay {
		return MaxReconnectDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > MaxReconnectDelay/2 {
			return MaxReconnectDelay
		}
		delay <<= 1
	}
	return delay
}

// setState records a transition. Must hold c.mu; subscribers are notified by
// unlockAndNotify.
func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, s)
}

func (c *Client) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, s := range pending {
		c.states.Publish(s)
	}
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
