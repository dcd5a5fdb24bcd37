// Package signaltest provides an in-memory signaling transport. Hub plays
// the server side of the room protocol so clients can be exercised without
// a network.
package signaltest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"meshroom/native/internal/domain"
)

var (
	ErrClosed  = errors.New("signaltest: connection closed")
	ErrRefused = errors.New("signaltest: dial refused")
)

type envelope struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Hub is a domain.Transport. Every Dial returns a new connection attached
// to the hub.
type Hub struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	refuse int
	dials  int
	frames [][]byte
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

// Dial implements domain.Transport.
func (h *Hub) Dial(ctx context.Context) (domain.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.refuse != 0 {
		if h.refuse > 0 {
			h.refuse--
		}
		return nil, ErrRefused
	}

	c := &Conn{hub: h}
	c.cond = sync.NewCond(&c.mu)
	h.conns[c] = struct{}{}
	return c, nil
}

// RefuseDials makes the next n dials fail. A negative n refuses every dial
// until RefuseDials(0).
func (h *Hub) RefuseDials(n int) {
	h.mu.Lock()
	h.refuse = n
	h.mu.Unlock()
}

// Dials returns the number of Dial calls so far.
func (h *Hub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Frames returns every frame clients wrote, in arrival order.
func (h *Hub) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

// FramesOfType returns the written frames whose envelope type is typ.
func (h *Hub) FramesOfType(typ string) [][]byte {
	var out [][]byte
	for _, f := range h.Frames() {
		var env envelope
		if json.Unmarshal(f, &env) == nil && env.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// Members returns the user ids currently joined to roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for c := range h.conns {
		if c.room == roomID && c.user != nil {
			ids = append(ids, c.user.ID)
		}
	}
	return ids
}

// Broadcast pushes a raw frame to every open connection.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.deliver(frame)
	}
}

// DropAll closes every connection from the server side, as a network
// failure would.
func (h *Hub) DropAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) receive(from *Conn, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.frames = append(h.frames, append([]byte(nil), frame...))

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}

	switch env.Type {
	case "join-room":
		var u domain.User
		if err := json.Unmarshal(env.Data, &u); err != nil || u.ID == "" {
			return
		}
		h.leaveLocked(from)
		from.room = env.RoomID
		from.user = &u
		h.broadcastLocked(from, envelope{Type: "user-joined", RoomID: env.RoomID, Data: env.Data})

	case "leave-room":
		h.leaveLocked(from)

	case "chat-message", "reaction":
		if from.user == nil {
			return
		}
		h.broadcastLocked(from, envelope{Type: env.Type, RoomID: from.room, Data: env.Data})

	case "signaling":
		if from.user == nil {
			return
		}
		for c := range h.conns {
			if c.room == from.room && c.user != nil && c.user.ID == env.UserID {
				c.deliverEnvelope(envelope{
					Type:   "signaling",
					RoomID: from.room,
					UserID: from.user.ID,
					Data:   env.Data,
				})
			}
		}
	}
}

func (h *Hub) leaveLocked(c *Conn) {
	if c.user == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{"userId": c.user.ID})
	h.broadcastLocked(c, envelope{Type: "user-left", RoomID: c.room, Data: data})
	c.user = nil
	c.room = ""
}

func (h *Hub) broadcastLocked(from *Conn, env envelope) {
	for c := range h.conns {
		if c != from && c.user != nil && c.room == from.room {
			c.deliverEnvelope(env)
		}
	}
}

func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	h.leaveLocked(c)
	delete(h.conns, c)
}

// Conn is one client connection to the Hub. Frames queue without bound so
// writers never block on slow readers.
type Conn struct {
	hub *Hub

	// guarded by hub.mu
	room string
	user *domain.User

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func (c *Conn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) > 0 {
		frame := c.queue[0]
		c.queue = c.queue[1:]
		return frame, nil
	}
	return nil, ErrClosed
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.hub.receive(c, data)
	return nil
}

// Close drops queued frames and detaches from the hub.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.hub.detach(c)
	return nil
}

func (c *Conn) deliverEnvelope(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.deliver(frame)
}

func (c *Conn) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, frame)
	c.cond.Signal()
}
