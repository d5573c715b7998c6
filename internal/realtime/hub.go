// Package realtime fans ingestion results out to websocket subscribers
// grouped in rooms. Publishing never blocks: a subscriber whose buffer is
// full misses the event.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	EventNewMessage       = "new-message"
	EventTicketUpdated    = "ticket-updated"
	EventConnectionUpdate = "connection-update"
	EventQRUpdated        = "qr-updated"
	EventInstanceStartup  = "instance-startup"
	EventMessageStatus    = "message-status"
	EventMessageDeleted   = "message-deleted"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// TicketRoom names the room for one ticket's timeline.
func TicketRoom(ticketID string) string { return "ticket:" + ticketID }

// InstanceRoom names the room for one gateway instance.
func InstanceRoom(name string) string { return "instance:" + name }

// Event is one realtime notification.
type Event struct {
	Room      string    `json:"room"`
	Name      string    `json:"event"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the single fanout contract used by ingestion.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscriber is one connected client. It receives encoded events on C.
type Subscriber struct {
	ID   string
	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

// C returns the subscriber's event stream.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Rooms returns the rooms the subscriber is in.
func (s *Subscriber) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Hub tracks room membership in memory. Clients rebuild it on reconnect.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}

	upgrader  websocket.Upgrader
	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub returns an empty hub. allowedOrigins lists the websocket origins
// accepted by ServeWS; empty or "*" accepts any origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{rooms: make(map[string]map[*Subscriber]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.TrimRight(origin, "/")]
	}
}

// Subscribe registers a new subscriber with no rooms.
func (h *Hub) Subscribe() *Subscriber {
	return &Subscriber{
		ID:    uuid.NewString(),
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// Join adds sub to room.
func (h *Hub) Join(sub *Subscriber, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.rooms[room] = struct{}{}
	sub.mu.Unlock()
}

// Leave removes sub from room.
func (h *Hub) Leave(sub *Subscriber, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	delete(sub.rooms, room)
	sub.mu.Unlock()
}

// Remove drops sub from every room.
func (h *Hub) Remove(sub *Subscriber) {
	for _, room := range sub.Rooms() {
		h.Leave(sub, room)
	}
}

// Publish delivers ev to every member of ev.Room without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("Failed to encode realtime event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.published.Add(1)
	for sub := range h.rooms[ev.Room] {
		select {
		case sub.send <- frame:
		default:
			h.dropped.Add(1)
			log.Debug().Str("subscriber", sub.ID).Str("room", ev.Room).Str("event", ev.Name).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Rooms     int   `json:"rooms"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	h.mu.RUnlock()
	return Stats{Rooms: rooms, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

// command is what clients send over the socket.
type command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// ServeWS upgrades the request and serves one client. Rooms listed in the
// "room" query parameter are joined immediately; later joins and leaves
// arrive as {"action":"subscribe|unsubscribe","room":"..."} frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	sub := h.Subscribe()
	for _, room := range r.URL.Query()["room"] {
		h.Join(sub, room)
	}
	log.Debug().Str("subscriber", sub.ID).Str("remote", r.RemoteAddr).Msg("Realtime subscriber connected")

	done := make(chan struct{})
	go h.writeLoop(conn, sub, done)
	h.readLoop(conn, sub)
	close(done)
	h.Remove(sub)
	log.Debug().Str("subscriber", sub.ID).Msg("Realtime subscriber disconnected")
}

func (h *Hub) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("subscriber", sub.ID).Msg("Websocket read error")
			}
			return
		}
		switch strings.ToLower(cmd.Action) {
		case "subscribe", "join":
			h.Join(sub, cmd.Room)
		case "unsubscribe", "leave":
			h.Leave(sub, cmd.Room)
		default:
			log.Debug().Str("subscriber", sub.ID).Str("action", cmd.Action).Msg("Ignoring unknown websocket command")
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case frame := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
