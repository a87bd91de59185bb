package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Publisher receives domain events after their transaction commits.
type Publisher interface {
	Publish(ev Event)
}

// Hub fans events out to websocket clients subscribed to rooms. Clients only
// listen; anything they send is discarded.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*client]struct{}),
	}
}

// Run owns client registration until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			for _, room := range c.rooms {
				subs := h.rooms[room]
				if subs == nil {
					subs = make(map[*client]struct{})
					h.rooms[room] = subs
				}
				subs[c] = struct{}{}
			}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for _, room := range c.rooms {
		if subs, ok := h.rooms[room]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.closed = true
	close(c.send)
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, subs := range h.rooms {
		for c := range subs {
			if !c.closed {
				c.closed = true
				close(c.send)
			}
		}
		delete(h.rooms, room)
	}
}

// Serve upgrades the request and subscribes the connection to rooms.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, rooms ...string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), rooms: rooms}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return nil
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("live: marshal event", "err", err, "type", ev.Type)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[*client]struct{}{}
	for _, room := range ev.rooms() {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- data:
			default:
				h.log.Warn("live: client buffer full, dropping event", "type", ev.Type, "room", room)
			}
		}
	}
}

// Subscribers reports how many clients currently listen on room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
