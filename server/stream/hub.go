// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opwallet/sponsord/relay"
)

// errClientGone is returned by a write attempted after the client was
// unregistered.
var errClientGone = errors.New("stream client gone")

// heartbeatInterval is how often a comment line is written to every
// registered client. Clients ignore comment lines; a write failure is the
// disconnect signal.
const heartbeatInterval = 30 * time.Second

// Client is one connected push-stream consumer. Writes to a client are
// serialized by its mutex.
type Client struct {
	ID          uint64
	ConnectedAt time.Time

	channels map[string]struct{}

	mtx    sync.Mutex
	closed bool
	w      io.Writer
	f      http.Flusher
}

// on reports whether the client subscribed to the channel.
func (c *Client) on(channel string) bool {
	_, ok := c.channels[channel]
	return ok
}

// close bars further writes. It blocks until any in-flight write completes,
// so the connection is quiescent once the client is removed. The SSE handler
// hands its ResponseWriter to the hub, and net/http forbids writes to it
// after the handler returns.
func (c *Client) close() {
	c.mtx.Lock()
	c.closed = true
	c.mtx.Unlock()
}

// write sends raw bytes and flushes. The caller prunes the client on error.
func (c *Client) write(b []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return errClientGone
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if c.f != nil {
		c.f.Flush()
	}
	return nil
}

// Hub is the single fan-out point for typed events. Both the HTTP-action
// path and the chain-event path deliver through it.
type Hub struct {
	log relay.Logger

	// heartbeatInt is overridable in tests.
	heartbeatInt time.Duration

	mtx       sync.Mutex
	clients   map[uint64]*Client
	nextID    uint64
	stopBeatC chan struct{}
}

// NewHub creates an empty Hub. The heartbeat runs only while clients are
// registered.
func NewHub(log relay.Logger) *Hub {
	return &Hub{
		log:          log,
		heartbeatInt: heartbeatInterval,
		clients:      make(map[uint64]*Client),
	}
}

// Register adds a connection with its channel subscriptions and returns the
// client handle. The first registration starts the heartbeat.
func (h *Hub) Register(w io.Writer, f http.Flusher, channels []string) *Client {
	chanSet := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		chanSet[ch] = struct{}{}
	}

	h.mtx.Lock()
	h.nextID++
	c := &Client{
		ID:          h.nextID,
		ConnectedAt: time.Now(),
		channels:    chanSet,
		w:           w,
		f:           f,
	}
	h.clients[c.ID] = c
	if len(h.clients) == 1 {
		h.stopBeatC = make(chan struct{})
		go h.runHeartbeat(h.stopBeatC)
	}
	h.mtx.Unlock()

	h.log.Debugf("Stream client %d registered on channels %v", c.ID, channels)
	return c
}

// Unregister removes the client. Unregistering an unknown or already-removed
// id is a no-op. When Unregister returns, no write to the client's connection
// is in flight and none will follow. The heartbeat stops when the registry
// empties.
func (h *Hub) Unregister(id uint64) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id uint64) {
	c, found := h.clients[id]
	if !found {
		return
	}
	c.close()
	delete(h.clients, id)
	if len(h.clients) == 0 && h.stopBeatC != nil {
		close(h.stopBeatC)
		h.stopBeatC = nil
	}
}

// NumClients returns the registered client count.
func (h *Hub) NumClients() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.clients)
}

// frame builds the wire form: "event: <type>\ndata: <json>\n\n".
func frame(eventType string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, b)), nil
}

// Broadcast delivers the payload to every client whose channel set contains
// channel. A write failure prunes that client without aborting delivery to
// the rest.
func (h *Hub) Broadcast(channel, eventType string, payload any) {
	b, err := frame(eventType, payload)
	if err != nil {
		h.log.Errorf("Dropping broadcast on %s: %v", channel, err)
		return
	}

	h.mtx.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.on(channel) {
			targets = append(targets, c)
		}
	}
	h.mtx.Unlock()

	var dead []uint64
	for _, c := range targets {
		if err := c.write(b); err != nil {
			h.log.Debugf("Pruning stream client %d: %v", c.ID, err)
			dead = append(dead, c.ID)
		}
	}
	if len(dead) > 0 {
		h.mtx.Lock()
		for _, id := range dead {
			h.removeLocked(id)
		}
		h.mtx.Unlock()
	}
}

// SendTo delivers the payload to one client. An unknown id or a failed write
// is an error; the failed client is pruned.
func (h *Hub) SendTo(id uint64, eventType string, payload any) error {
	h.mtx.Lock()
	c, found := h.clients[id]
	h.mtx.Unlock()
	if !found {
		return fmt.Errorf("no stream client %d", id)
	}

	b, err := frame(eventType, payload)
	if err != nil {
		return err
	}
	if err := c.write(b); err != nil {
		h.Unregister(id)
		return fmt.Errorf("write to stream client %d: %w", id, err)
	}
	return nil
}

// runHeartbeat writes a comment line to every client each tick, pruning any
// client whose write fails. It exits when stopC closes, which happens when
// the registry empties.
func (h *Hub) runHeartbeat(stopC chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInt)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b := []byte(fmt.Sprintf(": heartbeat %d\n\n", time.Now().Unix()))
			h.mtx.Lock()
			targets := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				targets = append(targets, c)
			}
			h.mtx.Unlock()

			var dead []uint64
			for _, c := range targets {
				if err := c.write(b); err != nil {
					h.log.Debugf("Pruning stream client %d at heartbeat: %v", c.ID, err)
					dead = append(dead, c.ID)
				}
			}
			if len(dead) > 0 {
				h.mtx.Lock()
				for _, id := range dead {
					h.removeLocked(id)
				}
				h.mtx.Unlock()
			}
		case <-stopC:
			return
		}
	}
}
