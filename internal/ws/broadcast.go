package ws

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemix-relay/backend/internal/hub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient once maxConns clients are
// connected.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.b.RemoveClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.b.RemoveClient(c)
				return
			}
		}
	}
}

// Broadcaster owns every connected client and delivers events to one or all
// of them. Each client has one buffered queue drained by one writer, so
// events reach a client in the order they were sent. A client whose queue
// is full is disconnected.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[string]*client
	maxConns   int
	sendBuffer int
	logger     *log.Logger
}

// NewBroadcaster creates a Broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(maxConns, sendBuffer int, logger *log.Logger) *Broadcaster {
	if sendBuffer < 1 {
		sendBuffer = 64
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Broadcaster{
		clients:    make(map[string]*client),
		maxConns:   maxConns,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// AddClient registers conn under a fresh connection id and starts its
// writer.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, b.sendBuffer),
	}
	b.clients[c.id] = c
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c and lets its writer close the connection.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.clients[c.id]; ok && existing == c {
		delete(b.clients, c.id)
		close(c.send)
	}
}

// Send implements hub.Transport. Unknown ids are ignored.
func (b *Broadcaster) Send(connID string, ev hub.Event) {
	data, ok := b.encode(ev)
	if !ok {
		return
	}

	b.mu.RLock()
	c, found := b.clients[connID]
	slow := found && !enqueue(c, data)
	b.mu.RUnlock()

	if slow {
		b.logger.Warn("ws client too slow, disconnecting", "conn", connID)
		b.RemoveClient(c)
	}
}

// Broadcast implements hub.Transport.
func (b *Broadcaster) Broadcast(ev hub.Event) {
	data, ok := b.encode(ev)
	if !ok {
		return
	}

	var slow []*client
	b.mu.RLock()
	for _, c := range b.clients {
		if !enqueue(c, data) {
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("ws client too slow, disconnecting", "conn", c.id)
		b.RemoveClient(c)
	}
}

// enqueue must be called with b.mu held so c.send cannot be closed under it.
func enqueue(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) encode(ev hub.Event) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{Type: ev.Name, Payload: ev.Payload})
	if err != nil {
		b.logger.Error("broadcast marshal", "event", ev.Name, "err", err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
