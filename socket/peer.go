package socket

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Conn is the part of a websocket connection the write pump needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer is one websocket connection. Until it authenticates it has no user and
// receives nothing from the hub.
type Peer struct {
	ID   string
	conn Conn

	mu     sync.Mutex
	user   uint
	send   chan []byte
	closed bool
}

func newPeer(conn Conn, queue int) *Peer {
	return &Peer{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queue),
	}
}

func (p *Peer) UserID() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Peer) Authenticated() bool {
	return p.UserID() != 0
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Send queues data without blocking. It reports false when the queue is
// full or the peer is closed.
func (p *Peer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// WritePump is the only writer of the connection. It returns once the peer is
// closed or a write fails, closing the connection either way.
func (p *Peer) WritePump() {
	defer p.conn.Close()
	for data := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.close()
			return
		}
	}
}
