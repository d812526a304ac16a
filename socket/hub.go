package socket

import (
	"errors"
	"sync"

	"fuelq-chat/event"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
)

const DefaultQueueSize = 64

var (
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrPeerClosed           = errors.New("connection closed")
	ErrQueueFull            = errors.New("send queue full")
)

// Hub addresses live connections by user. A user may hold several peers.
type Hub struct {
	queue int
	log   *logrus.Entry

	mu    sync.RWMutex
	peers map[string]*Peer
	users map[uint]map[string]*Peer
}

func NewHub(queue int, log *logrus.Entry) *Hub {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Hub{
		queue: queue,
		log:   log,
		peers: make(map[string]*Peer),
		users: make(map[uint]map[string]*Peer),
	}
}

// Add registers an unauthenticated peer for conn.
func (h *Hub) Add(conn Conn) *Peer {
	p := newPeer(conn, h.queue)
	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()
	h.log.WithField("peer", p.ID).Debug("peer connected")
	return p
}

// Authenticate makes the peer addressable as user.
func (h *Hub) Authenticate(p *Peer, user uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID]; !ok {
		return ErrPeerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user != 0 {
		return ErrAlreadyAuthenticated
	}
	p.user = user

	if h.users[user] == nil {
		h.users[user] = make(map[string]*Peer)
	}
	h.users[user][p.ID] = p
	return nil
}

// Remove detaches and closes the peer. It returns the user the peer was
// authenticated as, or zero.
func (h *Hub) Remove(p *Peer) uint {
	h.mu.Lock()
	if _, ok := h.peers[p.ID]; !ok {
		h.mu.Unlock()
		return 0
	}
	delete(h.peers, p.ID)
	user := p.UserID()
	if user != 0 {
		delete(h.users[user], p.ID)
		if len(h.users[user]) == 0 {
			delete(h.users, user)
		}
	}
	h.mu.Unlock()

	p.close()
	h.log.WithFields(logrus.Fields{"peer": p.ID, "user": user}).Debug("peer disconnected")
	return user
}

// Deliver queues the frame on every peer of every addressed user. Peers that
// cannot keep up are closed instead of blocking the caller.
func (h *Hub) Deliver(d event.Delivery) {
	var slow []*Peer

	h.mu.RLock()
	for _, user := range d.To {
		for _, p := range h.users[user] {
			if !p.Send(d.Frame) {
				slow = append(slow, p)
			}
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.log.WithFields(logrus.Fields{
			"peer":   p.ID,
			"user":   p.UserID(),
			"action": d.Action,
		}).Warn("slow consumer evicted")
		p.close()
	}
}

// SendTo writes one frame to a single peer, authenticated or not.
func (h *Hub) SendTo(p *Peer, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if p.Closed() {
		return ErrPeerClosed
	}
	if !p.Send(data) {
		p.close()
		return ErrQueueFull
	}
	return nil
}

// Count is the number of live connections, authenticated or not.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Users is the number of distinct authenticated users.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Close shuts every peer. Their handlers observe the closed connections and
// clean up on their own.
func (h *Hub) Close() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		p.close()
	}
	return nil
}
