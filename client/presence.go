package client

import (
	"slices"
	"sync"
)

// Presence is the set of users this client has seen online.
type Presence struct {
	mu     sync.RWMutex
	online map[uint]struct{}
}

func NewPresence() *Presence {
	return &Presence{online: make(map[uint]struct{})}
}

// Reset replaces the set with a server snapshot.
func (p *Presence) Reset(users []uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[uint]struct{}, len(users))
	for _, u := range users {
		p.online[u] = struct{}{}
	}
}

// SetOnline reports whether the user was offline before.
func (p *Presence) SetOnline(user uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[user]; ok {
		return false
	}
	p.online[user] = struct{}{}
	return true
}

// SetOffline reports whether the user was online before.
func (p *Presence) SetOffline(user uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[user]; !ok {
		return false
	}
	delete(p.online, user)
	return true
}

func (p *Presence) IsOnline(user uint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[user]
	return ok
}

func (p *Presence) Online() []uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint, 0, len(p.online))
	for u := range p.online {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
