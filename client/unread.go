package client

import "sync"

// Unread counts unseen messages per conversation key.
type Unread struct {
	mu     sync.Mutex
	counts map[string]int
	active string
}

func NewUnread() *Unread {
	return &Unread{counts: make(map[string]int)}
}

// Load replaces every counter, typically with the auth_ok snapshot. The
// active conversation stays at zero.
func (u *Unread) Load(counts map[string]int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts = make(map[string]int, len(counts))
	for k, n := range counts {
		if n > 0 && k != u.active {
			u.counts[k] = n
		}
	}
}

// SetActive marks key as the conversation on screen and clears it.
func (u *Unread) SetActive(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = key
	if key != "" {
		delete(u.counts, key)
	}
}

func (u *Unread) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Arrive counts one message in key unless key is on screen. It reports the
// new counter and whether it moved.
func (u *Unread) Arrive(key string) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if key == u.active {
		return 0, false
	}
	u.counts[key]++
	return u.counts[key], true
}

func (u *Unread) Read(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.counts, key)
}

func (u *Unread) Count(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[key]
}

func (u *Unread) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}
