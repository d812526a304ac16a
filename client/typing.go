package client

import (
	"sync"
	"time"

	"fuelq-chat/protocol"
)

const DefaultTypingIdle = time.Second

// FrameSender is satisfied by *Manager.
type FrameSender interface {
	Send(f protocol.Frame) error
}

// Typing debounces keystrokes into typing sessions. A session sends typing
// when it starts and stop_typing exactly once when it ends, either after
// the idle timeout or through Stop.
type Typing struct {
	sender FrameSender
	idle   time.Duration

	mu     sync.Mutex
	active bool
	conv   protocol.Conversation
	timer  *time.Timer
	gen    uint64
}

func NewTyping(sender FrameSender, idle time.Duration) *Typing {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typing{sender: sender, idle: idle}
}

// Keystroke starts a session or extends the current one. Typing in another
// conversation ends the previous session first.
func (t *Typing) Keystroke(conv protocol.Conversation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.active && t.conv != conv {
		t.stopLocked()
	}
	if !t.active {
		t.active = true
		t.conv = conv
		err = t.sender.Send(protocol.Typing{Conversation: conv})
	}

	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	return err
}

// Stop ends the session now, for instance when the message is sent.
func (t *Typing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.stopLocked()
}

func (t *Typing) stopLocked() {
	if !t.active {
		return
	}
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// Offline clients lose the stop frame, the server expires the session.
	_ = t.sender.Send(protocol.StopTyping{Conversation: t.conv})
}
