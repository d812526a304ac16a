package chat

import (
	"context"
	"sync"
	"time"

	"fuelq-chat/event"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
)

type participantSource interface {
	Participants(ctx context.Context, conv protocol.Conversation, self uint) ([]uint, error)
}

type typingKey struct {
	user uint
	conv string
}

type typingSession struct {
	conv    protocol.Conversation
	holders map[string]struct{}
	timer   *time.Timer
	gen     uint64
}

// Typing tracks who is composing where. A session starts with the first
// Start and ends exactly once, when its last holder stops or when ttl passes
// without a refresh. Holders are the user's connections, so one tab closing
// leaves another tab's session alone.
type Typing struct {
	participants participantSource
	presence     PresenceStore
	bus          event.Bus
	ttl          time.Duration
	log          *logrus.Entry

	mu       sync.Mutex
	gen      uint64
	sessions map[typingKey]*typingSession
}

func NewTyping(participants participantSource, presence PresenceStore, bus event.Bus, ttl time.Duration, log *logrus.Entry) *Typing {
	return &Typing{
		participants: participants,
		presence:     presence,
		bus:          bus,
		ttl:          ttl,
		log:          log,
		sessions:     make(map[typingKey]*typingSession),
	}
}

// Start opens or refreshes the user's session in conv on behalf of holder.
func (t *Typing) Start(ctx context.Context, user uint, holder string, conv protocol.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	k := typingKey{user: user, conv: conv.Key(user)}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	s, refresh := t.sessions[k]
	if refresh {
		s.timer.Stop()
	} else {
		s = &typingSession{conv: conv, holders: make(map[string]struct{})}
		t.sessions[k] = s
	}
	s.holders[holder] = struct{}{}
	s.gen = gen
	s.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	t.mu.Unlock()

	if !refresh {
		t.push(ctx, user, conv, false)
	}
	return nil
}

// Stop releases holder's share of the session and ends it when no holder
// is left. Stopping twice is a no-op.
func (t *Typing) Stop(ctx context.Context, user uint, holder string, conv protocol.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	k := typingKey{user: user, conv: conv.Key(user)}

	t.mu.Lock()
	s, ok := t.sessions[k]
	if ok {
		_, held := s.holders[holder]
		delete(s.holders, holder)
		ok = held && len(s.holders) == 0
	}
	if ok {
		s.timer.Stop()
		delete(t.sessions, k)
	}
	t.mu.Unlock()

	if ok {
		t.push(ctx, user, s.conv, true)
	}
	return nil
}

func (t *Typing) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	s, ok := t.sessions[k]
	if !ok || s.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, k)
	t.mu.Unlock()

	t.push(context.Background(), k.user, s.conv, true)
}

// Active reports whether user has an open session in conv.
func (t *Typing) Active(user uint, conv protocol.Conversation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[typingKey{user: user, conv: conv.Key(user)}]
	return ok
}

// Close cancels all timers without pushing anything.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.sessions {
		s.timer.Stop()
		delete(t.sessions, k)
	}
}

// push notifies the other participants who are looking at the conversation.
// Recipients see a direct conversation addressed by the typist.
func (t *Typing) push(ctx context.Context, user uint, conv protocol.Conversation, stop bool) {
	log := t.log.WithFields(logrus.Fields{"user": user, "conversation": conv.String()})

	participants, err := t.participants.Participants(ctx, conv, user)
	if err != nil {
		log.WithError(err).Warn("typing not pushed")
		return
	}
	key := conv.Key(user)
	audience := make([]uint, 0, len(participants))
	for _, p := range participants {
		if p == user {
			continue
		}
		viewing, err := t.presence.Viewing(ctx, p, key)
		if err != nil {
			log.WithError(err).WithField("participant", p).Warn("viewing state unavailable")
			continue
		}
		if viewing {
			audience = append(audience, p)
		}
	}

	seen := conv
	if conv.IsDirect() {
		seen = protocol.Direct(user)
	}
	var f protocol.Frame = protocol.Typing{Conversation: seen, From: user}
	if stop {
		f = protocol.StopTyping{Conversation: seen, From: user}
	}
	if err := event.Publish(ctx, t.bus, f, audience...); err != nil {
		log.WithError(err).Warn("typing not pushed")
	}
}
