package chat

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"

	"fuelq-chat/event"
	"fuelq-chat/protocol"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PresenceStore keeps reference counts of live connections per user and of
// connections viewing each conversation.
type PresenceStore interface {
	// Connect reports whether this was the user's first live connection.
	Connect(ctx context.Context, user uint) (bool, error)
	// Disconnect reports whether this was the user's last live connection.
	Disconnect(ctx context.Context, user uint) (bool, error)
	Online(ctx context.Context, users []uint) (map[uint]bool, error)
	Focus(ctx context.Context, user uint, key string) error
	Blur(ctx context.Context, user uint, key string) error
	Viewing(ctx context.Context, user uint, key string) (bool, error)
}

type MemoryPresence struct {
	mu    sync.Mutex
	conns map[uint]int
	views map[uint]map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		conns: make(map[uint]int),
		views: make(map[uint]map[string]int),
	}
}

func (p *MemoryPresence) Connect(_ context.Context, user uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[user]++
	return p.conns[user] == 1, nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, user uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.conns[user]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.conns, user)
		return true, nil
	}
	p.conns[user] = n - 1
	return false, nil
}

func (p *MemoryPresence) Online(_ context.Context, users []uint) (map[uint]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint]bool, len(users))
	for _, u := range users {
		out[u] = p.conns[u] > 0
	}
	return out, nil
}

func (p *MemoryPresence) Focus(_ context.Context, user uint, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.views[user] == nil {
		p.views[user] = make(map[string]int)
	}
	p.views[user][key]++
	return nil
}

func (p *MemoryPresence) Blur(_ context.Context, user uint, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	views := p.views[user]
	if views[key] <= 1 {
		delete(views, key)
		if len(views) == 0 {
			delete(p.views, user)
		}
		return nil
	}
	views[key]--
	return nil
}

func (p *MemoryPresence) Viewing(_ context.Context, user uint, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[user][key] > 0, nil
}

// decrFloor decrements a counter and deletes it at zero, returning the new
// value or -1 when there was nothing to decrement.
var decrFloor = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local n = redis.call('DECR', KEYS[1])
	if n <= 0 then
		redis.call('DEL', KEYS[1])
		return 0
	end
	return n
`)

var hdecrFloor = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
	if n <= 0 then
		redis.call('HDEL', KEYS[1], ARGV[1])
		return 0
	end
	return n
`)

// RedisPresence shares presence between nodes.
type RedisPresence struct {
	client *redis.Client
	prefix string
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, prefix: "fuelq:presence:"}
}

func (p *RedisPresence) connKey(user uint) string {
	return p.prefix + "conn:" + strconv.FormatUint(uint64(user), 10)
}

func (p *RedisPresence) viewKey(user uint) string {
	return p.prefix + "view:" + strconv.FormatUint(uint64(user), 10)
}

func (p *RedisPresence) Connect(ctx context.Context, user uint) (bool, error) {
	n, err := p.client.Incr(ctx, p.connKey(user)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisPresence) Disconnect(ctx context.Context, user uint) (bool, error) {
	n, err := decrFloor.Run(ctx, p.client, []string{p.connKey(user)}).Int64()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (p *RedisPresence) Online(ctx context.Context, users []uint) (map[uint]bool, error) {
	out := make(map[uint]bool, len(users))
	if len(users) == 0 {
		return out, nil
	}
	keys := make([]string, len(users))
	for i, u := range users {
		keys[i] = p.connKey(u)
	}
	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, u := range users {
		s, _ := vals[i].(string)
		n, _ := strconv.Atoi(s)
		out[u] = n > 0
	}
	return out, nil
}

func (p *RedisPresence) Focus(ctx context.Context, user uint, key string) error {
	return p.client.HIncrBy(ctx, p.viewKey(user), key, 1).Err()
}

func (p *RedisPresence) Blur(ctx context.Context, user uint, key string) error {
	return hdecrFloor.Run(ctx, p.client, []string{p.viewKey(user)}, key).Err()
}

func (p *RedisPresence) Viewing(ctx context.Context, user uint, key string) (bool, error) {
	n, err := p.client.HGet(ctx, p.viewKey(user), key).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type watcherSource interface {
	Watchers(ctx context.Context, user uint) ([]uint, error)
}

// Tracker turns connection counts into user_online and user_offline pushes.
type Tracker struct {
	store    PresenceStore
	watchers watcherSource
	bus      event.Bus
	log      *logrus.Entry
}

func NewTracker(store PresenceStore, watchers watcherSource, bus event.Bus, log *logrus.Entry) *Tracker {
	return &Tracker{store: store, watchers: watchers, bus: bus, log: log}
}

func (t *Tracker) Store() PresenceStore { return t.store }

// Connected is called once per authenticated connection.
func (t *Tracker) Connected(ctx context.Context, user uint) error {
	first, err := t.store.Connect(ctx, user)
	if err != nil {
		return err
	}
	if first {
		t.broadcast(ctx, user, protocol.UserOnline{UserID: user})
	}
	return nil
}

func (t *Tracker) Disconnected(ctx context.Context, user uint) error {
	last, err := t.store.Disconnect(ctx, user)
	if err != nil {
		return err
	}
	if last {
		t.broadcast(ctx, user, protocol.UserOffline{UserID: user})
	}
	return nil
}

func (t *Tracker) broadcast(ctx context.Context, user uint, f protocol.Frame) {
	watchers, err := t.watchers.Watchers(ctx, user)
	if err != nil {
		t.log.WithError(err).WithField("user", user).Warn("presence not broadcast")
		return
	}
	if err := event.Publish(ctx, t.bus, f, watchers...); err != nil {
		t.log.WithError(err).WithField("user", user).Warn("presence not broadcast")
	}
}

// Snapshot lists the watchers of user that are online right now.
func (t *Tracker) Snapshot(ctx context.Context, user uint) ([]uint, error) {
	watchers, err := t.watchers.Watchers(ctx, user)
	if err != nil {
		return nil, err
	}
	online, err := t.store.Online(ctx, watchers)
	if err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(watchers))
	for _, w := range watchers {
		if online[w] {
			out = append(out, w)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *Tracker) Online(ctx context.Context, user uint) (bool, error) {
	online, err := t.store.Online(ctx, []uint{user})
	if err != nil {
		return false, err
	}
	return online[user], nil
}
