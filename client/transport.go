package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fuelq-chat/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	// StateGaveUp is terminal until Start is called again.
	StateGaveUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrOffline      = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
	ErrAuthRejected = errors.New("authentication rejected")
)

// Conn is the part of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives what the manager reads. Opened runs once the server has
// accepted the auth frame, reconnect is false only for the first connection.
type Handler interface {
	HandleFrame(f protocol.Frame)
	Opened(reconnect bool)
}

type ManagerConfig struct {
	URL string
	// Token is asked for on every attempt so a refreshed token is picked up.
	Token            func() string
	Dialer           Dialer
	Backoff          Backoff
	HandshakeTimeout time.Duration
	// OnState observes every transition.
	OnState func(State)
	Log     *logrus.Entry
}

// Manager owns one websocket at a time and reconnects it with backoff.
type Manager struct {
	cfg     ManagerConfig
	backoff Backoff
	log     *logrus.Entry

	mu      sync.Mutex
	state   State
	handler Handler
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	opened  bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		l := logrus.New()
		cfg.Log = logrus.NewEntry(l)
	}
	return &Manager{
		cfg:     cfg,
		backoff: cfg.Backoff.withDefaults(),
		log:     cfg.Log.WithField("component", "transport"),
	}
}

// Bind sets the frame handler. It must be called before Start.
func (m *Manager) Bind(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start connects in the background. It is a no-op while a connection loop is
// running and the only way out of StateGaveUp.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateOpen, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.run(runCtx, done)
	return nil
}

// Close stops reconnecting and closes the socket. The manager cannot be
// restarted afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	cancel, done, conn := m.cancel, m.done, m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	if m.cfg.OnState != nil {
		m.cfg.OnState(StateClosed)
	}
	return nil
}

// Send writes one frame on the open connection.
func (m *Manager) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.conn == nil {
		return ErrOffline
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == StateClosed || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.log.WithField("state", s.String()).Debug("transport state")
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// attempt counts reconnects since the last open connection.
	attempt := 0
	for {
		if attempt > 0 {
			if err := sleep(ctx, m.backoff.Delay(attempt)); err != nil {
				return
			}
		}

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			m.log.WithError(err).WithField("attempt", attempt).Warn("connect failed")
			if attempt > m.backoff.MaxAttempts {
				m.setState(StateGaveUp)
				return
			}
			m.setState(StateReconnecting)
			continue
		}

		reconnect := m.open(conn)
		if reconnect < 0 {
			_ = conn.Close()
			return
		}
		if h := m.currentHandler(); h != nil {
			h.Opened(reconnect == 1)
		}

		err = m.read(ctx, conn)
		m.drop(conn)
		if ctx.Err() != nil {
			return
		}
		m.log.WithError(err).Warn("connection lost")
		attempt = 1
		m.setState(StateReconnecting)
	}
}

func (m *Manager) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// connect dials, sends the auth frame and waits for auth_ok.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, err
	}
	stop := closeOnDone(ctx, conn)
	defer stop()

	data, err := protocol.Encode(protocol.Auth{Token: m.cfg.Token()})
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		f, err := protocol.DecodeServer(raw)
		if err != nil {
			m.log.WithError(err).Warn("invalid frame dropped")
			continue
		}
		switch f := f.(type) {
		case *protocol.AuthOK:
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				_ = conn.Close()
				return nil, err
			}
			m.deliver(f)
			return conn, nil
		case *protocol.Error:
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, f.Message)
		}
	}
}

// open publishes conn. It reports 1 for a reconnect, 0 for the first
// connection and -1 when the manager was closed meanwhile.
func (m *Manager) open(conn Conn) int {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return -1
	}
	m.conn = conn
	reconnect := 0
	if m.opened {
		reconnect = 1
	}
	m.opened = true
	m.mu.Unlock()

	m.setState(StateOpen)
	return reconnect
}

func (m *Manager) drop(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// closeOnDone unblocks reads on conn once ctx is cancelled.
func closeOnDone(ctx context.Context, conn Conn) (stop func()) {
	ch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-ch:
		}
	}()
	return func() { close(ch) }
}

func (m *Manager) read(ctx context.Context, conn Conn) error {
	stop := closeOnDone(ctx, conn)
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := protocol.DecodeServer(raw)
		if err != nil {
			m.log.WithError(err).Warn("invalid frame dropped")
			continue
		}
		m.deliver(f)
	}
}

func (m *Manager) deliver(f protocol.Frame) {
	if h := m.currentHandler(); h != nil {
		h.HandleFrame(f)
	}
}
