package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fuelq-chat/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory websocket. reply runs on every frame the client
// writes and may push answers.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	reply  func(c *fakeConn, f protocol.Frame)

	mu      sync.Mutex
	written []protocol.Frame
}

func newFakeConn(reply func(c *fakeConn, f protocol.Frame)) *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{}), reply: reply}
}

// acceptingConn answers the auth frame with auth_ok.
func acceptingConn(snapshot protocol.AuthOK) *fakeConn {
	return newFakeConn(func(c *fakeConn, f protocol.Frame) {
		if _, ok := f.(*protocol.Auth); ok {
			c.push(snapshot)
		}
	})
}

func rejectingConn(message string) *fakeConn {
	return newFakeConn(func(c *fakeConn, f protocol.Frame) {
		if _, ok := f.(*protocol.Auth); ok {
			c.push(protocol.Error{Message: message})
		}
	})
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	f, err := protocol.DecodeClient(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	if c.reply != nil {
		c.reply(c, f)
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out the queued connections in order and refuses once
// they run out.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) queue(conns ...*fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, conns...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []protocol.Frame
	opened []bool
}

func (h *recordingHandler) HandleFrame(f protocol.Frame) {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
}

func (h *recordingHandler) Opened(reconnect bool) {
	h.mu.Lock()
	h.opened = append(h.opened, reconnect)
	h.mu.Unlock()
}

func (h *recordingHandler) openings() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.opened...)
}

func (h *recordingHandler) received() []protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Frame(nil), h.frames...)
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func newTestManager(t *testing.T, dialer Dialer, attempts int) (*Manager, *recordingHandler) {
	m := NewManager(ManagerConfig{
		URL:     "ws://chat.test/api/chat/ws",
		Token:   func() string { return "access-token" },
		Dialer:  dialer,
		Backoff: fastBackoff(attempts),
		Log:     quietLog(),
	})
	h := &recordingHandler{}
	m.Bind(h)
	t.Cleanup(func() { _ = m.Close() })
	return m, h
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state is %s, want %s", m.State(), want)
}

// fakeTransport records frames and refuses them unless open.
type fakeTransport struct {
	mu    sync.Mutex
	state State
	sent  []protocol.Frame
}

func (f *fakeTransport) Send(fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateOpen {
		return ErrOffline
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) set(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

type sendCall struct {
	conv     protocol.Conversation
	text     string
	clientID string
}

// fakeAPI stores what it is sent and serves history from pages.
type fakeAPI struct {
	self uint

	mu       sync.Mutex
	nextID   uint
	seq      int64
	sends    []sendCall
	uploads  []sendCall
	pages    map[protocol.Conversation][]protocol.Message
	fetches  int
	reads    []protocol.Conversation
	sendErr  error
	onSend   func(msg protocol.Message)
	rooms    []protocol.CreateRoomRequest
	avatars  int
}

func newFakeAPI(self uint) *fakeAPI {
	return &fakeAPI{self: self, nextID: 100, pages: make(map[protocol.Conversation][]protocol.Message)}
}

func (a *fakeAPI) stored(conv protocol.Conversation, text, clientID string) protocol.Message {
	a.nextID++
	a.seq++
	msg := protocol.Message{
		ID:        a.nextID,
		ClientID:  clientID,
		Author:    protocol.User{ID: a.self, DisplayName: "Me"},
		Text:      text,
		Seq:       a.seq,
		CreatedAt: time.Now(),
	}
	if conv.IsRoom() {
		id := conv.RoomID
		msg.RoomID = &id
	} else {
		id := conv.UserID
		msg.RecipientID = &id
	}
	return msg
}

func (a *fakeAPI) SendMessage(_ context.Context, conv protocol.Conversation, text, clientID string) (protocol.Message, error) {
	a.mu.Lock()
	a.sends = append(a.sends, sendCall{conv: conv, text: text, clientID: clientID})
	if a.sendErr != nil {
		err := a.sendErr
		a.mu.Unlock()
		return protocol.Message{}, err
	}
	msg := a.stored(conv, text, clientID)
	hook := a.onSend
	a.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return msg, nil
}

func (a *fakeAPI) Upload(_ context.Context, conv protocol.Conversation, file Attachment, text, clientID string) (protocol.UploadResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, sendCall{conv: conv, text: text, clientID: clientID})
	msg := a.stored(conv, text, clientID)
	msg.File = &protocol.File{ID: msg.ID, Name: file.Name, Size: int64(len(file.Data))}
	return protocol.UploadResult{File: *msg.File, MessageID: msg.ID, Message: msg}, nil
}

func (a *fakeAPI) Messages(_ context.Context, conv protocol.Conversation, _ string, _ int) (protocol.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	return protocol.MessagePage{Messages: append([]protocol.Message(nil), a.pages[conv]...)}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conv protocol.Conversation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, conv)
	return nil
}

func (a *fakeAPI) CreateRoom(_ context.Context, req protocol.CreateRoomRequest) (protocol.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rooms = append(a.rooms, req)
	return protocol.Room{ID: uint(len(a.rooms)), Name: req.Name}, nil
}

func (a *fakeAPI) UploadAvatar(context.Context, Attachment) (protocol.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.avatars++
	return protocol.User{ID: a.self}, nil
}

func (a *fakeAPI) sendCalls() []sendCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sendCall(nil), a.sends...)
}

type shown struct {
	title, body string
}

type fakeNotifier struct {
	mu         sync.Mutex
	permission Permission
	shown      []shown
	sounds     int
	requests   int
	toasts     []string
}

func (n *fakeNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *fakeNotifier) Request(context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests++
	n.permission = PermissionGranted
	return n.permission, nil
}

func (n *fakeNotifier) Show(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, shown{title: title, body: body})
	return nil
}

func (n *fakeNotifier) Sound() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sounds++
	return nil
}

func (n *fakeNotifier) Toast(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, message)
}

func (n *fakeNotifier) notifications() []shown {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]shown(nil), n.shown...)
}

func (n *fakeNotifier) toastMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.toasts...)
}

func (n *fakeNotifier) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests
}

// pushFrom builds a message another user posted to conv.
func pushFrom(author uint, name string, conv protocol.Conversation, self uint, id uint, seq int64, text string) protocol.Message {
	msg := protocol.Message{
		ID:     id,
		Author: protocol.User{ID: author, DisplayName: name},
		Text:   text,
		Seq:    seq,
	}
	if conv.IsRoom() {
		room := conv.RoomID
		msg.RoomID = &room
	} else {
		to := self
		msg.RecipientID = &to
	}
	return msg
}
