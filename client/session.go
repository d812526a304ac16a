package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
)

var ErrNoConversation = errors.New("no conversation is open")

// API is the REST surface a session needs. *HTTPAPI satisfies it.
type API interface {
	MessageSender
	Messages(ctx context.Context, conv protocol.Conversation, pageToken string, limit int) (protocol.MessagePage, error)
	MarkRead(ctx context.Context, conv protocol.Conversation) error
	CreateRoom(ctx context.Context, req protocol.CreateRoomRequest) (protocol.Room, error)
	UploadAvatar(ctx context.Context, file Attachment) (protocol.User, error)
}

// Transport is the push connection. *Manager satisfies it.
type Transport interface {
	FrameSender
	State() State
}

type SessionConfig struct {
	Self       uint
	API        API
	Transport  Transport
	Notifier   Notifier
	TypingIdle time.Duration
	// ResyncTimeout bounds the history fetch after a reconnect.
	ResyncTimeout time.Duration
	Log           *logrus.Entry
}

// Session is one signed-in user's chat state.
type Session struct {
	self          uint
	api           API
	transport     Transport
	notify        Notifier
	resyncTimeout time.Duration
	log           *logrus.Entry

	Reconciler *Reconciler
	Unread     *Unread
	Presence   *Presence
	Typing     *Typing

	mu      sync.Mutex
	active  protocol.Conversation
	typists map[string]map[uint]struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.New())
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 10 * time.Second
	}
	s := &Session{
		self:          cfg.Self,
		api:           cfg.API,
		transport:     cfg.Transport,
		notify:        cfg.Notifier,
		resyncTimeout: cfg.ResyncTimeout,
		log:           cfg.Log.WithField("component", "session"),
		Unread:        NewUnread(),
		Presence:      NewPresence(),
		Typing:        NewTyping(cfg.Transport, cfg.TypingIdle),
		typists:       make(map[string]map[uint]struct{}),
	}
	s.Reconciler = NewReconciler(cfg.Self, onlineSender{api: cfg.API, transport: cfg.Transport})
	return s
}

// onlineSender refuses to send while the push connection is down, so the
// message is shown as failed and can be retried.
type onlineSender struct {
	api       MessageSender
	transport Transport
}

func (o onlineSender) SendMessage(ctx context.Context, conv protocol.Conversation, text, clientID string) (protocol.Message, error) {
	if o.transport.State() != StateOpen {
		return protocol.Message{}, ErrOffline
	}
	return o.api.SendMessage(ctx, conv, text, clientID)
}

func (o onlineSender) Upload(ctx context.Context, conv protocol.Conversation, file Attachment, text, clientID string) (protocol.UploadResult, error) {
	if o.transport.State() != StateOpen {
		return protocol.UploadResult{}, ErrOffline
	}
	return o.api.Upload(ctx, conv, file, text, clientID)
}

func (s *Session) toast(err error, fallback string) {
	if s.notify == nil {
		return
	}
	var verr *protocol.ValidationError
	var aerr *APIError
	switch {
	case errors.As(err, &verr):
		s.notify.Toast(verr.Message)
	case errors.As(err, &aerr) && aerr.Message != "":
		s.notify.Toast(aerr.Message)
	default:
		s.notify.Toast(fallback)
	}
}

func (s *Session) Active() protocol.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Open shows a conversation: it loads the latest page, marks it read and
// tells the server it is being viewed.
func (s *Session) Open(ctx context.Context, conv protocol.Conversation) error {
	if err := conv.Validate(); err != nil {
		s.toast(err, "Cannot open conversation")
		return err
	}
	page, err := s.api.Messages(ctx, conv, "", 0)
	if err != nil {
		s.toast(err, "Could not load messages")
		return err
	}
	s.Reconciler.Merge(page.Messages)

	s.mu.Lock()
	previous := s.active
	s.active = conv
	s.mu.Unlock()
	if previous != conv {
		s.Typing.Stop()
	}
	s.Unread.SetActive(conv.Key(s.self))

	if err := s.api.MarkRead(ctx, conv); err != nil {
		s.log.WithError(err).Warn("mark read failed")
	}
	if err := s.transport.Send(protocol.View{Conversation: conv}); err != nil && !errors.Is(err, ErrOffline) {
		s.log.WithError(err).Warn("view not sent")
	}
	return nil
}

// Leave clears the open conversation.
func (s *Session) Leave() {
	s.mu.Lock()
	s.active = protocol.Conversation{}
	s.mu.Unlock()
	s.Typing.Stop()
	s.Unread.SetActive("")
	_ = s.transport.Send(protocol.View{})
}

func (s *Session) activeConversation() (protocol.Conversation, error) {
	conv := s.Active()
	if conv.IsZero() {
		return conv, ErrNoConversation
	}
	return conv, nil
}

// Send posts text to the open conversation.
func (s *Session) Send(ctx context.Context, text string) (Entry, error) {
	conv, err := s.activeConversation()
	if err != nil {
		return Entry{}, err
	}
	s.Typing.Stop()
	e, err := s.Reconciler.Send(ctx, conv, text)
	if err != nil {
		s.toast(err, "Message not sent")
	}
	return e, err
}

func (s *Session) SendFile(ctx context.Context, file Attachment, caption string) (Entry, error) {
	conv, err := s.activeConversation()
	if err != nil {
		return Entry{}, err
	}
	e, err := s.Reconciler.SendFile(ctx, conv, file, caption)
	if err != nil {
		s.toast(err, "File not sent")
	}
	return e, err
}

func (s *Session) Retry(ctx context.Context, tempID string) (Entry, error) {
	e, err := s.Reconciler.Retry(ctx, tempID)
	if err != nil {
		s.toast(err, "Message not sent")
	}
	return e, err
}

// Keystroke feeds the typing debouncer for the open conversation.
func (s *Session) Keystroke() {
	conv := s.Active()
	if conv.IsZero() {
		return
	}
	if err := s.Typing.Keystroke(conv); err != nil && !errors.Is(err, ErrOffline) {
		s.log.WithError(err).Debug("typing not sent")
	}
}

func (s *Session) CreateRoom(ctx context.Context, req protocol.CreateRoomRequest) (protocol.Room, error) {
	room, err := s.api.CreateRoom(ctx, req)
	if err != nil {
		s.toast(err, "Room not created")
	}
	return room, err
}

func (s *Session) UploadAvatar(ctx context.Context, file Attachment) (protocol.User, error) {
	u, err := s.api.UploadAvatar(ctx, file)
	if err != nil {
		s.toast(err, "Avatar not updated")
	}
	return u, err
}

// Typists lists who is typing in conv.
func (s *Session) Typists(conv protocol.Conversation) []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typists[conv.Key(s.self)]
	out := make([]uint, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) setTyping(conv protocol.Conversation, user uint, typing bool) {
	key := conv.Key(s.self)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.typists[key]
	if !ok {
		if !typing {
			return
		}
		set = make(map[uint]struct{})
		s.typists[key] = set
	}
	if typing {
		set[user] = struct{}{}
		return
	}
	delete(set, user)
}

// HandleFrame applies one pushed frame.
func (s *Session) HandleFrame(f protocol.Frame) {
	switch f := f.(type) {
	case *protocol.AuthOK:
		s.Presence.Reset(f.Online)
		s.Unread.Load(f.Unread)
	case *protocol.NewMessage:
		s.received(f.Message)
	case *protocol.UserOnline:
		s.Presence.SetOnline(f.UserID)
	case *protocol.UserOffline:
		s.Presence.SetOffline(f.UserID)
		s.clearTypist(f.UserID)
	case *protocol.Typing:
		s.setTyping(f.Conversation, f.From, true)
	case *protocol.StopTyping:
		s.setTyping(f.Conversation, f.From, false)
	case *protocol.ConnectionRequestUpdate:
		if f.Status == protocol.RequestPending && f.Request.To.ID == s.self && s.notify != nil {
			s.notify.Toast(f.Request.From.DisplayName + " wants to connect")
		}
	case *protocol.RoomUpdated:
		if f.Event == protocol.RoomMemberAdded && f.UserID == s.self && s.notify != nil {
			s.notify.Toast("You were added to " + f.Room.Name)
		}
	case *protocol.Error:
		if s.notify != nil {
			s.notify.Toast(f.Message)
		}
	}
}

func (s *Session) clearTypist(user uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.typists {
		delete(set, user)
	}
}

func (s *Session) received(msg protocol.Message) {
	s.Reconciler.Receive(msg)
	if msg.Author.ID == s.self {
		return
	}

	conv := msg.Conversation(s.self)
	s.setTyping(conv, msg.Author.ID, false)
	if _, counted := s.Unread.Arrive(conv.Key(s.self)); counted {
		s.notifyMessage(msg)
	}
}

// notifyMessage asks for permission when it was never decided and skips
// this one message in that case.
func (s *Session) notifyMessage(msg protocol.Message) {
	if s.notify == nil {
		return
	}
	switch s.notify.Permission() {
	case PermissionGranted:
		body := msg.Text
		if body == "" && msg.File != nil {
			body = msg.File.Name
		}
		if err := s.notify.Show(msg.Author.DisplayName, body); err != nil {
			s.log.WithError(err).Debug("notification not shown")
		}
		if err := s.notify.Sound(); err != nil {
			s.log.WithError(err).Debug("notification sound failed")
		}
	case PermissionDefault:
		go func() {
			if _, err := s.notify.Request(context.Background()); err != nil {
				s.log.WithError(err).Debug("notification permission request failed")
			}
		}()
	}
}

// Opened is called by the transport. After a reconnect the open
// conversation is fetched again to recover pushes missed while offline.
func (s *Session) Opened(reconnect bool) {
	conv := s.Active()
	if conv.IsZero() {
		return
	}
	if err := s.transport.Send(protocol.View{Conversation: conv}); err != nil {
		s.log.WithError(err).Warn("view not restored")
	}
	if reconnect {
		ctx, cancel := context.WithTimeout(context.Background(), s.resyncTimeout)
		defer cancel()
		if err := s.Resync(ctx); err != nil {
			s.toast(err, "Could not refresh messages")
		}
	}
}

// Resync merges the latest page of the open conversation.
func (s *Session) Resync(ctx context.Context) error {
	conv, err := s.activeConversation()
	if err != nil {
		return nil
	}
	page, err := s.api.Messages(ctx, conv, "", 0)
	if err != nil {
		return err
	}
	s.Reconciler.Merge(page.Messages)
	return nil
}
