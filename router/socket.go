package router

import (
	"context"
	"errors"

	"fuelq-chat/chat"
	"fuelq-chat/protocol"
	"fuelq-chat/socket"
	"fuelq-chat/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type unreadSource interface {
	Unread(ctx context.Context, viewer uint) (map[string]int, error)
}

type authorizer interface {
	Authorize(ctx context.Context, conv protocol.Conversation, user uint) error
}

// Socket holds what the websocket endpoint needs.
type Socket struct {
	Hub      *socket.Hub
	Tokens   *utils.TokenManager
	Tracker  *chat.Tracker
	Registry authorizer
	Typing   *chat.Typing
	Unread   unreadSource
	Log      *logrus.Entry
}

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler upgrades the request and serves one connection until it closes.
func (s *Socket) Handler() fiber.Handler {
	return websocket.New(s.serve)
}

func (s *Socket) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := s.Hub.Add(conn)
	pumpDone := make(chan struct{})
	go func() {
		peer.WritePump()
		close(pumpDone)
	}()

	sess := &session{
		Socket: s,
		peer:   peer,
		typing: make(map[string]protocol.Conversation),
		log:    s.Log.WithField("peer", peer.ID),
	}
	// The conn goes back to the library's pool once serve returns, so the
	// pump has to be gone by then. Removing the peer closes its queue.
	defer func() {
		sess.close()
		<-pumpDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				sess.log.WithError(err).Debug("connection dropped")
			}
			return
		}
		sess.handle(ctx, data)
	}
}

// session is the per-connection state: who it is, what it looks at and
// where it is typing.
type session struct {
	*Socket
	peer    *socket.Peer
	user    uint
	viewing protocol.Conversation
	typing  map[string]protocol.Conversation
	log     *logrus.Entry
}

func (s *session) send(f protocol.Frame) {
	if err := s.Hub.SendTo(s.peer, f); err != nil && !errors.Is(err, socket.ErrPeerClosed) {
		s.log.WithError(err).WithField("action", f.FrameType()).Warn("reply not sent")
	}
}

func (s *session) reject(message string) {
	s.send(protocol.Error{Message: message})
}

func (s *session) handle(ctx context.Context, data []byte) {
	f, err := protocol.DecodeClient(data)
	if err != nil {
		s.reject(err.Error())
		return
	}

	switch f := f.(type) {
	case *protocol.Auth:
		s.auth(ctx, f.Token)
		return
	case *protocol.Ping:
		s.send(protocol.Pong{})
		return
	}

	if s.user == 0 {
		s.reject("not authenticated")
		return
	}

	switch f := f.(type) {
	case *protocol.View:
		s.view(ctx, f.Conversation)
	case *protocol.Typing:
		if !s.isViewing(f.Conversation) {
			if err := s.Registry.Authorize(ctx, f.Conversation, s.user); err != nil {
				s.reject(err.Error())
				return
			}
		}
		if err := s.Typing.Start(ctx, s.user, s.peer.ID, f.Conversation); err != nil {
			s.reject(err.Error())
			return
		}
		s.typing[f.Conversation.Key(s.user)] = f.Conversation
	case *protocol.StopTyping:
		key := f.Conversation.Key(s.user)
		if _, ok := s.typing[key]; !ok {
			return
		}
		delete(s.typing, key)
		if err := s.Typing.Stop(ctx, s.user, s.peer.ID, f.Conversation); err != nil {
			s.reject(err.Error())
		}
	}
}

// auth answers with auth_ok before the peer becomes addressable so the
// snapshot always precedes the first push.
func (s *session) auth(ctx context.Context, token string) {
	if s.user != 0 {
		s.reject(socket.ErrAlreadyAuthenticated.Error())
		return
	}
	meta, err := s.Tokens.ParseAccess(token)
	if err != nil {
		s.reject("invalid token")
		return
	}
	if meta.Otp {
		s.reject("2FA required")
		return
	}
	log := s.log.WithField("user", meta.ID)

	online, err := s.Tracker.Snapshot(ctx, meta.ID)
	if err != nil {
		log.WithError(err).Warn("presence snapshot unavailable")
	}
	if online == nil {
		online = []uint{}
	}
	unread, err := s.Unread.Unread(ctx, meta.ID)
	if err != nil {
		log.WithError(err).Warn("unread counters unavailable")
	}
	if unread == nil {
		unread = map[string]int{}
	}

	s.send(protocol.AuthOK{UserID: meta.ID, Online: online, Unread: unread})
	if err := s.Hub.Authenticate(s.peer, meta.ID); err != nil {
		s.reject(err.Error())
		return
	}
	s.user = meta.ID
	s.log = log

	if err := s.Tracker.Connected(ctx, meta.ID); err != nil {
		log.WithError(err).Error("presence not recorded")
	}
}

// isViewing reports whether conv is the conversation this connection was
// last authorized to view.
func (s *session) isViewing(conv protocol.Conversation) bool {
	return !s.viewing.IsZero() && !conv.IsZero() && s.viewing.Key(s.user) == conv.Key(s.user)
}

func (s *session) view(ctx context.Context, conv protocol.Conversation) {
	if !conv.IsZero() {
		if err := s.Registry.Authorize(ctx, conv, s.user); err != nil {
			s.reject(err.Error())
			return
		}
	}
	if s.isViewing(conv) {
		return
	}

	presence := s.Tracker.Store()
	if !conv.IsZero() {
		if err := presence.Focus(ctx, s.user, conv.Key(s.user)); err != nil {
			s.log.WithError(err).Warn("viewing state not recorded")
			return
		}
	}
	if !s.viewing.IsZero() {
		if err := presence.Blur(ctx, s.user, s.viewing.Key(s.user)); err != nil {
			s.log.WithError(err).Warn("viewing state not cleared")
		}
	}
	s.viewing = conv
}

// close runs once the read loop ends. Presence and typing are settled after
// the peer stops being addressable.
func (s *session) close() {
	s.Hub.Remove(s.peer)
	if s.user == 0 {
		return
	}
	// The request context is gone by now.
	ctx := context.Background()

	if !s.viewing.IsZero() {
		if err := s.Tracker.Store().Blur(ctx, s.user, s.viewing.Key(s.user)); err != nil {
			s.log.WithError(err).Warn("viewing state not cleared")
		}
	}
	for _, conv := range s.typing {
		_ = s.Typing.Stop(ctx, s.user, s.peer.ID, conv)
	}
	if err := s.Tracker.Disconnected(ctx, s.user); err != nil {
		s.log.WithError(err).Error("presence not released")
	}
}
