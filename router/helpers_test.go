package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fuelq-chat/chat"
	"fuelq-chat/controller"
	"fuelq-chat/database"
	"fuelq-chat/event"
	"fuelq-chat/protocol"
	"fuelq-chat/socket"
	"fuelq-chat/utils"

	"github.com/casbin/casbin/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testMaxUpload = 4 << 10

type testServer struct {
	app      *fiber.App
	db       *gorm.DB
	enforcer *casbin.Enforcer
	tokens   *utils.TokenManager
	presence *chat.MemoryPresence
	typing   *chat.Typing
	hub      *socket.Hub

	// authorizations counts Authorize calls made by the websocket endpoint.
	authorizations *atomic.Int32
}

type countingAuthorizer struct {
	authorizer
	calls *atomic.Int32
}

func (a countingAuthorizer) Authorize(ctx context.Context, conv protocol.Conversation, user uint) error {
	a.calls.Add(1)
	return a.authorizer.Authorize(ctx, conv, user)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

func newTestServer(t testing.TB) *testServer {
	t.Helper()
	log := quietLog()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.SQLiteConnect(fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano()), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	enforcer, err := database.MemoryCasbin()
	require.NoError(t, err)

	bus := event.NewLocalBus()
	presence := chat.NewMemoryPresence()
	tokens := utils.NewTokenManager("access-secret", "refresh-secret", 15*time.Minute, time.Hour)
	registry := chat.NewRegistry(db, bus, log)
	dispatcher := chat.NewDispatcher(chat.NewStore(db), registry, presence, bus, log)
	tracker := chat.NewTracker(presence, registry, bus, log)
	typing := chat.NewTyping(registry, presence, bus, time.Second, log)
	hub := socket.NewHub(socket.DefaultQueueSize, log)
	bus.Subscribe(hub.Deliver)
	t.Cleanup(typing.Close)
	authorizations := new(atomic.Int32)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		BodyLimit:             testMaxUpload + 1<<20,
		ErrorHandler:          ErrorHandler,
	})
	app.Use(recover.New())
	Rest(app, Handlers{
		Auth: controller.NewAuth(db, tokens, utils.NewMemoryTokenStore(), enforcer, controller.AuthOptions{
			Issuer:     "FuelQ",
			BcryptCost: bcrypt.MinCost,
			RefreshTTL: time.Hour,
		}, log),
		User:     controller.NewUser(registry, testMaxUpload, log),
		Chat:     controller.NewChat(registry, dispatcher, controller.ChatOptions{PageSize: 2, MaxUpload: testMaxUpload}, log),
		Admin:    controller.NewAdmin(registry, hub, log),
		JWTKey:   tokens.AccessKey(),
		Enforcer: enforcer,
		Socket: &Socket{
			Hub:      hub,
			Tokens:   tokens,
			Tracker:  tracker,
			Registry: countingAuthorizer{authorizer: registry, calls: authorizations},
			Typing:   typing,
			Unread:   dispatcher,
			Log:      log,
		},
	})

	return &testServer{
		app:      app,
		db:       db,
		enforcer: enforcer,
		tokens:   tokens,
		presence: presence,
		typing:   typing,
		hub:      hub,

		authorizations: authorizations,
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) text() string {
	if e.Message == nil {
		return ""
	}
	return *e.Message
}

func (e envelope) decode(t testing.TB, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, v))
}

func (s *testServer) do(t testing.TB, req *http.Request, token string) (int, envelope) {
	t.Helper()
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(body, &env), string(body))
	}
	return resp.StatusCode, env
}

func (s *testServer) call(t testing.TB, method, path string, body any, token string) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return s.do(t, req, token)
}

func (s *testServer) upload(t testing.TB, path, field, filename string, data []byte, fields map[string]string, token string) (int, envelope) {
	t.Helper()
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return s.do(t, req, token)
}

type account struct {
	ID     uint
	Access string
}

// signup registers a user and signs in with it.
func (s *testServer) signup(t testing.TB, username string) account {
	t.Helper()
	code, env := s.call(t, http.MethodPost, "/api/auth/signup", controller.AuthSignupInput{
		Username: username,
		Email:    username + "@fuelq.test",
		Password: "password123",
	}, "")
	require.Equal(t, fiber.StatusCreated, code, env.text())
	var created struct {
		ID uint `json:"id"`
	}
	env.decode(t, &created)

	code, env = s.call(t, http.MethodPost, "/api/auth/signin", controller.AuthLoginInput{
		Login:    username,
		Password: "password123",
	}, "")
	require.Equal(t, fiber.StatusOK, code, env.text())
	var tokens struct {
		Access string `json:"access"`
	}
	env.decode(t, &tokens)
	return account{ID: created.ID, Access: tokens.Access}
}

// befriend connects two accounts through a request and its acceptance.
func (s *testServer) befriend(t testing.TB, a, b account) {
	t.Helper()
	code, env := s.call(t, http.MethodPost, "/api/chat/request", protocol.ConnectRequest{UserID: b.ID}, a.Access)
	require.Equal(t, fiber.StatusCreated, code, env.text())
	var req protocol.ConnectionRequest
	env.decode(t, &req)

	code, env = s.call(t, http.MethodPost, "/api/chat/accept-request", protocol.ResolveRequest{RequestID: req.ID}, b.Access)
	require.Equal(t, fiber.StatusOK, code, env.text())
}

func (s *testServer) createRoom(t testing.TB, owner account, name string) protocol.Room {
	t.Helper()
	code, env := s.call(t, http.MethodPost, "/api/chat/rooms", protocol.CreateRoomRequest{Name: name}, owner.Access)
	require.Equal(t, fiber.StatusCreated, code, env.text())
	var room protocol.Room
	env.decode(t, &room)
	return room
}
