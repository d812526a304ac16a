package router

import (
	"errors"

	"fuelq-chat/controller"
	"fuelq-chat/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

type Handlers struct {
	Auth  *controller.Auth
	User  *controller.User
	Chat  *controller.Chat
	Admin *controller.Admin

	JWTKey   []byte
	Enforcer middleware.Enforcer
	Socket   *Socket
}

// ErrorHandler renders errors that escape the handlers, such as unknown
// routes or oversized bodies, in the usual envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"status":  "error",
		"message": message,
		"data":    nil,
	})
}

func Rest(app *fiber.App, h Handlers) {
	api := app.Group("/api", logger.New())
	jwt := middleware.JWT(h.JWTKey)

	// Auth
	auth := api.Group("/auth")
	auth.Post("/signup", h.Auth.Signup)
	auth.Post("/signin", h.Auth.Signin)
	auth.Post("/token/renew", h.Auth.TokenRenew)
	auth.Post("/2fa/secret", jwt, middleware.OTP(), h.Auth.OtpSecret)
	auth.Post("/2fa/verify", jwt, middleware.OTP(), h.Auth.OtpVerify)
	auth.Post("/2fa/validate", jwt, h.Auth.OtpValidate)
	auth.Post("/2fa/disable", jwt, middleware.OTP(), h.Auth.OtpDisable)

	// User
	user := api.Group("/user", jwt, middleware.OTP())
	user.Get("/profile", h.User.Profile)
	user.Post("/avatar", h.User.Avatar)

	// The socket authenticates with its first frame, so it is mounted
	// ahead of the bearer-protected chat group.
	if h.Socket != nil {
		api.Get("/chat/ws", upgradeRequired, h.Socket.Handler())
	}

	// Chat
	chat := api.Group("/chat", jwt, middleware.OTP())
	chat.Get("/rooms", h.Chat.Rooms)
	chat.Post("/rooms", h.Chat.CreateRoom)
	chat.Post("/rooms/:id/join", h.Chat.JoinRoom)
	chat.Post("/rooms/:id/leave", h.Chat.LeaveRoom)
	chat.Post("/rooms/:id/members", h.Chat.AddMember)
	chat.Get("/rooms/:id/messages", h.Chat.Messages)
	chat.Post("/rooms/:id/messages", h.Chat.SendMessage)
	chat.Post("/rooms/:id/read", h.Chat.MarkRead)
	chat.Get("/direct/:userId/messages", h.Chat.Messages)
	chat.Post("/direct/:userId/messages", h.Chat.SendMessage)
	chat.Post("/direct/:userId/read", h.Chat.MarkRead)
	chat.Post("/messages/:id/like", h.Chat.Like)
	chat.Delete("/messages/:id/like", h.Chat.Like)
	chat.Get("/unread", h.Chat.Unread)
	chat.Get("/requests", h.Chat.Requests)
	chat.Post("/request", h.Chat.Request)
	chat.Post("/accept-request", h.Chat.AcceptRequest)
	chat.Post("/decline-request", h.Chat.DeclineRequest)
	chat.Post("/upload", h.Chat.Upload)
	chat.Get("/files/:id", h.Chat.File)

	// Admin
	admin := api.Group("/admin", jwt, middleware.OTP(), middleware.RBAC(h.Enforcer))
	admin.Get("/rooms", h.Admin.Rooms)
	admin.Get("/stats", h.Admin.Stats)
}
