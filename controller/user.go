package controller

import (
	"io"
	"strings"

	"fuelq-chat/chat"
	"fuelq-chat/middleware"
	"fuelq-chat/model"
	"fuelq-chat/protocol"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type UserProfile struct {
	protocol.User
	Email      string `json:"email"`
	Role       string `json:"role"`
	OtpEnabled bool   `json:"otp"`
	Created    int64  `json:"created"`
}

type User struct {
	registry *chat.Registry
	maxBytes int
	log      *logrus.Entry
}

func NewUser(registry *chat.Registry, maxBytes int, log *logrus.Entry) *User {
	if maxBytes <= 0 {
		maxBytes = protocol.MaxUploadBytes
	}
	return &User{registry: registry, maxBytes: maxBytes, log: log}
}

func profile(u model.User) UserProfile {
	return UserProfile{
		User:       chat.UserView(u),
		Email:      u.Email,
		Role:       u.Role,
		OtpEnabled: u.OtpEnabled,
		Created:    u.CreatedAt.Unix(),
	}
}

func (h *User) Profile(c *fiber.Ctx) error {
	u, err := h.registry.User(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, profile(u))
}

// Avatar replaces the profile picture. Only images are accepted.
func (h *User) Avatar(c *fiber.Ctx) error {
	data, name, err := formFile(c, "avatar", h.maxBytes)
	if err != nil {
		return fail(c, h.log, err)
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return fail(c, h.log, protocol.ErrAvatarNotImage)
	}

	u, err := h.registry.SetAvatar(c.UserContext(), middleware.UserID(c), &model.File{
		Name: name,
		Mime: mime.String(),
		Size: int64(len(data)),
		Data: data,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, profile(u))
}

// formFile reads one multipart file, refusing anything above max bytes.
func formFile(c *fiber.Ctx, field string, max int) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", &protocol.ValidationError{Field: field, Message: field + " is required"}
	}
	if fh.Size > int64(max) {
		return nil, "", chat.ErrFileTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(max)+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > max {
		return nil, "", chat.ErrFileTooLarge
	}
	return data, fh.Filename, nil
}
