package controller

import (
	"errors"
	"strconv"

	"fuelq-chat/chat"
	"fuelq-chat/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func success(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  "success",
		"message": nil,
		"data":    data,
	})
}

func reject(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"message": message,
		"data":    nil,
	})
}

var errorStatus = []struct {
	err    error
	status int
}{
	{chat.ErrRoomNotFound, fiber.StatusNotFound},
	{chat.ErrUserNotFound, fiber.StatusNotFound},
	{chat.ErrMessageNotFound, fiber.StatusNotFound},
	{chat.ErrFileNotFound, fiber.StatusNotFound},
	{chat.ErrRequestNotFound, fiber.StatusNotFound},
	{chat.ErrNotParticipant, fiber.StatusForbidden},
	{chat.ErrNotConnected, fiber.StatusForbidden},
	{chat.ErrPrivateRoom, fiber.StatusForbidden},
	{chat.ErrAlreadyConnected, fiber.StatusConflict},
	{chat.ErrFileTooLarge, fiber.StatusRequestEntityTooLarge},
	{chat.ErrSelfRequest, fiber.StatusBadRequest},
	{chat.ErrInvalidConversation, fiber.StatusBadRequest},
	{chat.ErrInvalidPageToken, fiber.StatusBadRequest},
}

// fail turns a service error into an error envelope. Unknown errors are
// logged and hidden behind a generic message.
func fail(c *fiber.Ctx, log *logrus.Entry, err error) error {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return reject(c, e.status, e.err.Error())
		}
	}
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return reject(c, fiber.StatusBadRequest, verr.Message)
	}

	log.WithError(err).WithFields(logrus.Fields{
		"method": c.Method(),
		"path":   c.Path(),
	}).Error("request failed")
	return reject(c, fiber.StatusInternalServerError, "Internal server error")
}

func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, &protocol.ValidationError{Field: name, Message: "Invalid " + name}
	}
	return uint(id), nil
}

func parse(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return &protocol.ValidationError{Message: "Review your input"}
	}
	return protocol.Check(v)
}
