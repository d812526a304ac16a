package controller

import (
	"fmt"
	"strconv"

	"fuelq-chat/chat"
	"fuelq-chat/middleware"
	"fuelq-chat/protocol"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type Chat struct {
	registry   *chat.Registry
	dispatcher *chat.Dispatcher
	pageSize   int
	maxUpload  int
	log        *logrus.Entry
}

type ChatOptions struct {
	PageSize  int
	MaxUpload int
}

func NewChat(registry *chat.Registry, dispatcher *chat.Dispatcher, opts ChatOptions, log *logrus.Entry) *Chat {
	if opts.PageSize <= 0 {
		opts.PageSize = chat.DefaultPageSize
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = protocol.MaxUploadBytes
	}
	return &Chat{
		registry:   registry,
		dispatcher: dispatcher,
		pageSize:   opts.PageSize,
		maxUpload:  opts.MaxUpload,
		log:        log,
	}
}

func (h *Chat) Rooms(c *fiber.Ctx) error {
	rooms, err := h.registry.Rooms(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, rooms)
}

func (h *Chat) CreateRoom(c *fiber.Ctx) error {
	req := new(protocol.CreateRoomRequest)
	if err := c.BodyParser(req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Review your input")
	}
	room, err := h.registry.CreateRoom(c.UserContext(), middleware.UserID(c), *req)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusCreated, room)
}

func (h *Chat) JoinRoom(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	room, err := h.registry.Join(c.UserContext(), id, middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, room)
}

func (h *Chat) LeaveRoom(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	if err := h.registry.Leave(c.UserContext(), id, middleware.UserID(c)); err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, nil)
}

func (h *Chat) AddMember(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	req := new(protocol.AddMemberRequest)
	if err := parse(c, req); err != nil {
		return fail(c, h.log, err)
	}
	room, err := h.registry.AddMember(c.UserContext(), id, middleware.UserID(c), req.UserID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, room)
}

// conversation reads the room or direct peer from the route.
func conversation(c *fiber.Ctx) (protocol.Conversation, error) {
	if c.Params("id") != "" {
		id, err := idParam(c, "id")
		return protocol.InRoom(id), err
	}
	id, err := idParam(c, "userId")
	return protocol.Direct(id), err
}

func (h *Chat) Messages(c *fiber.Ctx) error {
	conv, err := conversation(c)
	if err != nil {
		return fail(c, h.log, err)
	}
	page, err := h.dispatcher.History(c.UserContext(), middleware.UserID(c), conv, c.Query("pageToken"), c.QueryInt("limit", h.pageSize))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, page)
}

func (h *Chat) SendMessage(c *fiber.Ctx) error {
	conv, err := conversation(c)
	if err != nil {
		return fail(c, h.log, err)
	}
	req := new(protocol.SendMessageRequest)
	if err := c.BodyParser(req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Review your input")
	}
	msg, err := h.dispatcher.Send(c.UserContext(), chat.SendInput{
		AuthorID:     middleware.UserID(c),
		Conversation: conv,
		Text:         req.Text,
		ClientID:     req.ClientID,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusCreated, msg)
}

func (h *Chat) MarkRead(c *fiber.Ctx) error {
	conv, err := conversation(c)
	if err != nil {
		return fail(c, h.log, err)
	}
	if err := h.dispatcher.MarkRead(c.UserContext(), middleware.UserID(c), conv); err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, nil)
}

func (h *Chat) Like(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	likes, err := h.dispatcher.Like(c.UserContext(), middleware.UserID(c), id, c.Method() != fiber.MethodDelete)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, likes)
}

func (h *Chat) Unread(c *fiber.Ctx) error {
	unread, err := h.dispatcher.Unread(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, unread)
}

func (h *Chat) Requests(c *fiber.Ctx) error {
	reqs, err := h.registry.PendingRequests(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, reqs)
}

func (h *Chat) Request(c *fiber.Ctx) error {
	req := new(protocol.ConnectRequest)
	if err := parse(c, req); err != nil {
		return fail(c, h.log, err)
	}
	created, err := h.registry.RequestConnection(c.UserContext(), middleware.UserID(c), req.UserID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusCreated, created)
}

func (h *Chat) AcceptRequest(c *fiber.Ctx) error {
	req := new(protocol.ResolveRequest)
	if err := parse(c, req); err != nil {
		return fail(c, h.log, err)
	}
	resolved, err := h.registry.AcceptRequest(c.UserContext(), req.RequestID, middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, resolved)
}

func (h *Chat) DeclineRequest(c *fiber.Ctx) error {
	req := new(protocol.ResolveRequest)
	if err := parse(c, req); err != nil {
		return fail(c, h.log, err)
	}
	resolved, err := h.registry.DeclineRequest(c.UserContext(), req.RequestID, middleware.UserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, resolved)
}

// Upload stores a file and posts it as a message in one step.
func (h *Chat) Upload(c *fiber.Ctx) error {
	conv, err := formConversation(c)
	if err != nil {
		return fail(c, h.log, err)
	}
	data, name, err := formFile(c, "file", h.maxUpload)
	if err != nil {
		return fail(c, h.log, err)
	}

	msg, err := h.dispatcher.Send(c.UserContext(), chat.SendInput{
		AuthorID:     middleware.UserID(c),
		Conversation: conv,
		Text:         c.FormValue("text"),
		ClientID:     c.FormValue("clientId"),
		File: &chat.Upload{
			Name: name,
			Mime: mimetype.Detect(data).String(),
			Data: data,
		},
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusCreated, protocol.UploadResult{
		File:      *msg.File,
		MessageID: msg.ID,
		Message:   msg,
	})
}

func formConversation(c *fiber.Ctx) (protocol.Conversation, error) {
	var conv protocol.Conversation
	for field, dst := range map[string]*uint{"roomId": &conv.RoomID, "userId": &conv.UserID} {
		raw := c.FormValue(field)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return conv, &protocol.ValidationError{Field: field, Message: "Invalid " + field}
		}
		*dst = uint(id)
	}
	return conv, conv.Validate()
}

// File streams an attachment back with its stored content type.
func (h *Chat) File(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	f, err := h.dispatcher.File(c.UserContext(), middleware.UserID(c), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	c.Set(fiber.HeaderContentType, f.Mime)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", f.Name))
	return c.Send(f.Data)
}
