package controller

import (
	"fuelq-chat/chat"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// PeerCounter is satisfied by *socket.Hub.
type PeerCounter interface {
	Count() int
	Users() int
}

type Admin struct {
	registry *chat.Registry
	peers    PeerCounter
	log      *logrus.Entry
}

func NewAdmin(registry *chat.Registry, peers PeerCounter, log *logrus.Entry) *Admin {
	return &Admin{registry: registry, peers: peers, log: log}
}

func (h *Admin) Rooms(c *fiber.Ctx) error {
	rooms, err := h.registry.AllRooms(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.StatusOK, rooms)
}

func (h *Admin) Stats(c *fiber.Ctx) error {
	return success(c, fiber.StatusOK, fiber.Map{
		"peers": h.peers.Count(),
		"users": h.peers.Users(),
	})
}
