package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidConversation = errors.New("conversation must name exactly one of roomId or userId")

// Conversation addresses a room or, from the caller's point of view, a direct peer.
type Conversation struct {
	RoomID uint `json:"roomId,omitempty"`
	UserID uint `json:"userId,omitempty"`
}

func InRoom(id uint) Conversation { return Conversation{RoomID: id} }
func Direct(peer uint) Conversation { return Conversation{UserID: peer} }

func (c Conversation) IsRoom() bool { return c.RoomID != 0 && c.UserID == 0 }
func (c Conversation) IsDirect() bool { return c.UserID != 0 && c.RoomID == 0 }
func (c Conversation) IsZero() bool { return c.RoomID == 0 && c.UserID == 0 }

func (c Conversation) Validate() error {
	if c.IsRoom() || c.IsDirect() {
		return nil
	}
	return ErrInvalidConversation
}

// Key is the storage key of the conversation as seen by self.
func (c Conversation) Key(self uint) string {
	if c.IsRoom() {
		return RoomKey(c.RoomID)
	}
	return DirectKey(self, c.UserID)
}

func (c Conversation) String() string {
	switch {
	case c.IsRoom():
		return "room " + strconv.FormatUint(uint64(c.RoomID), 10)
	case c.IsDirect():
		return "direct " + strconv.FormatUint(uint64(c.UserID), 10)
	default:
		return "none"
	}
}

func RoomKey(id uint) string {
	return fmt.Sprintf("room:%d", id)
}

// DirectKey is symmetric in its arguments.
func DirectKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// ParseKey turns a storage key back into a conversation seen by self.
func ParseKey(key string, self uint) (Conversation, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 2 && parts[0] == "room":
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil || id == 0 {
			return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
		}
		return InRoom(uint(id)), nil
	case len(parts) == 3 && parts[0] == "dm":
		a, errA := strconv.ParseUint(parts[1], 10, 64)
		b, errB := strconv.ParseUint(parts[2], 10, 64)
		if errA != nil || errB != nil {
			return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
		}
		switch self {
		case uint(a):
			return Direct(uint(b)), nil
		case uint(b):
			return Direct(uint(a)), nil
		}
		return Conversation{}, fmt.Errorf("user %d is not a party of %q", self, key)
	}
	return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
}
