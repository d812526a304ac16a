package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
	MaxUploadBytes    = 10 << 20
)

type User struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// File describes an attachment, URL points at the download endpoint.
type File struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func (f File) IsImage() bool {
	return strings.HasPrefix(f.Mime, "image/")
}

type Message struct {
	ID          uint      `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	RoomID      *uint     `json:"roomId,omitempty"`
	RecipientID *uint     `json:"recipientId,omitempty"`
	Author      User      `json:"author"`
	Text        string    `json:"text"`
	File        *File     `json:"file,omitempty"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"createdAt"`
	Likes       int       `json:"likes"`
	Liked       bool      `json:"liked"`
}

func (m Message) Validate() error {
	if (m.RoomID == nil) == (m.RecipientID == nil) {
		return ErrInvalidConversation
	}
	return nil
}

// Conversation returns where the message lives from self's point of view.
func (m Message) Conversation(self uint) Conversation {
	if m.RoomID != nil {
		return InRoom(*m.RoomID)
	}
	if m.Author.ID == self && m.RecipientID != nil {
		return Direct(*m.RecipientID)
	}
	return Direct(m.Author.ID)
}

type MessagePage struct {
	Messages      []Message `json:"messages"`
	HasMore       bool      `json:"hasMore"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
}

type Room struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatorID   uint      `json:"creatorId"`
	Members     int       `json:"members"`
	Joined      bool      `json:"joined"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ConnectionRequest struct {
	ID        uint      `json:"id"`
	From      User      `json:"from"`
	To        User      `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
}

type Likes struct {
	MessageID uint `json:"messageId"`
	Likes     int  `json:"likes"`
	Liked     bool `json:"liked"`
}

type CreateRoomRequest struct {
	Name        string `json:"name" validate:"max=100"`
	Description string `json:"description" validate:"max=1000"`
	Category    string `json:"category" validate:"max=50"`
	IsPrivate   bool   `json:"isPrivate"`
}

func (r *CreateRoomRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return ErrRoomNameRequired
	}
	return nil
}

type SendMessageRequest struct {
	Text     string `json:"text" validate:"max=5000"`
	ClientID string `json:"clientId" validate:"max=64"`
}

type ConnectRequest struct {
	UserID uint `json:"userId" validate:"required"`
}

type ResolveRequest struct {
	RequestID uint `json:"requestId" validate:"required"`
}

type AddMemberRequest struct {
	UserID uint `json:"userId" validate:"required"`
}

type UploadResult struct {
	File      File    `json:"file"`
	MessageID uint    `json:"messageId"`
	Message   Message `json:"message"`
}

// Response is the envelope every REST endpoint answers with.
type Response struct {
	Status  string          `json:"status"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
