package model

import (
	"time"

	"gorm.io/gorm"
)

type Room struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Category    string `gorm:"index" json:"category"`
	IsPrivate   bool   `gorm:"not null;default:false" json:"isPrivate"`
	CreatorID   uint   `gorm:"not null" json:"creatorId"`
	Creator     User   `gorm:"foreignKey:CreatorID" json:"-"`
}

type RoomMember struct {
	RoomID   uint      `gorm:"primaryKey"`
	UserID   uint      `gorm:"primaryKey;index"`
	JoinedAt time.Time `gorm:"not null"`
}

// Contact is an accepted direct-message pair, always stored with UserID < PeerID.
type Contact struct {
	UserID    uint `gorm:"primaryKey"`
	PeerID    uint `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

type ConnectionRequest struct {
	gorm.Model
	FromID uint `gorm:"not null;index"`
	ToID   uint `gorm:"not null;index"`
	From   User `gorm:"foreignKey:FromID"`
	To     User `gorm:"foreignKey:ToID"`
}

type Message struct {
	gorm.Model
	ConversationKey string `gorm:"not null;uniqueIndex:idx_message_conversation_seq,priority:1;uniqueIndex:idx_message_client,priority:1"`
	Seq             int64  `gorm:"not null;uniqueIndex:idx_message_conversation_seq,priority:2"`
	RoomID          *uint  `gorm:"index"`
	RecipientID     *uint  `gorm:"index"`
	AuthorID        uint   `gorm:"not null;index;uniqueIndex:idx_message_client,priority:2"`
	Author          User   `gorm:"foreignKey:AuthorID"`
	Text            string `gorm:"not null;default:''"`
	FileID          *uint
	File            *File  `gorm:"foreignKey:FileID"`
	// ClientID is the sender's temporary id. A retry carrying it again
	// resolves to the stored row.
	ClientID        string `gorm:"size:64;uniqueIndex:idx_message_client,priority:3,where:client_id <> ''"`
}

// ConversationSequence hands out the per-conversation ordering key.
type ConversationSequence struct {
	ConversationKey string `gorm:"primaryKey"`
	LastSeq         int64  `gorm:"not null;default:0"`
}

type MessageLike struct {
	MessageID uint `gorm:"primaryKey"`
	UserID    uint `gorm:"primaryKey"`
	CreatedAt time.Time
}

type UnreadCounter struct {
	UserID          uint   `gorm:"primaryKey"`
	ConversationKey string `gorm:"primaryKey"`
	Unread          int    `gorm:"not null;default:0"`
}

// File keeps uploaded bytes next to their metadata.
type File struct {
	gorm.Model
	OwnerID uint   `gorm:"not null;index"`
	Name    string `gorm:"not null"`
	Mime    string `gorm:"not null"`
	Size    int64  `gorm:"not null"`
	Data    []byte `gorm:"not null" json:"-"`
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&Room{},
		&RoomMember{},
		&Contact{},
		&ConnectionRequest{},
		&File{},
		&Message{},
		&ConversationSequence{},
		&MessageLike{},
		&UnreadCounter{},
	}
}
