package chat

import (
	"errors"

	"fuelq-chat/protocol"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrFileNotFound     = errors.New("file not found")
	ErrRequestNotFound  = errors.New("connection request not found")
	ErrNotParticipant   = errors.New("not a participant of this conversation")
	ErrNotConnected     = errors.New("users are not connected")
	ErrPrivateRoom      = errors.New("room is private")
	ErrSelfRequest      = errors.New("cannot send a connection request to yourself")
	ErrAlreadyConnected = errors.New("users are already connected")
	ErrInvalidPageToken = errors.New("invalid page token")

	ErrInvalidConversation = protocol.ErrInvalidConversation
	ErrEmptyMessage        = protocol.ErrEmptyMessage
	ErrMessageTooLong      = &protocol.ValidationError{Field: "text", Message: "Message is too long"}
	ErrClientIDTooLong     = &protocol.ValidationError{Field: "clientId", Message: "Client id is too long"}
	ErrFileTooLarge        = protocol.ErrFileTooLarge
)
