package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type FrameType string

// Client to server.
const (
	TypeAuth FrameType = "auth"
	TypeView FrameType = "view"
	TypePing FrameType = "ping"
)

// Both directions.
const (
	TypeTyping     FrameType = "typing"
	TypeStopTyping FrameType = "stop_typing"
)

// Server to client.
const (
	TypeAuthOK            FrameType = "auth_ok"
	TypeError             FrameType = "error"
	TypePong              FrameType = "pong"
	TypeNewMessage        FrameType = "new_message"
	TypeUserOnline        FrameType = "user_online"
	TypeUserOffline       FrameType = "user_offline"
	TypeRoomUpdated       FrameType = "room_updated"
	TypeConnectionRequest FrameType = "connection_request"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Frame is one variant of the tagged websocket envelope.
type Frame interface {
	FrameType() FrameType
}

type Auth struct {
	Token string `json:"token" validate:"required"`
}

// View sets the connection's active conversation, an empty body clears it.
type View struct {
	Conversation
}

func (v View) Validate() error {
	if v.IsZero() {
		return nil
	}
	return v.Conversation.Validate()
}

type Ping struct{}

// Typing is sent by the typist and pushed to viewers with From filled in.
type Typing struct {
	Conversation
	From uint `json:"from,omitempty"`
}

type StopTyping struct {
	Conversation
	From uint `json:"from,omitempty"`
}

type AuthOK struct {
	UserID uint           `json:"userId"`
	Online []uint         `json:"online"`
	Unread map[string]int `json:"unread"`
}

type Error struct {
	Message string `json:"message" validate:"required"`
}

type Pong struct{}

type NewMessage struct {
	Message Message `json:"message"`
	// Unread is the recipient's counter after this message, zero when viewing.
	Unread int `json:"unread"`
}

func (m NewMessage) Validate() error { return m.Message.Validate() }

type UserOnline struct {
	UserID uint `json:"userId" validate:"required"`
}

type UserOffline struct {
	UserID uint `json:"userId" validate:"required"`
}

const (
	RoomCreated     = "created"
	RoomJoined      = "joined"
	RoomLeft        = "left"
	RoomMemberAdded = "member_added"
)

type RoomUpdated struct {
	Room   Room   `json:"room"`
	Event  string `json:"event" validate:"oneof=created joined left member_added"`
	UserID uint   `json:"userId"`
}

const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

type ConnectionRequestUpdate struct {
	Request ConnectionRequest `json:"request"`
	Status  string            `json:"status" validate:"oneof=pending accepted declined"`
}

func (Auth) FrameType() FrameType                    { return TypeAuth }
func (View) FrameType() FrameType                    { return TypeView }
func (Ping) FrameType() FrameType                    { return TypePing }
func (Typing) FrameType() FrameType                  { return TypeTyping }
func (StopTyping) FrameType() FrameType              { return TypeStopTyping }
func (AuthOK) FrameType() FrameType                  { return TypeAuthOK }
func (Error) FrameType() FrameType                   { return TypeError }
func (Pong) FrameType() FrameType                    { return TypePong }
func (NewMessage) FrameType() FrameType              { return TypeNewMessage }
func (UserOnline) FrameType() FrameType              { return TypeUserOnline }
func (UserOffline) FrameType() FrameType             { return TypeUserOffline }
func (RoomUpdated) FrameType() FrameType             { return TypeRoomUpdated }
func (ConnectionRequestUpdate) FrameType() FrameType { return TypeConnectionRequest }

var clientFrames = map[FrameType]func() Frame{
	TypeAuth:       func() Frame { return &Auth{} },
	TypeView:       func() Frame { return &View{} },
	TypePing:       func() Frame { return &Ping{} },
	TypeTyping:     func() Frame { return &Typing{} },
	TypeStopTyping: func() Frame { return &StopTyping{} },
}

var serverFrames = map[FrameType]func() Frame{
	TypeAuthOK:            func() Frame { return &AuthOK{} },
	TypeError:             func() Frame { return &Error{} },
	TypePong:              func() Frame { return &Pong{} },
	TypeNewMessage:        func() Frame { return &NewMessage{} },
	TypeTyping:            func() Frame { return &Typing{} },
	TypeStopTyping:        func() Frame { return &StopTyping{} },
	TypeUserOnline:        func() Frame { return &UserOnline{} },
	TypeUserOffline:       func() Frame { return &UserOffline{} },
	TypeRoomUpdated:       func() Frame { return &RoomUpdated{} },
	TypeConnectionRequest: func() Frame { return &ConnectionRequestUpdate{} },
}

// Encode writes the frame as a flat JSON object with a leading "type" field.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s is not an object", ErrMalformedFrame, f.FrameType())
	}
	tag, err := json.Marshal(string(f.FrameType()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeClient parses a frame a browser or SDK client is allowed to send.
func DecodeClient(data []byte) (Frame, error) {
	return decode(data, clientFrames)
}

// DecodeServer parses a frame pushed by the server.
func DecodeServer(data []byte) (Frame, error) {
	return decode(data, serverFrames)
}

func decode(data []byte, registry map[FrameType]func() Frame) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	ctor, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
	f := ctor()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
	}
	if err := Check(f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
	}
	return f, nil
}
