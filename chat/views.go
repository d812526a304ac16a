package chat

import (
	"fmt"

	"fuelq-chat/model"
	"fuelq-chat/protocol"
)

func FileURL(id uint) string {
	return fmt.Sprintf("/api/chat/files/%d", id)
}

func UserView(u model.User) protocol.User {
	v := protocol.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.Name(),
	}
	if u.AvatarID != nil {
		v.AvatarURL = FileURL(*u.AvatarID)
	}
	return v
}

func FileView(f model.File) protocol.File {
	return protocol.File{
		ID:   f.ID,
		Name: f.Name,
		Mime: f.Mime,
		Size: f.Size,
		URL:  FileURL(f.ID),
	}
}

func messageView(m model.Message, likes int, liked bool) protocol.Message {
	v := protocol.Message{
		ID:          m.ID,
		ClientID:    m.ClientID,
		RoomID:      m.RoomID,
		RecipientID: m.RecipientID,
		Author:      UserView(m.Author),
		Text:        m.Text,
		Seq:         m.Seq,
		CreatedAt:   m.CreatedAt,
		Likes:       likes,
		Liked:       liked,
	}
	if m.File != nil {
		f := FileView(*m.File)
		v.File = &f
	}
	return v
}

func roomView(r model.Room, members int, joined bool) protocol.Room {
	return protocol.Room{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		IsPrivate:   r.IsPrivate,
		CreatorID:   r.CreatorID,
		Members:     members,
		Joined:      joined,
		CreatedAt:   r.CreatedAt,
	}
}

func requestView(r model.ConnectionRequest) protocol.ConnectionRequest {
	return protocol.ConnectionRequest{
		ID:        r.ID,
		From:      UserView(r.From),
		To:        UserView(r.To),
		CreatedAt: r.CreatedAt,
	}
}
