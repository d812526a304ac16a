package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"fuelq-chat/event"
	"fuelq-chat/model"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
)

// Upload is an attachment travelling with a message.
type Upload struct {
	Name string
	Mime string
	Data []byte
}

type SendInput struct {
	AuthorID     uint
	Conversation protocol.Conversation
	Text         string
	ClientID     string
	File         *Upload
}

// Dispatcher persists messages and then pushes them to participants.
type Dispatcher struct {
	store    *Store
	registry *Registry
	presence PresenceStore
	bus      event.Bus
	log      *logrus.Entry
}

func NewDispatcher(store *Store, registry *Registry, presence PresenceStore, bus event.Bus, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		presence: presence,
		bus:      bus,
		log:      log,
	}
}

// Send validates, authorizes and stores the message, then fans it out.
// Once stored the message is returned even if pushing fails.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (protocol.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.File == nil {
		return protocol.Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > protocol.MaxMessageLength {
		return protocol.Message{}, ErrMessageTooLong
	}
	if len(in.ClientID) > 64 {
		return protocol.Message{}, ErrClientIDTooLong
	}
	if in.File != nil && len(in.File.Data) > protocol.MaxUploadBytes {
		return protocol.Message{}, ErrFileTooLarge
	}
	if err := d.registry.Authorize(ctx, in.Conversation, in.AuthorID); err != nil {
		return protocol.Message{}, err
	}
	// A retry of a send that already landed gets the stored message back
	// without a second push or upload.
	if prev, found, err := d.store.ByClientID(ctx, in.Conversation, in.AuthorID, in.ClientID); err != nil {
		return protocol.Message{}, err
	} else if found {
		return prev, nil
	}

	draft := Draft{
		Conversation: in.Conversation,
		AuthorID:     in.AuthorID,
		Text:         text,
		ClientID:     in.ClientID,
	}
	if in.File != nil {
		f := model.File{
			OwnerID: in.AuthorID,
			Name:    in.File.Name,
			Mime:    in.File.Mime,
			Size:    int64(len(in.File.Data)),
			Data:    in.File.Data,
		}
		if err := d.store.SaveFile(ctx, &f); err != nil {
			return protocol.Message{}, err
		}
		draft.FileID = &f.ID
	}

	msg, created, err := d.store.Append(ctx, draft)
	if err != nil {
		return protocol.Message{}, err
	}
	if created {
		d.fanOut(ctx, in.Conversation, msg)
	}
	return msg, nil
}

// fanOut sends one new_message to everyone looking at the conversation,
// including the author's other connections, and an individual push carrying
// the bumped counter to every other participant.
func (d *Dispatcher) fanOut(ctx context.Context, conv protocol.Conversation, msg protocol.Message) {
	author := msg.Author.ID
	log := d.log.WithFields(logrus.Fields{"message": msg.ID, "conversation": conv.String()})

	participants, err := d.registry.Participants(ctx, conv, author)
	if err != nil {
		log.WithError(err).Error("participants unavailable, message not pushed")
		return
	}

	key := conv.Key(author)
	viewers := []uint{author}
	for _, p := range participants {
		if p == author {
			continue
		}
		viewing, err := d.presence.Viewing(ctx, p, key)
		if err != nil {
			log.WithError(err).WithField("participant", p).Warn("viewing state unavailable")
		}
		if viewing {
			viewers = append(viewers, p)
			continue
		}

		unread, err := d.store.IncrementUnread(ctx, p, key)
		if err != nil {
			log.WithError(err).WithField("participant", p).Error("unread not incremented")
		}
		if err := event.Publish(ctx, d.bus, protocol.NewMessage{Message: msg, Unread: unread}, p); err != nil {
			log.WithError(err).WithField("participant", p).Warn("push failed")
		}
	}

	if err := event.Publish(ctx, d.bus, protocol.NewMessage{Message: msg}, viewers...); err != nil {
		log.WithError(err).Warn("push failed")
	}
}

// History returns one page of the conversation for a participant.
func (d *Dispatcher) History(ctx context.Context, viewer uint, conv protocol.Conversation, pageToken string, limit int) (protocol.MessagePage, error) {
	if err := d.registry.Authorize(ctx, conv, viewer); err != nil {
		return protocol.MessagePage{}, err
	}
	return d.store.List(ctx, conv, viewer, pageToken, limit)
}

func (d *Dispatcher) MarkRead(ctx context.Context, viewer uint, conv protocol.Conversation) error {
	if err := d.registry.Authorize(ctx, conv, viewer); err != nil {
		return err
	}
	return d.store.MarkRead(ctx, conv, viewer)
}

func (d *Dispatcher) Unread(ctx context.Context, viewer uint) (map[string]int, error) {
	return d.store.Unread(ctx, viewer)
}

// Like sets or clears the user's like on a message they can see.
func (d *Dispatcher) Like(ctx context.Context, user, messageID uint, like bool) (protocol.Likes, error) {
	m, err := d.store.Message(ctx, messageID)
	if err != nil {
		return protocol.Likes{}, err
	}
	ok, err := d.canSee(ctx, user, m)
	if err != nil {
		return protocol.Likes{}, err
	}
	if !ok {
		return protocol.Likes{}, ErrNotParticipant
	}
	if like {
		return d.store.Like(ctx, messageID, user)
	}
	return d.store.Unlike(ctx, messageID, user)
}

func (d *Dispatcher) canSee(ctx context.Context, user uint, m model.Message) (bool, error) {
	if m.RoomID != nil {
		return d.registry.IsMember(ctx, *m.RoomID, user)
	}
	return m.AuthorID == user || (m.RecipientID != nil && *m.RecipientID == user), nil
}

// File returns the attachment when user owns it, shows it as an avatar, or
// can see a message carrying it.
func (d *Dispatcher) File(ctx context.Context, user, fileID uint) (model.File, error) {
	f, err := d.store.File(ctx, fileID)
	if err != nil {
		return model.File{}, err
	}
	if f.OwnerID == user {
		return f, nil
	}
	avatar, err := d.store.IsAvatar(ctx, fileID)
	if err != nil {
		return model.File{}, err
	}
	if avatar {
		return f, nil
	}

	messages, err := d.store.FileMessages(ctx, fileID)
	if err != nil {
		return model.File{}, err
	}
	for _, m := range messages {
		ok, err := d.canSee(ctx, user, m)
		if err != nil {
			return model.File{}, err
		}
		if ok {
			return f, nil
		}
	}
	return model.File{}, ErrNotParticipant
}
