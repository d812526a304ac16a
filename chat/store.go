package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fuelq-chat/model"
	"fuelq-chat/protocol"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Store is the append-only message log with likes and unread counters.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Draft is a message before it has a durable id.
type Draft struct {
	// Conversation as seen by the author.
	Conversation protocol.Conversation
	AuthorID     uint
	Text         string
	FileID       *uint
	ClientID     string
}

// fileColumns leaves the blob out of message preloads.
func fileColumns(db *gorm.DB) *gorm.DB {
	return db.Select("id", "created_at", "updated_at", "deleted_at", "owner_id", "name", "mime", "size")
}

// Append persists the draft with the next sequence number of its conversation.
// A draft whose client id the author already used in the conversation is not
// stored again: the earlier message is returned and created is false.
func (s *Store) Append(ctx context.Context, d Draft) (_ protocol.Message, created bool, err error) {
	if err := d.Conversation.Validate(); err != nil {
		return protocol.Message{}, false, err
	}

	msg := model.Message{
		ConversationKey: d.Conversation.Key(d.AuthorID),
		AuthorID:        d.AuthorID,
		Text:            d.Text,
		FileID:          d.FileID,
		ClientID:        d.ClientID,
	}
	if d.Conversation.IsRoom() {
		id := d.Conversation.RoomID
		msg.RoomID = &id
	} else {
		id := d.Conversation.UserID
		msg.RecipientID = &id
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.ClientID != "" {
			existing, found, err := byClientID(tx, msg.ConversationKey, msg.AuthorID, msg.ClientID)
			if err != nil {
				return err
			}
			if found {
				msg = existing
				return nil
			}
		}

		seq, err := nextSeq(tx, msg.ConversationKey)
		if err != nil {
			return err
		}
		msg.Seq = seq

		if err := tx.Omit(clause.Associations).Create(&msg).Error; err != nil {
			return err
		}
		created = true
		return tx.Preload("Author").Preload("File", fileColumns).First(&msg, msg.ID).Error
	})
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("append message to %s: %w", msg.ConversationKey, err)
	}
	return messageView(msg, 0, false), created, nil
}

// ByClientID finds the message the author sent to conv under clientID.
func (s *Store) ByClientID(ctx context.Context, conv protocol.Conversation, author uint, clientID string) (protocol.Message, bool, error) {
	if clientID == "" {
		return protocol.Message{}, false, nil
	}
	m, found, err := byClientID(s.db.WithContext(ctx), conv.Key(author), author, clientID)
	if err != nil || !found {
		return protocol.Message{}, false, err
	}
	return messageView(m, 0, false), true, nil
}

func byClientID(db *gorm.DB, key string, author uint, clientID string) (model.Message, bool, error) {
	var m model.Message
	err := db.Preload("Author").Preload("File", fileColumns).
		Where("conversation_key = ? AND author_id = ? AND client_id = ?", key, author, clientID).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("find message %s: %w", clientID, err)
	}
	return m, true, nil
}

// nextSeq bumps the conversation counter. The row lock held until commit
// orders concurrent appenders to the same conversation.
func nextSeq(tx *gorm.DB, key string) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ConversationSequence{ConversationKey: key}).Error; err != nil {
		return 0, err
	}

	if err := tx.Model(&model.ConversationSequence{}).
		Where("conversation_key = ?", key).
		UpdateColumn("last_seq", gorm.Expr("last_seq + ?", 1)).Error; err != nil {
		return 0, err
	}

	var seq model.ConversationSequence
	if err := tx.Where("conversation_key = ?", key).Take(&seq).Error; err != nil {
		return 0, err
	}
	return seq.LastSeq, nil
}

// List returns one page of the conversation, oldest first. An empty token
// starts at the newest message, NextPageToken walks back in time.
func (s *Store) List(ctx context.Context, conv protocol.Conversation, viewer uint, pageToken string, limit int) (protocol.MessagePage, error) {
	if err := conv.Validate(); err != nil {
		return protocol.MessagePage{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	q := s.db.WithContext(ctx).Where("conversation_key = ?", conv.Key(viewer))
	if pageToken != "" {
		before, err := decodePageToken(pageToken)
		if err != nil {
			return protocol.MessagePage{}, err
		}
		q = q.Where("seq < ?", before)
	}

	var rows []model.Message
	if err := q.Preload("Author").
		Preload("File", fileColumns).
		Order("seq DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return protocol.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	page := protocol.MessagePage{Messages: make([]protocol.Message, 0, len(rows))}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	if len(rows) == 0 {
		return page, nil
	}

	ids := make([]uint, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	counts, mine, err := s.likesFor(ctx, ids, viewer)
	if err != nil {
		return protocol.MessagePage{}, err
	}

	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		page.Messages = append(page.Messages, messageView(m, counts[m.ID], mine[m.ID]))
	}
	if page.HasMore {
		page.NextPageToken = encodePageToken(page.Messages[0].Seq)
	}
	return page, nil
}

func encodePageToken(beforeSeq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(beforeSeq, 10)))
}

func decodePageToken(token string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrInvalidPageToken
	}
	n, ok := strings.CutPrefix(string(raw), "seq:")
	if !ok {
		return 0, ErrInvalidPageToken
	}
	seq, err := strconv.ParseInt(n, 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidPageToken
	}
	return seq, nil
}

func (s *Store) likesFor(ctx context.Context, ids []uint, viewer uint) (map[uint]int, map[uint]bool, error) {
	var counts []struct {
		MessageID uint
		Count     int
	}
	if err := s.db.WithContext(ctx).
		Model(&model.MessageLike{}).
		Select("message_id, count(*) AS count").
		Where("message_id IN ?", ids).
		Group("message_id").
		Scan(&counts).Error; err != nil {
		return nil, nil, fmt.Errorf("count likes: %w", err)
	}

	var liked []uint
	if err := s.db.WithContext(ctx).
		Model(&model.MessageLike{}).
		Where("message_id IN ? AND user_id = ?", ids, viewer).
		Pluck("message_id", &liked).Error; err != nil {
		return nil, nil, fmt.Errorf("viewer likes: %w", err)
	}

	byID := make(map[uint]int, len(counts))
	for _, c := range counts {
		byID[c.MessageID] = c.Count
	}
	mine := make(map[uint]bool, len(liked))
	for _, id := range liked {
		mine[id] = true
	}
	return byID, mine, nil
}

// Message loads the stored record without preloads.
func (s *Store) Message(ctx context.Context, id uint) (model.Message, error) {
	var m model.Message
	err := s.db.WithContext(ctx).Take(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, ErrMessageNotFound
	}
	return m, err
}

// Like records the (message, liker) membership. Liking twice is a no-op.
func (s *Store) Like(ctx context.Context, messageID, userID uint) (protocol.Likes, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MessageLike{MessageID: messageID, UserID: userID}).Error
	if err != nil {
		return protocol.Likes{}, fmt.Errorf("like message %d: %w", messageID, err)
	}
	return s.likes(ctx, messageID, userID)
}

func (s *Store) Unlike(ctx context.Context, messageID, userID uint) (protocol.Likes, error) {
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Delete(&model.MessageLike{}).Error
	if err != nil {
		return protocol.Likes{}, fmt.Errorf("unlike message %d: %w", messageID, err)
	}
	return s.likes(ctx, messageID, userID)
}

func (s *Store) likes(ctx context.Context, messageID, viewer uint) (protocol.Likes, error) {
	counts, mine, err := s.likesFor(ctx, []uint{messageID}, viewer)
	if err != nil {
		return protocol.Likes{}, err
	}
	return protocol.Likes{
		MessageID: messageID,
		Likes:     counts[messageID],
		Liked:     mine[messageID],
	}, nil
}

// IncrementUnread adds one to the viewer's counter and returns the new value.
func (s *Store) IncrementUnread(ctx context.Context, viewer uint, key string) (int, error) {
	var counter model.UnreadCounter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"unread": gorm.Expr("unread_counters.unread + ?", 1),
			}),
		}).Create(&model.UnreadCounter{UserID: viewer, ConversationKey: key, Unread: 1}).Error
		if err != nil {
			return err
		}
		return tx.Where("user_id = ? AND conversation_key = ?", viewer, key).Take(&counter).Error
	})
	if err != nil {
		return 0, fmt.Errorf("increment unread %s for %d: %w", key, viewer, err)
	}
	return counter.Unread, nil
}

// MarkRead zeroes the viewer's counter. Message rows are untouched.
func (s *Store) MarkRead(ctx context.Context, conv protocol.Conversation, viewer uint) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Model(&model.UnreadCounter{}).
		Where("user_id = ? AND conversation_key = ?", viewer, conv.Key(viewer)).
		Update("unread", 0).Error
	if err != nil {
		return fmt.Errorf("mark %s read: %w", conv, err)
	}
	return nil
}

// Unread returns every non-zero counter of the viewer keyed by conversation key.
func (s *Store) Unread(ctx context.Context, viewer uint) (map[string]int, error) {
	var rows []model.UnreadCounter
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND unread > 0", viewer).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load unread counters: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ConversationKey] = r.Unread
	}
	return out, nil
}

func (s *Store) SaveFile(ctx context.Context, f *model.File) error {
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("save file %s: %w", f.Name, err)
	}
	return nil
}

// File loads the attachment including its bytes.
func (s *Store) File(ctx context.Context, id uint) (model.File, error) {
	var f model.File
	err := s.db.WithContext(ctx).Take(&f, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return f, ErrFileNotFound
	}
	return f, err
}

// FileMessages lists the messages carrying the file, without text or preloads.
func (s *Store) FileMessages(ctx context.Context, fileID uint) ([]model.Message, error) {
	var rows []model.Message
	err := s.db.WithContext(ctx).
		Select("id", "conversation_key", "room_id", "recipient_id", "author_id").
		Where("file_id = ?", fileID).
		Find(&rows).Error
	return rows, err
}

// IsAvatar reports whether some user shows the file as their avatar.
func (s *Store) IsAvatar(ctx context.Context, fileID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("avatar_id = ?", fileID).
		Count(&n).Error
	return n > 0, err
}
