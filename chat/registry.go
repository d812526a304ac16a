package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"fuelq-chat/event"
	"fuelq-chat/model"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry owns rooms, memberships, contacts and connection requests.
type Registry struct {
	db  *gorm.DB
	bus event.Bus
	log *logrus.Entry
}

func NewRegistry(db *gorm.DB, bus event.Bus, log *logrus.Entry) *Registry {
	return &Registry{db: db, bus: bus, log: log}
}

func (r *Registry) User(ctx context.Context, id uint) (model.User, error) {
	var u model.User
	err := r.db.WithContext(ctx).Take(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return u, ErrUserNotFound
	}
	return u, err
}

// SetAvatar stores the image and points the user's profile at it.
func (r *Registry) SetAvatar(ctx context.Context, user uint, f *model.File) (model.User, error) {
	var u model.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&u, user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		f.OwnerID = user
		if err := tx.Create(f).Error; err != nil {
			return err
		}
		u.AvatarID = &f.ID
		return tx.Model(&u).Update("avatar_id", f.ID).Error
	})
	if err != nil {
		return model.User{}, fmt.Errorf("set avatar: %w", err)
	}
	return u, nil
}

func (r *Registry) room(ctx context.Context, id uint) (model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).Take(&room, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room, ErrRoomNotFound
	}
	return room, err
}

func (r *Registry) CreateRoom(ctx context.Context, creator uint, req protocol.CreateRoomRequest) (protocol.Room, error) {
	if err := protocol.Check(&req); err != nil {
		return protocol.Room{}, err
	}

	room := model.Room{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		IsPrivate:   req.IsPrivate,
		CreatorID:   creator,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&model.RoomMember{RoomID: room.ID, UserID: creator, JoinedAt: time.Now()}).Error
	})
	if err != nil {
		return protocol.Room{}, fmt.Errorf("create room: %w", err)
	}

	view := roomView(room, 1, true)
	r.publish(ctx, protocol.RoomUpdated{Room: view, Event: protocol.RoomCreated, UserID: creator}, creator)
	return view, nil
}

// Room returns the room as seen by viewer. Private rooms are hidden from non-members.
func (r *Registry) Room(ctx context.Context, id, viewer uint) (protocol.Room, error) {
	room, err := r.room(ctx, id)
	if err != nil {
		return protocol.Room{}, err
	}
	views, err := r.roomViews(ctx, []model.Room{room}, viewer)
	if err != nil {
		return protocol.Room{}, err
	}
	if room.IsPrivate && !views[0].Joined {
		return protocol.Room{}, ErrRoomNotFound
	}
	return views[0], nil
}

// Rooms lists public rooms and the private rooms viewer belongs to.
func (r *Registry) Rooms(ctx context.Context, viewer uint) ([]protocol.Room, error) {
	var rooms []model.Room
	err := r.db.WithContext(ctx).
		Where("is_private = ? OR id IN (?)", false,
			r.db.Model(&model.RoomMember{}).Select("room_id").Where("user_id = ?", viewer)).
		Order("id ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return r.roomViews(ctx, rooms, viewer)
}

// AllRooms ignores privacy, for administrators.
func (r *Registry) AllRooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []model.Room
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return r.roomViews(ctx, rooms, 0)
}

func (r *Registry) roomViews(ctx context.Context, rooms []model.Room, viewer uint) ([]protocol.Room, error) {
	out := make([]protocol.Room, 0, len(rooms))
	if len(rooms) == 0 {
		return out, nil
	}
	ids := make([]uint, len(rooms))
	for i, room := range rooms {
		ids[i] = room.ID
	}

	var counts []struct {
		RoomID uint
		Count  int
	}
	if err := r.db.WithContext(ctx).
		Model(&model.RoomMember{}).
		Select("room_id, count(*) AS count").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}
	var joined []uint
	if err := r.db.WithContext(ctx).
		Model(&model.RoomMember{}).
		Where("room_id IN ? AND user_id = ?", ids, viewer).
		Pluck("room_id", &joined).Error; err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	members := make(map[uint]int, len(counts))
	for _, c := range counts {
		members[c.RoomID] = c.Count
	}
	for _, room := range rooms {
		out = append(out, roomView(room, members[room.ID], slices.Contains(joined, room.ID)))
	}
	return out, nil
}

// Join adds viewer to a public room. Joining twice changes nothing.
func (r *Registry) Join(ctx context.Context, roomID, user uint) (protocol.Room, error) {
	room, err := r.room(ctx, roomID)
	if err != nil {
		return protocol.Room{}, err
	}
	member, err := r.IsMember(ctx, roomID, user)
	if err != nil {
		return protocol.Room{}, err
	}
	if !member {
		if room.IsPrivate {
			return protocol.Room{}, ErrPrivateRoom
		}
		if err := r.addMember(ctx, roomID, user, protocol.RoomJoined); err != nil {
			return protocol.Room{}, err
		}
	}
	return r.Room(ctx, roomID, user)
}

// AddMember lets an existing member bring another user in, private rooms included.
func (r *Registry) AddMember(ctx context.Context, roomID, actor, user uint) (protocol.Room, error) {
	if _, err := r.room(ctx, roomID); err != nil {
		return protocol.Room{}, err
	}
	ok, err := r.IsMember(ctx, roomID, actor)
	if err != nil {
		return protocol.Room{}, err
	}
	if !ok {
		return protocol.Room{}, ErrNotParticipant
	}
	if _, err := r.User(ctx, user); err != nil {
		return protocol.Room{}, err
	}
	if err := r.addMember(ctx, roomID, user, protocol.RoomMemberAdded); err != nil {
		return protocol.Room{}, err
	}
	return r.Room(ctx, roomID, actor)
}

func (r *Registry) addMember(ctx context.Context, roomID, user uint, reason string) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RoomMember{RoomID: roomID, UserID: user, JoinedAt: time.Now()})
	if res.Error != nil {
		return fmt.Errorf("add member %d to room %d: %w", user, roomID, res.Error)
	}
	if res.RowsAffected > 0 {
		r.roomChanged(ctx, roomID, user, reason, nil)
	}
	return nil
}

// Leave removes user from the room. Leaving a room twice changes nothing.
func (r *Registry) Leave(ctx context.Context, roomID, user uint) error {
	if _, err := r.room(ctx, roomID); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, user).
		Delete(&model.RoomMember{})
	if res.Error != nil {
		return fmt.Errorf("leave room %d: %w", roomID, res.Error)
	}
	if res.RowsAffected > 0 {
		r.roomChanged(ctx, roomID, user, protocol.RoomLeft, []uint{user})
	}
	return nil
}

// roomChanged pushes room_updated to current members plus extra.
func (r *Registry) roomChanged(ctx context.Context, roomID, user uint, reason string, extra []uint) {
	room, err := r.room(ctx, roomID)
	if err != nil {
		r.log.WithError(err).WithField("room", roomID).Warn("room update not pushed")
		return
	}
	members, err := r.Members(ctx, roomID)
	if err != nil {
		r.log.WithError(err).WithField("room", roomID).Warn("room update not pushed")
		return
	}
	view := roomView(room, len(members), false)
	r.publish(ctx, protocol.RoomUpdated{Room: view, Event: reason, UserID: user}, append(members, extra...)...)
}

func (r *Registry) IsMember(ctx context.Context, roomID, user uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, user).
		Count(&n).Error
	return n > 0, err
}

func (r *Registry) Members(ctx context.Context, roomID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&model.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// Participants is the room membership or exactly the two direct parties.
func (r *Registry) Participants(ctx context.Context, conv protocol.Conversation, self uint) ([]uint, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if conv.IsDirect() {
		return []uint{self, conv.UserID}, nil
	}
	if _, err := r.room(ctx, conv.RoomID); err != nil {
		return nil, err
	}
	return r.Members(ctx, conv.RoomID)
}

// Authorize checks that user may read and write the conversation.
func (r *Registry) Authorize(ctx context.Context, conv protocol.Conversation, user uint) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.IsRoom() {
		if _, err := r.room(ctx, conv.RoomID); err != nil {
			return err
		}
		ok, err := r.IsMember(ctx, conv.RoomID, user)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotParticipant
		}
		return nil
	}

	if conv.UserID == user {
		return ErrInvalidConversation
	}
	if _, err := r.User(ctx, conv.UserID); err != nil {
		return err
	}
	ok, err := r.Connected(ctx, user, conv.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

func contactPair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}

func (r *Registry) Connected(ctx context.Context, a, b uint) (bool, error) {
	lo, hi := contactPair(a, b)
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("user_id = ? AND peer_id = ?", lo, hi).
		Count(&n).Error
	return n > 0, err
}

func (r *Registry) Contacts(ctx context.Context, user uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Raw("SELECT peer_id FROM contacts WHERE user_id = ? UNION SELECT user_id FROM contacts WHERE peer_id = ?", user, user).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Watchers are the users who can see user's presence: contacts and room co-members.
func (r *Registry) Watchers(ctx context.Context, user uint) ([]uint, error) {
	contacts, err := r.Contacts(ctx, user)
	if err != nil {
		return nil, err
	}
	var peers []uint
	err = r.db.WithContext(ctx).
		Raw(`SELECT DISTINCT b.user_id FROM room_members a
			JOIN room_members b ON a.room_id = b.room_id
			WHERE a.user_id = ? AND b.user_id <> ?`, user, user).
		Scan(&peers).Error
	if err != nil {
		return nil, fmt.Errorf("load room peers: %w", err)
	}

	out := append(contacts, peers...)
	slices.Sort(out)
	return slices.Compact(out), nil
}

// RequestConnection proposes a direct conversation. A second identical
// pending request returns the first one.
func (r *Registry) RequestConnection(ctx context.Context, from, to uint) (protocol.ConnectionRequest, error) {
	if from == to {
		return protocol.ConnectionRequest{}, ErrSelfRequest
	}
	if _, err := r.User(ctx, to); err != nil {
		return protocol.ConnectionRequest{}, err
	}
	connected, err := r.Connected(ctx, from, to)
	if err != nil {
		return protocol.ConnectionRequest{}, err
	}
	if connected {
		return protocol.ConnectionRequest{}, ErrAlreadyConnected
	}

	var req model.ConnectionRequest
	err = r.db.WithContext(ctx).
		Where("from_id = ? AND to_id = ?", from, to).
		Preload("From").Preload("To").
		Take(&req).Error
	if err == nil {
		return requestView(req), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.ConnectionRequest{}, err
	}

	req = model.ConnectionRequest{FromID: from, ToID: to}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&req).Error; err != nil {
		return protocol.ConnectionRequest{}, fmt.Errorf("create connection request: %w", err)
	}
	if err := r.db.WithContext(ctx).Preload("From").Preload("To").Take(&req, req.ID).Error; err != nil {
		return protocol.ConnectionRequest{}, err
	}

	view := requestView(req)
	r.publish(ctx, protocol.ConnectionRequestUpdate{Request: view, Status: protocol.RequestPending}, to)
	return view, nil
}

func (r *Registry) PendingRequests(ctx context.Context, user uint) ([]protocol.ConnectionRequest, error) {
	var rows []model.ConnectionRequest
	if err := r.db.WithContext(ctx).
		Where("to_id = ?", user).
		Preload("From").Preload("To").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load connection requests: %w", err)
	}
	out := make([]protocol.ConnectionRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, requestView(row))
	}
	return out, nil
}

// AcceptRequest creates the contact pair and destroys the request.
func (r *Registry) AcceptRequest(ctx context.Context, requestID, user uint) (protocol.ConnectionRequest, error) {
	return r.resolve(ctx, requestID, user, protocol.RequestAccepted)
}

// DeclineRequest discards the request.
func (r *Registry) DeclineRequest(ctx context.Context, requestID, user uint) (protocol.ConnectionRequest, error) {
	return r.resolve(ctx, requestID, user, protocol.RequestDeclined)
}

func (r *Registry) resolve(ctx context.Context, requestID, user uint, status string) (protocol.ConnectionRequest, error) {
	var req model.ConnectionRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND to_id = ?", requestID, user).
			Preload("From").Preload("To").
			Take(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}

		if status == protocol.RequestAccepted {
			lo, hi := contactPair(req.FromID, req.ToID)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.Contact{UserID: lo, PeerID: hi}).Error; err != nil {
				return err
			}
		}
		// Requests in the opposite direction are settled by the same answer.
		return tx.Unscoped().
			Where("(from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)", req.FromID, req.ToID, req.ToID, req.FromID).
			Delete(&model.ConnectionRequest{}).Error
	})
	if err != nil {
		return protocol.ConnectionRequest{}, err
	}

	view := requestView(req)
	r.publish(ctx, protocol.ConnectionRequestUpdate{Request: view, Status: status}, req.FromID, req.ToID)
	return view, nil
}

func (r *Registry) publish(ctx context.Context, f protocol.Frame, to ...uint) {
	if err := event.Publish(ctx, r.bus, f, to...); err != nil {
		r.log.WithError(err).WithField("action", f.FrameType()).Warn("push failed")
	}
}
