package chat

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"fuelq-chat/database"
	"fuelq-chat/event"
	"fuelq-chat/model"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingBus keeps every delivery for later inspection.
type recordingBus struct {
	mu         sync.Mutex
	deliveries []event.Delivery
}

func (b *recordingBus) Publish(_ context.Context, d event.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, d)
	return nil
}

func (b *recordingBus) Subscribe(event.Handler) {}
func (b *recordingBus) Close() error           { return nil }

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = nil
}

type pushed struct {
	to    []uint
	frame protocol.Frame
}

// frames decodes the recorded deliveries of the given type.
func (b *recordingBus) frames(t testing.TB, typ protocol.FrameType) []pushed {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []pushed
	for _, d := range b.deliveries {
		if d.Action != typ {
			continue
		}
		f, err := protocol.DecodeServer(d.Frame)
		require.NoError(t, err)
		out = append(out, pushed{to: d.To, frame: f})
	}
	return out
}

// to returns the frames of type typ addressed to user.
func (b *recordingBus) to(t testing.TB, typ protocol.FrameType, user uint) []protocol.Frame {
	var out []protocol.Frame
	for _, p := range b.frames(t, typ) {
		if slices.Contains(p.to, user) {
			out = append(out, p.frame)
		}
	}
	return out
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

func openTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := database.SQLiteConnect(dsn, quietLog())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func createUser(t testing.TB, db *gorm.DB, username string) model.User {
	t.Helper()
	u := model.User{Username: username, Email: username + "@fuelq.test", Password: "x", Role: "user"}
	require.NoError(t, db.Create(&u).Error)
	return u
}
