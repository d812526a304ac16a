package socket

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fuelq-chat/event"
	"fuelq-chat/protocol"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	fail    bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...), c.closed
}

func testHub(queue int) *Hub {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewHub(queue, l.WithField("component", "hub"))
}

func delivery(t *testing.T, f protocol.Frame, to ...uint) event.Delivery {
	d, err := event.NewDelivery(f, to...)
	require.NoError(t, err)
	return d
}

func TestHub_DeliversToAuthenticatedPeersOnly(t *testing.T) {
	hub := testHub(4)
	tab1 := hub.Add(&fakeConn{})
	tab2 := hub.Add(&fakeConn{})
	anon := hub.Add(&fakeConn{})
	other := hub.Add(&fakeConn{})

	require.NoError(t, hub.Authenticate(tab1, 1))
	require.NoError(t, hub.Authenticate(tab2, 1))
	require.NoError(t, hub.Authenticate(other, 2))
	assert.Equal(t, 4, hub.Count())
	assert.Equal(t, 2, hub.Users())

	hub.Deliver(delivery(t, protocol.UserOnline{UserID: 9}, 1))

	assert.Len(t, tab1.send, 1)
	assert.Len(t, tab2.send, 1)
	assert.Empty(t, anon.send)
	assert.Empty(t, other.send)
}

func TestHub_AuthenticateOnce(t *testing.T) {
	hub := testHub(4)
	p := hub.Add(&fakeConn{})
	require.NoError(t, hub.Authenticate(p, 1))
	assert.ErrorIs(t, hub.Authenticate(p, 2), ErrAlreadyAuthenticated)
	assert.Equal(t, uint(1), p.UserID())

	assert.Equal(t, uint(1), hub.Remove(p))
	assert.Zero(t, hub.Remove(p), "second remove is a no-op")
	assert.ErrorIs(t, hub.Authenticate(p, 1), ErrPeerClosed)
	assert.Zero(t, hub.Users())
}

func TestHub_EvictsSlowConsumer(t *testing.T) {
	hub := testHub(1)
	slow := hub.Add(&fakeConn{})
	fast := hub.Add(&fakeConn{})
	require.NoError(t, hub.Authenticate(slow, 1))
	require.NoError(t, hub.Authenticate(fast, 2))

	hub.Deliver(delivery(t, protocol.UserOnline{UserID: 3}, 1))
	assert.False(t, slow.Closed())

	go fast.WritePump()
	hub.Deliver(delivery(t, protocol.UserOnline{UserID: 4}, 1, 2))
	assert.True(t, slow.Closed(), "queue was full")
	assert.False(t, fast.Closed())
	assert.False(t, slow.Send([]byte("late")))
}

func TestPeer_WritePump(t *testing.T) {
	hub := testHub(4)
	conn := &fakeConn{}
	p := hub.Add(conn)
	done := make(chan struct{})
	go func() {
		p.WritePump()
		close(done)
	}()

	require.NoError(t, hub.SendTo(p, protocol.Pong{}))
	assert.Eventually(t, func() bool {
		written, _ := conn.snapshot()
		return len(written) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Remove(p)
	<-done
	written, closed := conn.snapshot()
	assert.True(t, closed)
	assert.JSONEq(t, `{"type":"pong"}`, string(written[0]))
	assert.ErrorIs(t, hub.SendTo(p, protocol.Pong{}), ErrPeerClosed)
}

func TestPeer_WriteFailureClosesPeer(t *testing.T) {
	hub := testHub(4)
	conn := &fakeConn{fail: true}
	p := hub.Add(conn)
	require.True(t, p.Send([]byte(`{"type":"pong"}`)))

	p.WritePump()
	_, closed := conn.snapshot()
	assert.True(t, closed)
	assert.True(t, p.Closed())
}

func TestHub_CloseClosesAllPeers(t *testing.T) {
	hub := testHub(4)
	a := hub.Add(&fakeConn{})
	b := hub.Add(&fakeConn{})
	require.NoError(t, hub.Close())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}
