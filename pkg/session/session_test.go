package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/wire"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.BinaryMessage, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) framesOf(kind wire.Kind) [][]byte {
	var out [][]byte
	for _, f := range c.frames() {
		if k, payload, err := wire.Decode(f); err == nil && k == kind {
			out = append(out, payload)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	s, err := New(Config{URL: "ws://relay.test", Room: "r1", ClientID: "me", Name: "Me", Color: "#123456"},
		append([]Option{WithDialer(d)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func waitOpen(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
}

func TestOpenAnnouncesPresenceThenFullState(t *testing.T) {
	s, d := newTestSession(t)
	require.NoError(t, s.CreateObject(board.Object{ID: "s1", Type: board.TypeSticky, X: 1}))
	s.Start()
	waitOpen(t, s)
	assert.Equal(t, []string{"ws://relay.test/r1"}, d.urls)

	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.frames()) >= 2 }, time.Second, 5*time.Millisecond)
	frames := conn.frames()

	kind, payload, err := wire.Decode(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.KindPresence, kind)
	p, err := wire.DecodePresence(payload)
	require.NoError(t, err)
	assert.Equal(t, "me", p.ClientID)
	assert.Equal(t, "Me", p.Name)

	kind, payload, err = wire.Decode(frames[1])
	require.NoError(t, err)
	require.Equal(t, wire.KindDocument, kind)
	peer, err := store.New()
	require.NoError(t, err)
	require.NoError(t, peer.ApplyRemote(payload))
	assert.Equal(t, s.Objects(), peer.AllObjects())
}

func TestLocalEditsAreSentWhileOpen(t *testing.T) {
	s, d := newTestSession(t)
	s.Start()
	waitOpen(t, s)
	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindDocument)) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.CreateObject(board.Object{ID: "s1", Type: board.TypeSticky, X: 100, Y: 100}))
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindDocument)) == 2 }, time.Second, 5*time.Millisecond)

	peer, err := store.New()
	require.NoError(t, err)
	for _, payload := range conn.framesOf(wire.KindDocument) {
		require.NoError(t, peer.ApplyRemote(payload))
	}
	assert.Equal(t, s.Objects(), peer.AllObjects())

	ok, err := s.UpdateObject("missing", board.Patch{X: board.Float(1)})
	require.NoError(t, err)
	assert.False(t, ok)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.framesOf(wire.KindDocument), 2)
}

func TestRemoteDeltaIsNotEchoed(t *testing.T) {
	s, d := newTestSession(t)
	s.Start()
	waitOpen(t, s)
	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindDocument)) == 1 }, time.Second, 5*time.Millisecond)

	other, err := store.New()
	require.NoError(t, err)
	require.NoError(t, other.Create(board.Object{ID: "theirs", Type: board.TypeRect}))
	theirs := other.LocalDelta()
	conn.inbound <- wire.Encode(wire.KindDocument, theirs)

	require.Eventually(t, func() bool { return len(s.Objects()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.framesOf(wire.KindDocument), 1)

	// the next local edit carries only the local change
	require.NoError(t, s.CreateObject(board.Object{ID: "mine", Type: board.TypeRect}))
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindDocument)) == 2 }, time.Second, 5*time.Millisecond)
	fresh, err := store.New()
	require.NoError(t, err)
	require.NoError(t, fresh.ApplyRemote(conn.framesOf(wire.KindDocument)[1]))
	// mine was made on top of theirs, so it waits for it
	assert.Empty(t, fresh.AllObjects())
	assert.Equal(t, 1, fresh.Pending())
	require.NoError(t, fresh.ApplyRemote(theirs))
	assert.Zero(t, fresh.Pending())
	assert.Equal(t, s.Objects(), fresh.AllObjects())
}

func TestDeltaAheadOfItsParentIsHeld(t *testing.T) {
	s, d := newTestSession(t)
	s.Start()
	waitOpen(t, s)
	conn := d.last()

	other, err := store.New()
	require.NoError(t, err)
	require.NoError(t, other.Create(board.Object{ID: "first", Type: board.TypeSticky}))
	parent := other.LocalDelta()
	_, err = other.Update("first", board.Patch{Text: board.String("edited")})
	require.NoError(t, err)
	require.NoError(t, other.Create(board.Object{ID: "second", Type: board.TypeSticky}))
	child := other.LocalDelta()

	conn.inbound <- wire.Encode(wire.KindDocument, child)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Objects())
	conn.inbound <- wire.Encode(wire.KindDocument, parent)

	require.Eventually(t, func() bool { return len(s.Objects()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, other.AllObjects(), s.Objects())
	assert.True(t, s.Connected())
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	s, d := newTestSession(t)
	s.Start()
	waitOpen(t, s)
	conn := d.last()

	conn.inbound <- []byte{0x00}
	conn.inbound <- []byte{0x07, 0x01}
	conn.inbound <- []byte{0x00, 0xde, 0xad}
	conn.inbound <- append([]byte{0x01}, []byte(`{"clientId":`)...)
	valid, err := wire.EncodePresence(wire.Presence{ClientID: "peer", Name: "Peer", Cursor: &wire.Cursor{X: 3, Y: 4}})
	require.NoError(t, err)
	conn.inbound <- valid

	require.Eventually(t, func() bool {
		p, ok := s.Presence()["peer"]
		return ok && p.Cursor != nil && p.Cursor.X == 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Connected())
	assert.Equal(t, 1, d.dials())
}

func TestLocalEditsWhileClosedAreDropped(t *testing.T) {
	s, d := newTestSession(t)
	require.NoError(t, s.CreateObject(board.Object{ID: "offline", Type: board.TypeSticky}))
	assert.Equal(t, 0, d.dials())
	assert.Equal(t, StateConnecting, s.State())
	assert.Len(t, s.Objects(), 1)
}

func TestReconnectAfterFixedDelay(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s, d := newTestSession(t, WithClock(clk))

	var mu sync.Mutex
	var statuses []bool
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, snap.Connected)
	})

	s.Start()
	waitOpen(t, s)
	first := d.last()
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)

	ok, err := s.UpdateObject("none", board.Patch{})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.CreateObject(board.Object{ID: "while-away", Type: board.TypeSticky}))

	clk.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return d.dials() == 2 }, time.Second, 5*time.Millisecond)
	waitOpen(t, s)

	second := d.last()
	require.Eventually(t, func() bool { return len(second.framesOf(wire.KindDocument)) == 1 }, time.Second, 5*time.Millisecond)
	peer, err := store.New()
	require.NoError(t, err)
	require.NoError(t, peer.ApplyRemote(second.framesOf(wire.KindDocument)[0]))
	objs := peer.AllObjects()
	require.Len(t, objs, 1)
	assert.Equal(t, "while-away", objs[0].ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statuses[len(statuses)-1]
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses[1:], false)
}

func TestDialFailureRetries(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s, d := newTestSession(t, WithClock(clk))
	d.setFail(true)
	s.Start()
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)

	d.setFail(false)
	clk.Advance(time.Second)
	waitOpen(t, s)
	assert.Equal(t, 2, d.dials())
}

func TestBackOffStopLeavesSessionClosed(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s, d := newTestSession(t, WithClock(clk), WithBackOff(&backoff.StopBackOff{}))
	d.setFail(true)
	s.Start()
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestCloseCancelsReconnect(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s, d := newTestSession(t, WithClock(clk))
	s.Start()
	waitOpen(t, s)
	require.NoError(t, d.last().Close())
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisposed, s.State())

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())

	assert.ErrorIs(t, s.CreateObject(board.Object{ID: "x", Type: board.TypeRect}), ErrDisposed)
	_, err := s.UpdateObject("x", board.Patch{})
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = s.DeleteObject("x")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestCloseWhileOpenClosesTransport(t *testing.T) {
	s, d := newTestSession(t)
	s.Start()
	waitOpen(t, s)
	require.NoError(t, s.Close())

	select {
	case <-d.last().closed:
	case <-time.After(time.Second):
		t.Fatal("transport was not closed")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.False(t, s.Connected())
}

func TestCloseBeforeStart(t *testing.T) {
	s, d := newTestSession(t)
	require.NoError(t, s.Close())
	s.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.dials())
}

func TestSetCursorIsThrottled(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s, d := newTestSession(t, WithClock(clk))
	s.Start()
	waitOpen(t, s)
	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindPresence)) == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 100; i++ {
		s.SetCursor(float64(i), float64(i))
	}
	clk.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(conn.framesOf(wire.KindPresence)) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	frames := conn.framesOf(wire.KindPresence)
	require.Len(t, frames, 2)
	p, err := wire.DecodePresence(frames[1])
	require.NoError(t, err)
	assert.Equal(t, &wire.Cursor{X: 99, Y: 99}, p.Cursor)
}

func TestSubscribeDeliversCurrentSnapshot(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.CreateObject(board.Object{ID: "a", Type: board.TypeCircle}))

	var got []Snapshot
	stop := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })
	require.Len(t, got, 1)
	assert.Len(t, got[0].Objects, 1)
	assert.False(t, got[0].Connected)

	require.NoError(t, s.CreateObject(board.Object{ID: "b", Type: board.TypeCircle}))
	require.Len(t, got, 2)
	assert.Len(t, got[1].Objects, 2)

	stop()
	require.NoError(t, s.CreateObject(board.Object{ID: "c", Type: board.TypeCircle}))
	assert.Len(t, got, 2)
}

func TestObjectLimitIsSurfaced(t *testing.T) {
	d := &fakeDialer{}
	s, err := New(Config{URL: "ws://relay.test", Room: "r1", MaxObjects: 1}, WithDialer(d))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateObject(board.Object{ID: "a", Type: board.TypeCircle}))
	assert.ErrorIs(t, s.CreateObject(board.Object{ID: "b", Type: board.TypeCircle}), store.ErrObjectLimit)
}

func TestNewRequiresRoom(t *testing.T) {
	_, err := New(Config{URL: "ws://relay.test"})
	assert.Error(t, err)
}
