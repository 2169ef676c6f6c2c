// Package session is the client side of a board: one local replica kept in sync with a relay room over a
// websocket, plus the presence channel for the same connection. The session reconnects on its own and
// resends its full document every time a connection opens, so edits made while offline are never lost.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/presence"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/wire"
)

var ErrDisposed = errors.New("session closed")

type State int

const (
	StateConnecting State = iota
	StateOpen
	// StateClosed means the connection dropped and a reconnect is pending.
	StateClosed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// URL is the relay base address, for example ws://127.0.0.1:8080. The room is appended as a path.
	URL  string
	Room string
	// ClientID identifies this participant in presence. A random id is used when empty.
	ClientID string
	Name     string
	Color    string
	// ReconnectDelay is the fixed wait before redialing. Ignored when a BackOff is supplied.
	ReconnectDelay time.Duration
	// QueueSize bounds outbound frames waiting on the network.
	QueueSize  int
	MaxObjects int
	Presence   presence.Config
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 1000 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Snapshot is what subscribers see: the converged objects, the remote participants and the link status.
type Snapshot struct {
	Objects   []board.Object
	Presence  map[string]presence.State
	Connected bool
}

type Option func(*Session)

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithBackOff replaces the fixed reconnect delay. Returning backoff.Stop leaves the session closed.
func WithBackOff(b backoff.BackOff) Option {
	return func(s *Session) { s.backoff = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

type Session struct {
	cfg     Config
	target  string
	dialer  Dialer
	clock   clock.Clock
	backoff backoff.BackOff
	logger  *slog.Logger

	replica  *store.Replica
	presence *presence.Channel
	stopObs  []func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	started   bool
	conn      *connection
	reconnect clock.Timer
	subs      map[int]func(Snapshot)
	nextSub   int
}

func New(cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Room == "" {
		return nil, fmt.Errorf("room is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		target: base.JoinPath(cfg.Room).String(),
		dialer: WebsocketDialer{},
		clock:  clock.WallClock,
		logger: slog.Default(),
		subs:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff == nil {
		s.backoff = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	s.logger = s.logger.With("room", cfg.Room, "client", cfg.ClientID)

	s.replica, err = store.New(store.WithMaxObjects(cfg.MaxObjects), store.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", err)
	}
	s.presence = presence.NewChannel(cfg.Presence, s.clock, s.logger)
	s.presence.SetLocal(presence.State{ClientID: cfg.ClientID, Name: cfg.Name, Color: cfg.Color})

	s.stopObs = append(s.stopObs,
		s.replica.Observe(func(store.Origin) { s.publish() }),
		s.presence.OnRemoteUpdate(func(map[string]presence.State) { s.publish() }),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) ClientID() string {
	return s.cfg.ClientID
}

// Start begins connecting. It returns immediately; use Subscribe or Connected to follow the link.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.presence.Start(s.sendPresence)
	go s.connect()
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.reconnect = nil
	s.mu.Unlock()

	s.logger.Debug("dialing", "url", s.target)
	raw, err := s.dialer.Dial(s.ctx, s.target)
	if err != nil {
		s.logger.Warn("failed to dial", "err", err)
		s.retry()
		return
	}

	c := newConnection(raw, s.cfg.QueueSize)
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conn = c
	s.state = StateOpen
	s.backoff.Reset()
	s.mu.Unlock()

	go c.writePump()
	go s.readLoop(c)

	s.logger.Info("connected")
	s.presence.Announce()
	// anything pending is covered by the full state
	_ = s.replica.LocalDelta()
	s.send(wire.Encode(wire.KindDocument, s.replica.FullState()))
	s.publish()
}

func (s *Session) readLoop(c *connection) {
	defer s.dropConnection(c)
	for {
		mt, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				s.logger.Info("connection lost", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	kind, payload, err := wire.Decode(frame)
	if err != nil {
		s.logger.Debug("dropping frame", "err", err)
		return
	}
	switch kind {
	case wire.KindDocument:
		if err := s.replica.ApplyRemote(payload); err != nil {
			s.logger.Warn("dropping delta", "err", err)
		}
	case wire.KindPresence:
		p, err := wire.DecodePresence(payload)
		if err != nil {
			s.logger.Debug("dropping presence", "err", err)
			return
		}
		s.presence.ReceiveRemote(p)
	}
}

func (s *Session) dropConnection(c *connection) {
	c.close()
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	s.retry()
}

// retry moves to StateClosed and arms the reconnect timer.
func (s *Session) retry() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if delay := s.backoff.NextBackOff(); delay == backoff.Stop {
		s.logger.Warn("giving up reconnecting")
	} else {
		s.logger.Info("reconnecting", "delay", delay)
		s.reconnect = s.clock.AfterFunc(delay, s.connect)
	}
	s.mu.Unlock()
	s.publish()
}

// send queues frame on the open connection. Frames are dropped while not open.
func (s *Session) send(frame []byte) bool {
	s.mu.Lock()
	c := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || c == nil {
		return false
	}
	if !c.enqueue(frame) {
		s.logger.Warn("outbound queue full, dropping connection")
		c.close()
		return false
	}
	return true
}

func (s *Session) sendPresence(st presence.State) {
	frame, err := wire.EncodePresence(st.Wire())
	if err != nil {
		s.logger.Error("failed to encode presence", "err", err)
		return
	}
	s.send(frame)
}

// flushLocal ships the local changes since the last flush.
func (s *Session) flushLocal() {
	if delta := s.replica.LocalDelta(); delta != nil {
		s.send(wire.Encode(wire.KindDocument, delta))
	}
}

func (s *Session) disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDisposed
}

// CreateObject sets obj in the local replica and sends the change. Only invalid objects and the object cap
// are reported as errors.
func (s *Session) CreateObject(obj board.Object) error {
	if s.disposed() {
		return ErrDisposed
	}
	if err := s.replica.Create(obj); err != nil {
		return err
	}
	s.flushLocal()
	return nil
}

// UpdateObject merges patch into id. It reports false when id is not present locally.
func (s *Session) UpdateObject(id string, patch board.Patch) (bool, error) {
	if s.disposed() {
		return false, ErrDisposed
	}
	ok, err := s.replica.Update(id, patch)
	if ok {
		s.flushLocal()
	}
	return ok, err
}

func (s *Session) DeleteObject(id string) (bool, error) {
	if s.disposed() {
		return false, ErrDisposed
	}
	ok, err := s.replica.Delete(id)
	if ok {
		s.flushLocal()
	}
	return ok, err
}

// SetCursor moves the local cursor. Presence frames are throttled.
func (s *Session) SetCursor(x, y float64) {
	s.presence.SetCursor(x, y)
}

func (s *Session) Objects() []board.Object {
	return s.replica.AllObjects()
}

// FullState returns the saved local document.
func (s *Session) FullState() []byte {
	return s.replica.FullState()
}

func (s *Session) Presence() map[string]presence.State {
	return s.presence.Remote()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateOpen
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{Objects: s.Objects(), Presence: s.Presence(), Connected: s.Connected()}
}

// Subscribe calls fn with the current snapshot and then after every change. The returned func removes it.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	fn(s.snapshot())
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	if s.state == StateDisposed || len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	snap := s.snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

// Close tears the session down from any state. Every timer is cancelled and the transport is closed.
// Calling it again does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisposed
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	c := s.conn
	s.conn = nil
	s.subs = make(map[int]func(Snapshot))
	s.mu.Unlock()

	s.cancel()
	s.presence.Stop()
	for _, stop := range s.stopObs {
		stop()
	}
	if c != nil {
		c.close()
	}
	s.logger.Info("session closed")
	return nil
}
