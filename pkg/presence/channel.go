// Package presence tracks who is on a board and where their cursor is. None of this is part of the document:
// it is best effort, most recent wins, and forgotten when a participant goes quiet.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/wire"
)

type Config struct {
	// ThrottleInterval is the minimum gap between outbound presence frames.
	ThrottleInterval time.Duration
	// HeartbeatInterval re-sends the local state so idle participants are not pruned by peers.
	HeartbeatInterval time.Duration
	// StaleTimeout evicts remote entries that have not been refreshed for this long.
	StaleTimeout time.Duration
	PruneInterval time.Duration
	// BatchInterval bounds how often remote observers are notified.
	BatchInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThrottleInterval:  50 * time.Millisecond,
		HeartbeatInterval: 2000 * time.Millisecond,
		StaleTimeout:      8000 * time.Millisecond,
		PruneInterval:     4000 * time.Millisecond,
		BatchInterval:     16 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = d.ThrottleInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = c.StaleTimeout / 2
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	return c
}

// State is one participant's presence. LastSeen is set by the receiver.
type State struct {
	ClientID string
	Name     string
	Color    string
	Cursor   *wire.Cursor
	LastSeen time.Time
}

func (s State) Wire() wire.Presence {
	return wire.Presence{ClientID: s.ClientID, Name: s.Name, Color: s.Color, Cursor: s.Cursor}
}

func FromWire(p wire.Presence) State {
	return State{ClientID: p.ClientID, Name: p.Name, Color: p.Color, Cursor: p.Cursor}
}

type Channel struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	local     State
	hasLocal  bool
	send      func(State)
	throttle  clock.Timer
	heartbeat clock.Timer
	prune     clock.Timer
	batch     clock.Timer
	stopped   bool

	remote    map[string]State
	observers map[int]func(map[string]State)
	nextObs   int
}

func NewChannel(cfg Config, clk clock.Clock, logger *slog.Logger) *Channel {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:       cfg.withDefaults(),
		clock:     clk,
		logger:    logger,
		remote:    make(map[string]State),
		observers: make(map[int]func(map[string]State)),
	}
}

// Start arms the heartbeat and prune timers. send is called outside the channel's lock.
func (c *Channel) Start(send func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.send != nil {
		return
	}
	c.send = send
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, c.onHeartbeat)
	c.prune = c.clock.AfterFunc(c.cfg.PruneInterval, c.onPrune)
}

// Stop cancels every timer. Nothing is sent or delivered afterwards.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, t := range []clock.Timer{c.throttle, c.heartbeat, c.prune, c.batch} {
		if t != nil {
			t.Stop()
		}
	}
	c.throttle, c.heartbeat, c.prune, c.batch = nil, nil, nil, nil
	c.send = nil
	c.observers = make(map[int]func(map[string]State))
}

// SetLocal records the local state without sending it.
func (c *Channel) SetLocal(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = s
	c.hasLocal = true
}

func (c *Channel) Local() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, c.hasLocal
}

// PublishLocal records the local state and sends it on the trailing edge of the throttle window. Calls
// inside one window collapse into a single frame carrying the latest state. The heartbeat and Announce send
// outside the throttle, so a window can still carry one extra frame.
func (c *Channel) PublishLocal(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.local = s
	c.hasLocal = true
	if c.throttle == nil {
		c.throttle = c.clock.AfterFunc(c.cfg.ThrottleInterval, c.onThrottle)
	}
}

// SetCursor moves the local cursor. It is a no-op until a local state was published.
func (c *Channel) SetCursor(x, y float64) {
	c.mu.Lock()
	if !c.hasLocal {
		c.mu.Unlock()
		return
	}
	s := c.local
	c.mu.Unlock()
	s.Cursor = &wire.Cursor{X: x, Y: y}
	c.PublishLocal(s)
}

// Announce sends the local state now, bypassing the throttle. Used when a connection opens.
func (c *Channel) Announce() {
	c.mu.Lock()
	send, s, ok := c.send, c.local, c.hasLocal
	c.mu.Unlock()
	if ok && send != nil {
		send(s)
	}
}

func (c *Channel) onThrottle() {
	c.mu.Lock()
	c.throttle = nil
	send, s, ok := c.send, c.local, c.hasLocal
	if c.stopped {
		send = nil
	}
	c.mu.Unlock()
	if ok && send != nil {
		send(s)
	}
}

func (c *Channel) onHeartbeat() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, c.onHeartbeat)
	send, s, ok := c.send, c.local, c.hasLocal
	c.mu.Unlock()
	if ok && send != nil {
		send(s)
	}
}

func (c *Channel) onPrune() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.prune = c.clock.AfterFunc(c.cfg.PruneInterval, c.onPrune)
	c.mu.Unlock()
	c.PruneStale(c.clock.Now())
}

// ReceiveRemote records a peer's state stamped with the local receive time. Our own echoes are ignored.
func (c *Channel) ReceiveRemote(p wire.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || (c.hasLocal && p.ClientID == c.local.ClientID) {
		return
	}
	s := FromWire(p)
	s.LastSeen = c.clock.Now()
	c.remote[s.ClientID] = s
	c.scheduleBatch()
}

// PruneStale drops remote entries last seen more than StaleTimeout before now and returns their ids.
func (c *Channel) PruneStale(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for id, s := range c.remote {
		if now.Sub(s.LastSeen) > c.cfg.StaleTimeout {
			delete(c.remote, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		c.logger.Debug("pruned stale presence", "clients", removed)
		c.scheduleBatch()
	}
	return removed
}

func (c *Channel) scheduleBatch() {
	if c.batch == nil && !c.stopped {
		c.batch = c.clock.AfterFunc(c.cfg.BatchInterval, c.onBatch)
	}
}

func (c *Channel) onBatch() {
	c.mu.Lock()
	c.batch = nil
	if c.stopped {
		c.mu.Unlock()
		return
	}
	snapshot := c.snapshot()
	obs := make([]func(map[string]State), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	c.mu.Unlock()
	for _, fn := range obs {
		fn(snapshot)
	}
}

// OnRemoteUpdate registers fn for batched remote changes. The returned func removes it.
func (c *Channel) OnRemoteUpdate(fn func(map[string]State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Channel) Remote() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Channel) snapshot() map[string]State {
	out := make(map[string]State, len(c.remote))
	for id, s := range c.remote {
		out[id] = s
	}
	return out
}
