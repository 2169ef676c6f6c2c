package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
)

type Config struct {
	// QueueSize bounds the frames waiting for one peer before it is evicted.
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	// MaxFrameSize caps inbound websocket messages.
	MaxFrameSize int64
}

func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
		PongTimeout:  60 * time.Second,
		MaxFrameSize: 8 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Persister is the optional durability hook. LoadRoom returns nil, nil for a room it has never seen.
type Persister interface {
	LoadRoom(ctx context.Context, room string) ([]byte, error)
	SaveRoom(ctx context.Context, room string, state []byte) error
}

type RegistryOption func(*Registry)

func WithPersister(p Persister) RegistryOption {
	return func(g *Registry) { g.persister = p }
}

func WithMetrics(m *Metrics) RegistryOption {
	return func(g *Registry) { g.metrics = m }
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(g *Registry) { g.logger = l }
}

// Registry maps room ids to rooms. Its lock only guards the map; frame handling takes the room lock alone.
type Registry struct {
	cfg       Config
	persister Persister
	metrics   *Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	g := &Registry{cfg: cfg.withDefaults(), logger: slog.Default(), rooms: make(map[string]*Room)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Registry) Config() Config {
	return g.cfg
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// GetOrCreate returns the room, restoring it from the persister the first time it is touched.
func (g *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	if r, ok := g.Get(id); ok {
		return r, nil
	}

	replica, err := g.loadReplica(ctx, id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(id, replica, g.metrics, g.logger)
	g.rooms[id] = r
	g.metrics.roomCreated()
	g.logger.Info("room created", "room", id, "objects", replica.Len())
	return r, nil
}

func (g *Registry) loadReplica(ctx context.Context, id string) (*store.Replica, error) {
	opts := []store.Option{store.WithLogger(g.logger.With("room", id))}
	if g.persister != nil {
		raw, err := g.persister.LoadRoom(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load room %s: %w", id, err)
		}
		if raw != nil {
			return store.Load(raw, opts...)
		}
	}
	return store.New(opts...)
}

// RemoveIfEmpty drops a room with no peers. Rooms are otherwise kept until the process exits. A caller that
// got the room from GetOrCreate before the removal sees ErrRoomRetired from Join and must look it up again,
// so peers never end up split across two copies of one room.
func (g *Registry) RemoveIfEmpty(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok || !r.retireIfEmpty() {
		return false
	}
	delete(g.rooms, id)
	g.metrics.roomRemoved()
	return true
}

// Join adds p to the room id, creating it if needed. It retries when the room is retired between the lookup
// and the join.
func (g *Registry) Join(ctx context.Context, id string, p *Peer) (*Room, error) {
	for {
		r, err := g.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.Join(p); !errors.Is(err, ErrRoomRetired) {
			return r, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Rooms returns the rooms sorted by id.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Backup saves every room that changed since the previous backup.
func (g *Registry) Backup(ctx context.Context) {
	if g.persister == nil {
		return
	}
	for _, r := range g.Rooms() {
		if !r.takeDirty() {
			continue
		}
		if err := g.persister.SaveRoom(ctx, r.ID, r.FullState()); err != nil {
			r.markDirty()
			g.metrics.backup("error")
			g.logger.Error("failed to back up room", "room", r.ID, "err", err)
			continue
		}
		g.metrics.backup("ok")
		g.logger.Debug("backed up", "room", r.ID)
	}
}

// RunBackups calls Backup every interval until ctx is done.
func (g *Registry) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			g.Backup(ctx)
		case <-ctx.Done():
			return
		}
	}
}
