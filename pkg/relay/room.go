package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/wire"
)

// ErrRoomRetired is returned by Join once the registry has dropped the room. Look the id up again.
var ErrRoomRetired = errors.New("room retired")

// Room is the unit of isolation: one replica and the peers editing it. Everything in a room is guarded by
// the room's own mutex and nothing here ever touches another room.
type Room struct {
	ID      string
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	replica *store.Replica
	peers   map[*Peer]struct{}
	dirty   bool
	retired bool
}

func newRoom(id string, replica *store.Replica, metrics *Metrics, logger *slog.Logger) *Room {
	return &Room{
		ID:      id,
		logger:  logger.With("room", id),
		metrics: metrics,
		replica: replica,
		peers:   make(map[*Peer]struct{}),
	}
}

// Join queues the current document for p and then registers it. Both happen under the room lock so p
// cannot miss a delta that lands in between.
func (r *Room) Join(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return ErrRoomRetired
	}
	if !p.enqueue(wire.Encode(wire.KindDocument, r.replica.FullState())) {
		return fmt.Errorf("failed to queue initial state for peer %s", p.ID)
	}
	r.peers[p] = struct{}{}
	r.metrics.peerDelta(1)
	r.logger.Info("peer joined", "peer", p.ID, "peers", len(r.peers))
	return nil
}

// Leave deregisters p. The replica stays.
func (r *Room) Leave(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p]; !ok {
		return
	}
	delete(r.peers, p)
	r.metrics.peerDelta(-1)
	r.logger.Info("peer left", "peer", p.ID, "peers", len(r.peers))
}

// HandleFrame merges document frames into the room replica and forwards the raw frame to every other peer.
// A document frame that arrives ahead of its dependencies is held by the replica and still forwarded, so
// every peer sees it and holds it too. Presence frames are forwarded untouched. from is nil for frames
// arriving from another relay process.
func (r *Room) HandleFrame(from *Peer, frame []byte) (wire.Kind, error) {
	kind, payload, err := wire.Decode(frame)
	if err != nil {
		r.metrics.malformedFrame()
		return 0, err
	}
	source := "peer"
	if from == nil {
		source = "fanout"
	}
	r.metrics.frame(source, kind.String())

	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == wire.KindDocument {
		if err := r.replica.ApplyRemote(payload); err != nil {
			r.metrics.rejectedDelta()
			return kind, err
		}
		r.dirty = true
	}
	r.broadcastLocked(from, frame)
	return kind, nil
}

func (r *Room) broadcastLocked(from *Peer, frame []byte) {
	for p := range r.peers {
		if p == from {
			continue
		}
		if !p.enqueue(frame) {
			delete(r.peers, p)
			p.Kick()
			r.metrics.peerDelta(-1)
			r.metrics.evictedPeer()
			r.logger.Warn("evicted slow peer", "peer", p.ID)
		}
	}
}

// retireIfEmpty marks an empty room as retired so no later Join can land in it.
func (r *Room) retireIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 {
		return false
	}
	r.retired = true
	return true
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) Objects() []board.Object {
	return r.replica.AllObjects()
}

func (r *Room) FullState() []byte {
	return r.replica.FullState()
}

func (r *Room) Fork() (*automerge.Doc, error) {
	return r.replica.Fork()
}

// takeDirty reports whether the replica changed since the last call.
func (r *Room) takeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Room) markDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
}
