// Package store keeps one replica of a board document. The document is an automerge map from object id to
// the object's JSON encoding, so every write replaces the whole value and concurrent writes to the same id
// resolve through automerge's register rule: the higher Lamport stamp wins and ties go to the higher actor id.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
)

var (
	ErrObjectLimit    = errors.New("object limit reached")
	ErrMalformedDelta = errors.New("malformed delta")
)

// every automerge chunk, document or change, starts with these bytes
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	// magic, checksum and chunk type come before the body length
	chunkHeaderSize = 9
	maxPending      = 4096
	// what automerge reports when a change arrives before its dependencies
	missingDepsMessage = "deps should already be in the document"
)

// Origin says where a change to the replica came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

type Observer func(origin Origin)

type Option func(*Replica) error

// WithActorID pins the automerge actor id. It must be hex.
func WithActorID(id string) Option {
	return func(r *Replica) error {
		if err := r.doc.SetActorID(id); err != nil {
			return fmt.Errorf("failed to set actor id: %w", err)
		}
		return nil
	}
}

// WithMaxObjects rejects creates of new ids once the document holds n objects. Zero means no limit.
func WithMaxObjects(n int) Option {
	return func(r *Replica) error {
		r.maxObjects = n
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) error {
		r.logger = l
		return nil
	}
}

type Replica struct {
	mu         sync.Mutex
	doc        *automerge.Doc
	maxObjects int
	logger     *slog.Logger
	observers  map[int]Observer
	nextObs    int

	// unsent holds local changes that were cut out of the incremental stream by a remote apply or a
	// full save before LocalDelta was called.
	unsent []byte
	// pending holds remote change chunks that arrived before their dependencies.
	pending [][]byte
}

func New(opts ...Option) (*Replica, error) {
	return newReplica(automerge.New(), opts...)
}

// Load restores a replica from the output of FullState.
func Load(raw []byte, opts ...Option) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return newReplica(doc, opts...)
}

func newReplica(doc *automerge.Doc, opts ...Option) (*Replica, error) {
	r := &Replica{doc: doc, logger: slog.Default(), observers: make(map[int]Observer)}
	if err := r.doc.SetActorID(NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	// loading leaves the incremental cursor at zero, everything loaded is already known to the sender
	_ = r.doc.SaveIncremental()
	return r, nil
}

func NewActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func (r *Replica) ActorID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ActorID()
}

// Observe registers fn for every change. The returned func removes it.
func (r *Replica) Observe(fn Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Replica) notify(origin Origin) {
	r.mu.Lock()
	obs := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		obs = append(obs, fn)
	}
	r.mu.Unlock()
	for _, fn := range obs {
		fn(origin)
	}
}

// Create sets the object under its id. An existing entry is overwritten.
func (r *Replica) Create(obj board.Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	raw, err := board.Marshal(obj)
	if err != nil {
		return err
	}
	if err := r.create(obj.ID, raw); err != nil {
		return err
	}
	r.notify(OriginLocal)
	return nil
}

func (r *Replica) create(id, raw string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxObjects > 0 {
		existing, err := r.doc.Path(id).Get()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		if existing.IsVoid() && r.doc.RootMap().Len() >= r.maxObjects {
			return fmt.Errorf("%w: %d objects", ErrObjectLimit, r.maxObjects)
		}
	}
	if err := r.doc.Path(id).Set(raw); err != nil {
		return fmt.Errorf("failed to set %s: %w", id, err)
	}
	return r.commit("create " + id)
}

// Update merges patch into the current value of id. It reports false, and changes nothing, when id is
// not present locally.
func (r *Replica) Update(id string, patch board.Patch) (bool, error) {
	ok, err := r.update(id, patch)
	if err != nil || !ok {
		return ok, err
	}
	r.notify(OriginLocal)
	return true, nil
}

func (r *Replica) update(id string, patch board.Patch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok, err := r.get(id)
	if err != nil || !ok {
		return false, err
	}
	next := current.Apply(patch)
	if err := next.Validate(); err != nil {
		return false, err
	}
	raw, err := board.Marshal(next)
	if err != nil {
		return false, err
	}
	if err := r.doc.Path(id).Set(raw); err != nil {
		return false, fmt.Errorf("failed to set %s: %w", id, err)
	}
	return true, r.commit("update " + id)
}

// Delete removes id. It reports false when there was nothing to remove.
func (r *Replica) Delete(id string) (bool, error) {
	ok, err := r.delete(id)
	if err != nil || !ok {
		return ok, err
	}
	r.notify(OriginLocal)
	return true, nil
}

func (r *Replica) delete(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.doc.Path(id).Get()
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", id, err)
	}
	if existing.IsVoid() {
		return false, nil
	}
	if err := r.doc.Path(id).Delete(); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return true, r.commit("delete " + id)
}

// commit closes the open transaction so every edit is its own change in the history.
func (r *Replica) commit(msg string) error {
	if _, err := r.doc.Commit(msg); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (r *Replica) Get(id string) (board.Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

func (r *Replica) get(id string) (board.Object, bool, error) {
	v, err := r.doc.Path(id).Get()
	if err != nil {
		return board.Object{}, false, fmt.Errorf("failed to read %s: %w", id, err)
	}
	if v.IsVoid() {
		return board.Object{}, false, nil
	}
	raw, err := automerge.As[string](v)
	if err != nil {
		return board.Object{}, false, fmt.Errorf("failed to read %s: %w", id, err)
	}
	obj, err := board.Unmarshal(raw)
	if err != nil {
		return board.Object{}, false, err
	}
	return obj, true, nil
}

// AllObjects returns the current view sorted by id. Values that do not decode are skipped.
func (r *Replica) AllObjects() []board.Object {
	r.mu.Lock()
	values, err := r.doc.RootMap().Values()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("failed to list objects", "err", err)
		return nil
	}
	out := make([]board.Object, 0, len(values))
	for id, v := range values {
		raw, err := automerge.As[string](v)
		if err != nil {
			r.logger.Warn("skipping non-string value", "id", id, "err", err)
			continue
		}
		obj, err := board.Unmarshal(raw)
		if err != nil {
			r.logger.Warn("skipping undecodable object", "id", id, "err", err)
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.RootMap().Len()
}

// ApplyRemote merges a delta produced by another replica of the same room. Deltas may arrive twice, out of
// order, or ahead of the changes they depend on. A change whose dependencies are not here yet is held back
// and retried after every later merge, so it is not an error. A delta that does not parse as automerge
// chunks, or a chunk automerge refuses for another reason, is reported as ErrMalformedDelta. The merged
// changes never show up in LocalDelta.
func (r *Replica) ApplyRemote(delta []byte) error {
	chunks, err := splitChunks(delta)
	if err != nil {
		return err
	}
	applied, err := r.applyRemote(chunks)
	if applied {
		r.notify(OriginRemote)
	}
	return err
}

func (r *Replica) applyRemote(chunks [][]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stashLocal()
	// remote changes must not leak into the next LocalDelta
	defer func() { _ = r.doc.SaveIncremental() }()

	var firstErr error
	applied := false
	for _, chunk := range chunks {
		err := r.doc.LoadIncremental(chunk)
		switch {
		case err == nil:
			applied = true
		case isMissingDeps(err):
			r.hold(chunk)
		case firstErr == nil:
			firstErr = fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
	}
	if applied {
		r.retryPending()
	}
	return applied, firstErr
}

// hold keeps a chunk whose dependencies have not arrived. The oldest chunk is dropped once the buffer is
// full; a later full state covers it.
func (r *Replica) hold(chunk []byte) {
	for _, p := range r.pending {
		if bytes.Equal(p, chunk) {
			return
		}
	}
	if len(r.pending) >= maxPending {
		r.logger.Warn("pending buffer full, dropping oldest change")
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, bytes.Clone(chunk))
	r.logger.Debug("holding change until its dependencies arrive", "pending", len(r.pending))
}

// retryPending loads held chunks until a full pass makes no progress.
func (r *Replica) retryPending() {
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		rest := make([][]byte, 0, len(r.pending))
		for _, chunk := range r.pending {
			if err := r.doc.LoadIncremental(chunk); err != nil {
				rest = append(rest, chunk)
				continue
			}
			progress = true
		}
		r.pending = rest
	}
}

// Pending reports how many remote changes are waiting on dependencies.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func isMissingDeps(err error) bool {
	return strings.Contains(err.Error(), missingDepsMessage)
}

// splitChunks cuts a delta into its automerge chunks. Each chunk is the magic bytes, a four byte checksum, a
// type byte, a LEB128 body length and the body.
func splitChunks(delta []byte) ([][]byte, error) {
	if len(delta) == 0 {
		return nil, ErrMalformedDelta
	}
	var out [][]byte
	for len(delta) > 0 {
		if len(delta) < chunkHeaderSize || !bytes.HasPrefix(delta, chunkMagic) {
			return nil, ErrMalformedDelta
		}
		n, w := binary.Uvarint(delta[chunkHeaderSize:])
		if w <= 0 || n > uint64(len(delta)) {
			return nil, ErrMalformedDelta
		}
		end := chunkHeaderSize + w + int(n)
		if end > len(delta) {
			return nil, ErrMalformedDelta
		}
		out = append(out, delta[:end])
		delta = delta[end:]
	}
	return out, nil
}

func (r *Replica) stashLocal() {
	if pending := r.doc.SaveIncremental(); len(pending) > 0 {
		r.unsent = append(r.unsent, pending...)
	}
}

// LocalDelta returns the local changes made since the previous call, or nil.
func (r *Replica) LocalDelta() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stashLocal()
	out := r.unsent
	r.unsent = nil
	if len(out) == 0 {
		return nil
	}
	return out
}

// FullState returns the whole document. Merging it into any replica of the same room is always safe.
func (r *Replica) FullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stashLocal()
	return r.doc.Save()
}

// Fork returns an independent copy of the document for read-only tooling.
func (r *Replica) Fork() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fork()
}

// Changes returns every change in the document in causal order.
func (r *Replica) Changes() ([]*automerge.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return changes, nil
}

func (r *Replica) Heads() []automerge.ChangeHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Heads()
}
