package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/relay"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/wire"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rooms.sqlite3")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestLoadUnknownRoom(t *testing.T) {
	s, _ := openTemp(t)
	raw, err := s.LoadRoom(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.SaveRoom(ctx, "r1", []byte{1, 2, 3}))
	require.NoError(t, s.SaveRoom(ctx, "r1", []byte{4, 5}))
	require.NoError(t, s.SaveRoom(ctx, "r1", []byte{4, 5}))
	require.NoError(t, s.SaveRoom(ctx, "r0", []byte{9}))

	raw, err := s.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, raw)

	rooms, err := s.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r1"}, rooms)

	// survives reopening
	require.NoError(t, s.Close())
	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	raw, err = again.LoadRoom(ctx, "r0")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, raw)
}

func TestRegistryRestoresFromSqlite(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	first := relay.NewRegistry(relay.Config{}, relay.WithPersister(s))
	room, err := first.GetOrCreate(ctx, "board")
	require.NoError(t, err)

	writer, err := store.New()
	require.NoError(t, err)
	require.NoError(t, writer.Create(board.Object{ID: "kept", Type: board.TypeFrame, Width: 300}))
	_, err = room.HandleFrame(nil, wire.Encode(wire.KindDocument, writer.LocalDelta()))
	require.NoError(t, err)
	first.Backup(ctx)

	second := relay.NewRegistry(relay.Config{}, relay.WithPersister(s))
	restored, err := second.GetOrCreate(ctx, "board")
	require.NoError(t, err)
	objs := restored.Objects()
	require.Len(t, objs, 1)
	assert.Equal(t, "kept", objs[0].ID)
	assert.Equal(t, 300.0, objs[0].Width)
}
