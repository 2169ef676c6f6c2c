package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/goccy/go-graphviz"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/persist"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/store"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "", "read the room from this relay database instead of a dump file")
	roomVar := flag.String("room", "default", "the room to read when -db is set")
	formatVar := flag.String("format", "dot", "history output format: dot, svg or png")
	objectVar := flag.String("object", "", "label each change with this object's value instead of the object count")
	listVar := flag.Bool("list", false, "list the rooms saved in -db and exit")
	flag.Parse()

	if *listVar {
		return listRooms(*dbVar)
	}

	raw, err := readInput(*dbVar, *roomVar)
	if err != nil {
		return err
	}
	replica, err := store.Load(raw)
	if err != nil {
		return err
	}
	raw = nil

	slog.Info("loaded heads", "heads", replica.Heads())
	for _, obj := range replica.AllObjects() {
		slog.Info("object", "id", obj.ID, "type", obj.Type, "x", obj.X, "y", obj.Y, "text", obj.Text)
	}

	changes, err := replica.Changes()
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	doc, err := replica.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}
	var label viz.Label = viz.ObjectCount
	if *objectVar != "" {
		label = viz.ObjectValue(*objectVar)
	}
	return viz.RenderHistory(doc, label, graphviz.Format(*formatVar), os.Stdout)
}

func listRooms(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("-list needs -db")
	}
	db, err := persist.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	rooms, err := db.Rooms(context.Background())
	if err != nil {
		return err
	}
	for _, room := range rooms {
		fmt.Println(room)
	}
	return nil
}

func readInput(dbPath, room string) ([]byte, error) {
	if dbPath != "" {
		db, err := persist.Open(dbPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		raw, err := db.LoadRoom(context.Background(), room)
		if err != nil {
			return nil, err
		} else if raw == nil {
			return nil, fmt.Errorf("room %s not found in %s", room, dbPath)
		}
		return raw, nil
	}

	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return buff, nil
}
