package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/board"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	urlVar := flag.String("url", getEnv("BOARD_URL", "ws://127.0.0.1:8080"), "the relay to connect to")
	roomVar := flag.String("room", "default", "the board to join")
	nameVar := flag.String("name", fmt.Sprintf("bot-%d", os.Getpid()), "display name")
	colorVar := flag.String("color", "#FFB347", "cursor color")
	editVar := flag.Duration("edit-every", 3*time.Second, "average gap between edits")
	levelVar := flag.String("log-level", getEnv("BOARD_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*levelVar)); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	s, err := session.New(session.Config{URL: *urlVar, Room: *roomVar, Name: *nameVar, Color: *colorVar})
	if err != nil {
		return err
	}
	defer s.Close()

	stop := s.Subscribe(func(snap session.Snapshot) {
		slog.Debug("board changed", "objects", len(snap.Objects), "peers", len(snap.Presence), "connected", snap.Connected)
	})
	defer stop()
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		wanderContinuously(ctx, s)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		editRandomlyContinuously(ctx, s, *editVar)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), s.ClientID()+".board")
	if err := os.WriteFile(tf, s.FullState(), 0o600); err != nil {
		return fmt.Errorf("failed to dump: %w", err)
	}
	slog.Info("dumped", "dump", tf, "objects", len(s.Objects()))
	return nil
}

// wanderContinuously drifts the cursor around so peers see movement.
func wanderContinuously(ctx context.Context, s *session.Session) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	x, y := 400.0, 300.0
	for {
		select {
		case <-t.C:
			x += rand.Float64()*10 - 5
			y += rand.Float64()*10 - 5
			s.SetCursor(x, y)
		case <-ctx.Done():
			return
		}
	}
}

func editRandomlyContinuously(ctx context.Context, s *session.Session, every time.Duration) {
	for {
		t := time.NewTimer(every/2 + time.Duration(rand.Int63n(int64(every))))
		select {
		case <-t.C:
			if err := editOnce(s); err != nil {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func editOnce(s *session.Session) error {
	objects := s.Objects()
	if len(objects) == 0 || rand.Intn(3) == 0 {
		obj := board.Object{
			ID:   uuid.NewString(),
			Type: board.TypeSticky,
			X:    rand.Float64() * 800,
			Y:    rand.Float64() * 600,
			Fill: "#FFEB3B",
			Text: "hello",
		}
		if err := s.CreateObject(obj); err != nil {
			return err
		}
		slog.Info("created", "id", obj.ID)
		return nil
	}
	target := objects[rand.Intn(len(objects))]
	if rand.Intn(5) == 0 {
		if _, err := s.DeleteObject(target.ID); err != nil {
			return err
		}
		slog.Info("deleted", "id", target.ID)
		return nil
	}
	if _, err := s.UpdateObject(target.ID, board.Patch{X: board.Float(target.X + 10), Y: board.Float(target.Y + 10)}); err != nil {
		return err
	}
	slog.Info("moved", "id", target.ID)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
