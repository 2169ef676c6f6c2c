package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/fanout"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/persist"
	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", getEnv("BOARD_ADDR", "localhost:8080"), "the address to listen on")
	dbVar := flag.String("db", getEnv("BOARD_DB", ""), "sqlite file to back rooms up to, empty keeps rooms in memory only")
	redisVar := flag.String("redis", getEnv("BOARD_REDIS", ""), "redis address for fanning frames out to other relays")
	backupVar := flag.Duration("backup-interval", getEnvDuration("BOARD_BACKUP_INTERVAL", 5*time.Second), "how often changed rooms are saved")
	queueVar := flag.Int("queue-size", 256, "frames buffered per peer before it is evicted")
	levelVar := flag.String("log-level", getEnv("BOARD_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*levelVar)); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := relay.NewMetrics("board")
	registryOpts := []relay.RegistryOption{relay.WithMetrics(metrics)}
	var db *persist.Store
	if *dbVar != "" {
		var err error
		if db, err = persist.Open(*dbVar); err != nil {
			return err
		}
		defer db.Close()
		registryOpts = append(registryOpts, relay.WithPersister(db))
	}
	registry := relay.NewRegistry(relay.Config{QueueSize: *queueVar}, registryOpts...)

	serverOpts := []relay.ServerOption{relay.WithServerMetrics(metrics)}
	if *redisVar != "" {
		f, err := fanout.Dial(ctx, *redisVar, slog.Default())
		if err != nil {
			return err
		}
		defer f.Close()
		slog.Info("Connected to redis", "addr", *redisVar)
		serverOpts = append(serverOpts, relay.WithFanout(f))
	}
	server := relay.NewServer(registry, serverOpts...)
	server.StartBackgroundTasks(ctx)

	wg := new(sync.WaitGroup)
	if db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.RunBackups(ctx, *backupVar)
		}()
	}

	httpServer := &http.Server{Addr: *addrVar, Handler: server}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// last chance to save whatever changed since the previous tick
	registry.Backup(context.Background())
	for _, room := range registry.Rooms() {
		slog.Info("room at shutdown", "room", room.ID, "objects", len(room.Objects()))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
