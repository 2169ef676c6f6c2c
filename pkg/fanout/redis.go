// Package fanout bridges rooms between relay processes through redis pub/sub, so peers of the same room
// connected to different relays still see each other's frames.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "board:"

var errShortEnvelope = errors.New("envelope too short")

// Redis publishes every frame to board:<room> tagged with this process's origin id and ignores its own
// messages on the way back.
type Redis struct {
	client *redis.Client
	origin uuid.UUID
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, origin: uuid.New(), logger: logger}
}

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, logger), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	if err := r.client.Publish(ctx, channelFor(room), seal(r.origin, frame)).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Subscribe delivers frames from other processes until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, []byte(msg.Payload), deliver)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Redis) handle(channel string, payload []byte, deliver func(room string, frame []byte)) {
	room, ok := roomFor(channel)
	if !ok {
		return
	}
	origin, frame, err := open(payload)
	if err != nil {
		r.logger.Warn("dropping fanout message", "channel", channel, "err", err)
		return
	}
	if origin == r.origin {
		return
	}
	deliver(room, frame)
}

func channelFor(room string) string {
	return channelPrefix + room
}

func roomFor(channel string) (string, bool) {
	room, ok := strings.CutPrefix(channel, channelPrefix)
	return room, ok && room != ""
}

func seal(origin uuid.UUID, frame []byte) []byte {
	out := make([]byte, 0, len(origin)+len(frame))
	out = append(out, origin[:]...)
	return append(out, frame...)
}

func open(payload []byte) (uuid.UUID, []byte, error) {
	var origin uuid.UUID
	if len(payload) <= len(origin) {
		return origin, nil, errShortEnvelope
	}
	copy(origin[:], payload)
	return origin, payload[len(origin):], nil
}
