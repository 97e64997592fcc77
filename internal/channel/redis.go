package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"fullscreen/board/internal/replica"
)

const (
	redisTimeout       = 5 * time.Second
	defaultRedisLogCap = 512
)

// RedisOptions configures a Redis relay channel.
type RedisOptions struct {
	// LogCap is the update log length past which the log is compacted into
	// one full-state entry.
	LogCap int
	Logger *slog.Logger
}

// Redis relays a room over Redis pub/sub. Document updates are also appended
// to a per-room list so peers that join later can replay them.
type Redis struct {
	client *redis.Client
	room   string
	logCap int
	logger *slog.Logger
	link   *link

	mu        sync.Mutex
	pubsub    *redis.PubSub
	done      chan struct{}
	connected atomic.Bool
}

// NewRedisClient parses url and checks that the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisWithClient creates a channel over a shared client. The client is
// not closed by Disconnect.
func NewRedisWithClient(client *redis.Client, room string, st *replica.Store, opts RedisOptions) *Redis {
	if opts.LogCap <= 0 {
		opts.LogCap = defaultRedisLogCap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Redis{
		client: client,
		room:   room,
		logCap: opts.LogCap,
		logger: opts.Logger,
	}
	r.link = newLink(room, ulid.Make().String(), st, opts.Logger, r)
	return r
}

// RedisFactory opens channels over one shared client.
func RedisFactory(client *redis.Client, opts RedisOptions) NetworkFactory {
	return func(room string, st *replica.Store) (Network, error) {
		return NewRedisWithClient(client, room, st, opts), nil
	}
}

func (r *Redis) channelKey() string { return "room:" + r.room }
func (r *Redis) logKey() string     { return "room:" + r.room + ":log" }

func (r *Redis) Room() string                  { return r.room }
func (r *Redis) Awareness() *replica.Awareness { return r.link.awareness }
func (r *Redis) SetPassive(passive bool)       { r.link.setPassive(passive) }
func (r *Redis) Connected() bool               { return r.connected.Load() }

// Connect subscribes to the room, replays the update log and announces the
// local state.
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	subCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	pubsub := r.client.Subscribe(subCtx, r.channelKey())
	if _, err := pubsub.Receive(subCtx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.room, err)
	}

	entries, err := r.client.LRange(subCtx, r.logKey(), 0, -1).Result()
	if err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("replay %s: %w", r.room, err)
	}
	for _, entry := range entries {
		if err := r.link.store.ApplyUpdate([]byte(entry), r); err != nil {
			r.logger.Warn("channel: skipped logged update", "room", r.room, "err", err)
		}
	}

	r.pubsub = pubsub
	r.done = make(chan struct{})
	go r.receive(pubsub, r.done)

	r.link.attach(r.send)
	r.connected.Store(true)
	r.link.announce()
	r.logger.Debug("channel: redis connected", "room", r.room, "replayed", len(entries))
	return nil
}

func (r *Redis) receive(pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	for payload := range pubsub.Channel() {
		msg, err := DecodeMessage([]byte(payload.Payload))
		if err != nil {
			r.logger.Warn("channel: dropped message", "room", r.room, "err", err)
			continue
		}
		r.link.handle(msg)
	}
}

func (r *Redis) send(msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if msg.Kind == KindUpdate {
		length, err := r.client.RPush(ctx, r.logKey(), msg.Update).Result()
		if err != nil {
			return fmt.Errorf("append update: %w", err)
		}
		if int(length) > r.logCap {
			if err := r.compact(ctx); err != nil {
				r.logger.Warn("channel: compaction failed", "room", r.room, "err", err)
			}
		}
	}

	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channelKey(), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// compact folds the logged updates into the local state and replaces them
// with one full-state entry. It gives up when the log changes meanwhile.
func (r *Redis) compact(ctx context.Context) error {
	if r.link.store.Epoch() != r.link.epoch.Load() {
		return nil
	}
	key := r.logKey()
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			_ = r.link.store.ApplyUpdate([]byte(entry), r)
		}
		snapshot := r.link.store.Encode()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LTrim(ctx, key, int64(len(entries)), -1)
			pipe.LPush(ctx, key, snapshot)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Disconnect withdraws the local presence and leaves the room.
func (r *Redis) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return
	}

	r.link.detach()
	r.connected.Store(false)
	_ = r.pubsub.Close()
	<-r.done
	r.pubsub = nil
	r.logger.Debug("channel: redis disconnected", "room", r.room)
}
