// Package redisbroker implements broker.Broker against a live Redis
// server via github.com/redis/go-redis/v9, the production backend for
// the coordination core. It is the direct analogue of the original's
// redis.StrictRedis connection (modelrunner/settings.py,
// modelrunner/redis_utils.py), generalized behind the Broker interface.
package redisbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// Broker wraps a *redis.Client and implements broker.Broker.
type Broker struct {
	client *redis.Client
}

var _ broker.Broker = (*Broker)(nil)

// DialOptions control connection establishment.
type DialOptions struct {
	Addr string // host:port
	DB   int

	// MaxAttempts bounds the exponential-backoff retry loop in Dial. A
	// value <= 1 tries exactly once.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; it doubles on
	// every subsequent attempt.
	InitialBackoff time.Duration
}

// Dial connects to Redis at opts.Addr, retrying with exponential
// backoff up to opts.MaxAttempts before giving up. This is additive
// relative to the original's synchronous redis.Redis(...) constructor
// (see SPEC_FULL.md's supplemented-features list): a transient broker
// error during startup is, per spec §7, recoverable, so it is worth one
// retry loop rather than crashing the process on the first hiccup.
func Dial(ctx context.Context, opts DialOptions) (*Broker, error) {
	if _, _, err := broker.ParseAddr(opts.Addr); err != nil {
		return nil, err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return &Broker{client: client}, nil
		}

		lastErr = err
		if attempt < maxAttempts {
			logger.Warn("broker dial attempt failed, retrying",
				"attempt", attempt, "max_attempts", maxAttempts, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", opts.Addr, maxAttempts, lastErr)
}

// New wraps an already-constructed *redis.Client.
func New(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Enqueue(ctx context.Context, queue string, cmd broker.Command) error {
	encoded, err := broker.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, queue, encoded).Err()
}

func (b *Broker) Pop(ctx context.Context, queue string, timeout time.Duration) (broker.Command, error) {
	result, err := b.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// result is [queue_name, value]
	return broker.DecodeCommand(result[1])
}

func (b *Broker) Remove(ctx context.Context, queue string, cmd broker.Command) error {
	items, err := b.client.LRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return err
	}

	for _, raw := range items {
		decoded, decodeErr := broker.DecodeCommand(raw)
		if decodeErr != nil {
			continue
		}
		if broker.Equal(decoded, cmd) {
			if err := b.client.LRem(ctx, queue, 1, raw).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, channel string, cmd broker.Command) error {
	encoded, err := broker.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, encoded).Err()
}

func (b *Broker) Listen(ctx context.Context, channels ...string) (<-chan broker.Command, func(), error) {
	sub := b.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan broker.Command)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				decoded, err := broker.DecodeCommand(msg.Payload)
				if err != nil {
					logger.Warn("dropping malformed message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- decoded:
				case <-ctx.Done():
					_ = sub.Close()
					return
				}
			}
		}
	}()

	unsubscribe := func() { _ = sub.Close() }
	return out, unsubscribe, nil
}

func (b *Broker) HSet(ctx context.Context, hash, key, value string) error {
	return b.client.HSet(ctx, hash, key, value).Err()
}

func (b *Broker) HGet(ctx context.Context, hash, key string) (string, bool, error) {
	value, err := b.client.HGet(ctx, hash, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *Broker) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	return b.client.HGetAll(ctx, hash).Result()
}

func (b *Broker) HKeys(ctx context.Context, hash string) ([]string, error) {
	return b.client.HKeys(ctx, hash).Result()
}

func (b *Broker) HLen(ctx context.Context, hash string) (int64, error) {
	return b.client.HLen(ctx, hash).Result()
}

func (b *Broker) HDel(ctx context.Context, hash, key string) error {
	return b.client.HDel(ctx, hash, key).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}
