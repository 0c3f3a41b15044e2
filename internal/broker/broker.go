// Package broker defines the shared-broker contract the coordination
// core is built on: FIFO work queues, pub/sub control channels, and a
// hash-per-entity-type key/value store. It mirrors the Redis-backed
// protocol of the original modelrunner (redis_utils.py), generalized
// behind an interface so the dispatcher/primary/worker packages never
// import a concrete driver directly.
package broker

import (
	"context"
	"time"
)

// Command is a decoded command payload: a JSON object with at least a
// "command" field. Queue items and channel messages are both Commands.
type Command map[string]interface{}

// Name returns the command's "command" field, or "" if absent/not a string.
func (c Command) Name() string {
	if v, ok := c["command"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// JobUUID returns the command's "job_uuid" field, or "" if absent.
func (c Command) JobUUID() string {
	if v, ok := c["job_uuid"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Broker is the thin typed surface every node talks to the shared
// coordination backend through. Every operation is JSON under the
// hood, with datetime-aware encoding (see EncodeCommand/DecodeCommand).
type Broker interface {
	// Enqueue appends cmd to the tail of queue.
	Enqueue(ctx context.Context, queue string, cmd Command) error

	// Pop blocks for up to timeout for the head of queue, returning the
	// decoded command, or (nil, nil) on timeout. timeout == 0 means wait
	// forever. This is the sole blocking primitive the dispatcher uses
	// so it can poll its own shutdown flag between calls.
	Pop(ctx context.Context, queue string, timeout time.Duration) (Command, error)

	// Remove scans the full list behind queue and removes every item
	// whose decoded form is logically equal to cmd (see Equal).
	Remove(ctx context.Context, queue string, cmd Command) error

	// Publish fire-and-forgets cmd to every current subscriber of channel.
	Publish(ctx context.Context, channel string, cmd Command) error

	// Listen subscribes to the given channels and returns a channel of
	// decoded commands plus an unsubscribe function. The returned
	// channel is closed once unsubscribe is called or ctx is done.
	Listen(ctx context.Context, channels ...string) (<-chan Command, func(), error)

	// HSet writes key=value into the hash named hash.
	HSet(ctx context.Context, hash, key, value string) error

	// HGet reads key from the hash named hash. found is false if the
	// key is absent.
	HGet(ctx context.Context, hash, key string) (value string, found bool, err error)

	// HGetAll returns every key/value pair in the hash named hash.
	HGetAll(ctx context.Context, hash string) (map[string]string, error)

	// HKeys returns every key in the hash named hash.
	HKeys(ctx context.Context, hash string) ([]string, error)

	// HLen returns the number of entries in the hash named hash.
	HLen(ctx context.Context, hash string) (int64, error)

	// HDel removes key from the hash named hash. Deleting an absent key
	// is not an error.
	HDel(ctx context.Context, hash, key string) error

	// Close releases any resources (connections, goroutines) owned by
	// this Broker.
	Close() error
}
