// Package membroker is an in-process implementation of broker.Broker,
// used by the test suites (every cmd/ binary dials redisbroker). It
// stands in for redisbroker without requiring a live Redis server,
// playing the same role the original's standalone redis_utils.py
// contract plays for its own unit tests (testing/test_dispatcher.py
// exercises it against a real Redis; here the broker itself is swapped).
package membroker

import (
	"context"
	"sync"
	"time"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/internal/broker/chanbus"
)

type Broker struct {
	mu     sync.Mutex
	queues map[string][]string // raw encoded JSON, FIFO order: index 0 is head (oldest)
	hashes map[string]map[string]string

	notify map[string]chan struct{} // per-queue wakeup signal

	bus    chanbus.Bus[broker.Command]
	closed bool
}

// New returns an empty in-memory Broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string][]string),
		hashes: make(map[string]map[string]string),
		notify: make(map[string]chan struct{}),
		bus:    chanbus.New[broker.Command](64),
	}
}

var _ broker.Broker = (*Broker)(nil)

func (b *Broker) Enqueue(_ context.Context, queue string, cmd broker.Command) error {
	encoded, err := broker.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], encoded)
	ch := b.notifyChanLocked(queue)
	b.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (b *Broker) Pop(ctx context.Context, queue string, timeout time.Duration) (broker.Command, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		b.mu.Lock()
		items := b.queues[queue]
		if len(items) > 0 {
			head := items[0]
			b.queues[queue] = items[1:]
			b.mu.Unlock()
			return broker.DecodeCommand(head)
		}
		ch := b.notifyChanLocked(queue)
		b.mu.Unlock()

		var wait <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			timer = time.NewTimer(remaining)
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-ch:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-wait:
			return nil, nil
		}
	}
}

func (b *Broker) Remove(_ context.Context, queue string, cmd broker.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.queues[queue]
	kept := items[:0:0]
	for _, raw := range items {
		decoded, err := broker.DecodeCommand(raw)
		if err == nil && broker.Equal(decoded, cmd) {
			continue
		}
		kept = append(kept, raw)
	}
	b.queues[queue] = kept
	return nil
}

func (b *Broker) Publish(ctx context.Context, channel string, cmd broker.Command) error {
	return b.bus.Publish(ctx, channel, cmd)
}

func (b *Broker) Listen(ctx context.Context, channels ...string) (<-chan broker.Command, func(), error) {
	out := make(chan broker.Command)
	var unsubscribers []func()
	var wg sync.WaitGroup

	listenCtx, cancel := context.WithCancel(ctx)

	for _, name := range channels {
		ch, unsubscribe, err := b.bus.Subscribe(listenCtx, name)
		if err != nil {
			cancel()
			for _, u := range unsubscribers {
				u()
			}
			return nil, nil, err
		}
		unsubscribers = append(unsubscribers, unsubscribe)

		wg.Add(1)
		go func(ch <-chan broker.Command) {
			defer wg.Done()
			for msg := range ch {
				select {
				case out <- msg:
				case <-listenCtx.Done():
					return
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	unsubscribe := func() {
		cancel()
		for _, u := range unsubscribers {
			u()
		}
	}

	return out, unsubscribe, nil
}

func (b *Broker) HSet(_ context.Context, hash, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashes[hash] == nil {
		b.hashes[hash] = make(map[string]string)
	}
	b.hashes[hash][key] = value
	return nil
}

func (b *Broker) HGet(_ context.Context, hash, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.hashes[hash][key]
	return v, ok, nil
}

func (b *Broker) HGetAll(_ context.Context, hash string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.hashes[hash]))
	for k, v := range b.hashes[hash] {
		out[k] = v
	}
	return out, nil
}

func (b *Broker) HKeys(_ context.Context, hash string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.hashes[hash]))
	for k := range b.hashes[hash] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *Broker) HLen(_ context.Context, hash string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.hashes[hash])), nil
}

func (b *Broker) HDel(_ context.Context, hash, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hashes[hash], key)
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.bus.Close()
}

// notifyChanLocked returns (creating if needed) the wakeup channel for
// queue. Callers must hold b.mu.
func (b *Broker) notifyChanLocked(queue string) chan struct{} {
	ch, ok := b.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.notify[queue] = ch
	}
	return ch
}
