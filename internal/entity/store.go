// Package entity replaces the original's metaclass-based RedisEntity
// (modelrunner/redisent/entity.py) with a parametric Store[T], per the
// Design Note in spec §9: Go has no class-as-mapping trick, so the
// capability RedisEntityMeta hung off the class (hash name, JSON
// encode, JSON decode) is instead supplied explicitly by a Codec[T].
package entity

import (
	"context"
	"fmt"

	"github.com/modelrunner/modelrunner/internal/broker"
	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

// Codec supplies the per-type capability the original's class attributes
// (hash_name(), json_encoder(), json_decode()) provided implicitly.
type Codec[T any] interface {
	// HashName returns the broker hash this entity type lives in, e.g.
	// "{prefix}:jobs".
	HashName() string

	// Encode renders v to its wire JSON form.
	Encode(v T) (string, error)

	// Decode parses the wire JSON form back into a T.
	Decode(data string) (T, error)
}

// Store is a generic "entity mapped to a broker hash" abstraction. It
// exposes the mapping operations the original's class-as-mapping
// RedisEntity supported: get/set/delete/keys/len/items/values.
type Store[T any] struct {
	br    broker.Broker
	codec Codec[T]
}

// New returns a Store for T backed by br, using codec for (de)serialization.
func New[T any](br broker.Broker, codec Codec[T]) *Store[T] {
	return &Store[T]{br: br, codec: codec}
}

// Get returns the entity stored under key. It returns a wrapped
// modelerrors.ErrEntityNotFound if key is absent, mirroring
// RedisEntityMeta.__getitem__'s KeyError.
func (s *Store[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, found, err := s.br.HGet(ctx, s.codec.HashName(), key)
	if err != nil {
		return zero, modelerrors.WrapBroker("hget", err)
	}
	if !found {
		return zero, fmt.Errorf("%w: key %q in %s", modelerrors.ErrEntityNotFound, key, s.codec.HashName())
	}
	return s.codec.Decode(raw)
}

// Set writes value under key, replacing any prior value.
func (s *Store[T]) Set(ctx context.Context, key string, value T) error {
	encoded, err := s.codec.Encode(value)
	if err != nil {
		return err
	}
	if err := s.br.HSet(ctx, s.codec.HashName(), key, encoded); err != nil {
		return modelerrors.WrapBroker("hset", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	if err := s.br.HDel(ctx, s.codec.HashName(), key); err != nil {
		return modelerrors.WrapBroker("hdel", err)
	}
	return nil
}

// Keys returns every key currently stored.
func (s *Store[T]) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.br.HKeys(ctx, s.codec.HashName())
	if err != nil {
		return nil, modelerrors.WrapBroker("hkeys", err)
	}
	return keys, nil
}

// Len returns the number of live entries.
func (s *Store[T]) Len(ctx context.Context) (int64, error) {
	n, err := s.br.HLen(ctx, s.codec.HashName())
	if err != nil {
		return 0, modelerrors.WrapBroker("hlen", err)
	}
	return n, nil
}

// All returns every key/value pair currently stored, decoded.
func (s *Store[T]) All(ctx context.Context) (map[string]T, error) {
	raw, err := s.br.HGetAll(ctx, s.codec.HashName())
	if err != nil {
		return nil, modelerrors.WrapBroker("hgetall", err)
	}

	out := make(map[string]T, len(raw))
	for key, encoded := range raw {
		value, err := s.codec.Decode(encoded)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Values returns every value currently stored, decoded, discarding keys.
func (s *Store[T]) Values(ctx context.Context) ([]T, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, v := range all {
		out = append(out, v)
	}
	return out, nil
}
