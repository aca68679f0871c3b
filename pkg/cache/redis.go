/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// RedisL2 is the shared L2 tier backed by Redis.
type RedisL2 struct {
	client *redis.Client
}

// NewRedisL2 wraps an existing client. Options (address, pool size,
// timeouts) are assembled by the caller from internal/config.CacheConfig.
func NewRedisL2(client *redis.Client) *RedisL2 {
	return &RedisL2{client: client}
}

func encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (Value, error) {
	var v Value
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return Value{}, err
	}
	return v, nil
}

// Get fetches and decodes a cached entry; a Redis miss is reported as
// (Value{}, false, nil), never an error.
func (r *RedisL2) Get(ctx context.Context, key string) (Value, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, govterrors.NetworkError("redis GET", key, err)
	}
	v, err := decode(raw)
	if err != nil {
		return Value{}, false, govterrors.Wrapf(err, "decode redis entry %q", key)
	}
	return v, true, nil
}

// Set writes value to Redis with the given TTL.
func (r *RedisL2) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return govterrors.Wrapf(err, "encode redis entry %q", key)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return govterrors.NetworkError("redis SET", key, err)
	}
	return nil
}

// Delete removes key from Redis.
func (r *RedisL2) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return govterrors.NetworkError("redis DEL", key, err)
	}
	return nil
}

var _ L2 = (*RedisL2)(nil)
