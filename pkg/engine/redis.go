/*
Copyright 2025 The llm-d Authors.

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

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils"
)

// defaultRedisFetchConcurrency bounds the parallel chunk fetches of GetMany.
const defaultRedisFetchConcurrency = 8

// RedisBackendConfig holds the configuration for the RedisBackend.
type RedisBackendConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// FetchConcurrency bounds parallel chunk fetches; zero means default.
	FetchConcurrency int `json:"fetchConcurrency,omitempty"`
}

// DefaultRedisBackendConfig returns a default configuration for the
// RedisBackend.
func DefaultRedisBackendConfig() *RedisBackendConfig {
	return &RedisBackendConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// RedisBackend stores msgpack-serialized chunk records in Redis, shared by
// all workers of a deployment.
type RedisBackend struct {
	client      *redis.Client
	concurrency int
}

var _ Backend = &RedisBackend{}

// NewRedisBackend creates a new RedisBackend instance.
func NewRedisBackend(cfg *RedisBackendConfig) (*RedisBackend, error) {
	if cfg == nil {
		cfg = DefaultRedisBackendConfig()
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	client := redis.NewClient(redisOpt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultRedisFetchConcurrency
	}

	return &RedisBackend{client: client, concurrency: concurrency}, nil
}

// layerWire is the msgpack wire form of one layer's KV pair. Tensors are
// encoded as raw float16 bit patterns.
type layerWire struct {
	_     struct{} `msgpack:",array"`
	Key   []uint16
	Value []uint16
}

// chunkWire is the msgpack wire form of a ChunkRecord.
type chunkWire struct {
	_           struct{} `msgpack:",array"`
	NumTokens   int
	Heads       int
	HeadSize    int
	Fingerprint uint64
	Layers      []layerWire
}

func encodeRecord(record *ChunkRecord) ([]byte, error) {
	wire := chunkWire{
		NumTokens:   record.NumTokens,
		Fingerprint: record.Fingerprint,
		Layers: utils.SliceMap(record.Layers, func(l kv.LayerKV) layerWire {
			return layerWire{Key: tensorBits(l.Key), Value: tensorBits(l.Value)}
		}),
	}
	if len(record.Layers) > 0 && record.Layers[0].Key != nil {
		wire.Heads = record.Layers[0].Key.Heads
		wire.HeadSize = record.Layers[0].Key.HeadSize
	}

	payload, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk record: %w", err)
	}

	return payload, nil
}

func decodeRecord(payload []byte) (*ChunkRecord, error) {
	var wire chunkWire
	if err := msgpack.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk record: %w", err)
	}

	layers, err := utils.SliceMapE(wire.Layers, func(lw layerWire) (kv.LayerKV, error) {
		key, err := bitsTensor(lw.Key, wire.Heads, wire.HeadSize)
		if err != nil {
			return kv.LayerKV{}, err
		}
		value, err := bitsTensor(lw.Value, wire.Heads, wire.HeadSize)
		if err != nil {
			return kv.LayerKV{}, err
		}

		return kv.LayerKV{Key: key, Value: value}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed chunk record: %w", err)
	}

	record := &ChunkRecord{
		NumTokens:   wire.NumTokens,
		Fingerprint: wire.Fingerprint,
		Layers:      layers,
	}

	if wire.Fingerprint != 0 && record.ComputeFingerprint() != wire.Fingerprint {
		return nil, fmt.Errorf("chunk record fingerprint mismatch, payload corrupted in transit")
	}

	return record, nil
}

func tensorBits(t *kv.Tensor) []uint16 {
	if t == nil {
		return nil
	}

	bits := make([]uint16, len(t.Data))
	for i, v := range t.Data {
		bits[i] = v.Bits()
	}

	return bits
}

func bitsTensor(bits []uint16, heads, headSize int) (*kv.Tensor, error) {
	if rowSize := heads * headSize; rowSize > 0 && len(bits)%rowSize != 0 {
		return nil, fmt.Errorf("%d tensor elements do not fill rows of %d", len(bits), rowSize)
	}

	data := make([]float16.Float16, len(bits))
	for i, b := range bits {
		data[i] = float16.Frombits(b)
	}

	return &kv.Tensor{Data: data, Heads: heads, HeadSize: headSize}, nil
}

// Contains reports whether the chunk is present without fetching it.
func (b *RedisBackend) Contains(ctx context.Context, key Key) (bool, error) {
	count, err := b.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check chunk existence: %w", err)
	}

	return count > 0, nil
}

// Get fetches one chunk record.
func (b *RedisBackend) Get(ctx context.Context, key Key) (*ChunkRecord, bool, error) {
	payload, err := b.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to fetch chunk: %w", err)
	}

	record, err := decodeRecord(payload)
	if err != nil {
		return nil, false, err
	}

	return record, true, nil
}

// GetMany fetches multiple chunk records, decoding them in parallel.
func (b *RedisBackend) GetMany(ctx context.Context, keys []Key) (map[Key]*ChunkRecord, error) {
	if len(keys) == 0 {
		return map[Key]*ChunkRecord{}, nil
	}

	records := make([]*ChunkRecord, len(keys))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(b.concurrency)
	for i, key := range keys {
		grp.Go(func() error {
			record, found, err := b.Get(grpCtx, key)
			if err != nil {
				return err
			}
			if found {
				records[i] = record
			}

			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch chunks: %w", err)
	}

	out := make(map[Key]*ChunkRecord, len(keys))
	for i, key := range keys {
		if records[i] != nil {
			out[key] = records[i]
		}
	}

	return out, nil
}

// Put stores one chunk record.
func (b *RedisBackend) Put(ctx context.Context, key Key, record *ChunkRecord) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}

	if err := b.client.Set(ctx, key.String(), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to store chunk: %w", err)
	}

	return nil
}

// Delete removes one chunk record.
func (b *RedisBackend) Delete(ctx context.Context, key Key) error {
	if err := b.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}

	return nil
}

// Close releases backend resources.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
