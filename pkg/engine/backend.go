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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils"
)

// ChunkRecord is the unit of storage: the per-layer KV rows of one full
// token chunk.
type ChunkRecord struct {
	// NumTokens is the number of token rows per layer tensor.
	NumTokens int
	// Layers holds one (key, value) pair per transformer layer.
	Layers []kv.LayerKV
	// Fingerprint is an xxhash digest of the payload, verified when a
	// record is decoded off a serialization boundary.
	Fingerprint uint64
}

// SizeBytes returns the payload size of the record, used for cost-aware
// eviction.
func (r *ChunkRecord) SizeBytes() int64 {
	return utils.SumOf(r.Layers, kv.LayerKV.SizeBytes)
}

// ComputeFingerprint digests the record's tensor data.
func (r *ChunkRecord) ComputeFingerprint() uint64 {
	digest := xxhash.New()
	var buf [2]byte
	for _, layer := range r.Layers {
		for _, tensor := range []*kv.Tensor{layer.Key, layer.Value} {
			if tensor == nil {
				continue
			}
			for _, v := range tensor.Data {
				binary.LittleEndian.PutUint16(buf[:], v.Bits())
				_, _ = digest.Write(buf[:])
			}
		}
	}

	return digest.Sum64()
}

// EvictionCallback is invoked when a backend drops a chunk.
type EvictionCallback func(key Key)

// Backend is the chunk storage of an engine. Implementations are safe for
// concurrent use; records must not be mutated after Put.
type Backend interface {
	// Contains reports whether the chunk is present without fetching it.
	Contains(ctx context.Context, key Key) (bool, error)
	// Get fetches one chunk record.
	Get(ctx context.Context, key Key) (*ChunkRecord, bool, error)
	// GetMany fetches multiple chunk records in one round trip where the
	// backend supports it. Missing keys are simply absent from the result.
	GetMany(ctx context.Context, keys []Key) (map[Key]*ChunkRecord, error)
	// Put stores one chunk record.
	Put(ctx context.Context, key Key, record *ChunkRecord) error
	// Delete removes one chunk record.
	Delete(ctx context.Context, key Key) error
	// Close releases backend resources.
	Close() error
}

// BackendConfig selects and configures a chunk storage backend. If multiple
// backends are configured, only the first one is used.
type BackendConfig struct {
	// InMemoryConfig configures the LRU in-memory backend.
	InMemoryConfig *InMemoryBackendConfig `json:"inMemoryConfig"`
	// CostAwareConfig configures the cost-aware (byte-budgeted) backend.
	CostAwareConfig *CostAwareBackendConfig `json:"costAwareConfig"`
	// RedisConfig configures the Redis backend.
	RedisConfig *RedisBackendConfig `json:"redisConfig"`
}

// DefaultBackendConfig returns an in-memory backend configuration.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		InMemoryConfig: DefaultInMemoryBackendConfig(),
	}
}

// NewBackend creates the backend selected by the configuration. onEvict may
// be nil.
func NewBackend(cfg *BackendConfig, onEvict EvictionCallback) (Backend, error) {
	if cfg == nil {
		cfg = DefaultBackendConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		backend, err := NewInMemoryBackend(cfg.InMemoryConfig, onEvict)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory backend: %w", err)
		}
		return backend, nil
	case cfg.CostAwareConfig != nil:
		backend, err := NewCostAwareBackend(cfg.CostAwareConfig, onEvict)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware backend: %w", err)
		}
		return backend, nil
	case cfg.RedisConfig != nil:
		backend, err := NewRedisBackend(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("no valid backend configuration provided")
	}
}
