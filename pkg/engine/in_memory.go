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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultInMemoryChunks bounds the number of chunks the in-memory backend
// retains before LRU eviction kicks in.
const defaultInMemoryChunks = 4096

// InMemoryBackendConfig holds the configuration for the InMemoryBackend.
type InMemoryBackendConfig struct {
	// Chunks is the maximum number of chunk records retained.
	Chunks int `json:"chunks"`
}

// DefaultInMemoryBackendConfig returns a default configuration for the
// InMemoryBackend.
func DefaultInMemoryBackendConfig() *InMemoryBackendConfig {
	return &InMemoryBackendConfig{
		Chunks: defaultInMemoryChunks,
	}
}

// InMemoryBackend stores chunk records in an LRU cache.
type InMemoryBackend struct {
	data *lru.Cache[Key, *ChunkRecord]
}

var _ Backend = &InMemoryBackend{}

// NewInMemoryBackend creates a new InMemoryBackend instance.
func NewInMemoryBackend(cfg *InMemoryBackendConfig, onEvict EvictionCallback) (*InMemoryBackend, error) {
	if cfg == nil {
		cfg = DefaultInMemoryBackendConfig()
	}

	var evictFn func(Key, *ChunkRecord)
	if onEvict != nil {
		evictFn = func(key Key, _ *ChunkRecord) {
			onEvict(key)
		}
	}

	cache, err := lru.NewWithEvict(cfg.Chunks, evictFn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory backend: %w", err)
	}

	return &InMemoryBackend{data: cache}, nil
}

// Contains reports whether the chunk is present without fetching it.
func (b *InMemoryBackend) Contains(_ context.Context, key Key) (bool, error) {
	return b.data.Contains(key), nil
}

// Get fetches one chunk record.
func (b *InMemoryBackend) Get(_ context.Context, key Key) (*ChunkRecord, bool, error) {
	record, found := b.data.Get(key)
	return record, found, nil
}

// GetMany fetches multiple chunk records.
func (b *InMemoryBackend) GetMany(_ context.Context, keys []Key) (map[Key]*ChunkRecord, error) {
	records := make(map[Key]*ChunkRecord, len(keys))
	for _, key := range keys {
		if record, found := b.data.Get(key); found {
			records[key] = record
		}
	}

	return records, nil
}

// Put stores one chunk record.
func (b *InMemoryBackend) Put(_ context.Context, key Key, record *ChunkRecord) error {
	b.data.Add(key, record)
	return nil
}

// Delete removes one chunk record.
func (b *InMemoryBackend) Delete(_ context.Context, key Key) error {
	b.data.Remove(key)
	return nil
}

// Close releases backend resources.
func (b *InMemoryBackend) Close() error {
	b.data.Purge()
	return nil
}
