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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultCostAwareCounters    = 1e7
	defaultCostAwareBufferItems = 64
)

// CostAwareBackendConfig holds the configuration for the CostAwareBackend.
type CostAwareBackendConfig struct {
	// Size is the maximum memory the backend may hold. Supports
	// human-readable formats like "2GiB", "500MiB".
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareBackendConfig returns a default configuration for the
// CostAwareBackend.
func DefaultCostAwareBackendConfig() *CostAwareBackendConfig {
	return &CostAwareBackendConfig{
		Size: "2GiB",
	}
}

// costEntry carries the engine key alongside the record. ristretto only
// surfaces its internal key hash on eviction, so the entry is what lets
// eviction notifications report the chunk hash.
type costEntry struct {
	key    Key
	record *ChunkRecord
}

// CostAwareBackend stores chunk records in a ristretto cache whose cost is
// the payload byte size, so eviction tracks actual memory pressure rather
// than a record count.
type CostAwareBackend struct {
	data *ristretto.Cache[string, *costEntry]
}

var _ Backend = &CostAwareBackend{}

// NewCostAwareBackend creates a new CostAwareBackend instance.
func NewCostAwareBackend(cfg *CostAwareBackendConfig, onEvict EvictionCallback) (*CostAwareBackend, error) {
	if cfg == nil {
		cfg = DefaultCostAwareBackendConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware backend: %w", err)
	}

	ristrettoCfg := &ristretto.Config[string, *costEntry]{
		NumCounters: defaultCostAwareCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultCostAwareBufferItems,
	}
	if onEvict != nil {
		ristrettoCfg.OnEvict = func(item *ristretto.Item[*costEntry]) {
			if item.Value != nil {
				onEvict(item.Value.key)
			}
		}
	}

	cache, err := ristretto.NewCache(ristrettoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware backend: %w", err)
	}

	return &CostAwareBackend{data: cache}, nil
}

// Contains reports whether the chunk is present without fetching it.
func (b *CostAwareBackend) Contains(_ context.Context, key Key) (bool, error) {
	_, found := b.data.Get(key.String())
	return found, nil
}

// Get fetches one chunk record.
func (b *CostAwareBackend) Get(_ context.Context, key Key) (*ChunkRecord, bool, error) {
	entry, found := b.data.Get(key.String())
	if !found {
		return nil, false, nil
	}

	return entry.record, true, nil
}

// GetMany fetches multiple chunk records.
func (b *CostAwareBackend) GetMany(_ context.Context, keys []Key) (map[Key]*ChunkRecord, error) {
	records := make(map[Key]*ChunkRecord, len(keys))
	for _, key := range keys {
		if entry, found := b.data.Get(key.String()); found {
			records[key] = entry.record
		}
	}

	return records, nil
}

// Put stores one chunk record, costed by its payload size.
func (b *CostAwareBackend) Put(_ context.Context, key Key, record *ChunkRecord) error {
	b.data.Set(key.String(), &costEntry{key: key, record: record}, record.SizeBytes())
	b.data.Wait()
	return nil
}

// Delete removes one chunk record.
func (b *CostAwareBackend) Delete(_ context.Context, key Key) error {
	b.data.Del(key.String())
	return nil
}

// Close releases backend resources.
func (b *CostAwareBackend) Close() error {
	b.data.Close()
	return nil
}
