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

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/engine/events"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

// ChunkEngineConfig holds the configuration for the ChunkEngine.
type ChunkEngineConfig struct {
	// Engine is the configuration surface exposed to the connector.
	Engine *Config `json:"engine"`
	// HashSeed prefixes the chunk-key hash chain.
	HashSeed string `json:"hashSeed"`
	// Backend selects the chunk storage backend.
	Backend *BackendConfig `json:"backend"`
	// StoreWorkers is the number of goroutines draining non-blocking
	// store submissions.
	StoreWorkers int `json:"storeWorkers"`
	// Events optionally configures chunk lifecycle event publication.
	Events *events.Config `json:"events,omitempty"`
}

// DefaultChunkEngineConfig returns a default configuration for the
// ChunkEngine.
func DefaultChunkEngineConfig() *ChunkEngineConfig {
	return &ChunkEngineConfig{
		Engine:       DefaultConfig(),
		Backend:      DefaultBackendConfig(),
		StoreWorkers: defaultStoreWorkers,
	}
}

// ChunkEngine implements Engine over a chunk storage backend. Token
// sequences are split into fixed-size chunks keyed by a prefix-chained
// hash, so a chunk hit implies the entire token prefix up to it matches.
type ChunkEngine struct {
	config   *Config
	metadata Metadata

	db        *tokenDB
	backend   Backend
	pool      *storePool
	publisher *events.Publisher
}

var _ Engine = &ChunkEngine{}

// NewChunkEngine creates a ChunkEngine. Call Start to enable the
// non-blocking store path.
func NewChunkEngine(cfg *ChunkEngineConfig, metadata Metadata) (*ChunkEngine, error) {
	if cfg == nil {
		cfg = DefaultChunkEngineConfig()
	}
	if cfg.Engine == nil {
		cfg.Engine = DefaultConfig()
	}
	if err := cfg.Engine.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &ChunkEngine{
		config:   cfg.Engine,
		metadata: metadata,
		db: newTokenDB(&TokenDBConfig{
			ChunkSize: cfg.Engine.ChunkSize,
			HashSeed:  cfg.HashSeed,
		}, metadata),
	}

	if cfg.Events != nil {
		publisher, err := events.NewPublisher(cfg.Events)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		e.publisher = publisher
	}

	var onEvict EvictionCallback
	if e.publisher != nil {
		onEvict = func(key Key) {
			_ = e.publisher.Publish(context.Background(), events.BlockRemoved{
				BlockHashes: []uint64{key.ChunkHash},
			})
		}
	}

	backend, err := NewBackend(cfg.Backend, onEvict)
	if err != nil {
		return nil, err
	}
	e.backend = backend

	e.pool = newStorePool(cfg.StoreWorkers, func(ctx context.Context, task *storeTask) error {
		return e.storeChunks(ctx, task.tokens, task.kvs, task.mask, task.skipExisting)
	})

	return e, nil
}

// Start launches the non-blocking store workers. It is non-blocking; the
// workers stop when ctx is cancelled or the engine is closed.
func (e *ChunkEngine) Start(ctx context.Context) {
	e.pool.Start(ctx)
}

// Config exposes the engine configuration surface.
func (e *ChunkEngine) Config() *Config {
	return e.config
}

// Lookup returns the chunk-aligned count of leading tokens already cached.
func (e *ChunkEngine) Lookup(ctx context.Context, tokens []uint32) (int, error) {
	keys, err := e.db.ChunkKeys(tokens)
	if err != nil {
		return 0, err
	}

	skip := 0
	for _, key := range keys {
		found, err := e.backend.Contains(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("lookup failed: %w", err)
		}
		if !found {
			break
		}

		skip += e.config.ChunkSize
	}

	return skip, nil
}

// Store persists the mask-valid tail of the sequence. With
// opts.Blocking=false the submission is queued and the call returns
// immediately; queue processing failures are dropped.
func (e *ChunkEngine) Store(ctx context.Context, tokens []uint32, kvs []kv.LayerKV, mask []bool, opts StoreOptions) error {
	if len(mask) != len(tokens) {
		return fmt.Errorf("mask length %d does not match %d tokens", len(mask), len(tokens))
	}

	if !opts.Blocking && e.pool.Running() {
		e.pool.Submit(&storeTask{tokens: tokens, kvs: kvs, mask: mask, skipExisting: opts.SkipExisting})
		return nil
	}

	return e.storeChunks(ctx, tokens, kvs, mask, opts.SkipExisting)
}

// storeChunks walks the full chunks of the mask-valid tail and persists
// the missing ones.
func (e *ChunkEngine) storeChunks(ctx context.Context, tokens []uint32, kvs []kv.LayerKV, mask []bool, skipExisting bool) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("engine.ChunkEngine.Store")

	firstValid := len(tokens)
	for i, valid := range mask {
		if valid {
			firstValid = i
			break
		}
	}

	numValid := len(tokens) - firstValid
	for i, layer := range kvs {
		if layer.Key.Tokens() != numValid || layer.Value.Tokens() != numValid {
			return fmt.Errorf("layer %d holds %d/%d rows for %d valid tokens",
				i, layer.Key.Tokens(), layer.Value.Tokens(), numValid)
		}
	}

	keys, err := e.db.ChunkKeys(tokens)
	if err != nil {
		return err
	}

	chunkSize := e.config.ChunkSize
	var storedHashes []uint64
	var parentHash *uint64

	for c, key := range keys {
		chunkStart := c * chunkSize
		if chunkStart < firstValid {
			continue
		}

		if skipExisting {
			found, err := e.backend.Contains(ctx, key)
			if err != nil {
				return fmt.Errorf("store existence check failed: %w", err)
			}
			if found {
				continue
			}
		}

		rowStart := chunkStart - firstValid
		record := &ChunkRecord{
			NumTokens: chunkSize,
			Layers:    make([]kv.LayerKV, len(kvs)),
		}
		for l, layer := range kvs {
			record.Layers[l] = kv.LayerKV{
				Key:   layer.Key.Slice(rowStart, rowStart+chunkSize),
				Value: layer.Value.Slice(rowStart, rowStart+chunkSize),
			}
		}
		record.Fingerprint = record.ComputeFingerprint()

		if err := e.backend.Put(ctx, key, record); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", c, err)
		}

		if len(storedHashes) == 0 && c > 0 {
			parent := keys[c-1].ChunkHash
			parentHash = &parent
		}
		storedHashes = append(storedHashes, key.ChunkHash)
	}

	traceLogger.Info("store completed", "tokens", len(tokens),
		"skipped", firstValid, "stored-chunks", len(storedHashes))

	if e.publisher != nil && len(storedHashes) > 0 {
		_ = e.publisher.Publish(ctx, events.BlockStored{
			BlockHashes:     storedHashes,
			ParentBlockHash: parentHash,
			TokenIDs:        tokens[firstValid:],
			BlockSize:       chunkSize,
		})
	}

	return nil
}

// Retrieve serves a contiguous run of cached tokens starting at the first
// mask-eligible position. The returned tensors hold one row per hit; the
// hit mask covers the full sequence.
func (e *ChunkEngine) Retrieve(ctx context.Context, tokens []uint32, mask []bool) ([]kv.LayerKV, []bool, error) {
	if len(mask) != len(tokens) {
		return nil, nil, fmt.Errorf("mask length %d does not match %d tokens", len(mask), len(tokens))
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("engine.ChunkEngine.Retrieve")
	hitMask := make([]bool, len(tokens))

	firstValid := len(tokens)
	for i, valid := range mask {
		if valid {
			firstValid = i
			break
		}
	}
	if firstValid == len(tokens) {
		return nil, hitMask, nil
	}

	keys, err := e.db.ChunkKeys(tokens)
	if err != nil {
		return nil, nil, err
	}

	chunkSize := e.config.ChunkSize
	startChunk := firstValid / chunkSize
	if startChunk >= len(keys) {
		return nil, hitMask, nil
	}

	records, err := e.backend.GetMany(ctx, keys[startChunk:])
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve failed: %w", err)
	}

	var out []kv.LayerKV
	hits := 0

	for c := startChunk; c < len(keys); c++ {
		record, found := records[keys[c]]
		if !found {
			break // prefix chain ends here
		}

		chunkStart := c * chunkSize
		rowStart := 0
		if firstValid > chunkStart {
			rowStart = firstValid - chunkStart
		}

		if out == nil {
			out = make([]kv.LayerKV, len(record.Layers))
			for l, layer := range record.Layers {
				out[l] = kv.LayerKV{
					Key:   layer.Key.Slice(rowStart, record.NumTokens),
					Value: layer.Value.Slice(rowStart, record.NumTokens),
				}
			}
		} else {
			if len(record.Layers) != len(out) {
				return nil, nil, fmt.Errorf("chunk %d holds %d layers, expected %d",
					c, len(record.Layers), len(out))
			}
			for l, layer := range record.Layers {
				key, err := out[l].Key.Append(layer.Key.Slice(rowStart, record.NumTokens))
				if err != nil {
					return nil, nil, fmt.Errorf("failed to assemble layer %d: %w", l, err)
				}
				value, err := out[l].Value.Append(layer.Value.Slice(rowStart, record.NumTokens))
				if err != nil {
					return nil, nil, fmt.Errorf("failed to assemble layer %d: %w", l, err)
				}
				out[l] = kv.LayerKV{Key: key, Value: value}
			}
		}

		for pos := chunkStart + rowStart; pos < chunkStart+record.NumTokens; pos++ {
			hitMask[pos] = true
		}
		hits += record.NumTokens - rowStart
	}

	traceLogger.Info("retrieve completed", "tokens", len(tokens),
		"eligible-from", firstValid, "hits", hits)

	if hits == 0 {
		return nil, hitMask, nil
	}

	return out, hitMask, nil
}

// Close shuts down the store pool and releases backend resources.
func (e *ChunkEngine) Close() error {
	e.pool.Shutdown()
	if e.publisher != nil {
		_ = e.publisher.Close()
	}

	return e.backend.Close()
}
