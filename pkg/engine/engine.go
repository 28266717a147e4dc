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

// Package engine implements the KV cache engine consumed by the connector:
// chunk-aligned lookup, store and retrieve of per-layer key/value tensors,
// over pluggable storage backends.
package engine

import (
	"context"
	"fmt"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
)

// Config is the engine configuration surface consumed by the connector.
type Config struct {
	// ChunkSize is the store/lookup alignment unit in tokens.
	ChunkSize int `json:"chunkSize"`
	// SaveDecodeCache enables storing KV produced during decode steps.
	SaveDecodeCache bool `json:"saveDecodeCache"`
	// EnableBlending disables the connector's retrieve path in favor of
	// cross-sequence context blending.
	EnableBlending bool `json:"enableBlending"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:       256,
		SaveDecodeCache: false,
		EnableBlending:  false,
	}
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}

	return nil
}

// Metadata identifies the producer of the cached KV within a distributed
// deployment. It is folded into every chunk key.
type Metadata struct {
	ModelName string `json:"modelName"`
	WorldSize int    `json:"worldSize"`
	WorkerID  int    `json:"workerId"`
}

// StoreOptions controls one store submission.
type StoreOptions struct {
	// SkipExisting makes the store idempotent: chunks already present are
	// not rewritten.
	SkipExisting bool
	// Blocking forces the submission onto the calling goroutine. When
	// false the store is fire-and-forget and its completion is never
	// awaited.
	Blocking bool
}

// Engine is the cache engine contract.
//
// Lookup and Retrieve operate on chunk granularity: Lookup returns a
// chunk-aligned count of leading tokens already cached, and Retrieve serves
// a contiguous run of cached tokens starting at the first position the
// validity mask marks eligible.
type Engine interface {
	// Lookup returns how many leading tokens of the sequence are already
	// cached. The result is chunk-aligned and never exceeds len(tokens).
	Lookup(ctx context.Context, tokens []uint32) (int, error)
	// Store persists per-layer KV for the tokens the mask marks valid.
	// The tensors hold one row per mask-valid token, in sequence order.
	Store(ctx context.Context, tokens []uint32, kvs []kv.LayerKV, mask []bool, opts StoreOptions) error
	// Retrieve returns per-layer KV covering a contiguous run of the
	// mask-eligible positions, plus a hit mask over the full sequence.
	// The hit mask may be all false.
	Retrieve(ctx context.Context, tokens []uint32, mask []bool) ([]kv.LayerKV, []bool, error)
	// Config exposes the engine configuration surface.
	Config() *Config
	// Close releases the engine's resources.
	Close() error
}
