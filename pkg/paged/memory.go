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

// Package paged models the engine-owned paged KV memory: per-layer key and
// value planes organized into fixed-size blocks and addressed by slot
// indices. The connector reads and writes disjoint slot ranges it is given;
// it never owns the memory.
package paged

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
)

// CacheDType identifies the element type a layer's cache plane holds.
type CacheDType string

const (
	// DTypeAuto stores values at the model's native half precision.
	DTypeAuto CacheDType = "auto"
	// DTypeFP8 stores values quantized by the layer's k/v scales.
	DTypeFP8 CacheDType = "fp8"
)

// AttentionParams carries the per-layer attention-module cache parameters
// used on injection.
type AttentionParams struct {
	CacheDType CacheDType `json:"cacheDType"`
	KScale     float32    `json:"kScale"`
	VScale     float32    `json:"vScale"`
}

// DefaultAttentionParams returns unquantized parameters.
func DefaultAttentionParams() AttentionParams {
	return AttentionParams{CacheDType: DTypeAuto, KScale: 1, VScale: 1}
}

// Config holds the shape of the paged memory owned by one worker.
type Config struct {
	// NumLayers is the number of transformer layers in this worker's
	// pipeline-parallel range.
	NumLayers int `json:"numLayers"`
	// NumBlocks is the number of physical blocks per plane. Zero means the
	// memory is a profiling placeholder with no buffers allocated.
	NumBlocks int `json:"numBlocks"`
	// BlockSize is the number of token slots per block.
	BlockSize int `json:"blockSize"`
	// NumKVHeads is the number of KV heads per layer.
	NumKVHeads int `json:"numKVHeads"`
	// HeadSize is the per-head hidden dimension.
	HeadSize int `json:"headSize"`
	// Layout selects the physical plane arrangement.
	Layout LayoutTag `json:"layout"`
}

// DefaultConfig returns a small separated-layout configuration.
func DefaultConfig() *Config {
	return &Config{
		NumLayers:  1,
		NumBlocks:  64,
		BlockSize:  16,
		NumKVHeads: 1,
		HeadSize:   8,
		Layout:     LayoutSeparated,
	}
}

// layerPlanes holds one layer's key and value planes.
type layerPlanes struct {
	keys   []float16.Float16
	values []float16.Float16
}

// Memory is the paged KV storage of one worker. Planes are mutated in
// place; callers guarantee that slot ranges addressed by different
// sequences in the same step never overlap, so no locking is done here.
type Memory struct {
	config *Config
	layout Layout
	geo    Geometry

	layers []layerPlanes
	params []AttentionParams
}

// NewMemory allocates the paged memory for a worker. A config with zero
// NumBlocks produces an unallocated profiling placeholder.
func NewMemory(config *Config) (*Memory, error) {
	if config == nil {
		config = DefaultConfig()
	}

	layout, err := NewLayout(config.Layout)
	if err != nil {
		return nil, fmt.Errorf("failed to create paged memory: %w", err)
	}

	m := &Memory{
		config: config,
		layout: layout,
		geo: Geometry{
			BlockSize: config.BlockSize,
			Heads:     config.NumKVHeads,
			HeadSize:  config.HeadSize,
		},
		params: make([]AttentionParams, config.NumLayers),
	}
	for i := range m.params {
		m.params[i] = DefaultAttentionParams()
	}

	if config.NumBlocks > 0 {
		planeSize := config.NumBlocks * config.BlockSize * config.NumKVHeads * config.HeadSize
		m.layers = make([]layerPlanes, config.NumLayers)
		for i := range m.layers {
			m.layers[i] = layerPlanes{
				keys:   make([]float16.Float16, planeSize),
				values: make([]float16.Float16, planeSize),
			}
		}
	}

	return m, nil
}

// Allocated reports whether the planes are backed by real buffers. False
// during the engine's memory-profiling dry run.
func (m *Memory) Allocated() bool {
	return len(m.layers) > 0
}

// NumLayers returns the number of layers held by this worker.
func (m *Memory) NumLayers() int {
	return m.config.NumLayers
}

// BlockSize returns the number of token slots per block.
func (m *Memory) BlockSize() int {
	return m.config.BlockSize
}

// Layout returns the capability tag of the active layout.
func (m *Memory) Layout() LayoutTag {
	return m.layout.Tag()
}

// Params returns the attention-module cache parameters of a layer.
func (m *Memory) Params(layer int) AttentionParams {
	return m.params[layer]
}

// SetParams overrides the attention-module cache parameters of a layer.
func (m *Memory) SetParams(layer int, params AttentionParams) {
	m.params[layer] = params
}

// GatherKV copies the key/value rows at the given slots out of a layer,
// normalized to [slot, heads, headSize] and dequantized per the layer's
// cache parameters.
func (m *Memory) GatherKV(layer int, slots []int64) (kv.LayerKV, error) {
	if !m.Allocated() {
		return kv.LayerKV{}, fmt.Errorf("paged memory is not allocated")
	}
	if layer < 0 || layer >= len(m.layers) {
		return kv.LayerKV{}, fmt.Errorf("layer %d out of range [0, %d)", layer, len(m.layers))
	}

	planes := m.layers[layer]
	key := m.layout.Gather(planes.keys, slots, m.geo)
	value := m.layout.Gather(planes.values, slots, m.geo)

	params := m.params[layer]
	if params.CacheDType == DTypeFP8 {
		scaleTensor(key, params.KScale)
		scaleTensor(value, params.VScale)
	}

	return kv.LayerKV{Key: key, Value: value}, nil
}

// InjectKV writes normalized key/value rows into a layer at the given
// slots, quantized per the layer's cache parameters.
func (m *Memory) InjectKV(layer int, slots []int64, pair kv.LayerKV) error {
	if !m.Allocated() {
		return fmt.Errorf("paged memory is not allocated")
	}
	if layer < 0 || layer >= len(m.layers) {
		return fmt.Errorf("layer %d out of range [0, %d)", layer, len(m.layers))
	}

	key, value := pair.Key, pair.Value
	params := m.params[layer]
	if params.CacheDType == DTypeFP8 {
		key = key.Slice(0, key.Tokens())
		value = value.Slice(0, value.Tokens())
		scaleTensor(key, 1/params.KScale)
		scaleTensor(value, 1/params.VScale)
	}

	planes := m.layers[layer]
	if err := m.layout.Inject(planes.keys, slots, key, m.geo); err != nil {
		return fmt.Errorf("failed to inject key rows into layer %d: %w", layer, err)
	}
	if err := m.layout.Inject(planes.values, slots, value, m.geo); err != nil {
		return fmt.Errorf("failed to inject value rows into layer %d: %w", layer, err)
	}

	return nil
}

// scaleTensor multiplies every element in place.
func scaleTensor(t *kv.Tensor, factor float32) {
	for i, v := range t.Data {
		t.Data[i] = float16.Fromfloat32(v.Float32() * factor)
	}
}

// SlotMapping computes the physical slots of the logical positions
// [start, end) of a sequence from its block table.
func SlotMapping(blockTable []int32, start, end, blockSize int) ([]int64, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid slot range [%d, %d)", start, end)
	}

	slots := make([]int64, 0, end-start)
	for pos := start; pos < end; pos++ {
		blockIdx := pos / blockSize
		if blockIdx >= len(blockTable) {
			return nil, fmt.Errorf("position %d exceeds block table of %d blocks", pos, len(blockTable))
		}

		slots = append(slots, int64(blockTable[blockIdx])*int64(blockSize)+int64(pos%blockSize))
	}

	return slots, nil
}
