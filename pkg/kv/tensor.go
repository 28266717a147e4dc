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

// Package kv defines the key/value tensor values exchanged between the
// connector, the paged memory and the cache engine.
package kv

import (
	"fmt"

	"github.com/x448/float16"
)

// Tensor is a row-major [token, head, headDim] tensor of half-precision
// values. It is the normalized form all paged-memory layouts gather into
// and inject from.
type Tensor struct {
	// Data holds Tokens*Heads*HeadSize elements.
	Data []float16.Float16
	// Heads is the number of KV heads.
	Heads int
	// HeadSize is the per-head hidden dimension.
	HeadSize int
}

// NewTensor allocates a zeroed tensor for the given number of tokens.
func NewTensor(tokens, heads, headSize int) *Tensor {
	return &Tensor{
		Data:     make([]float16.Float16, tokens*heads*headSize),
		Heads:    heads,
		HeadSize: headSize,
	}
}

// Tokens returns the number of token rows held by the tensor.
func (t *Tensor) Tokens() int {
	if t.Heads == 0 || t.HeadSize == 0 {
		return 0
	}

	return len(t.Data) / (t.Heads * t.HeadSize)
}

// RowSize returns the number of elements per token row.
func (t *Tensor) RowSize() int {
	return t.Heads * t.HeadSize
}

// Row returns the backing slice for one token row.
func (t *Tensor) Row(token int) []float16.Float16 {
	rowSize := t.RowSize()
	return t.Data[token*rowSize : (token+1)*rowSize]
}

// Slice returns a copy of the token rows in [start, end).
func (t *Tensor) Slice(start, end int) *Tensor {
	rowSize := t.RowSize()
	out := &Tensor{
		Data:     make([]float16.Float16, (end-start)*rowSize),
		Heads:    t.Heads,
		HeadSize: t.HeadSize,
	}
	copy(out.Data, t.Data[start*rowSize:end*rowSize])

	return out
}

// Append returns a new tensor with the rows of other appended to t.
// Both tensors must share the same head geometry.
func (t *Tensor) Append(other *Tensor) (*Tensor, error) {
	if t.Heads != other.Heads || t.HeadSize != other.HeadSize {
		return nil, fmt.Errorf("tensor shape mismatch: [%d,%d] vs [%d,%d]",
			t.Heads, t.HeadSize, other.Heads, other.HeadSize)
	}

	out := &Tensor{
		Data:     make([]float16.Float16, 0, len(t.Data)+len(other.Data)),
		Heads:    t.Heads,
		HeadSize: t.HeadSize,
	}
	out.Data = append(out.Data, t.Data...)
	out.Data = append(out.Data, other.Data...)

	return out, nil
}

// Equal reports whether two tensors are bit-identical.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || t.Heads != other.Heads || t.HeadSize != other.HeadSize ||
		len(t.Data) != len(other.Data) {
		return false
	}

	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}

	return true
}

// SizeBytes returns the in-memory payload size of the tensor.
func (t *Tensor) SizeBytes() int64 {
	return int64(len(t.Data)) * 2
}

// LayerKV is the (key, value) tensor pair of one transformer layer.
type LayerKV struct {
	Key   *Tensor
	Value *Tensor
}

// SizeBytes returns the combined payload size of the pair.
func (l LayerKV) SizeBytes() int64 {
	var total int64
	if l.Key != nil {
		total += l.Key.SizeBytes()
	}
	if l.Value != nil {
		total += l.Value.SizeBytes()
	}

	return total
}
