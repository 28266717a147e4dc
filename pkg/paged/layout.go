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

package paged

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
)

// LayoutTag selects the physical arrangement of a paged cache plane. It is
// detected from the device architecture capability at memory construction.
type LayoutTag string

const (
	// LayoutSeparated arranges a plane as [blocks, blockSize, heads, headSize].
	// This is the layout used by flash-attention style kernels.
	LayoutSeparated LayoutTag = "separated"
	// LayoutPacked arranges a plane as [blocks, heads, headSize, blockSize].
	// Older architectures (compute capability 7.x) pack the block position
	// innermost.
	LayoutPacked LayoutTag = "packed"
)

// Geometry describes the shape shared by all planes of a memory.
type Geometry struct {
	BlockSize int
	Heads     int
	HeadSize  int
}

// rowSize returns the number of elements per token slot.
func (g Geometry) rowSize() int {
	return g.Heads * g.HeadSize
}

// Layout normalizes a physical cache plane to the [slot, heads, headSize]
// form used by the cache engine contract. Implementations must be inverses
// of each other's addressing: Gather after Inject over the same slots yields
// the original tensor.
type Layout interface {
	// Tag returns the layout's capability tag.
	Tag() LayoutTag
	// Gather copies the rows at the given slots out of the plane into a
	// normalized tensor.
	Gather(plane []float16.Float16, slots []int64, geo Geometry) *kv.Tensor
	// Inject writes the normalized tensor rows into the plane at the given
	// slots. The tensor must hold exactly len(slots) rows.
	Inject(plane []float16.Float16, slots []int64, tensor *kv.Tensor, geo Geometry) error
}

// NewLayout returns the layout implementation for a capability tag.
func NewLayout(tag LayoutTag) (Layout, error) {
	switch tag {
	case LayoutSeparated:
		return separatedLayout{}, nil
	case LayoutPacked:
		return packedLayout{}, nil
	default:
		return nil, fmt.Errorf("unknown paged-cache layout %q", tag)
	}
}

// separatedLayout stores token slots contiguously: the flat element index of
// (slot, head, dim) is slot*rowSize + head*headSize + dim, so gather and
// inject reduce to row copies.
type separatedLayout struct{}

func (separatedLayout) Tag() LayoutTag { return LayoutSeparated }

func (separatedLayout) Gather(plane []float16.Float16, slots []int64, geo Geometry) *kv.Tensor {
	rowSize := geo.rowSize()
	out := kv.NewTensor(len(slots), geo.Heads, geo.HeadSize)
	for i, slot := range slots {
		copy(out.Row(i), plane[int(slot)*rowSize:(int(slot)+1)*rowSize])
	}

	return out
}

func (separatedLayout) Inject(plane []float16.Float16, slots []int64, tensor *kv.Tensor, geo Geometry) error {
	if tensor.Tokens() != len(slots) {
		return fmt.Errorf("tensor holds %d rows for %d slots", tensor.Tokens(), len(slots))
	}

	rowSize := geo.rowSize()
	for i, slot := range slots {
		copy(plane[int(slot)*rowSize:(int(slot)+1)*rowSize], tensor.Row(i))
	}

	return nil
}

// packedLayout stores heads and head dimensions outermost within a block:
// the flat element index of (slot, head, dim) is
// ((block*heads + head)*headSize + dim)*blockSize + offset with
// block = slot/blockSize and offset = slot%blockSize.
type packedLayout struct{}

func (packedLayout) Tag() LayoutTag { return LayoutPacked }

func (p packedLayout) index(slot int64, head, dim int, geo Geometry) int {
	block := int(slot) / geo.BlockSize
	offset := int(slot) % geo.BlockSize

	return ((block*geo.Heads+head)*geo.HeadSize+dim)*geo.BlockSize + offset
}

func (p packedLayout) Gather(plane []float16.Float16, slots []int64, geo Geometry) *kv.Tensor {
	out := kv.NewTensor(len(slots), geo.Heads, geo.HeadSize)
	for i, slot := range slots {
		row := out.Row(i)
		for head := 0; head < geo.Heads; head++ {
			for dim := 0; dim < geo.HeadSize; dim++ {
				row[head*geo.HeadSize+dim] = plane[p.index(slot, head, dim, geo)]
			}
		}
	}

	return out
}

func (p packedLayout) Inject(plane []float16.Float16, slots []int64, tensor *kv.Tensor, geo Geometry) error {
	if tensor.Tokens() != len(slots) {
		return fmt.Errorf("tensor holds %d rows for %d slots", tensor.Tokens(), len(slots))
	}

	for i, slot := range slots {
		row := tensor.Row(i)
		for head := 0; head < geo.Heads; head++ {
			for dim := 0; dim < geo.HeadSize; dim++ {
				plane[p.index(slot, head, dim, geo)] = row[head*geo.HeadSize+dim]
			}
		}
	}

	return nil
}
