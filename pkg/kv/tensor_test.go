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

package kv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
)

// fillTensor writes a distinct value into every element so copies and
// slices can be told apart from the source.
func fillTensor(t *kv.Tensor, base float32) {
	for i := range t.Data {
		t.Data[i] = float16.Fromfloat32(base + float32(i))
	}
}

func TestTensorShape(t *testing.T) {
	tensor := kv.NewTensor(4, 2, 3)

	assert.Equal(t, 4, tensor.Tokens())
	assert.Equal(t, 6, tensor.RowSize())
	assert.Len(t, tensor.Data, 24)
	assert.Len(t, tensor.Row(2), 6)
}

func TestTensorSliceCopies(t *testing.T) {
	tensor := kv.NewTensor(4, 2, 3)
	fillTensor(tensor, 1)

	sliced := tensor.Slice(1, 3)
	require.Equal(t, 2, sliced.Tokens())
	assert.Equal(t, tensor.Row(1), sliced.Row(0))
	assert.Equal(t, tensor.Row(2), sliced.Row(1))

	// mutating the slice must not leak back into the source
	sliced.Data[0] = float16.Fromfloat32(999)
	assert.NotEqual(t, tensor.Row(1)[0], sliced.Row(0)[0])
}

func TestTensorAppend(t *testing.T) {
	a := kv.NewTensor(2, 2, 3)
	fillTensor(a, 1)
	b := kv.NewTensor(3, 2, 3)
	fillTensor(b, 100)

	joined, err := a.Append(b)
	require.NoError(t, err)
	assert.Equal(t, 5, joined.Tokens())
	assert.Equal(t, a.Row(1), joined.Row(1))
	assert.Equal(t, b.Row(0), joined.Row(2))
	assert.Equal(t, 2, a.Tokens())

	mismatched := kv.NewTensor(1, 4, 3)
	_, err = a.Append(mismatched)
	assert.Error(t, err)
}

func TestTensorEqual(t *testing.T) {
	a := kv.NewTensor(2, 2, 3)
	fillTensor(a, 1)
	b := kv.NewTensor(2, 2, 3)
	fillTensor(b, 1)

	assert.True(t, a.Equal(b))

	b.Data[5] = float16.Fromfloat32(-1)
	assert.False(t, a.Equal(b))
}

func TestLayerKVSizeBytes(t *testing.T) {
	pair := kv.LayerKV{
		Key:   kv.NewTensor(4, 2, 3),
		Value: kv.NewTensor(4, 2, 3),
	}

	// two planes of 4*2*3 half-precision elements
	assert.Equal(t, int64(96), pair.SizeBytes())
}
