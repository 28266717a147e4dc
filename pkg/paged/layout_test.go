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

package paged_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
)

func TestNewLayoutUnknownTag(t *testing.T) {
	_, err := paged.NewLayout(paged.LayoutTag("interleaved"))
	assert.Error(t, err)
}

// TestLayoutRoundTrip verifies that Gather inverts Inject for both plane
// arrangements, including non-contiguous slot sets.
func TestLayoutRoundTrip(t *testing.T) {
	geo := paged.Geometry{BlockSize: 4, Heads: 2, HeadSize: 3}
	numBlocks := 4
	planeSize := numBlocks * geo.BlockSize * geo.Heads * geo.HeadSize

	tensor := kv.NewTensor(5, geo.Heads, geo.HeadSize)
	for i := range tensor.Data {
		tensor.Data[i] = float16.Fromfloat32(float32(i) + 0.5)
	}

	// slots span two blocks and are not contiguous
	slots := []int64{1, 2, 3, 9, 10}

	for _, tag := range []paged.LayoutTag{paged.LayoutSeparated, paged.LayoutPacked} {
		t.Run(string(tag), func(t *testing.T) {
			layout, err := paged.NewLayout(tag)
			require.NoError(t, err)
			assert.Equal(t, tag, layout.Tag())

			plane := make([]float16.Float16, planeSize)
			require.NoError(t, layout.Inject(plane, slots, tensor, geo))

			got := layout.Gather(plane, slots, geo)
			assert.True(t, tensor.Equal(got))

			// untouched slots stay zero
			zero := layout.Gather(plane, []int64{0, 4, 15}, geo)
			for _, elem := range zero.Data {
				assert.Zero(t, elem)
			}
		})
	}
}

func TestLayoutInjectShapeMismatch(t *testing.T) {
	geo := paged.Geometry{BlockSize: 4, Heads: 2, HeadSize: 3}
	plane := make([]float16.Float16, 4*4*2*3)
	tensor := kv.NewTensor(2, geo.Heads, geo.HeadSize)

	for _, tag := range []paged.LayoutTag{paged.LayoutSeparated, paged.LayoutPacked} {
		layout, err := paged.NewLayout(tag)
		require.NoError(t, err)

		err = layout.Inject(plane, []int64{0, 1, 2}, tensor, geo)
		assert.Error(t, err)
	}
}

// TestLayoutsDifferPhysically pins down that packed and separated planes
// are not interchangeable: the same inject lands elements at different
// flat offsets.
func TestLayoutsDifferPhysically(t *testing.T) {
	geo := paged.Geometry{BlockSize: 4, Heads: 2, HeadSize: 3}
	planeSize := 2 * geo.BlockSize * geo.Heads * geo.HeadSize

	tensor := kv.NewTensor(1, geo.Heads, geo.HeadSize)
	for i := range tensor.Data {
		tensor.Data[i] = float16.Fromfloat32(float32(i + 1))
	}

	separated, err := paged.NewLayout(paged.LayoutSeparated)
	require.NoError(t, err)
	packed, err := paged.NewLayout(paged.LayoutPacked)
	require.NoError(t, err)

	planeA := make([]float16.Float16, planeSize)
	planeB := make([]float16.Float16, planeSize)
	require.NoError(t, separated.Inject(planeA, []int64{5}, tensor, geo))
	require.NoError(t, packed.Inject(planeB, []int64{5}, tensor, geo))

	assert.NotEqual(t, planeA, planeB)
}
