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

package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/engine"
)

func newRegistryEngine() (engine.Engine, error) {
	return engine.NewChunkEngine(nil, engine.Metadata{ModelName: "test-model"})
}

func TestRegistryGetOrCreate(t *testing.T) {
	registry := engine.NewRegistry()

	created, err := registry.GetOrCreate(t.Context(), "vllm-0", newRegistryEngine)
	require.NoError(t, err)
	require.NotNil(t, created)

	// second call returns the same instance, the factory does not run again
	same, err := registry.GetOrCreate(t.Context(), "vllm-0", func() (engine.Engine, error) {
		return nil, errors.New("factory must not be called")
	})
	require.NoError(t, err)
	assert.Same(t, created, same)

	got, found := registry.Get("vllm-0")
	require.True(t, found)
	assert.Same(t, created, got)

	assert.Equal(t, []string{"vllm-0"}, registry.Names().UnsortedList())
}

func TestRegistryGetMissing(t *testing.T) {
	registry := engine.NewRegistry()

	_, found := registry.Get("vllm-0")
	assert.False(t, found)
}

func TestRegistryCreateFailure(t *testing.T) {
	registry := engine.NewRegistry()

	_, err := registry.GetOrCreate(t.Context(), "vllm-0", func() (engine.Engine, error) {
		return nil, errors.New("backend unavailable")
	})
	require.Error(t, err)

	// a failed creation leaves no entry behind
	_, found := registry.Get("vllm-0")
	assert.False(t, found)
}

func TestRegistryDestroy(t *testing.T) {
	registry := engine.NewRegistry()

	_, err := registry.GetOrCreate(t.Context(), "vllm-0", newRegistryEngine)
	require.NoError(t, err)

	require.NoError(t, registry.Destroy(t.Context(), "vllm-0"))
	_, found := registry.Get("vllm-0")
	assert.False(t, found)

	// destroying an absent engine is a no-op
	require.NoError(t, registry.Destroy(t.Context(), "vllm-0"))
}
