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

package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/model"
)

func TestRegistryResolveKnownModels(t *testing.T) {
	registry := model.NewRegistry()

	tests := []struct {
		modelName string
		family    model.Family
	}{
		{"meta-llama/Llama-3.1-8B-Instruct", model.FamilyLlama},
		{"lmsys/longchat-7b-16k", model.FamilyLongchat},
		{"mistralai/Mistral-7B-Instruct-v0.2", model.FamilyMistral},
		{"THUDM/glm-4-9b-chat", model.FamilyGLM},
		{"Qwen/Qwen-7B", model.FamilyQwen},
	}

	for _, tt := range tests {
		desc, err := registry.Resolve(tt.modelName)
		require.NoError(t, err)
		assert.Equal(t, tt.family, desc.Family)
	}
}

func TestRegistryResolveUnknownModelFails(t *testing.T) {
	registry := model.NewRegistry()

	_, err := registry.Resolve("acme/novel-arch-70b")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnsupportedModel)
}

func TestRegistryRegister(t *testing.T) {
	registry := model.NewRegistry()

	require.NoError(t, registry.Register("meta-llama/Llama-3.3-70B-Instruct", model.FamilyLlama))
	desc, err := registry.Resolve("meta-llama/Llama-3.3-70B-Instruct")
	require.NoError(t, err)
	assert.Equal(t, model.FamilyLlama, desc.Family)

	assert.Error(t, registry.Register("acme/novel-arch-70b", model.Family("novel")))
}

func TestLayerRange(t *testing.T) {
	desc := model.Descriptor{
		Family:            model.FamilyLlama,
		DefaultStartLayer: 0,
		DefaultEndLayer:   model.EndLayerAll,
	}

	start, end, err := desc.LayerRange(32, -1, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, start)
	assert.Equal(t, 32, end)

	// pipeline-parallel overrides take precedence
	start, end, err = desc.LayerRange(32, 8, 16)
	require.NoError(t, err)
	assert.Equal(t, 8, start)
	assert.Equal(t, 16, end)

	_, _, err = desc.LayerRange(32, 16, 8)
	assert.Error(t, err)

	_, _, err = desc.LayerRange(32, 0, 33)
	assert.Error(t, err)
}
