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

// Package model maps model identifiers to statically declared capability
// descriptors. No runtime structure probing: an unknown model is an error,
// never a silent fallback to another family's layout.
package model

import (
	"errors"
	"fmt"
)

// ErrUnsupportedModel is returned when a model identifier does not belong
// to any registered family.
var ErrUnsupportedModel = errors.New("unsupported model")

// Family identifies a group of models sharing layer structure.
type Family string

const (
	FamilyLlama    Family = "llama"
	FamilyLongchat Family = "longchat"
	FamilyMistral  Family = "mistral"
	FamilyGLM      Family = "glm"
	FamilyQwen     Family = "qwen"
)

// Descriptor is the capability record of a model family: how its layer
// range is addressed in a pipeline-parallel deployment.
type Descriptor struct {
	Family Family
	// DefaultStartLayer is the first transformer layer owned by a worker
	// when no pipeline-parallel override applies.
	DefaultStartLayer int
	// DefaultEndLayer is the exclusive end of the owned range; EndLayerAll
	// means "through the last layer".
	DefaultEndLayer int
}

// EndLayerAll marks a descriptor whose range extends through the model's
// last layer.
const EndLayerAll = -1

// LayerRange resolves the worker's concrete [start, end) layer range given
// the model's total layer count and optional pipeline-parallel overrides
// (negative override means "use the descriptor default").
func (d Descriptor) LayerRange(numLayers, ppStart, ppEnd int) (start, end int, err error) {
	start = d.DefaultStartLayer
	if ppStart >= 0 {
		start = ppStart
	}

	end = d.DefaultEndLayer
	if end == EndLayerAll {
		end = numLayers
	}
	if ppEnd >= 0 {
		end = ppEnd
	}

	if start < 0 || end > numLayers || start >= end {
		return 0, 0, fmt.Errorf("invalid layer range [%d, %d) for %d layers", start, end, numLayers)
	}

	return start, end, nil
}

// Registry resolves model identifiers to family descriptors.
type Registry struct {
	families map[Family]Descriptor
	models   map[string]Family
}

// NewRegistry returns a registry pre-populated with the supported families.
func NewRegistry() *Registry {
	r := &Registry{
		families: make(map[Family]Descriptor),
		models:   make(map[string]Family),
	}

	for _, family := range []Family{FamilyLlama, FamilyLongchat, FamilyMistral, FamilyGLM, FamilyQwen} {
		r.families[family] = Descriptor{
			Family:            family,
			DefaultStartLayer: 0,
			DefaultEndLayer:   EndLayerAll,
		}
	}

	for modelName, family := range map[string]Family{
		"meta-llama/Llama-3.1-8B-Instruct":   FamilyLlama,
		"lmsys/longchat-7b-16k":              FamilyLongchat,
		"mistralai/Mistral-7B-Instruct-v0.2": FamilyMistral,
		"THUDM/glm-4-9b-chat":                FamilyGLM,
		"Qwen/Qwen-7B":                       FamilyQwen,
	} {
		r.models[modelName] = family
	}

	return r
}

// Register adds or replaces a model-to-family binding. The family must
// already carry a descriptor.
func (r *Registry) Register(modelName string, family Family) error {
	if _, ok := r.families[family]; !ok {
		return fmt.Errorf("unknown model family %q", family)
	}

	r.models[modelName] = family
	return nil
}

// Resolve returns the descriptor for a model identifier.
func (r *Registry) Resolve(modelName string) (Descriptor, error) {
	family, ok := r.models[modelName]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelName)
	}

	return r.families[family], nil
}
