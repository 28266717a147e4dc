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
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// Registry owns named engine instances. Creation and destruction are
// explicit operations so callers can observe the engine lifecycle; there
// is no package-level singleton.
type Registry struct {
	mu      sync.Mutex
	engines map[string]Engine
}

// NewRegistry returns an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// GetOrCreate returns the engine registered under name, creating it with
// the factory on first use.
func (r *Registry) GetOrCreate(ctx context.Context, name string, create func() (Engine, error)) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[name]; ok {
		return eng, nil
	}

	eng, err := create()
	if err != nil {
		return nil, fmt.Errorf("failed to create engine %q: %w", name, err)
	}

	r.engines[name] = eng
	klog.FromContext(ctx).Info("created cache engine", "name", name)

	return eng, nil
}

// Get returns the engine registered under name, or false before it is
// created and after it is destroyed.
func (r *Registry) Get(name string) (Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eng, ok := r.engines[name]
	return eng, ok
}

// Names returns the currently registered engine names.
func (r *Registry) Names() sets.Set[string] {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := sets.New[string]()
	for name := range r.engines {
		names.Insert(name)
	}

	return names
}

// Destroy closes and removes the engine registered under name. Destroying
// an absent engine is a no-op.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	r.mu.Lock()
	eng, ok := r.engines[name]
	delete(r.engines, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	klog.FromContext(ctx).Info("destroying cache engine", "name", name)
	if err := eng.Close(); err != nil {
		return fmt.Errorf("failed to close engine %q: %w", name, err)
	}

	return nil
}
