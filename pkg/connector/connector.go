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

// Package connector intercepts an inference engine's model-execution step
// between batch scheduling and attention compute. Before the step it
// retrieves previously computed KV chunks from a cache engine and injects
// them into the engine's paged memory, shrinking or skipping the
// computation; after the step it extracts freshly computed KV and stores
// it back.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/batch"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/connector/metrics"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/engine"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/model"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

// ErrInvariant reports a broken contract between the scheduler's batch
// metadata and the cache engine. Such breaks mean the paged memory can no
// longer be trusted, so callers must abort the step.
var ErrInvariant = errors.New("batch invariant violated")

// Config holds the connector's model identity and its slice of the model's
// layer stack under pipeline parallelism.
type Config struct {
	// ModelName is the served model's name, resolved against the model
	// registry at construction.
	ModelName string
	// NumLayers is the model's total layer count across all pipeline
	// stages.
	NumLayers int
	// PPStartLayer and PPEndLayer bound this worker's layer range.
	// Negative values fall back to the model family's defaults.
	PPStartLayer int
	PPEndLayer   int

	// EnableMetrics turns on periodic logging of the connector's
	// Prometheus counters.
	EnableMetrics          bool
	MetricsLoggingInterval time.Duration
}

// DefaultConfig returns a Config covering the whole layer stack of a
// model with numLayers layers.
func DefaultConfig(modelName string, numLayers int) *Config {
	return &Config{
		ModelName:              modelName,
		NumLayers:              numLayers,
		PPStartLayer:           -1,
		PPEndLayer:             -1,
		MetricsLoggingInterval: time.Minute,
	}
}

// Connector binds a cache engine to one worker's paged KV memory.
// A nil engine yields a pass-through connector: every classification
// degrades to its None label and plans flow through untouched.
type Connector struct {
	config *Config

	engine engine.Engine

	startLayer int
	endLayer   int

	// blendRequests tracks requests whose steps ran with blend metadata,
	// so their per-request blend state can be dropped on finish.
	blendRequests sets.Set[string]
}

// NewConnector resolves the model against the registry, validates the
// worker's layer range against the paged memory, and returns a connector
// ready for per-step use. The engine may be nil.
func NewConnector(ctx context.Context, config *Config, eng engine.Engine,
	memory *paged.Memory, models *model.Registry) (*Connector, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if memory == nil {
		return nil, errors.New("paged memory is required")
	}

	desc, err := models.Resolve(config.ModelName)
	if err != nil {
		return nil, err
	}

	start, end, err := desc.LayerRange(config.NumLayers, config.PPStartLayer, config.PPEndLayer)
	if err != nil {
		return nil, fmt.Errorf("resolving layer range for %q: %w", config.ModelName, err)
	}

	if got := memory.NumLayers(); got != end-start {
		return nil, fmt.Errorf("paged memory holds %d layers, worker range [%d,%d) needs %d",
			got, start, end, end-start)
	}

	if config.EnableMetrics {
		metrics.Register()
		metrics.StartMetricsLogging(ctx, config.MetricsLoggingInterval)
	}

	klog.FromContext(ctx).WithName("connector").Info("initialized connector",
		"model", config.ModelName, "startLayer", start, "endLayer", end,
		"engine", eng != nil)

	return &Connector{
		config:        config,
		engine:        eng,
		startLayer:    start,
		endLayer:      end,
		blendRequests: sets.New[string](),
	}, nil
}

// LayerRange returns the worker's absolute layer range [start, end).
func (c *Connector) LayerRange() (int, int) {
	return c.startLayer, c.endLayer
}

// FinishRequests releases per-request connector state for requests the
// scheduler reports as finished.
func (c *Connector) FinishRequests(ctx context.Context, requestIDs ...string) {
	finished := c.blendRequests.Intersection(sets.New(requestIDs...))
	if finished.Len() == 0 {
		return
	}
	c.blendRequests = c.blendRequests.Difference(finished)
	klog.FromContext(ctx).V(logging.DEBUG).WithName("connector").Info(
		"released blend state", "requests", sets.List(finished))
}

func (c *Connector) trackBlendRequests(plan *batch.Plan) {
	for _, group := range plan.Groups {
		c.blendRequests.Insert(group.RequestID)
	}
}
