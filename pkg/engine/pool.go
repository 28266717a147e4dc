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
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

const defaultStoreWorkers = 2

// storeTask is one fire-and-forget store submission.
type storeTask struct {
	tokens       []uint32
	kvs          []kv.LayerKV
	mask         []bool
	skipExisting bool
}

// storePool drains non-blocking store submissions off the compute path.
// Failed submissions are dropped, never retried: a store that cannot land
// must not stall generation.
type storePool struct {
	workers int
	queue   workqueue.TypedRateLimitingInterface[*storeTask]
	process func(ctx context.Context, task *storeTask) error
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func newStorePool(workers int, process func(ctx context.Context, task *storeTask) error) *storePool {
	if workers <= 0 {
		workers = defaultStoreWorkers
	}

	return &storePool{
		workers: workers,
		queue:   workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*storeTask]()),
		process: process,
	}
}

// Start launches the worker goroutines. It is non-blocking.
func (p *storePool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// Running reports whether the pool has workers draining the queue.
func (p *storePool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Submit enqueues a store submission and returns immediately.
func (p *storePool) Submit(task *storeTask) {
	p.queue.Add(task)
}

// Shutdown stops the workers after the queue drains.
func (p *storePool) Shutdown() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.queue.ShutDown()
	p.wg.Wait()
}

func (p *storePool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		task, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		func(task *storeTask) {
			defer p.queue.Done(task)
			if err := p.process(ctx, task); err != nil {
				klog.FromContext(ctx).V(logging.DEBUG).Error(err, "dropping failed store submission")
			}
			p.queue.Forget(task)
		}(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
