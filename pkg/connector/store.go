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

package connector

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/batch"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/connector/metrics"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/engine"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

// StoreKV extracts freshly computed KV from paged memory and hands it to
// the cache engine, one sequence at a time, following the per-sequence
// statuses ShouldStore produced for this step.
//
// Each sequence's store first consults the engine's lookup to find the
// already-cached prefix, then gathers and submits only the tail beyond it.
// Submissions are fire-and-forget; the engine deduplicates chunks that
// raced in concurrently.
func (c *Connector) StoreKV(ctx context.Context, plan *batch.Plan,
	statuses []StoreStatus, memory *paged.Memory) error {
	if c.engine == nil {
		return fmt.Errorf("%w: store invoked without a cache engine", ErrInvariant)
	}
	if len(statuses) != plan.NumSequences() {
		return fmt.Errorf("%w: %d store statuses for %d sequences",
			ErrInvariant, len(statuses), plan.NumSequences())
	}

	logger := klog.FromContext(ctx).V(logging.TRACE).WithName("connector.store")
	chunkSize := c.engine.Config().ChunkSize

	seqIdx := 0
	for _, group := range plan.Groups {
		for _, seq := range group.Sequences {
			status := statuses[seqIdx]
			if status == StoreNone {
				seqIdx++
				continue
			}

			seqLen := seq.Len()
			switch status {
			case StoreChunkPrefill, StoreSuffixPrefill:
				// effective range is what this step actually computed
				seqLen = plan.SeqLens[seqIdx]
			case StoreDecode:
				if seqLen%chunkSize != 0 {
					seqIdx++
					continue
				}
			}

			if err := c.storeSequence(ctx, group, seq, seqLen, memory); err != nil {
				return err
			}
			logger.Info("submitted sequence store",
				"request", group.RequestID, "seq", seq.ID,
				"status", status.String(), "seqLen", seqLen)
			seqIdx++
		}
	}

	return nil
}

func (c *Connector) storeSequence(ctx context.Context, group *batch.Group,
	seq *batch.Sequence, seqLen int, memory *paged.Memory) error {
	tokens := seq.Tokens[:seqLen]

	skip, err := c.engine.Lookup(ctx, tokens)
	if err != nil {
		return fmt.Errorf("lookup before store for seq %d: %w", seq.ID, err)
	}
	if skip > seqLen || skip%c.engine.Config().ChunkSize != 0 {
		return fmt.Errorf("%w: lookup reported %d cached tokens for seq %d of length %d",
			ErrInvariant, skip, seq.ID, seqLen)
	}
	if skip == seqLen {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("connector.store").Info(
			"sequence fully cached, skipping store", "seq", seq.ID, "seqLen", seqLen)
		return nil
	}

	blockTable, ok := group.BlockTables[seq.ID]
	if !ok {
		return fmt.Errorf("%w: no block table for seq %d", ErrInvariant, seq.ID)
	}

	slots, err := paged.SlotMapping(blockTable, skip, seqLen, memory.BlockSize())
	if err != nil {
		return fmt.Errorf("slot mapping for seq %d: %w", seq.ID, err)
	}

	kvs := make([]kv.LayerKV, memory.NumLayers())
	for layer := range kvs {
		pair, err := memory.GatherKV(layer, slots)
		if err != nil {
			return fmt.Errorf("gathering layer %d for seq %d: %w", layer, seq.ID, err)
		}
		kvs[layer] = pair
	}

	mask := make([]bool, seqLen)
	for pos := skip; pos < seqLen; pos++ {
		mask[pos] = true
	}

	err = c.engine.Store(ctx, tokens, kvs, mask, engine.StoreOptions{SkipExisting: true})
	if err != nil {
		return fmt.Errorf("storing seq %d: %w", seq.ID, err)
	}

	metrics.StoredTokens.Add(float64(seqLen - skip))
	return nil
}
