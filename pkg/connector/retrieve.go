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
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/batch"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/connector/metrics"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

// RetrieveKV pulls cached KV for every sequence in the batch, injects it
// into paged memory, and returns the plan the attention kernels should
// run with. The boolean result reports whether the step's computation can
// be skipped outright, which happens only when a chunked-prefill
// continuation is fully covered by cache.
//
// The returned plan is the original one when retrieval changed nothing,
// or a rebuilt plan covering only the still-uncomputed query tokens.
func (c *Connector) RetrieveKV(ctx context.Context, plan *batch.Plan,
	status RetrieveStatus, memory *paged.Memory) (*batch.Plan, bool, error) {
	if c.engine == nil {
		return nil, false, fmt.Errorf("%w: retrieve invoked without a cache engine", ErrInvariant)
	}
	if status == RetrieveNone || c.engine.Config().EnableBlending {
		return plan, false, nil
	}

	start := time.Now()
	defer func() {
		metrics.RetrieveLatency.Observe(time.Since(start).Seconds())
	}()

	logger := klog.FromContext(ctx).V(logging.TRACE).WithName("connector.retrieve")

	numSeqs := plan.NumSequences()
	seqs := make([]rewriteSeq, 0, numSeqs)
	notFound := 0

	idx := 0
	for _, group := range plan.Groups {
		for _, seq := range group.Sequences {
			totalSeqLen := seq.Len()
			if status == RetrieveChunkPrefill || status == RetrieveChunkPrefillLast {
				totalSeqLen = plan.SeqLens[idx]
			}

			queryLen := plan.QueryLen(idx)
			startPos := int(plan.QueryStartLoc[idx])
			engineComputed := totalSeqLen - queryLen

			tokens := seq.Tokens[:totalSeqLen]
			mask := make([]bool, totalSeqLen)
			for pos := engineComputed; pos < totalSeqLen; pos++ {
				mask[pos] = true
			}

			kvs, hitMask, err := c.engine.Retrieve(ctx, tokens, mask)
			if err != nil {
				return nil, false, fmt.Errorf("retrieving seq %d: %w", seq.ID, err)
			}

			hits := 0
			for _, hit := range hitMask {
				if hit {
					hits++
				}
			}
			numComputed := engineComputed + hits

			if numComputed == totalSeqLen {
				if status != RetrieveChunkPrefill {
					// leave the final token uncomputed so the step still
					// produces a hidden state to sample from
					hits--
					numComputed--
				}
			} else if status == RetrieveChunkPrefill {
				// partial coverage of a non-final chunk cannot shrink the
				// step, so fall back to full computation
				logger.Info("chunked prefill partially covered, recomputing",
					"seq", seq.ID, "cached", numComputed, "needed", totalSeqLen)
				return plan, false, nil
			}

			if hits > 0 {
				if err := injectRows(memory, kvs, plan.SlotMapping[startPos:startPos+hits], hits); err != nil {
					return nil, false, fmt.Errorf("injecting seq %d: %w", seq.ID, err)
				}
				metrics.RetrievedTokens.Add(float64(hits))
				logger.Info("injected cached KV",
					"request", group.RequestID, "seq", seq.ID,
					"hits", hits, "numComputed", numComputed, "seqLen", totalSeqLen)
			} else {
				notFound++
				metrics.RequestsNotFound.Inc()
			}

			seqs = append(seqs, rewriteSeq{
				fullTokens:  tokens,
				numComputed: numComputed,
				startPos:    startPos,
				hits:        hits,
				prefill:     idx < plan.NumPrefills,
				blockTable:  group.BlockTables[seq.ID],
			})
			idx++
		}
	}

	if idx != numSeqs {
		return nil, false, fmt.Errorf("%w: groups yielded %d sequences, plan metadata covers %d",
			ErrInvariant, idx, numSeqs)
	}

	if status == RetrieveChunkPrefill {
		// reaching here in chunked-prefill mode means full coverage
		return plan, true, nil
	}

	if notFound == numSeqs {
		return plan, false, nil
	}

	rebuilt, err := rewritePlan(plan, seqs)
	if err != nil {
		return nil, false, err
	}

	return rebuilt, false, nil
}

func injectRows(memory *paged.Memory, kvs []kv.LayerKV, slots []int64, rows int) error {
	for layer, pair := range kvs {
		trimmed := kv.LayerKV{
			Key:   pair.Key.Slice(0, rows),
			Value: pair.Value.Slice(0, rows),
		}
		if err := memory.InjectKV(layer, slots, trimmed); err != nil {
			return err
		}
	}

	return nil
}
