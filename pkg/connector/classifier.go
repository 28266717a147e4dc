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
	"fmt"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/batch"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
)

// StoreStatus labels the cache store action required for one sequence
// after a step's computation.
type StoreStatus int

const (
	// StoreNone means no store is required.
	StoreNone StoreStatus = iota
	// StorePrefill stores a full prefill whose final token is sampled
	// this step.
	StorePrefill
	// StoreChunkPrefill stores a non-final chunk of a chunked prefill.
	StoreChunkPrefill
	// StoreSuffixPrefill stores a prefill whose effective range excludes a
	// non-causal suffix (final partial chunk, or a prefix the engine's own
	// prefix cache already resolved).
	StoreSuffixPrefill
	// StoreDecode stores a decode sequence that reached a chunk boundary.
	StoreDecode
)

func (s StoreStatus) String() string {
	switch s {
	case StorePrefill:
		return "prefill"
	case StoreChunkPrefill:
		return "chunk-prefill"
	case StoreSuffixPrefill:
		return "suffix-prefill"
	case StoreDecode:
		return "decode"
	default:
		return "none"
	}
}

// RetrieveStatus labels the whole batch's retrieve mode. Retrieval
// eligibility depends on the batch's composition, so the label is
// batch-wide rather than per sequence.
type RetrieveStatus int

const (
	// RetrieveNone means retrieval does not apply to this batch.
	RetrieveNone RetrieveStatus = iota
	// RetrievePrefill marks a normal, possibly multi-sequence prefill.
	RetrievePrefill
	// RetrieveChunkPrefill marks a non-final chunked-prefill continuation.
	RetrieveChunkPrefill
	// RetrieveChunkPrefillLast marks the final chunk of a chunked prefill.
	RetrieveChunkPrefillLast
)

func (s RetrieveStatus) String() string {
	switch s {
	case RetrievePrefill:
		return "prefill"
	case RetrieveChunkPrefill:
		return "chunk-prefill"
	case RetrieveChunkPrefillLast:
		return "chunk-prefill-last"
	default:
		return "none"
	}
}

// ShouldRetrieve classifies the batch's retrieve mode. Absence of an
// engine, a profiling dry run, and unsupported batch compositions all
// degrade to RetrieveNone; the only error is a malformed chunked-prefill
// batch, which is a contract breach with the scheduler.
//
// Chunked prefill batched with decode is unsupported here and falls
// through to full recomputation.
func (c *Connector) ShouldRetrieve(plan *batch.Plan, memory *paged.Memory) (RetrieveStatus, error) {
	if c.engine == nil || memory == nil || !memory.Allocated() {
		return RetrieveNone, nil
	}

	numSeqs := plan.NumSequences()
	if numSeqs == 0 || plan.NumPrefills != numSeqs {
		return RetrieveNone, nil
	}

	numSampled := len(plan.SelectedTokenIndices)
	switch {
	case numSampled == 0:
		// a chunked-prefill continuation is scheduled alone
		if numSeqs != 1 {
			return RetrieveNone, fmt.Errorf("%w: chunked-prefill batch holds %d sequences", ErrInvariant, numSeqs)
		}
		return RetrieveChunkPrefill, nil
	case numSampled == numSeqs:
		if numSeqs == 1 && plan.ContextLens[0] > 0 && plan.SeqLens[0] == plan.Sequences()[0].Len() {
			return RetrieveChunkPrefillLast, nil
		}
		return RetrievePrefill, nil
	default:
		return RetrieveNone, nil
	}
}

// ShouldStore labels each sequence's store action for the step just
// computed. The labels degrade to StoreNone when no engine is active, the
// step was a profiling dry run, or context blending already populated this
// step's KV.
func (c *Connector) ShouldStore(plan *batch.Plan, memory *paged.Memory) []StoreStatus {
	numSeqs := plan.NumSequences()
	statuses := make([]StoreStatus, numSeqs)

	if c.engine == nil || memory == nil || !memory.Allocated() {
		return statuses
	}

	if plan.BlendActive() {
		c.trackBlendRequests(plan)
		return statuses
	}

	if plan.NumPrefills == numSeqs && numSeqs > 0 {
		seqIdx := 0
		selIdx := 0
		for _, group := range plan.Groups {
			if !group.DoSample {
				// non-sampling chunk of a larger chunked prefill
				for range group.Sequences {
					statuses[seqIdx] = StoreChunkPrefill
					seqIdx++
				}
				continue
			}

			for _, seq := range group.Sequences {
				computedEnd := int(plan.ContextLens[seqIdx]) + plan.QueryLen(seqIdx)
				if computedEnd != seq.Len() || int(plan.SelectedTokenIndices[selIdx]) != int(plan.QueryStartLoc[seqIdx+1])-1 {
					statuses[seqIdx] = StoreSuffixPrefill
				} else {
					statuses[seqIdx] = StorePrefill
				}
				seqIdx++
				selIdx++
			}
		}

		return statuses
	}

	if c.engine.Config().SaveDecodeCache {
		chunkSize := c.engine.Config().ChunkSize
		for idx, seqLen := range plan.SeqLens {
			if seqLen%chunkSize == 0 {
				statuses[idx] = StoreDecode
			}
		}
	}

	return statuses
}
