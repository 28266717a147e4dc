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

package batch

import "fmt"

// BlendMetadata records the effect of the cross-sequence context-blending
// optimization on the current step. A non-zero ProcessedLayerCount means
// blending already populated this step's KV and the connector must stand
// aside.
type BlendMetadata struct {
	ProcessedLayerCount int
}

// Plan is the flattened description of one inference step. Plans are
// immutable values: rewriting a plan produces a new value, never an in-place
// mutation of shared state.
type Plan struct {
	// InputTokens are the token ids processed this step, flattened over all
	// sequences in batch order.
	InputTokens []uint32
	// InputPositions are the absolute positions of InputTokens.
	InputPositions []int32
	// SeqLens is the per-sequence total length considered this step.
	SeqLens []int
	// QueryStartLoc holds the cumulative query-length boundaries, starting
	// at zero; its final value equals len(InputTokens).
	QueryStartLoc []int32
	// SlotMapping maps each flat token position to its physical slot in
	// paged memory.
	SlotMapping []int64
	// BlockTables is the per-sequence logical-to-physical block table,
	// right-padded to a common width.
	BlockTables [][]int32
	// ContextLens is the per-sequence count of already-computed tokens.
	ContextLens []int32

	// NumPrefills counts the sequences in prefill phase.
	NumPrefills int
	// NumPrefillTokens counts the step tokens belonging to prefills.
	NumPrefillTokens int
	// MaxQueryLen is the largest per-sequence query length.
	MaxQueryLen int

	// SelectedTokenIndices are the flat output positions each sequence
	// samples from. Empty for a non-final chunked-prefill step.
	SelectedTokenIndices []int64

	// Groups carries the scheduling metadata, in batch order.
	Groups []*Group
	// RequestIDsToSeqIDs routes request ids to their member sequence ids.
	RequestIDsToSeqIDs map[string][]int64
	// FinishedRequestIDs lists requests that completed before this step.
	FinishedRequestIDs []string
	// VirtualEngine identifies the pipeline-parallel virtual engine.
	VirtualEngine int

	// Blend is non-nil when context blending ran for this step.
	Blend *BlendMetadata
}

// NumSequences returns the number of sequences in the plan.
func (p *Plan) NumSequences() int {
	return len(p.SeqLens)
}

// QueryLen returns the number of positions sequence idx computes this step.
func (p *Plan) QueryLen(idx int) int {
	return int(p.QueryStartLoc[idx+1] - p.QueryStartLoc[idx])
}

// Sequences flattens the plan's groups into batch-ordered sequences.
func (p *Plan) Sequences() []*Sequence {
	var seqs []*Sequence
	for _, group := range p.Groups {
		seqs = append(seqs, group.Sequences...)
	}

	return seqs
}

// BlendActive reports whether context blending populated KV this step.
func (p *Plan) BlendActive() bool {
	return p.Blend != nil && p.Blend.ProcessedLayerCount > 0
}

// Validate checks the plan's internal consistency: cumulative query
// boundaries start at zero, increase strictly, and close over the flat
// token count.
func (p *Plan) Validate() error {
	numSeqs := p.NumSequences()
	if len(p.QueryStartLoc) != numSeqs+1 {
		return fmt.Errorf("query boundaries length %d does not match %d sequences",
			len(p.QueryStartLoc), numSeqs)
	}
	if numSeqs > 0 && p.QueryStartLoc[0] != 0 {
		return fmt.Errorf("query boundaries must start at zero, got %d", p.QueryStartLoc[0])
	}

	for i := 1; i < len(p.QueryStartLoc); i++ {
		if p.QueryStartLoc[i] <= p.QueryStartLoc[i-1] {
			return fmt.Errorf("query boundaries not strictly increasing at %d: %d <= %d",
				i, p.QueryStartLoc[i], p.QueryStartLoc[i-1])
		}
	}

	if numSeqs > 0 && int(p.QueryStartLoc[numSeqs]) != len(p.InputTokens) {
		return fmt.Errorf("query boundaries close at %d, flat token count is %d",
			p.QueryStartLoc[numSeqs], len(p.InputTokens))
	}

	if len(p.InputPositions) != len(p.InputTokens) {
		return fmt.Errorf("positions length %d does not match token count %d",
			len(p.InputPositions), len(p.InputTokens))
	}
	if len(p.SlotMapping) != len(p.InputTokens) {
		return fmt.Errorf("slot mapping length %d does not match token count %d",
			len(p.SlotMapping), len(p.InputTokens))
	}

	return nil
}
