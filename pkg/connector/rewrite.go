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
)

// rewriteSeq carries one sequence's retrieval outcome into the plan
// rewrite: how much of it counts as computed and where its flat query
// range started in the original plan.
type rewriteSeq struct {
	fullTokens  []uint32
	numComputed int
	startPos    int
	hits        int
	prefill     bool
	blockTable  []int32
}

// rewritePlan rebuilds the batch plan so the attention kernels compute
// only the tokens retrieval left uncovered. Per-token arrays are resliced
// to each sequence's remaining query range and the cumulative metadata is
// rebuilt from zero; fields retrieval does not touch carry over from the
// original plan.
func rewritePlan(plan *batch.Plan, seqs []rewriteSeq) (*batch.Plan, error) {
	var (
		inputTokens    []uint32
		inputPositions []int32
		slotMapping    []int64
		blockTables    [][]int32

		queryStartLoc = []int32{0}
		contextLens   = make([]int32, 0, len(seqs))
		selected      = make([]int64, 0, len(seqs))

		numPrefills      int
		numPrefillTokens int
		maxQueryLen      int
		maxBlocks        int
	)

	for i, s := range seqs {
		queryLen := len(s.fullTokens) - s.numComputed
		if queryLen <= 0 {
			return nil, fmt.Errorf("%w: rewrite leaves sequence %d with %d query tokens",
				ErrInvariant, i, queryLen)
		}
		if !s.prefill && queryLen != 1 {
			return nil, fmt.Errorf("%w: decode sequence %d rewritten to %d query tokens",
				ErrInvariant, i, queryLen)
		}

		flatStart := s.startPos + s.hits
		inputTokens = append(inputTokens, s.fullTokens[s.numComputed:]...)
		inputPositions = append(inputPositions, plan.InputPositions[flatStart:flatStart+queryLen]...)
		slotMapping = append(slotMapping, plan.SlotMapping[flatStart:flatStart+queryLen]...)
		blockTables = append(blockTables, s.blockTable)

		if s.prefill {
			numPrefills++
			numPrefillTokens += queryLen
		}
		if queryLen > maxQueryLen {
			maxQueryLen = queryLen
		}
		if len(s.blockTable) > maxBlocks {
			maxBlocks = len(s.blockTable)
		}

		boundary := queryStartLoc[len(queryStartLoc)-1] + int32(queryLen)
		queryStartLoc = append(queryStartLoc, boundary)
		contextLens = append(contextLens, int32(s.numComputed))
		selected = append(selected, int64(boundary)-1)
	}

	// attention kernels expect a rectangular block-table matrix
	for i, table := range blockTables {
		if len(table) < maxBlocks {
			padded := make([]int32, maxBlocks)
			copy(padded, table)
			blockTables[i] = padded
		}
	}

	rebuilt := &batch.Plan{
		InputTokens:          inputTokens,
		InputPositions:       inputPositions,
		SeqLens:              plan.SeqLens,
		QueryStartLoc:        queryStartLoc,
		SlotMapping:          slotMapping,
		BlockTables:          blockTables,
		ContextLens:          contextLens,
		NumPrefills:          numPrefills,
		NumPrefillTokens:     numPrefillTokens,
		MaxQueryLen:          maxQueryLen,
		SelectedTokenIndices: selected,
		Groups:               plan.Groups,
		RequestIDsToSeqIDs:   plan.RequestIDsToSeqIDs,
		FinishedRequestIDs:   plan.FinishedRequestIDs,
		VirtualEngine:        plan.VirtualEngine,
		Blend:                plan.Blend,
	}

	if err := rebuilt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	return rebuilt, nil
}
