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

package connector_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/batch"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/connector"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/engine"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/kv"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/model"
	"github.com/llm-d/llm-d-kv-cache-connector/pkg/paged"
)

const (
	testModelName = "meta-llama/Llama-3.1-8B-Instruct"

	testChunkSize = 4
	testLayers    = 2
	testBlockSize = 4
	testHeads     = 2
	testHeadSize  = 3
)

func newTestMemory(t *testing.T) *paged.Memory {
	t.Helper()

	memory, err := paged.NewMemory(&paged.Config{
		NumLayers:  testLayers,
		NumBlocks:  32,
		BlockSize:  testBlockSize,
		NumKVHeads: testHeads,
		HeadSize:   testHeadSize,
		Layout:     paged.LayoutSeparated,
	})
	require.NoError(t, err)

	return memory
}

// newTestEngine builds a synchronous in-memory chunk engine.
func newTestEngine(t *testing.T, cfg *engine.Config) engine.Engine {
	t.Helper()

	if cfg == nil {
		cfg = &engine.Config{ChunkSize: testChunkSize}
	}
	eng, err := engine.NewChunkEngine(&engine.ChunkEngineConfig{Engine: cfg},
		engine.Metadata{ModelName: testModelName, WorldSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

func newTestConnector(t *testing.T, eng engine.Engine, memory *paged.Memory) *connector.Connector {
	t.Helper()

	conn, err := connector.NewConnector(t.Context(),
		connector.DefaultConfig(testModelName, testLayers),
		eng, memory, model.NewRegistry())
	require.NoError(t, err)

	return conn
}

func testTokens(n int) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(i + 1)
	}

	return tokens
}

// rowVal derives the KV element values of one token position, so tensors
// moved between memories stay verifiable.
func rowVal(layer, pos int) []float16.Float16 {
	row := make([]float16.Float16, testHeads*testHeadSize)
	for i := range row {
		row[i] = float16.Fromfloat32(float32(layer*1000 + pos*10 + i))
	}

	return row
}

// seedMemory injects position-derived KV rows for positions [start, end)
// of a sequence laid out by blockTable.
func seedMemory(t *testing.T, memory *paged.Memory, blockTable []int32, start, end int) {
	t.Helper()

	slots, err := paged.SlotMapping(blockTable, start, end, testBlockSize)
	require.NoError(t, err)

	for layer := 0; layer < testLayers; layer++ {
		pair := kv.LayerKV{
			Key:   kv.NewTensor(end-start, testHeads, testHeadSize),
			Value: kv.NewTensor(end-start, testHeads, testHeadSize),
		}
		for row := 0; row < end-start; row++ {
			copy(pair.Key.Row(row), rowVal(layer, start+row))
			for i, elem := range rowVal(layer, start+row) {
				pair.Value.Row(row)[i] = float16.Fromfloat32(-elem.Float32())
			}
		}
		require.NoError(t, memory.InjectKV(layer, slots, pair))
	}
}

// assertMemoryRows gathers positions [start, end) and checks they hold the
// position-derived values.
func assertMemoryRows(t *testing.T, memory *paged.Memory, blockTable []int32, start, end int) {
	t.Helper()

	slots, err := paged.SlotMapping(blockTable, start, end, testBlockSize)
	require.NoError(t, err)

	for layer := 0; layer < testLayers; layer++ {
		pair, err := memory.GatherKV(layer, slots)
		require.NoError(t, err)
		for row := 0; row < end-start; row++ {
			require.Equal(t, rowVal(layer, start+row), pair.Key.Row(row),
				"layer %d position %d", layer, start+row)
		}
	}
}

// prefillPlan builds the plan of a single full prefill over tokens.
func prefillPlan(t *testing.T, seqID int64, tokens []uint32, blockTable []int32) *batch.Plan {
	t.Helper()

	n := len(tokens)
	slots, err := paged.SlotMapping(blockTable, 0, n, testBlockSize)
	require.NoError(t, err)

	positions := make([]int32, n)
	for i := range positions {
		positions[i] = int32(i)
	}

	seq := &batch.Sequence{ID: seqID, Tokens: tokens, Prefill: true}
	group := &batch.Group{
		RequestID:   "req-1",
		DoSample:    true,
		Prefill:     true,
		Sequences:   []*batch.Sequence{seq},
		BlockTables: map[int64][]int32{seqID: blockTable},
	}

	return &batch.Plan{
		InputTokens:          tokens,
		InputPositions:       positions,
		SeqLens:              []int{n},
		QueryStartLoc:        []int32{0, int32(n)},
		SlotMapping:          slots,
		BlockTables:          [][]int32{blockTable},
		ContextLens:          []int32{0},
		NumPrefills:          1,
		NumPrefillTokens:     n,
		MaxQueryLen:          n,
		SelectedTokenIndices: []int64{int64(n) - 1},
		Groups:               []*batch.Group{group},
		RequestIDsToSeqIDs:   map[string][]int64{"req-1": {seqID}},
	}
}

// chunkPrefillPlan builds the plan of a non-final chunked-prefill
// continuation computing positions [context, context+queryLen) of a
// sequence holding fullTokens.
func chunkPrefillPlan(t *testing.T, seqID int64, fullTokens []uint32,
	blockTable []int32, context, queryLen int) *batch.Plan {
	t.Helper()

	slots, err := paged.SlotMapping(blockTable, context, context+queryLen, testBlockSize)
	require.NoError(t, err)

	positions := make([]int32, queryLen)
	for i := range positions {
		positions[i] = int32(context + i)
	}

	seq := &batch.Sequence{ID: seqID, Tokens: fullTokens, Prefill: true}
	group := &batch.Group{
		RequestID:   "req-1",
		DoSample:    false,
		Prefill:     true,
		Sequences:   []*batch.Sequence{seq},
		BlockTables: map[int64][]int32{seqID: blockTable},
	}

	return &batch.Plan{
		InputTokens:        fullTokens[context : context+queryLen],
		InputPositions:     positions,
		SeqLens:            []int{context + queryLen},
		QueryStartLoc:      []int32{0, int32(queryLen)},
		SlotMapping:        slots,
		BlockTables:        [][]int32{blockTable},
		ContextLens:        []int32{int32(context)},
		NumPrefills:        1,
		NumPrefillTokens:   queryLen,
		MaxQueryLen:        queryLen,
		Groups:             []*batch.Group{group},
		RequestIDsToSeqIDs: map[string][]int64{"req-1": {seqID}},
	}
}

// mixedPrefillPlan builds the plan of a batch holding two full prefills
// over distinct prompts.
func mixedPrefillPlan(t *testing.T, tokensA, tokensB []uint32, blockA, blockB []int32) *batch.Plan {
	t.Helper()

	nA, nB := len(tokensA), len(tokensB)
	slotsA, err := paged.SlotMapping(blockA, 0, nA, testBlockSize)
	require.NoError(t, err)
	slotsB, err := paged.SlotMapping(blockB, 0, nB, testBlockSize)
	require.NoError(t, err)

	positions := make([]int32, 0, nA+nB)
	for i := 0; i < nA; i++ {
		positions = append(positions, int32(i))
	}
	for i := 0; i < nB; i++ {
		positions = append(positions, int32(i))
	}

	seqA := &batch.Sequence{ID: 1, Tokens: tokensA, Prefill: true}
	seqB := &batch.Sequence{ID: 2, Tokens: tokensB, Prefill: true}
	groups := []*batch.Group{
		{
			RequestID:   "req-a",
			DoSample:    true,
			Prefill:     true,
			Sequences:   []*batch.Sequence{seqA},
			BlockTables: map[int64][]int32{1: blockA},
		},
		{
			RequestID:   "req-b",
			DoSample:    true,
			Prefill:     true,
			Sequences:   []*batch.Sequence{seqB},
			BlockTables: map[int64][]int32{2: blockB},
		},
	}

	return &batch.Plan{
		InputTokens:          append(append([]uint32{}, tokensA...), tokensB...),
		InputPositions:       positions,
		SeqLens:              []int{nA, nB},
		QueryStartLoc:        []int32{0, int32(nA), int32(nA + nB)},
		SlotMapping:          append(append([]int64{}, slotsA...), slotsB...),
		BlockTables:          [][]int32{blockA, blockB},
		ContextLens:          []int32{0, 0},
		NumPrefills:          2,
		NumPrefillTokens:     nA + nB,
		MaxQueryLen:          max(nA, nB),
		SelectedTokenIndices: []int64{int64(nA) - 1, int64(nA+nB) - 1},
		Groups:               groups,
		RequestIDsToSeqIDs:   map[string][]int64{"req-a": {1}, "req-b": {2}},
	}
}

// decodePlan builds the plan of a batch of single-token decode steps.
func decodePlan(t *testing.T, seqLens []int) *batch.Plan {
	t.Helper()

	n := len(seqLens)
	groups := make([]*batch.Group, n)
	boundaries := make([]int32, n+1)
	contextLens := make([]int32, n)
	selected := make([]int64, n)
	tokens := make([]uint32, n)
	positions := make([]int32, n)
	slots := make([]int64, n)
	blockTables := make([][]int32, n)

	for i, seqLen := range seqLens {
		seqTokens := testTokens(seqLen)
		seq := &batch.Sequence{ID: int64(i), Tokens: seqTokens}
		groups[i] = &batch.Group{
			RequestID:   "req-decode",
			DoSample:    true,
			Sequences:   []*batch.Sequence{seq},
			BlockTables: map[int64][]int32{int64(i): {int32(i)}},
		}
		boundaries[i+1] = boundaries[i] + 1
		contextLens[i] = int32(seqLen - 1)
		selected[i] = int64(i)
		tokens[i] = seqTokens[seqLen-1]
		positions[i] = int32(seqLen - 1)
		blockTables[i] = []int32{int32(i)}
	}

	return &batch.Plan{
		InputTokens:          tokens,
		InputPositions:       positions,
		SeqLens:              seqLens,
		QueryStartLoc:        boundaries,
		SlotMapping:          slots,
		BlockTables:          blockTables,
		ContextLens:          contextLens,
		MaxQueryLen:          1,
		SelectedTokenIndices: selected,
		Groups:               groups,
	}
}
