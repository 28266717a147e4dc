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

// Package batch holds the scheduling-side data model consumed by the
// connector: sequences, request groups and the per-step batch plan.
package batch

// Sequence is one generation stream: an ordered list of token ids plus its
// inference phase. The scheduler appends one token per decode step.
type Sequence struct {
	// ID uniquely identifies the sequence within the engine.
	ID int64
	// Tokens is the full token id history, prompt plus generated tokens.
	Tokens []uint32
	// Prefill marks the sequence as still processing its prompt.
	Prefill bool
}

// Len returns the total number of tokens in the sequence.
func (s *Sequence) Len() int {
	return len(s.Tokens)
}

// AppendToken appends one generated token, moving the sequence out of the
// prefill phase.
func (s *Sequence) AppendToken(token uint32) {
	s.Tokens = append(s.Tokens, token)
	s.Prefill = false
}

// Group is a set of sequences sharing sampling parameters and block tables.
// A group holds multiple sequences only under parallel sampling.
type Group struct {
	// RequestID is the identifier of the originating request.
	RequestID string
	// DoSample is false for chunked-prefill continuations that produce no
	// sampling output this step.
	DoSample bool
	// Prefill mirrors the phase of the group's sequences.
	Prefill bool
	// Sequences are the member sequences, in batch order.
	Sequences []*Sequence
	// BlockTables maps each member sequence id to its logical-block to
	// physical-block table.
	BlockTables map[int64][]int32
}

// SequenceIDs returns the ids of the member sequences in batch order.
func (g *Group) SequenceIDs() []int64 {
	ids := make([]int64, len(g.Sequences))
	for i, seq := range g.Sequences {
		ids[i] = seq.ID
	}

	return ids
}
