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

// Package events publishes KV-chunk admission and eviction events over ZMQ
// so cluster-level indexers can track which workers hold which chunks.
package events

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// BlockStoredEventTag is the tag for BlockStored events.
	BlockStoredEventTag = "BlockStored"
	// BlockRemovedEventTag is the tag for BlockRemoved events.
	BlockRemovedEventTag = "BlockRemoved"
	// AllBlocksClearedEventTag is the tag for AllBlocksCleared events.
	AllBlocksClearedEventTag = "AllBlocksCleared"
)

// Event is a KV-chunk lifecycle event.
type Event interface {
	// ToTaggedUnion returns the event as a tag-prefixed array, the wire
	// form consumed by subscribers.
	ToTaggedUnion() []any
}

// EventBatch groups the events of one publication.
// It is encoded as an array to match the subscriber's format.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// NewEventBatch marshals events into a batch stamped with the current time.
func NewEventBatch(evts ...Event) (*EventBatch, error) {
	batch := &EventBatch{
		TS:     float64(time.Now().UnixNano()) / float64(time.Second),
		Events: make([]msgpack.RawMessage, len(evts)),
	}
	for i, evt := range evts {
		raw, err := msgpack.Marshal(evt.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		batch.Events[i] = raw
	}

	return batch, nil
}

// BlockStored announces newly admitted chunks.
type BlockStored struct {
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIDs        []uint32
	BlockSize       int
}

func (bs BlockStored) ToTaggedUnion() []any {
	return []any{
		BlockStoredEventTag,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIDs,
		bs.BlockSize,
	}
}

// BlockRemoved announces evicted chunks.
type BlockRemoved struct {
	BlockHashes []uint64
}

func (br BlockRemoved) ToTaggedUnion() []any {
	return []any{
		BlockRemovedEventTag,
		br.BlockHashes,
	}
}

// AllBlocksCleared announces a full cache reset.
type AllBlocksCleared struct{}

func (AllBlocksCleared) ToTaggedUnion() []any {
	return []any{
		AllBlocksClearedEventTag,
	}
}
