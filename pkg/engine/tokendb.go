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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Key uniquely identifies one KV chunk in a backend.
type Key struct {
	ModelName string
	ChunkHash uint64
}

// String returns the backend-facing representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.ModelName, k.ChunkHash)
}

// TokenDBConfig holds the configuration for the chunked token database.
type TokenDBConfig struct {
	ChunkSize int `json:"chunkSize"`
	// HashSeed prefixes the initial chunk hash so deployments can be
	// partitioned by seed.
	HashSeed string `json:"hashSeed"`
}

// tokenDB converts token sequences into prefix-chained chunk keys. Each
// chunk's hash covers the hash of all preceding chunks, so key i matches
// only if the entire token prefix up to chunk i matches.
type tokenDB struct {
	chunkSize int
	hashSeed  string
	metadata  Metadata

	initHash *uint64 // cached root hash
}

func newTokenDB(cfg *TokenDBConfig, metadata Metadata) *tokenDB {
	return &tokenDB{
		chunkSize: cfg.ChunkSize,
		hashSeed:  cfg.HashSeed,
		metadata:  metadata,
	}
}

// hash computes the lower 64 bits of SHA256 over the CBOR-canonical
// encoding of the payload. The deterministic encoding keeps keys stable
// across processes.
func (db *tokenDB) hash(payload interface{}) (uint64, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return 0, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:]), nil
}

// rootHash returns the parent hash of the first chunk.
func (db *tokenDB) rootHash() (uint64, error) {
	if db.initHash != nil {
		return *db.initHash, nil
	}

	hashVal, err := db.hash([]interface{}{db.hashSeed, db.metadata.WorldSize, db.metadata.WorkerID})
	if err != nil {
		return 0, err
	}

	db.initHash = &hashVal
	return hashVal, nil
}

// chunkTokens splits tokens into full chunks; a trailing partial chunk is
// dropped, keeping every key chunk-aligned.
func (db *tokenDB) chunkTokens(tokens []uint32) [][]uint32 {
	var chunks [][]uint32
	for i := 0; i+db.chunkSize <= len(tokens); i += db.chunkSize {
		chunks = append(chunks, tokens[i:i+db.chunkSize])
	}

	return chunks
}

// ChunkKeys returns the prefix-chained keys of all full chunks of the
// token sequence.
func (db *tokenDB) ChunkKeys(tokens []uint32) ([]Key, error) {
	parent, err := db.rootHash()
	if err != nil {
		return nil, err
	}

	chunks := db.chunkTokens(tokens)
	keys := make([]Key, len(chunks))
	for i, chunk := range chunks {
		parent, err = db.hash([]interface{}{parent, chunk})
		if err != nil {
			return nil, err
		}

		keys[i] = Key{ModelName: db.metadata.ModelName, ChunkHash: parent}
	}

	return keys, nil
}
