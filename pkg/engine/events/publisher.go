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

package events

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-connector/pkg/utils/logging"
)

// Config holds the configuration for the event publisher.
type Config struct {
	// Endpoint is the ZMQ address to connect to (e.g., "tcp://indexer:5557").
	Endpoint string `json:"endpoint"`
	// PodIdentifier names this worker in the published topic.
	PodIdentifier string `json:"podIdentifier"`
	// ModelName names the model in the published topic.
	ModelName string `json:"modelName"`
}

// DefaultConfig returns a default configuration for the event publisher.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "tcp://127.0.0.1:5557",
	}
}

// Publisher emits event batches on a ZMQ PUB socket as three-part messages:
// topic ("kv@<pod-id>@<model-name>"), big-endian sequence number, msgpack
// payload.
type Publisher struct {
	config *Config
	topic  string

	mu     sync.Mutex
	socket *zmq.Socket
	seq    uint64
}

// NewPublisher creates a Publisher and connects its socket.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}

	if err := socket.Connect(cfg.Endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", cfg.Endpoint, err)
	}

	return &Publisher{
		config: cfg,
		topic:  fmt.Sprintf("kv@%s@%s", cfg.PodIdentifier, cfg.ModelName),
		socket: socket,
	}, nil
}

// Publish marshals the events into a batch and sends it. Publication
// failures are reported but carry no retry semantics.
func (p *Publisher) Publish(ctx context.Context, evts ...Event) error {
	if len(evts) == 0 {
		return nil
	}

	batch, err := NewEventBatch(evts...)
	if err != nil {
		return err
	}

	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.seq)
	p.seq++

	if _, err := p.socket.SendMessage(p.topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to publish event batch: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("events.Publisher").Info("published event batch",
		"topic", p.topic, "seq", p.seq-1, "events", len(evts))

	return nil
}

// Close releases the publisher socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}

	err := p.socket.Close()
	p.socket = nil
	return err
}
