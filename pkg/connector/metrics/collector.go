// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// RetrievedTokens counts tokens injected into paged memory from the
	// cache engine.
	RetrievedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvconnector", Subsystem: "step", Name: "retrieved_tokens_total",
		Help: "Total number of tokens whose KV was injected from the cache engine",
	})
	// StoredTokens counts tokens whose KV was handed to the cache engine.
	StoredTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvconnector", Subsystem: "step", Name: "stored_tokens_total",
		Help: "Total number of tokens whose KV was extracted and stored",
	})
	// RequestsNotFound counts sequences retrieval left untouched.
	RequestsNotFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvconnector", Subsystem: "step", Name: "requests_not_found_total",
		Help: "Number of sequences with no cached prefix at retrieve time",
	})
	// RetrieveLatency logs latency of per-batch retrieval.
	RetrieveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvconnector", Subsystem: "step", Name: "retrieve_latency_seconds",
		Help:    "Latency of batch KV retrieval in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RetrievedTokens, StoredTokens,
		RequestsNotFound, RetrieveLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			logMetrics(ctx)
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := RetrievedTokens.Write(&m)
	if err != nil {
		return
	}
	retrieved := m.GetCounter().GetValue()

	err = StoredTokens.Write(&m)
	if err != nil {
		return
	}
	stored := m.GetCounter().GetValue()

	err = RequestsNotFound.Write(&m)
	if err != nil {
		return
	}
	notFound := m.GetCounter().GetValue()

	var latencyMetric dto.Metric
	err = RetrieveLatency.Write(&latencyMetric)
	if err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"retrieved_tokens", retrieved,
		"stored_tokens", stored,
		"requests_not_found", notFound,
		"retrieve_count", latencyCount,
		"retrieve_latency_sum", latencySum,
	)
}
