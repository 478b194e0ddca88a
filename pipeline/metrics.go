// Tracks pipeline-wide request metrics for final reporting.

package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Metrics aggregates statistics across the life of one orchestrator:
// request outcomes, micro-batch and byte volumes, request latency.
type Metrics struct {
	mu sync.Mutex

	CompletedRequests int // Number of requests that returned all outputs
	FailedRequests    int // Number of requests that surfaced an error
	MicroBatches      int // Total micro-batches pushed through the chain
	TensorBytesIn     int64
	TensorBytesOut    int64
	TotalLatency      time.Duration // Sum of per-request wall latencies
}

// RecordRequest folds one finished request into the aggregates.
func (m *Metrics) RecordRequest(ok bool, microBatches int, bytesIn, bytesOut int64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.CompletedRequests++
	} else {
		m.FailedRequests++
	}
	m.MicroBatches += microBatches
	m.TensorBytesIn += bytesIn
	m.TensorBytesOut += bytesOut
	m.TotalLatency += latency
}

// Print displays aggregated metrics when a pipeline run ends.
func (m *Metrics) Print() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Println("=== Pipeline Metrics ===")
	fmt.Printf("Completed Requests : %d\n", m.CompletedRequests)
	fmt.Printf("Failed Requests    : %d\n", m.FailedRequests)
	fmt.Printf("Micro-batches      : %d\n", m.MicroBatches)
	fmt.Printf("Tensor Bytes In    : %d\n", m.TensorBytesIn)
	fmt.Printf("Tensor Bytes Out   : %d\n", m.TensorBytesOut)
	if n := m.CompletedRequests + m.FailedRequests; n > 0 {
		avg := m.TotalLatency / time.Duration(n)
		fmt.Printf("Average Latency    : %s\n", avg)
	}
}
