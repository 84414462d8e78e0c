// Package metrics defines the recording contract for the engine's
// payment counters and settlement latencies. The default NoopRecorder
// drops everything; the Prometheus recorder registers collectors under
// the x402pay namespace.
package metrics

import "time"

// Recorder receives engine events. Labels in use are status and
// network on counters, operation and network on latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
