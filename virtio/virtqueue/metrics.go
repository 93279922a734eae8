package virtqueue

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// queueMetrics counts per-queue protocol events. The counters land in the
// default registry, so whatever sink the daemon configured (Prometheus,
// Graphite) picks them up.
type queueMetrics struct {
	kicks       metrics.Counter
	interrupts  metrics.Counter
	completions metrics.Counter
	spurious    metrics.Counter
}

func newQueueMetrics(index uint16) *queueMetrics {
	gen := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("virtqueue.%d.%s", index, name), nil)
	}
	return &queueMetrics{
		kicks:       gen("kicks"),
		interrupts:  gen("interrupts"),
		completions: gen("completions"),
		spurious:    gen("spurious_completions"),
	}
}
