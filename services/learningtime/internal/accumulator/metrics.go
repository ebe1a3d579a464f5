package accumulator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the accumulator counters.
type Metrics struct {
	heartbeats      *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	flushesEnqueued prometheus.Counter
	flushesLost     prometheus.Counter
	enqueueRetries  prometheus.Counter
}

// Store operation label values.
const (
	opGet    = "get"
	opPut    = "put"
	opDelete = "delete"
)

// NewMetrics builds the counters and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "learning_time",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by activity.",
		}, []string{"active"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "learning_time",
			Name:      "session_store_errors_total",
			Help:      "Session store failures, by operation.",
		}, []string{"op"}),
		flushesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learning_time",
			Name:      "flushes_enqueued_total",
			Help:      "Flush jobs handed to the queue.",
		}),
		flushesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learning_time",
			Name:      "flushes_lost_total",
			Help:      "Flush jobs dropped after exhausting enqueue retries.",
		}),
		enqueueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learning_time",
			Name:      "enqueue_retries_total",
			Help:      "Enqueue attempts beyond the first.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.heartbeats, m.storeErrors, m.flushesEnqueued, m.flushesLost, m.enqueueRetries} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
