package worker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	applied      prometheus.Counter
	duplicates   prometheus.Counter
	applyErrors  prometheus.Counter
	deadLettered prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "learning_time", Name: name, Help: help})
	}
	m := &Metrics{
		applied:      counter("flushes_applied_total", "Flush jobs applied to storage."),
		duplicates:   counter("flushes_duplicate_total", "Redelivered flush jobs skipped by job-id dedup."),
		applyErrors:  counter("flush_apply_errors_total", "Storage failures while applying a flush job."),
		deadLettered: counter("flushes_dead_lettered_total", "Flush jobs parked on the dead-letter subject."),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.applied, m.duplicates, m.applyErrors, m.deadLettered} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
