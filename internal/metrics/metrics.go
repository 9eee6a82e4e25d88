package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ExchangesStarted   prometheus.Counter
	ExchangesSucceeded prometheus.Counter
	ExchangesFailed    prometheus.Counter
	PersistFailures    prometheus.Counter
	HistoryLoads       prometheus.Counter
	RateLimited        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ExchangesStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "exchanges_started_total",
				Help:      "Total chat exchanges admitted for sending",
			}),
			ExchangesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "exchanges_succeeded_total",
				Help:      "Total chat exchanges that produced an assistant reply",
			}),
			ExchangesFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "exchanges_failed_total",
				Help:      "Total chat exchanges that ended in an error state",
			}),
			PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "transcript_persist_failures_total",
				Help:      "Total transcript writes that failed after a successful exchange",
			}),
			HistoryLoads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "history_loads_total",
				Help:      "Total transcript history reloads",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenthub",
				Name:      "sends_rate_limited_total",
				Help:      "Total sends rejected by the per-user rate limit",
			}),
		}
		prometheus.MustRegister(
			global.ExchangesStarted,
			global.ExchangesSucceeded,
			global.ExchangesFailed,
			global.PersistFailures,
			global.HistoryLoads,
			global.RateLimited,
		)
	})
	return global
}
