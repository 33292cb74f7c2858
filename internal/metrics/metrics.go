// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shrike",
		Subsystem: "notify",
		Name:      "events_published_total",
		Help:      "Change events published, by table and kind.",
	}, []string{"table", "kind"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shrike",
		Subsystem: "notify",
		Name:      "subscriptions_active",
		Help:      "Currently registered subscriptions.",
	})

	SlowConsumerEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shrike",
		Subsystem: "notify",
		Name:      "slow_consumer_evictions_total",
		Help:      "Subscriptions force-closed because their delivery channel was full.",
	})

	BusyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shrike",
		Subsystem: "store",
		Name:      "busy_rejections_total",
		Help:      "Writer transactions rejected with a busy error.",
	})

	WriteTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shrike",
		Subsystem: "store",
		Name:      "write_transactions_total",
		Help:      "Committed writer transactions, by table and operation.",
	}, []string{"table", "op"})
)
