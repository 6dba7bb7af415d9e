// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecordsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "watch",
		Name:      "records_queued_total",
		Help:      "Total number of change records queued across all roots",
	})
	metricRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "watch",
		Name:      "records_dropped_total",
		Help:      "Total number of change records discarded because a root overflowed",
	})
	metricOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "watch",
		Name:      "overflows_total",
		Help:      "Total number of queue or OS buffer overflows",
	})
	metricRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "koru",
		Subsystem: "watch",
		Name:      "roots",
		Help:      "Number of directories currently watched as roots",
	})
)
