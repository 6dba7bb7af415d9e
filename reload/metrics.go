// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package reload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricReloadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "reload",
		Name:      "attempts_total",
		Help:      "Total number of load attempts, per asset kind and result",
	}, []string{"kind", "result"})
	metricReloadSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "reload",
		Name:      "seconds_total",
		Help:      "Total time spent loading assets, per asset kind",
	}, []string{"kind"})
)
