// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package hotreload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "koru",
		Subsystem: "hotreload",
		Name:      "resources",
		Help:      "Number of live reloadable resources",
	})
	metricRootsDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "koru",
		Subsystem: "hotreload",
		Name:      "roots_disabled_total",
		Help:      "Total number of watch roots that failed to register",
	})
)
