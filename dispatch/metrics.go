// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "koru",
	Subsystem: "dispatch",
	Name:      "notifications_total",
	Help:      "Total number of notifications broadcast, per action",
}, []string{"action"})
