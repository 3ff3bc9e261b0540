/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	outcomesCnt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboundrouter",
			Name:      "routing_outcomes_total",
			Help:      "Number of routed messages by result",
		},
		[]string{"result"},
	)
	stepsCnt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboundrouter",
			Name:      "routing_steps_total",
			Help:      "Number of messages decided by each routing step",
		},
		[]string{"step"},
	)
	routingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inboundrouter",
			Name:      "routing_duration_seconds",
			Help:      "Time spent routing one message",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(outcomesCnt)
	prometheus.MustRegister(stepsCnt)
	prometheus.MustRegister(routingDuration)
}
