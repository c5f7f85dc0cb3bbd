// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/transparency-dev/armored-witness-vex/token"
)

type metrics struct {
	exchanges *prometheus.CounterVec
	polls     prometheus.Histogram
}

// Metrics represents the exchange counters.
type Metrics struct {
	m *metrics
}

// NewMetrics creates and registers the exchange counters.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vex_exchanges_total",
			Help: "Token exchanges by opcode and outcome.",
		}, []string{"opcode", "status"}),
		polls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vex_exchange_polls",
			Help:    "Out mailbox checks per polled exchange.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{m.exchanges, m.polls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &Metrics{m: m}, nil
}

func (m *metrics) observe(kind token.Kind, s Status, polls int) {
	if m == nil {
		return
	}

	m.exchanges.WithLabelValues(kind.Op.String(), s.String()).Inc()

	if polls > 0 {
		m.polls.Observe(float64(polls))
	}
}
