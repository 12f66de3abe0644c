// Copyright 2023 LiveKit, Inc.
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

package stats

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/config"
	"github.com/livekit/whip-publisher/pkg/types"
)

// Monitor exports send path counters and handshake timing.
type Monitor struct {
	promPacketsSent      *prometheus.CounterVec
	promBytesSent        *prometheus.CounterVec
	promEncryptErrors    prometheus.Counter
	promHandshakeSeconds prometheus.Gauge
}

func NewMonitor() *Monitor {
	m := &Monitor{
		promPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livekit",
			Subsystem: "whip_publisher",
			Name:      "packets_sent",
		}, []string{"kind"}),
		promBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livekit",
			Subsystem: "whip_publisher",
			Name:      "bytes_sent",
		}, []string{"kind"}),
		promEncryptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livekit",
			Subsystem: "whip_publisher",
			Name:      "encrypt_errors",
		}),
		promHandshakeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livekit",
			Subsystem: "whip_publisher",
			Name:      "handshake_seconds",
		}),
	}

	prometheus.MustRegister(m.promPacketsSent, m.promBytesSent, m.promEncryptErrors, m.promHandshakeSeconds)

	return m
}

// Start serves the metrics endpoint when a port is configured.
func (m *Monitor) Start(conf *config.Config) {
	if conf.PrometheusPort == 0 {
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", conf.PrometheusPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorw("prometheus listener failed", err)
		}
	}()
}

func (m *Monitor) PacketSent(kind types.StreamKind, bytes int) {
	m.promPacketsSent.WithLabelValues(string(kind)).Inc()
	m.promBytesSent.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (m *Monitor) EncryptError() {
	m.promEncryptErrors.Inc()
}

func (m *Monitor) HandshakeComplete(d time.Duration) {
	m.promHandshakeSeconds.Set(d.Seconds())
}
