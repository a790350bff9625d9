// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"
	"time"

	"github.com/alwitt/ssecast/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultAccepted  = "accepted"
	ResultRejected  = "rejected"
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// Metrics broadcast service prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	connections   prometheus.Gauge
	closed        *prometheus.CounterVec
	admissions    *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	publishDur    *prometheus.HistogramVec
	securityAlert *prometheus.CounterVec
}

// New define the collectors on a private registry
func New(cfg common.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "open_connections", Help: "Currently open event streams",
	})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "connections_closed_total", Help: "Closed event streams by reason",
	}, []string{"reason"})
	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "connection_admissions_total", Help: "Connection attempts by result",
	}, []string{"result", "code"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "event_deliveries_total", Help: "Per recipient deliveries by result",
	}, []string{"result"})
	publishDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "publish_duration_seconds", Help: "Publish fan-out latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
	securityAlert := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "security_alerts_total", Help: "Raised security alerts",
	}, []string{"alert"})
	r.MustRegister(connections, closed, admissions, deliveries, publishDur, securityAlert)

	return &Metrics{
		registry:      r,
		connections:   connections,
		closed:        closed,
		admissions:    admissions,
		deliveries:    deliveries,
		publishDur:    publishDur,
		securityAlert: securityAlert,
	}
}

// ConnectionOpened count a newly opened stream
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed count a closed stream
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.closed.WithLabelValues(reason).Inc()
}

// Admission count one connection attempt. An empty code means accepted.
func (m *Metrics) Admission(code common.ErrorCode) {
	if m == nil {
		return
	}
	if code == "" {
		m.admissions.WithLabelValues(ResultAccepted, "").Inc()
		return
	}
	m.admissions.WithLabelValues(ResultRejected, string(code)).Inc()
}

// Deliveries count the per recipient outcome of one publish
func (m *Metrics) Deliveries(delivered, failed int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(ResultDelivered).Add(float64(delivered))
	m.deliveries.WithLabelValues(ResultFailed).Add(float64(failed))
}

// PublishDone observe the latency of one publish
func (m *Metrics) PublishDone(target string, since time.Time) {
	if m == nil {
		return
	}
	m.publishDur.WithLabelValues(target).Observe(time.Since(since).Seconds())
}

// SecurityAlert count a raised security alert
func (m *Metrics) SecurityAlert(alert string) {
	if m == nil {
		return
	}
	m.securityAlert.WithLabelValues(alert).Inc()
}

// Handler scrape endpoint for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
