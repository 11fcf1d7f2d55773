// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry exposes the gateway's Prometheus metrics: request
// counts by outcome, replica health/load gauges, selector decisions, and
// auth outcomes. Every metric is registered against its own registry so
// multiple Metrics instances (e.g. in tests) never collide on the global
// default registerer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors, all registered
// against a private registry handed out by Handler.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	authTotal       *prometheus.CounterVec
	selectionsTotal *prometheus.CounterVec
	replicaHealthy  *prometheus.GaugeVec
	replicaLoad     *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
	refreshErrors   *prometheus.CounterVec
}

// New builds a Metrics instance with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied requests by model and final outcome.",
		}, []string{"model", "outcome"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_total",
			Help: "Total admitted requests by authorization method.",
		}, []string{"method"}),
		selectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_selections_total",
			Help: "Total replica selections by model and policy.",
		}, []string{"model", "policy"}),
		replicaHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_replica_healthy",
			Help: "1 if a replica was healthy as of the last sweep, else 0.",
		}, []string{"model", "replica"}),
		replicaLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_replica_load_score",
			Help: "Last-observed load score (requests_processing + requests_deferred) for a replica.",
		}, []string{"model", "replica"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_replica_in_flight",
			Help: "Requests currently in flight to a replica, as tracked by the admission counter.",
		}, []string{"replica"}),
		refreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_refresh_errors_total",
			Help: "Errors encountered by the periodic refresh loop, by stage.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.authTotal,
		m.selectionsTotal,
		m.replicaHealthy,
		m.replicaLoad,
		m.inFlight,
		m.refreshErrors,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this Metrics instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one proxied request's terminal outcome, e.g.
// "success", "failover_exhausted", "no_server", "upstream_error".
func (m *Metrics) ObserveRequest(model, outcome string) {
	m.requestsTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveAuth records one admitted request's authorization method, e.g.
// "api_key" or "x402".
func (m *Metrics) ObserveAuth(method string) {
	m.authTotal.WithLabelValues(method).Inc()
}

// ObserveSelection records one replica selection decision.
func (m *Metrics) ObserveSelection(model, policy string) {
	m.selectionsTotal.WithLabelValues(model, policy).Inc()
}

// SetReplicaHealth records the last-observed health and load score for a
// replica of model, as produced by a health sweep.
func (m *Metrics) SetReplicaHealth(model, replica string, healthy bool, loadScore int) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.replicaHealthy.WithLabelValues(model, replica).Set(v)
	m.replicaLoad.WithLabelValues(model, replica).Set(float64(loadScore))
}

// SetInFlight records the current in-flight count for a replica.
func (m *Metrics) SetInFlight(replica string, count int64) {
	m.inFlight.WithLabelValues(replica).Set(float64(count))
}

// ObserveRefreshError records a failure in one stage of the periodic
// refresh loop ("keys" or "prices").
func (m *Metrics) ObserveRefreshError(stage string) {
	m.refreshErrors.WithLabelValues(stage).Inc()
}
