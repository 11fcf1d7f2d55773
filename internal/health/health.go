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

// Package health tracks per-replica liveness and load, and derives the
// healthy view: the per-model ordered list of replica URLs currently
// reachable. A sweep probes every (model, url) pair concurrently and swaps
// the view in as a single atomic replacement; it never mutates the previous
// view in place and never blocks request serving.
package health

import (
	"sync/atomic"

	"gateway/internal/config"
)

// Metrics is a point-in-time snapshot for a single replica.
type Metrics struct {
	IsHealthy          bool
	RequestsProcessing int
	RequestsDeferred   int
}

// LoadScore is requests_processing + requests_deferred. An unhealthy replica
// is treated as having infinite load so it is never preferred.
func (m Metrics) LoadScore() int {
	if !m.IsHealthy {
		return int(^uint(0) >> 1) // +Inf surrogate
	}
	return m.RequestsProcessing + m.RequestsDeferred
}

// view is one atomically-swappable snapshot: the healthy replica list per
// model and the metrics observed for every probed URL.
type view struct {
	healthy map[string][]string // model -> ordered healthy replica URLs
	metrics map[string]Metrics  // url -> last observed metrics
}

// Monitor owns the health view for the whole replica fleet.
type Monitor struct {
	cfg     *config.View
	current atomic.Pointer[view]
}

// NewMonitor builds a Monitor whose initial view has no healthy replicas;
// the first sweep populates it.
func NewMonitor(cfg *config.View) *Monitor {
	m := &Monitor{cfg: cfg}
	m.current.Store(&view{healthy: map[string][]string{}, metrics: map[string]Metrics{}})
	return m
}

// HealthyReplicas returns the current healthy URL list for a model, or nil
// if the model has no healthy replicas (or is unknown).
func (m *Monitor) HealthyReplicas(model string) []string {
	return m.current.Load().healthy[model]
}

// MetricsFor returns the last observed metrics for a replica URL.
func (m *Monitor) MetricsFor(url string) (Metrics, bool) {
	mt, ok := m.current.Load().metrics[url]
	return mt, ok
}

// GetLeastBusy implements §4.C: stickiness wins over load, then minimum
// load score, ties broken by first occurrence in the healthy list. Returns
// ("", false) if the model has no healthy replicas.
func (m *Monitor) GetLeastBusy(model string, preferred string) (string, bool) {
	v := m.current.Load()
	healthy := v.healthy[model]
	if len(healthy) == 0 {
		return "", false
	}
	if preferred != "" {
		for _, u := range healthy {
			if u == preferred {
				return u, true
			}
		}
	}
	best := healthy[0]
	bestScore := v.metrics[best].LoadScore()
	for _, u := range healthy[1:] {
		score := v.metrics[u].LoadScore()
		if score < bestScore {
			best, bestScore = u, score
		}
	}
	return best, true
}

// GetLeastBusyAmong is GetLeastBusy narrowed to a caller-supplied allow set
// (e.g. a model's GPU-tagged replicas). Returns ("", false) if none of the
// healthy replicas are in allow.
func (m *Monitor) GetLeastBusyAmong(model, preferred string, allow map[string]struct{}) (string, bool) {
	v := m.current.Load()
	var healthy []string
	for _, u := range v.healthy[model] {
		if _, ok := allow[u]; ok {
			healthy = append(healthy, u)
		}
	}
	if len(healthy) == 0 {
		return "", false
	}
	if preferred != "" {
		if _, ok := allow[preferred]; ok {
			for _, u := range healthy {
				if u == preferred {
					return u, true
				}
			}
		}
	}
	best := healthy[0]
	bestScore := v.metrics[best].LoadScore()
	for _, u := range healthy[1:] {
		score := v.metrics[u].LoadScore()
		if score < bestScore {
			best, bestScore = u, score
		}
	}
	return best, true
}
