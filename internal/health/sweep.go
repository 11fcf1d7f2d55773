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

package health

import (
	"context"
	"sync"
)

type probeResult struct {
	model string
	url   string
	m     Metrics
}

// Sweep probes every (model, url) pair concurrently, waits for all of them,
// and atomically swaps in the resulting healthy view and metrics snapshot.
// It never mutates the previous view in place, so in-flight readers always
// see one complete generation or the next, never a mix.
func (mon *Monitor) Sweep(ctx context.Context) {
	p := newProber()

	type job struct {
		model string
		url   string
		gpu   bool
	}
	var jobs []job
	for model, replicas := range mon.cfg.Models {
		for _, r := range replicas {
			jobs = append(jobs, job{model: model, url: r.URL, gpu: r.GPU})
		}
	}

	results := make([]probeResult, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, j := range jobs {
		go func(i int, j job) {
			defer wg.Done()
			results[i] = probeResult{model: j.model, url: j.url, m: p.probe(ctx, j.url, j.model, j.gpu)}
		}(i, j)
	}
	wg.Wait()

	next := &view{
		healthy: make(map[string][]string, len(mon.cfg.Models)),
		metrics: make(map[string]Metrics, len(results)),
	}
	// Preserve config order when appending healthy URLs: iterate jobs (which
	// were built in config order) rather than the results slice's own order,
	// since goroutine completion order is not deterministic but the slice
	// index is.
	for i, j := range jobs {
		r := results[i]
		next.metrics[r.url] = r.m
		if r.m.IsHealthy {
			next.healthy[j.model] = append(next.healthy[j.model], r.url)
		}
	}

	mon.current.Store(next)
}
