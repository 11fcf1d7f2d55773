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

package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"gateway/pkg/replicaload"
)

// managedCounter pairs a per-replica admission counter with the bookkeeping
// needed to evict it once a replica has gone quiet for a while.
type managedCounter struct {
	counter      *replicaload.Counter
	lastAccessed int64
}

// AdmissionTracker maintains a striped-atomic in-flight request counter per
// replica URL, so the proxy engine can expose current concurrency without a
// per-request round trip to any shared store. It is an observability
// counter, not a limiter: it only counts requests and never denies
// admission.
type AdmissionTracker struct {
	counters sync.Map // url -> *managedCounter
}

// NewAdmissionTracker returns an empty tracker.
func NewAdmissionTracker() *AdmissionTracker {
	return &AdmissionTracker{}
}

// Acquire marks one request as in-flight against url and returns a release
// function the caller must invoke exactly once when the request completes
// (success, failure, or cancellation alike).
func (t *AdmissionTracker) Acquire(url string) (release func()) {
	mc := t.getOrCreate(url)
	mc.counter.Increment()
	atomic.StoreInt64(&mc.lastAccessed, time.Now().UnixNano())
	return func() {
		mc.counter.Decrement()
	}
}

// InFlight returns the current number of in-flight requests tracked for
// url, or 0 if the replica has never been seen.
func (t *AdmissionTracker) InFlight(url string) int64 {
	v, ok := t.counters.Load(url)
	if !ok {
		return 0
	}
	return v.(*managedCounter).counter.Sum()
}

func (t *AdmissionTracker) getOrCreate(url string) *managedCounter {
	if v, ok := t.counters.Load(url); ok {
		return v.(*managedCounter)
	}
	mc := &managedCounter{counter: replicaload.New(), lastAccessed: time.Now().UnixNano()}
	if actual, loaded := t.counters.LoadOrStore(url, mc); loaded {
		return actual.(*managedCounter)
	}
	return mc
}

// EvictStale drops counters for replicas untouched for longer than maxAge.
// Intended to be called periodically by a control loop so a replica fleet
// that shrinks over time doesn't leak counters forever.
func (t *AdmissionTracker) EvictStale(maxAge time.Duration) {
	now := time.Now()
	var stale []string
	t.counters.Range(func(key, value any) bool {
		mc := value.(*managedCounter)
		last := atomic.LoadInt64(&mc.lastAccessed)
		if now.Sub(time.Unix(0, last)) > maxAge {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, url := range stale {
		t.counters.Delete(url)
	}
}
