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

// Package selector picks a replica to serve a (model, preferred-replica)
// request. Two strategies drive the proxy hot path: load-aware (delegates
// to the health monitor's least-busy accessor) and round-robin-with-failover
// (rotates the model's full configured replica list, independent of health,
// and lets the caller retry candidates on connection errors). A third,
// stateless strategy based on rendezvous hashing is available for fan-out
// callers that have no shared cursor to rotate.
package selector

import (
	"sync"

	"github.com/dgryski/go-rendezvous"

	"gateway/internal/config"
	"gateway/internal/health"
)

// Policy names the strategy used for a given proxy deployment.
type Policy int

const (
	// LoadAware delegates to health.Monitor.GetLeastBusy.
	LoadAware Policy = iota
	// RoundRobin rotates the full configured replica list with failover.
	RoundRobin
)

// String names the policy for logging and metric labels.
func (p Policy) String() string {
	if p == RoundRobin {
		return "round_robin"
	}
	return "load_aware"
}

// Selector picks replicas for incoming requests under one of the policies
// above, keeping the per-model round-robin cursor alive between calls.
type Selector struct {
	cfg     *config.View
	monitor *health.Monitor
	policy  Policy

	mu      sync.Mutex
	cursors map[string]int
}

// New builds a Selector over a config view and health monitor.
func New(cfg *config.View, monitor *health.Monitor, policy Policy) *Selector {
	return &Selector{
		cfg:     cfg,
		monitor: monitor,
		policy:  policy,
		cursors: make(map[string]int),
	}
}

// Policy reports the selection policy this Selector was built with.
func (s *Selector) Policy() Policy { return s.policy }

// Select returns the ordered list of candidate replica URLs to try, in
// priority order, for a (model, preferred) request. Under LoadAware the
// list has at most one element (the monitor's choice); under RoundRobin the
// caller should try each element in turn until one succeeds, per §4.G's
// failover rule. When preferGPU is set, candidates are narrowed to the
// model's GPU-tagged replicas first; if the model has no GPU replica at
// all the preference is silently dropped and every replica is eligible,
// mirroring the teacher's own server-selection fallback.
func (s *Selector) Select(model, preferred string, preferGPU bool) []string {
	var allow map[string]struct{}
	if preferGPU {
		allow = s.gpuReplicas(model)
	}

	switch s.policy {
	case RoundRobin:
		return filterAllowed(s.roundRobin(model, preferred), allow)
	default:
		if allow != nil {
			if u, ok := s.monitor.GetLeastBusyAmong(model, preferred, allow); ok {
				return []string{u}
			}
			return nil
		}
		if u, ok := s.monitor.GetLeastBusy(model, preferred); ok {
			return []string{u}
		}
		return nil
	}
}

// gpuReplicas returns the set of GPU-tagged replica URLs for model, or nil
// if the model has none (in which case the GPU preference has no effect).
func (s *Selector) gpuReplicas(model string) map[string]struct{} {
	replicas, ok := s.cfg.Model(model)
	if !ok {
		return nil
	}
	var set map[string]struct{}
	for _, r := range replicas {
		if r.GPU {
			if set == nil {
				set = make(map[string]struct{})
			}
			set[r.URL] = struct{}{}
		}
	}
	return set
}

// filterAllowed narrows candidates to those present in allow, preserving
// order. A nil allow returns candidates unchanged.
func filterAllowed(candidates []string, allow map[string]struct{}) []string {
	if allow == nil {
		return candidates
	}
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if _, ok := allow[c]; ok {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// roundRobin implements §4.D's round-robin-with-failover ordering: advance
// the model's cursor once, rotate the full configured list left by the
// post-increment cursor, then move the preferred URL (if present) to the
// front.
func (s *Selector) roundRobin(model, preferred string) []string {
	replicas, ok := s.cfg.Model(model)
	if !ok || len(replicas) == 0 {
		return nil
	}

	s.mu.Lock()
	s.cursors[model] = (s.cursors[model] + 1) % len(replicas)
	cursor := s.cursors[model]
	s.mu.Unlock()

	rotated := make([]string, len(replicas))
	for i := range replicas {
		rotated[i] = replicas[(cursor+i)%len(replicas)].URL
	}

	if preferred != "" {
		for i, u := range rotated {
			if u == preferred {
				copy(rotated[1:i+1], rotated[:i])
				rotated[0] = u
				break
			}
		}
	}
	return rotated
}

// Rendezvous is the stateless, weighted fan-out strategy: deterministic
// highest-random-weight hashing over a model's replica URLs, used where no
// shared round-robin cursor exists (e.g. independent workers picking a
// replica for the same logical key and needing to agree without
// coordination). It is not used on the canonical proxy hot path.
type Rendezvous struct {
	cfg *config.View
}

// NewRendezvous builds a Rendezvous selector over a config view.
func NewRendezvous(cfg *config.View) *Rendezvous {
	return &Rendezvous{cfg: cfg}
}

// Pick returns the replica URL that a rendezvous hash over key assigns for
// model, expanding each replica's weight into that many hash slots so
// higher-weight replicas receive proportionally more traffic.
func (r *Rendezvous) Pick(model, key string) (string, bool) {
	replicas, ok := r.cfg.Model(model)
	if !ok || len(replicas) == 0 {
		return "", false
	}

	var nodes []string
	nodeToURL := make(map[string]string, len(replicas))
	for _, rep := range replicas {
		for w := 0; w < rep.Weight; w++ {
			slot := rep.URL + "#" + itoa(w)
			nodes = append(nodes, slot)
			nodeToURL[slot] = rep.URL
		}
	}
	if len(nodes) == 0 {
		return "", false
	}

	hasher := rendezvous.New(nodes, hashString)
	chosen := hasher.Lookup(key)
	return nodeToURL[chosen], true
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 4)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
