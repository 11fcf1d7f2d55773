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

// Package replicaload provides a striped-atomic in-flight request counter.
// One Counter is kept per upstream replica by internal/proxy's admission
// tracker so the proxy can report current concurrency for a replica without
// a single hot cache line shared across every goroutine serving that
// replica's traffic. The technique — pooled-PRNG stripe selection with
// cache-line padding, collapsed into a single sum only when read — comes
// from the striped accumulator the fleet's rate limiter uses for commit
// gating; this package keeps the striping and drops everything downstream
// of it (persistence commit offsets, cached/grouped gating, fast-path
// guards) that a pure observability counter never needs.
package replicaload

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// padSize over-pads each stripe to a cache line so concurrent increments to
// different stripes never false-share.
const padSize = 128 - 8

type stripe struct {
	delta atomic.Int64
	_     [padSize]byte
}

// Counter tracks the net number of in-flight requests against one replica.
// Increment is lock-free; Sum folds the stripes on read, which is rare
// relative to Increment/Decrement on the request hot path.
type Counter struct {
	stripes []stripe
	mask    int
	chooser atomic.Uint64

	prngPool sync.Pool
}

// New builds a Counter sized to the current GOMAXPROCS, clamped to a
// reasonable range so a small replica fleet doesn't allocate hundreds of
// stripes it will never contend over.
func New() *Counter {
	p := runtime.GOMAXPROCS(0)
	s := nextPow2(clamp(p, 8, 64))
	return &Counter{stripes: make([]stripe, s), mask: s - 1}
}

// Increment marks one more request in flight.
func (c *Counter) Increment() {
	c.add(1)
}

// Decrement marks one request as completed. Callers pair every Increment
// with exactly one Decrement, including on failure or client cancellation.
func (c *Counter) Decrement() {
	c.add(-1)
}

func (c *Counter) add(delta int64) {
	idx := c.chooseStripe()
	c.stripes[idx].delta.Add(delta)
}

// Sum returns the current in-flight count. It is only ever read for
// telemetry and metrics export, never gated on, so an occasional stale read
// under concurrent writes is acceptable.
func (c *Counter) Sum() int64 {
	var total int64
	for i := range c.stripes {
		total += c.stripes[i].delta.Load()
	}
	return total
}

// chooseStripe spreads increments across stripes using a small per-call
// PRNG drawn from a pool, avoiding an atomic add just to pick a stripe.
func (c *Counter) chooseStripe() int {
	p := c.prngPool.Get()
	var r *rng64
	if p == nil {
		r = &rng64{x: uint64(time.Now().UnixNano()) | 1}
	} else {
		r = p.(*rng64)
	}
	x := r.next()
	c.prngPool.Put(r)
	return int(x) & c.mask
}

type rng64 struct{ x uint64 }

// next is xorshift64*: cheap, good enough to spread stripe selection, not
// used for anything security-sensitive.
func (r *rng64) next() uint64 {
	x := r.x
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r.x = x
	return x * 2685821657736338717
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
