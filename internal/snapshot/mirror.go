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

// Package snapshot optionally mirrors the key set and healthy view to Redis
// so a newly started replica (or an external status page) can read the last
// known-good state without waiting for its own first refresh cycle. It is
// never read from on the request hot path; the in-process atomic views
// remain the source of truth for serving traffic.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keysSetKey    = "gateway:keys"
	healthyPrefix = "gateway:healthy:"
	snapshotTTL   = 10 * time.Minute
)

// Mirror writes point-in-time snapshots of replaceable state to Redis. A nil
// *Mirror (returned when no address is configured) makes every method a
// no-op, so callers never need to nil-check before using one.
type Mirror struct {
	client *redis.Client
}

// New builds a Mirror against addr, or returns nil if addr is empty.
func New(addr string) *Mirror {
	if addr == "" {
		return nil
	}
	return &Mirror{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// WriteKeySet replaces the mirrored key set wholesale: members are removed
// and re-added within a pipeline so readers never observe a partial set for
// long, though this is a best-effort mirror, not a transactional source of
// truth.
func (m *Mirror) WriteKeySet(ctx context.Context, keyList []string) error {
	if m == nil {
		return nil
	}
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, keysSetKey)
	if len(keyList) > 0 {
		members := make([]interface{}, len(keyList))
		for i, k := range keyList {
			members[i] = k
		}
		pipe.SAdd(ctx, keysSetKey, members...)
	}
	pipe.Expire(ctx, keysSetKey, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: writing key set: %w", err)
	}
	return nil
}

// WriteHealthyView replaces the mirrored healthy replica list for model.
func (m *Mirror) WriteHealthyView(ctx context.Context, model string, urls []string) error {
	if m == nil {
		return nil
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("snapshot: encoding healthy view for %s: %w", model, err)
	}
	if err := m.client.Set(ctx, healthyPrefix+model, encoded, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("snapshot: writing healthy view for %s: %w", model, err)
	}
	return nil
}

// ReadHealthyView returns the last mirrored healthy replica list for model,
// or (nil, false) if nothing has ever been written or it has expired.
func (m *Mirror) ReadHealthyView(ctx context.Context, model string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	raw, err := m.client.Get(ctx, healthyPrefix+model).Result()
	if err != nil {
		return nil, false
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil, false
	}
	return urls, true
}

// ReadKeySet returns the last mirrored key set, or (nil, false) if none is
// available.
func (m *Mirror) ReadKeySet(ctx context.Context) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	members, err := m.client.SMembers(ctx, keysSetKey).Result()
	if err != nil || len(members) == 0 {
		return nil, false
	}
	return members, true
}

// Close releases the underlying Redis connection pool.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
