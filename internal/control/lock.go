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

// Package control runs the gateway's background coordination work: primary-
// worker election over a shared filesystem lock, and the periodic refresh
// and alert loops that only the elected primary drives.
package control

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Election holds a single advisory file lock used to pick exactly one
// primary among any number of gateway replicas sharing a filesystem (e.g.
// a shared volume across horizontally-scaled instances). Every replica
// still serves proxy traffic; only the primary runs the refresh and alert
// loops, so key/price refreshes and alerts never fire once per replica.
type Election struct {
	lock *flock.Flock
}

// NewElection builds an Election over path. The file is created if it does
// not already exist.
func NewElection(path string) *Election {
	return &Election{lock: flock.New(path)}
}

// TryBecomePrimary attempts to acquire the lock without blocking. It
// returns true if this process is now the primary. The lock is held for
// the lifetime of the process; call Release on shutdown.
func (e *Election) TryBecomePrimary() (bool, error) {
	ok, err := e.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("control: acquiring primary lock: %w", err)
	}
	return ok, nil
}

// IsPrimary reports whether this process currently holds the lock.
func (e *Election) IsPrimary() bool {
	return e.lock.Locked()
}

// Release gives up the lock, if held.
func (e *Election) Release() error {
	if !e.lock.Locked() {
		return nil
	}
	return e.lock.Unlock()
}
