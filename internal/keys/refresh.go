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

package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Refresher pulls the admin key list and keeps Set in sync with it, then
// redistributes the set to every configured replica. A failed pull retains
// the previous set; it never shrinks the set to empty on a transient error.
type Refresher struct {
	Set         *Set
	Distributor *Distributor

	BackendURL   string
	AdminToken   string
	ReplicaURLs  func() []string
	client       *http.Client
}

// NewRefresher wires a Refresher against a backend admin endpoint.
func NewRefresher(set *Set, dist *Distributor, backendURL, adminToken string, replicaURLs func() []string) *Refresher {
	return &Refresher{
		Set:         set,
		Distributor: dist,
		BackendURL:  backendURL,
		AdminToken:  adminToken,
		ReplicaURLs: replicaURLs,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

type adminListResponse struct {
	Keys []string `json:"keys"`
}

// Refresh performs one fetch-then-distribute cycle.
func (r *Refresher) Refresh(ctx context.Context) error {
	newKeys, err := r.fetch(ctx)
	if err != nil {
		return fmt.Errorf("keys: refresh: %w", err)
	}
	r.Set.Replace(newKeys)

	targets := r.ReplicaURLs()
	accepted, errs := r.Distributor.Distribute(ctx, targets, newKeys)
	for _, e := range errs {
		log.Printf("ERROR: %v", e)
	}
	log.Printf("key distribution: %d/%d replicas accepted", accepted, len(targets))
	return nil
}

func (r *Refresher) fetch(ctx context.Context) ([]string, error) {
	url := r.BackendURL + "/api-keys/admin/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-admin-token", r.AdminToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin list returned status %d", resp.StatusCode)
	}
	var body adminListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding admin list: %w", err)
	}
	return body.Keys, nil
}
