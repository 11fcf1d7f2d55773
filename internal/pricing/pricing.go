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

// Package pricing holds the atomically-replaceable per-model price table
// used by the x402 gate. Absence of an entry means the model is not
// x402-eligible.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Entry is either an image-priced model ({PricePerImage set}) or a
// token-priced model (the PerMillion* fields).
type Entry struct {
	PricePerImage               *float64 `json:"price_per_image,omitempty"`
	PricePerMillionInputTokens  float64  `json:"price_per_million_input_tokens,omitempty"`
	PricePerMillionOutputTokens float64  `json:"price_per_million_output_tokens,omitempty"`
	DefaultMaxTokens            int      `json:"default_max_tokens,omitempty"`
}

// Catalogue is the atomically-swappable model -> Entry table.
type Catalogue struct {
	current atomic.Pointer[map[string]Entry]
}

// NewCatalogue returns an empty catalogue.
func NewCatalogue() *Catalogue {
	c := &Catalogue{}
	empty := map[string]Entry{}
	c.current.Store(&empty)
	return c
}

// Get returns the price entry for a model, if any.
func (c *Catalogue) Get(model string) (Entry, bool) {
	m := c.current.Load()
	e, ok := (*m)[model]
	return e, ok
}

// Replace swaps in a fresh snapshot.
func (c *Catalogue) Replace(entries map[string]Entry) {
	snapshot := make(map[string]Entry, len(entries))
	for k, v := range entries {
		snapshot[k] = v
	}
	c.current.Store(&snapshot)
}

// Refresher pulls the price table from the backend's x402/prices endpoint.
// A failed pull retains the previous catalogue.
type Refresher struct {
	Catalogue  *Catalogue
	BackendURL string
	AdminToken string
	client     *http.Client
}

// NewRefresher builds a price Refresher.
func NewRefresher(cat *Catalogue, backendURL, adminToken string) *Refresher {
	return &Refresher{
		Catalogue:  cat,
		BackendURL: backendURL,
		AdminToken: adminToken,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh performs one fetch-and-replace cycle.
func (r *Refresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BackendURL+"/x402/prices", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-admin-token", r.AdminToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("pricing: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing: refresh: unexpected status %d", resp.StatusCode)
	}

	var entries map[string]Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("pricing: decoding prices: %w", err)
	}
	r.Catalogue.Replace(entries)
	return nil
}
