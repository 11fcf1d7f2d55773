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
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type keysBody struct {
	Keys []string `json:"keys"`
}

// Distributor POSTs the signed key bundle to every replica's
// /libertai/api-keys endpoint. One endpoint failing does not stop the
// others; failures are only logged.
type Distributor struct {
	client *http.Client
	priv   *rsa.PrivateKey
}

// NewDistributor builds a Distributor with a short-lived HTTP client; key
// distribution is an administrative fan-out, not a hot-path request.
func NewDistributor(priv *rsa.PrivateKey) *Distributor {
	return &Distributor{
		client: &http.Client{Timeout: 10 * time.Second},
		priv:   priv,
	}
}

// Distribute signs the given key list once and posts it to every URL in
// targets, per the §4.B redistribution contract. It returns the number of
// endpoints that accepted the payload and a slice of per-endpoint errors.
func (d *Distributor) Distribute(ctx context.Context, targets []string, keyList []string) (accepted int, errs []error) {
	signed, err := Sign(d.priv, keysBody{Keys: keyList})
	if err != nil {
		return 0, []error{fmt.Errorf("keys: signing distribution payload: %w", err)}
	}
	body, err := json.Marshal(Envelope{EncryptedPayload: signed})
	if err != nil {
		return 0, []error{fmt.Errorf("keys: marshaling envelope: %w", err)}
	}

	for _, target := range targets {
		endpoint := target + "/libertai/api-keys"
		if err := d.post(ctx, endpoint, body); err != nil {
			errs = append(errs, fmt.Errorf("keys: distributing to %s: %w", endpoint, err))
			continue
		}
		accepted++
	}
	return accepted, errs
}

func (d *Distributor) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
