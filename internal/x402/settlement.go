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

package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// SettlementClient talks to the external x402 settlement service:
// synthesizing payment requirements (/accepts) and verifying a presented
// payment (/verify). It never settles (moves funds) — verification only.
type SettlementClient struct {
	baseURL         string
	secretKey       string
	walletAddress   string
	recipientWallet string
	client          *http.Client
}

// NewSettlementClient builds a client against the settlement service's base
// URL, authenticated with x-secret-key.
func NewSettlementClient(baseURL, secretKey, walletAddress, recipientWallet string) *SettlementClient {
	return &SettlementClient{
		baseURL:         baseURL,
		secretKey:       secretKey,
		walletAddress:   walletAddress,
		recipientWallet: recipientWallet,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

type acceptsPrice struct {
	Amount string `json:"amount"`
	Asset  struct {
		Address  string `json:"address"`
		Decimals int    `json:"decimals"`
	} `json:"asset"`
}

type routeConfig struct {
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

type acceptsRequest struct {
	ResourceURL           string       `json:"resourceUrl"`
	Method                string       `json:"method"`
	Network               string       `json:"network"`
	Price                 acceptsPrice `json:"price"`
	Scheme                string       `json:"scheme"`
	ServerWalletAddress   string       `json:"serverWalletAddress"`
	RecipientAddress      string       `json:"recipientAddress"`
	X402Version           int          `json:"x402Version"`
	RouteConfig           routeConfig  `json:"routeConfig"`
}

type acceptsResponse struct {
	Accepts []Requirement `json:"accepts"`
}

// Accepts fetches the settlement service's payment requirements for one
// priced request.
func (c *SettlementClient) Accepts(ctx context.Context, resourceURL, model string, maxPrice float64) ([]Requirement, error) {
	reqBody := acceptsRequest{
		ResourceURL: resourceURL,
		Method:      "POST",
		Network:     network,
		Price: acceptsPrice{
			Amount: amountMicros(maxPrice),
			Asset: struct {
				Address  string `json:"address"`
				Decimals int    `json:"decimals"`
			}{Address: USDCBaseAddress, Decimals: 6},
		},
		Scheme:              "upto",
		ServerWalletAddress: c.walletAddress,
		RecipientAddress:    c.recipientWallet,
		X402Version:         2,
		RouteConfig: routeConfig{
			Description: "Pay-per-use inference for " + model,
			MimeType:    "application/json",
		},
	}

	var out acceptsResponse
	if err := c.post(ctx, "/v1/payments/x402/accepts", reqBody, &out); err != nil {
		return nil, err
	}
	return out.Accepts, nil
}

type verifyRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements Requirement     `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid bool `json:"isValid"`
}

// Verify checks a presented X-PAYMENT header against the settlement
// service. The header is expected to carry a JSON payment payload; a header
// that does not parse, a transport error, a non-200, or a malformed body
// are all treated as verification failure rather than propagated.
func (c *SettlementClient) Verify(ctx context.Context, paymentHeader string, requirement Requirement) bool {
	if !json.Valid([]byte(paymentHeader)) {
		return false
	}
	var out verifyResponse
	err := c.post(ctx, "/v1/payments/x402/verify", verifyRequest{
		X402Version:         2,
		PaymentPayload:      json.RawMessage(paymentHeader),
		PaymentRequirements: requirement,
	}, &out)
	if err != nil {
		return false
	}
	return out.IsValid
}

func (c *SettlementClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-secret-key", c.secretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errStatus(resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type errStatus int

func (e errStatus) Error() string {
	return "x402: settlement service returned unexpected status"
}
