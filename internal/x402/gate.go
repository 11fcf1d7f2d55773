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

// Package x402 implements the HTTP 402 micro-payment challenge/verify
// handshake: computing a maximum price for a request, synthesizing payment
// requirements from an external settlement service, and verifying a
// presented payment header against that same service. Settlement itself
// (actually moving funds) is out of scope; this package is verify-only.
package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gateway/internal/pricing"
)

const (
	minPrice        = 0.0001
	defaultMaxToken = 4096

	// USDCBaseAddress is the canonical USDC contract address on Base,
	// used as the settlement asset for every priced model.
	USDCBaseAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	network         = "eip155:8453"
)

// Gate ties the price catalogue to the tokenizer pool and settlement
// client, exposing the three operations the proxy engine needs per
// request: compute a max price, build a 402 challenge, and verify a
// presented payment.
type Gate struct {
	catalogue  *pricing.Catalogue
	tokenizer  *tokenizerPool
	settlement *SettlementClient
}

// New builds a Gate. It fails if the cl100k_base encoding cannot be loaded,
// since every token-priced model depends on it.
func New(catalogue *pricing.Catalogue, settlement *SettlementClient) (*Gate, error) {
	tok, err := newTokenizerPool()
	if err != nil {
		return nil, err
	}
	return &Gate{catalogue: catalogue, tokenizer: tok, settlement: settlement}, nil
}

// Eligible reports whether model has a price entry (and is therefore
// x402-eligible).
func (g *Gate) Eligible(model string) bool {
	_, ok := g.catalogue.Get(model)
	return ok
}

// requestBody is the minimal envelope needed to compute a price; the
// engine keeps the raw bytes for forwarding and only decodes this much.
type requestBody struct {
	Messages          json.RawMessage `json:"messages"`
	MaxTokens         *int            `json:"max_tokens"`
	MaxCompletionToks *int            `json:"max_completion_tokens"`
}

// ComputeMaxPrice implements §4.F: image-priced models return their fixed
// price verbatim; token-priced models tokenize the messages field (offloaded
// to the tokenizer pool) and combine input/output token costs, clamped to a
// minimum of 0.0001. Returns false if model has no price entry.
func (g *Gate) ComputeMaxPrice(ctx context.Context, model string, body []byte) (float64, bool, error) {
	entry, ok := g.catalogue.Get(model)
	if !ok {
		return 0, false, nil
	}
	if entry.PricePerImage != nil {
		return *entry.PricePerImage, true, nil
	}

	var rb requestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return 0, false, fmt.Errorf("x402: parsing request body: %w", err)
	}

	inputTokens, err := g.tokenizer.CountTokens(ctx, string(rb.Messages))
	if err != nil {
		return 0, false, fmt.Errorf("x402: tokenizing messages: %w", err)
	}

	maxTokens := defaultMaxToken
	switch {
	case rb.MaxTokens != nil:
		maxTokens = *rb.MaxTokens
	case rb.MaxCompletionToks != nil:
		maxTokens = *rb.MaxCompletionToks
	case entry.DefaultMaxTokens > 0:
		maxTokens = entry.DefaultMaxTokens
	}

	price := float64(inputTokens)/1_000_000*entry.PricePerMillionInputTokens +
		float64(maxTokens)/1_000_000*entry.PricePerMillionOutputTokens
	if price < minPrice {
		price = minPrice
	}
	return price, true, nil
}

// Challenge is the body of a 402 response.
type Challenge struct {
	X402Version int          `json:"x402Version"`
	Error       string       `json:"error"`
	Accepts     []Requirement `json:"accepts"`
}

// Requirement is one entry of a 402 challenge's "accepts" array, as
// returned by the settlement service's /accepts endpoint.
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// BuildChallenge asks the settlement service for the accepts array and
// returns the full 402 challenge body for model/resourceURL at maxPrice.
func (g *Gate) BuildChallenge(ctx context.Context, model, resourceURL string, maxPrice float64) (Challenge, error) {
	accepts, err := g.settlement.Accepts(ctx, resourceURL, model, maxPrice)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		X402Version: 2,
		Error:       "X-PAYMENT header is required",
		Accepts:     accepts,
	}, nil
}

// VerifyPayment delegates to the settlement service's /verify endpoint.
// Any transport error, non-200, or invalid JSON is treated as verification
// failure (false) rather than propagated, per §4.F.
func (g *Gate) VerifyPayment(ctx context.Context, paymentHeader string, requirement Requirement) bool {
	return g.settlement.Verify(ctx, paymentHeader, requirement)
}

func amountMicros(price float64) string {
	return strconv.FormatInt(int64(math.Round(price*1_000_000)), 10)
}
