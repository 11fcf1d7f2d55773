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

// Package proxy wires the config view, key set, health monitor, selector,
// and x402 gate together into the authenticating, load-balancing reverse
// proxy described by the request lifecycle in the component design: parse,
// authorize, select, forward, relay, and fail over on connection errors.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"gateway/internal/config"
	"gateway/internal/health"
	"gateway/internal/keys"
	"gateway/internal/selector"
	"gateway/internal/telemetry"
	"gateway/internal/x402"
)

// Engine is the top-level HTTP handler for the gateway's client-facing
// surface.
type Engine struct {
	cfg       *config.View
	keySet    *keys.Set
	health    *health.Monitor
	selector  *selector.Selector
	gate      *x402.Gate
	admission *AdmissionTracker
	client    *http.Client
	usageSink UsageEventSink
	metrics   *telemetry.Metrics
}

// New builds an Engine. sel should already be configured with the desired
// policy (load-aware or round-robin); gate may be nil if x402 is disabled
// entirely.
func New(cfg *config.View, keySet *keys.Set, mon *health.Monitor, sel *selector.Selector, gate *x402.Gate, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		keySet:    keySet,
		health:    mon,
		selector:  sel,
		gate:      gate,
		admission: NewAdmissionTracker(),
		client:    newUpstreamClient(),
		usageSink: NopUsageEventSink{},
		metrics:   metrics,
	}
}

// SetUsageSink overrides the default no-op usage event sink.
func (e *Engine) SetUsageSink(sink UsageEventSink) { e.usageSink = sink }

// ServeHTTP dispatches the client HTTP surface described in §6.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/libertai/models" && r.Method == http.MethodGet:
		e.handleLibertaiModels(w, r)
	case r.URL.Path == "/v1/models" && r.Method == http.MethodGet:
		e.handleOpenAIModels(w, r)
	case r.URL.Path == "/libertai/auth/check" && r.Method == http.MethodGet:
		e.handleAuthCheck(w, r)
	case r.Method == http.MethodPost:
		e.handleProxy(w, r)
	default:
		http.NotFound(w, r)
	}
}

type envelope struct {
	Model     string `json:"model"`
	PreferGPU bool   `json:"prefer_gpu"`
}

func (e *Engine) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.NotFound(w, r)
		return
	}
	model := strings.ToLower(env.Model)
	if _, ok := e.cfg.Model(model); !ok {
		http.NotFound(w, r)
		return
	}

	admitted, err := e.authorize(w, r, model, body)
	if err != nil {
		http.Error(w, "error evaluating authorization", http.StatusInternalServerError)
		return
	}
	if !admitted {
		return
	}

	affinity := readAffinity(r)
	candidates := e.selector.Select(model, affinity[model], env.PreferGPU)
	if e.metrics != nil {
		e.metrics.ObserveSelection(model, e.selector.Policy().String())
	}
	if len(candidates) == 0 {
		http.Error(w, "no server available", http.StatusNotFound)
		e.observeOutcome(model, "no_server")
		return
	}

	e.forward(w, r, model, body, candidates, affinity)
}

// authorize implements §4.G step 2: exactly one of API-key or x402 ever
// decides admission for a given request. When it returns (false, nil) the
// response has already been fully written (401, a 402 challenge, or a 500
// when the challenge cannot be built).
func (e *Engine) authorize(w http.ResponseWriter, r *http.Request, model string, body []byte) (bool, error) {
	if token := bearerToken(r); token != "" && e.keySet.Contains(token) {
		e.usageSink.AuthChecked(token)
		if e.metrics != nil {
			e.metrics.ObserveAuth("api_key")
		}
		return true, nil
	}

	if e.gate != nil && e.gate.Eligible(model) {
		maxPrice, _, err := e.gate.ComputeMaxPrice(r.Context(), model, body)
		if err != nil {
			return false, err
		}

		// One challenge serves both paths: accepts[0] is the requirement a
		// presented payment is verified against, and the same challenge body
		// is returned if the request ends up rejected, so both agree on
		// scheme/network/asset/payTo without a second /accepts call.
		challenge, err := e.gate.BuildChallenge(r.Context(), model, resourceURL(r), maxPrice)
		if err != nil {
			http.Error(w, "error building payment challenge", http.StatusInternalServerError)
			return false, nil
		}

		if payment := r.Header.Get("X-PAYMENT"); payment != "" && len(challenge.Accepts) > 0 {
			if e.gate.VerifyPayment(r.Context(), payment, challenge.Accepts[0]) {
				if e.metrics != nil {
					e.metrics.ObserveAuth("x402")
				}
				return true, nil
			}
		}

		e.respondPaymentRequired(w, challenge)
		return false, nil
	}

	w.WriteHeader(http.StatusUnauthorized)
	return false, nil
}

func (e *Engine) respondPaymentRequired(w http.ResponseWriter, challenge x402.Challenge) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "X-PAYMENT")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// forward implements §4.G steps 5–7: construct the upstream request, relay
// the response, and fail over to the next candidate on connection-class
// errors.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, model string, body []byte, candidates []string, affinity map[string]string) {
	for i, replica := range candidates {
		release := e.admission.Acquire(replica)
		ok, retryable := e.attempt(w, r, model, body, replica, affinity)
		release()
		if e.metrics != nil {
			e.metrics.SetInFlight(replica, e.admission.InFlight(replica))
		}
		if ok {
			e.observeOutcome(model, "success")
			return
		}
		if !retryable {
			e.observeOutcome(model, "upstream_error")
			return
		}
		if i == len(candidates)-1 {
			http.Error(w, "All servers unavailable for model "+model, http.StatusServiceUnavailable)
			e.observeOutcome(model, "failover_exhausted")
			return
		}
		log.Printf("proxy: connection error to %s for model %s, failing over", replica, model)
	}
}

func (e *Engine) observeOutcome(model, outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveRequest(model, outcome)
	}
}

// attempt proxies one request to a single replica. ok reports whether a
// response was successfully relayed to the client; retryable reports
// whether a failure was a connection-class error eligible for failover.
func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, model string, body []byte, replica string, affinity map[string]string) (ok bool, retryable bool) {
	upstreamURL := replica + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "error building upstream request", http.StatusInternalServerError)
		return false, false
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.ContentLength = int64(len(body))

	resp, err := e.client.Do(req)
	if err != nil {
		if isConnectionClassError(err) {
			return false, true
		}
		log.Printf("ERROR: upstream request to %s failed: %v", upstreamURL, err)
		http.Error(w, "upstream request failed", http.StatusInternalServerError)
		return false, false
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeAffinity(w, affinity, model, replica)
	w.WriteHeader(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		e.streamRelay(r.Context(), w, resp.Body)
	} else {
		io.Copy(w, resp.Body)
	}
	return true, false
}

// streamRelay pulls chunks from upstream and flushes them to the client in
// arrival order without buffering more than one chunk at a time. The loop
// exits as soon as client cancellation is observed — via the request context
// or a failed write to the client — so no further bytes are pulled from
// upstream after the client is gone.
func (e *Engine) streamRelay(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (e *Engine) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" && e.keySet.Contains(token) {
		e.usageSink.AuthChecked(token)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}

func (e *Engine) handleLibertaiModels(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]struct {
		Servers []string `json:"servers"`
	})
	for model := range e.cfg.Models {
		entry := out[model]
		entry.Servers = e.health.HealthyReplicas(model)
		if entry.Servers == nil {
			entry.Servers = []string{}
		}
		out[model] = entry
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (e *Engine) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	data := make([]openAIModel, 0, len(e.cfg.Models))
	for model := range e.cfg.Models {
		data = append(data, openAIModel{ID: model, Object: "model", Created: now, OwnedBy: "libertai"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}
