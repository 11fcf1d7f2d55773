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

package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gateway/internal/config"
	"gateway/internal/health"
	"gateway/internal/keys"
	"gateway/internal/pricing"
	"gateway/internal/selector"
	"gateway/internal/x402"
)

func newHealthyUpstream(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func buildEngine(t *testing.T, cfg *config.View, gate *x402.Gate) (*Engine, *health.Monitor) {
	t.Helper()
	mon := health.NewMonitor(cfg)
	mon.Sweep(context.Background())
	sel := selector.New(cfg, mon, selector.LoadAware)
	ks := keys.NewSet()
	ks.Replace([]string{"valid-token"})
	e := New(cfg, ks, mon, sel, gate, nil)
	return e, mon
}

func TestHandleProxy_HappyPath(t *testing.T) {
	up := newHealthyUpstream(t, `{"choices":[{"text":"ok"}]}`)
	defer up.Close()

	cfg := &config.View{Models: map[string]config.Model{
		"m1": {{URL: up.URL}},
	}}
	e, _ := buildEngine(t, cfg, nil)

	body := `{"model":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("body missing upstream payload: %s", rec.Body.String())
	}
}

func TestHandleProxy_UnknownModel(t *testing.T) {
	cfg := &config.View{Models: map[string]config.Model{}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"missing"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleProxy_Unauthorized(t *testing.T) {
	up := newHealthyUpstream(t, `{}`)
	defer up.Close()
	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleProxy_AllServersDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	down.Close() // closed server: connections refused

	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: down.URL}}}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (no healthy replicas), body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleProxy_RoundRobinFailoverToNextReplica(t *testing.T) {
	up := newHealthyUpstream(t, `{"served":true}`)
	defer up.Close()

	refused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	refused.Close() // closed listener: connections refused

	// After the round-robin cursor's first advance the list rotates left by
	// one, so the replica at index 1 is tried first.
	cfg := &config.View{Models: map[string]config.Model{
		"m1": {{URL: up.URL}, {URL: refused.URL}},
	}}
	mon := health.NewMonitor(cfg)
	sel := selector.New(cfg, mon, selector.RoundRobin)
	ks := keys.NewSet()
	ks.Replace([]string{"valid-token"})
	e := New(cfg, ks, mon, sel, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover, body=%s", rec.Code, rec.Body.String())
	}
	var m map[string]string
	for _, c := range rec.Result().Cookies() {
		if c.Name == affinityCookieName {
			var err error
			if m, err = decodeAffinity(c.Value); err != nil {
				t.Fatalf("cookie not a valid affinity map: %v", err)
			}
		}
	}
	if m["m1"] != up.URL {
		t.Fatalf("affinity cookie = %v, want m1 pinned to the replica that served: %s", m, up.URL)
	}
}

func TestHandleProxy_Upstream500IsNotRetried(t *testing.T) {
	var goodHits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	cfg := &config.View{Models: map[string]config.Model{
		"m1": {{URL: good.URL}, {URL: failing.URL}},
	}}
	mon := health.NewMonitor(cfg)
	sel := selector.New(cfg, mon, selector.RoundRobin)
	ks := keys.NewSet()
	ks.Replace([]string{"valid-token"})
	e := New(cfg, ks, mon, sel, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want the upstream 500 mirrored", rec.Code)
	}
	if n := atomic.LoadInt32(&goodHits); n != 0 {
		t.Fatalf("second replica was tried %d times after an upstream 500; want no retry", n)
	}
}

func TestHandleProxy_AllReplicasRefusingReturns503(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	b.Close()

	cfg := &config.View{Models: map[string]config.Model{
		"m1": {{URL: a.URL}, {URL: b.URL}},
	}}
	mon := health.NewMonitor(cfg)
	sel := selector.New(cfg, mon, selector.RoundRobin)
	ks := keys.NewSet()
	ks.Replace([]string{"valid-token"})
	e := New(cfg, ks, mon, sel, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when every replica refuses", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "All servers unavailable for model m1") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleProxy_StreamingRelay(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: chunk1\n\n"))
		flusher.Flush()
		w.Write([]byte("data: chunk2\n\n"))
		flusher.Flush()
	}))
	defer up.Close()

	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chunk1") || !strings.Contains(rec.Body.String(), "chunk2") {
		t.Fatalf("missing streamed chunks: %s", rec.Body.String())
	}
}

func TestHandleProxy_StreamingStopsOnClientDisconnect(t *testing.T) {
	upstreamDone := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// Emits for ~50s unless the relay stops reading; the test only
		// passes if the write side fails long before that.
		for i := 0; i < 10000; i++ {
			if _, err := w.Write([]byte("data: tick\n\n")); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer up.Close()

	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	e, _ := buildEngine(t, cfg, nil)

	gw := httptest.NewServer(e)
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.URL+"/v1/completions", strings.NewReader(`{"model":"m1"}`))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer valid-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}

	// Disconnect mid-stream.
	cancel()
	resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was still being drained 5s after the client disconnected")
	}
}

func TestHandleProxy_AffinityCookieSetOnResponse(t *testing.T) {
	up := newHealthyUpstream(t, `{}`)
	defer up.Close()
	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	resp := rec.Result()
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == affinityCookieName {
			found = true
			m, err := decodeAffinity(c.Value)
			if err != nil {
				t.Fatalf("cookie not a valid affinity map: %v", err)
			}
			if m["m1"] != up.URL {
				t.Fatalf("affinity cookie = %v, want m1 -> %s", m, up.URL)
			}
		}
	}
	if !found {
		t.Fatalf("expected preferred_instances cookie to be set")
	}
}

func TestHandleProxy_X402ChallengeWithoutPayment(t *testing.T) {
	up := newHealthyUpstream(t, `{}`)
	defer up.Close()

	settlement := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accepts": []x402.Requirement{{
				Scheme:            "upto",
				Network:           "eip155:8453",
				MaxAmountRequired: "100",
				PayTo:             "0xabc",
				Asset:             x402.USDCBaseAddress,
			}},
		})
	}))
	defer settlement.Close()

	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	price := 1.5
	cat := pricing.NewCatalogue()
	cat.Replace(map[string]pricing.Entry{"m1": {PricePerImage: &price}})
	sc := x402.NewSettlementClient(settlement.URL, "secret", "0xwallet", "0xrecipient")
	gate, err := x402.New(cat, sc)
	if err != nil {
		t.Fatalf("x402.New: %v", err)
	}

	e, _ := buildEngine(t, cfg, gate)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("WWW-Authenticate") != "X-PAYMENT" {
		t.Fatalf("missing WWW-Authenticate header")
	}

	var challenge x402.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("response body not a valid challenge: %v", err)
	}
	if challenge.X402Version != 2 {
		t.Fatalf("X402Version = %d, want 2", challenge.X402Version)
	}
	if len(challenge.Accepts) == 0 {
		t.Fatalf("expected non-empty accepts array")
	}
}

func TestHandleProxy_X402ValidPaymentAdmits(t *testing.T) {
	up := newHealthyUpstream(t, `{}`)
	defer up.Close()

	settlement := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/accepts"):
			json.NewEncoder(w).Encode(map[string]any{
				"accepts": []x402.Requirement{{Scheme: "upto", Asset: x402.USDCBaseAddress}},
			})
		case strings.HasSuffix(r.URL.Path, "/verify"):
			json.NewEncoder(w).Encode(map[string]any{"isValid": true})
		}
	}))
	defer settlement.Close()

	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: up.URL}}}}
	price := 1.5
	cat := pricing.NewCatalogue()
	cat.Replace(map[string]pricing.Entry{"m1": {PricePerImage: &price}})
	sc := x402.NewSettlementClient(settlement.URL, "secret", "0xwallet", "0xrecipient")
	gate, err := x402.New(cat, sc)
	if err != nil {
		t.Fatalf("x402.New: %v", err)
	}

	e, _ := buildEngine(t, cfg, gate)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("X-PAYMENT", `{"signature":"0xdeadbeef"}`)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleAuthCheck(t *testing.T) {
	cfg := &config.View{Models: map[string]config.Model{}}
	e, _ := buildEngine(t, cfg, nil)

	ok := httptest.NewRequest(http.MethodGet, "/libertai/auth/check", nil)
	ok.Header.Set("Authorization", "Bearer valid-token")
	recOK := httptest.NewRecorder()
	e.ServeHTTP(recOK, ok)
	if recOK.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recOK.Code)
	}

	bad := httptest.NewRequest(http.MethodGet, "/libertai/auth/check", nil)
	recBad := httptest.NewRecorder()
	e.ServeHTTP(recBad, bad)
	if recBad.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recBad.Code)
	}
}

func TestHandleOpenAIModels(t *testing.T) {
	cfg := &config.View{Models: map[string]config.Model{"m1": {{URL: "http://a"}}}}
	e, _ := buildEngine(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if out["object"] != "list" {
		t.Fatalf("object field = %v, want list", out["object"])
	}
}
