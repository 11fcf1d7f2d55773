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

package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("llama", "success")
	m.ObserveRequest("llama", "success")
	got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("llama", "success"))
	if got != 2 {
		t.Fatalf("requestsTotal = %v, want 2", got)
	}
}

func TestObserveAuth(t *testing.T) {
	m := New()
	m.ObserveAuth("api_key")
	m.ObserveAuth("x402")
	m.ObserveAuth("x402")
	if got := testutil.ToFloat64(m.authTotal.WithLabelValues("api_key")); got != 1 {
		t.Fatalf("authTotal[api_key] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.authTotal.WithLabelValues("x402")); got != 2 {
		t.Fatalf("authTotal[x402] = %v, want 2", got)
	}
}

func TestSetReplicaHealth(t *testing.T) {
	m := New()
	m.SetReplicaHealth("llama", "http://a", true, 5)
	m.SetReplicaHealth("llama", "http://b", false, 0)

	if got := testutil.ToFloat64(m.replicaHealthy.WithLabelValues("llama", "http://a")); got != 1 {
		t.Fatalf("replicaHealthy[a] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.replicaHealthy.WithLabelValues("llama", "http://b")); got != 0 {
		t.Fatalf("replicaHealthy[b] = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.replicaLoad.WithLabelValues("llama", "http://a")); got != 5 {
		t.Fatalf("replicaLoad[a] = %v, want 5", got)
	}
}

func TestSetInFlight(t *testing.T) {
	m := New()
	m.SetInFlight("http://a", 3)
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("http://a")); got != 3 {
		t.Fatalf("inFlight = %v, want 3", got)
	}
}

func TestObserveRefreshError(t *testing.T) {
	m := New()
	m.ObserveRefreshError("keys")
	if got := testutil.ToFloat64(m.refreshErrors.WithLabelValues("keys")); got != 1 {
		t.Fatalf("refreshErrors[keys] = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.ObserveRequest("llama", "success")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_requests_total") {
		t.Fatalf("response missing gateway_requests_total metric")
	}
}

func TestSeparateInstancesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.ObserveRequest("llama", "success")
	if got := testutil.ToFloat64(b.requestsTotal.WithLabelValues("llama", "success")); got != 0 {
		t.Fatalf("instance b observed a's metric: %v", got)
	}
}
