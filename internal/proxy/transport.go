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
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

// newUpstreamClient builds the long-lived, pooled HTTP client used for
// every upstream relay: a 10s connect timeout, up to 600s to wait for
// response headers (long enough for a slow completion to start), at most
// 500 connections per upstream host, and 100 idle connections kept warm.
// It sets no write timeout and no cap on connections summed across hosts.
func newUpstreamClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       500,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 600 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		// No blanket client.Timeout: streaming responses can legitimately
		// run long. Cancellation is driven by the request context instead.
	}
}

// isConnectionClassError reports whether err is the kind of transport
// failure that should trigger round-robin failover to the next candidate,
// per §4.G/§7: connect timeout, connection refused, reset, TLS handshake
// failure, or an overall request timeout. Anything else (a 5xx actually
// returned by the upstream, malformed framing after bytes were forwarded)
// is fatal for that request and must not be retried.
func isConnectionClassError(err error) bool {
	if err == nil {
		return false
	}
	// A client that went away is cancellation, not a replica failure.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Dial failures, refused/reset connections, and read errors on the wire
	// all surface as *net.OpError.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	// Timeout() must be checked on the wrapped error, not the *url.Error
	// envelope client.Do returns: the envelope delegates Timeout() to its
	// cause, so unwrapping first keeps protocol errors out.
	var urlErr interface{ Unwrap() error }
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Unwrap(), &netErr) && netErr.Timeout() {
			return true
		}
	}
	return false
}
