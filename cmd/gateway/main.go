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

// Package main is the entry point for the gateway: an authenticating,
// load-balancing reverse proxy fronting LLM inference backends.
//
// It wires the config loader, key set, health monitor, selector, price
// catalogue, and x402 gate into a proxy engine, attempts primary-worker
// election over a shared filesystem lock, and — only if it wins that
// election — starts the periodic refresh and alert loops. Every replica,
// primary or not, serves proxy traffic identically.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gateway/internal/config"
	"gateway/internal/control"
	"gateway/internal/health"
	"gateway/internal/keys"
	"gateway/internal/pricing"
	"gateway/internal/proxy"
	"gateway/internal/selector"
	"gateway/internal/snapshot"
	"gateway/internal/telemetry"
	"gateway/internal/x402"
)

func main() {
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address for the proxy surface")
	metricsAddr := flag.String("metrics_addr", ":9090", "HTTP listen address for the Prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metrics := telemetry.New()

	ks := keys.NewSet()
	mon := health.NewMonitor(cfg)
	mon.Sweep(context.Background())

	policy := selector.LoadAware
	if strings.EqualFold(os.Getenv("SELECTION_POLICY"), "round_robin") {
		policy = selector.RoundRobin
	}
	sel := selector.New(cfg, mon, policy)

	var gate *x402.Gate
	var priceRefresher *pricing.Refresher
	if cfg.SettlementURL != "" {
		cat := pricing.NewCatalogue()
		sc := x402.NewSettlementClient(cfg.SettlementURL, cfg.SettlementKey, cfg.WalletAddress, cfg.RecipientWallet)
		gate, err = x402.New(cat, sc)
		if err != nil {
			log.Fatalf("x402: %v", err)
		}
		priceRefresher = pricing.NewRefresher(cat, cfg.BackendURL, cfg.BackendAdmin)
		if err := priceRefresher.Refresh(context.Background()); err != nil {
			log.Printf("pricing: initial refresh failed, x402 models start unpriced: %v", err)
		}
	}

	engine := proxy.New(cfg, ks, mon, sel, gate, metrics)

	mux := http.NewServeMux()
	mux.Handle("/", engine)
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		fmt.Printf("gateway listening on %s\n", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: could not listen on %s: %v", *httpAddr, err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: could not listen on %s: %v", *metricsAddr, err)
		}
	}()

	mirror := snapshot.New(cfg.RedisAddr)
	defer mirror.Close()

	election := control.NewElection(cfg.LockPath)
	isPrimary, err := election.TryBecomePrimary()
	if err != nil {
		log.Printf("control: primary election failed, running as non-primary: %v", err)
	}

	var refreshLoop *control.RefreshLoop
	var alertLoop *control.AlertLoop
	if isPrimary {
		log.Println("control: acquired primary lock, starting refresh and alert loops")

		priv, err := keys.ParsePrivateKey(cfg.PrivateKeyB64)
		if err != nil {
			log.Fatalf("keys: parsing private key: %v", err)
		}
		dist := keys.NewDistributor(priv)
		kr := keys.NewRefresher(ks, dist, cfg.BackendURL, cfg.BackendAdmin, cfg.ReplicaURLs)

		refreshLoop = control.NewRefreshLoop(cfg, kr, mon, priceRefresher, metrics, mirror, cfg.RefreshInterval)
		refreshLoop.Start()

		bot := control.NewAlertBot(cfg.AlertBotToken, cfg.AlertChatID, cfg.AlertTopic)
		alertLoop = control.NewAlertLoop(cfg, mon, bot, cfg.AlertInterval)
		alertLoop.Start()
	} else {
		log.Println("control: running as non-primary; serving traffic without refresh/alert loops")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("gateway: shutting down")

	if refreshLoop != nil {
		refreshLoop.Stop()
	}
	if alertLoop != nil {
		alertLoop.Stop()
	}
	if err := election.Release(); err != nil {
		log.Printf("control: releasing primary lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("gateway: http server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Printf("gateway: metrics server shutdown: %v", err)
	}

	log.Println("gateway: stopped")
}
