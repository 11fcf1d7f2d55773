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

package control

import (
	"context"
	"log"
	"sync"
	"time"

	"gateway/internal/config"
	"gateway/internal/health"
	"gateway/internal/keys"
	"gateway/internal/pricing"
	"gateway/internal/snapshot"
	"gateway/internal/telemetry"
)

// RefreshLoop drives the periodic key set → health sweep → price catalogue
// refresh sequence on the primary worker only. Each stage's failure is
// logged and does not block the others.
type RefreshLoop struct {
	cfg      *config.View
	keys     *keys.Refresher
	monitor  *health.Monitor
	prices   *pricing.Refresher
	metrics  *telemetry.Metrics
	mirror   *snapshot.Mirror
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  bool
	mu       sync.Mutex
}

// NewRefreshLoop builds a RefreshLoop. prices may be nil if x402 is
// disabled entirely, in which case the price stage is skipped. mirror may
// be nil; its methods are no-ops on a nil receiver, so nothing is mirrored.
func NewRefreshLoop(cfg *config.View, kr *keys.Refresher, mon *health.Monitor, pr *pricing.Refresher, metrics *telemetry.Metrics, mirror *snapshot.Mirror, interval time.Duration) *RefreshLoop {
	return &RefreshLoop{
		cfg:      cfg,
		keys:     kr,
		monitor:  mon,
		prices:   pr,
		metrics:  metrics,
		mirror:   mirror,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the refresh loop's background goroutine.
func (l *RefreshLoop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (l *RefreshLoop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopChan)
	l.wg.Wait()
}

func (l *RefreshLoop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runCycle()
	for {
		select {
		case <-ticker.C:
			l.runCycle()
		case <-l.stopChan:
			return
		}
	}
}

func (l *RefreshLoop) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), l.interval)
	defer cancel()

	if err := l.keys.Refresh(ctx); err != nil {
		log.Printf("control: key refresh failed: %v", err)
		l.observeError("keys")
	} else if err := l.mirror.WriteKeySet(ctx, l.keys.Set.Current()); err != nil {
		log.Printf("control: mirroring key set: %v", err)
	}

	l.monitor.Sweep(ctx)
	for model := range l.cfg.Models {
		healthy := l.monitor.HealthyReplicas(model)
		if err := l.mirror.WriteHealthyView(ctx, model, healthy); err != nil {
			log.Printf("control: mirroring healthy view for %s: %v", model, err)
		}
		if l.metrics != nil {
			healthySet := make(map[string]struct{}, len(healthy))
			for _, u := range healthy {
				healthySet[u] = struct{}{}
			}
			for _, r := range l.cfg.Models[model] {
				_, ok := healthySet[r.URL]
				m, _ := l.monitor.MetricsFor(r.URL)
				l.metrics.SetReplicaHealth(model, r.URL, ok, m.LoadScore())
			}
		}
	}

	if l.prices != nil {
		if err := l.prices.Refresh(ctx); err != nil {
			log.Printf("control: price refresh failed: %v", err)
			l.observeError("prices")
		}
	}
}

func (l *RefreshLoop) observeError(stage string) {
	if l.metrics != nil {
		l.metrics.ObserveRefreshError(stage)
	}
}

// AlertLoop periodically checks the config-vs-healthy-view diff and posts a
// formatted report to the alert bot, but only when something is down.
type AlertLoop struct {
	cfg      *config.View
	monitor  *health.Monitor
	bot      *AlertBot
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  bool
	mu       sync.Mutex
}

// NewAlertLoop builds an AlertLoop.
func NewAlertLoop(cfg *config.View, mon *health.Monitor, bot *AlertBot, interval time.Duration) *AlertLoop {
	return &AlertLoop{
		cfg:      cfg,
		monitor:  mon,
		bot:      bot,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the alert loop's background goroutine.
func (l *AlertLoop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (l *AlertLoop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopChan)
	l.wg.Wait()
}

func (l *AlertLoop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCycle()
		case <-l.stopChan:
			return
		}
	}
}

func (l *AlertLoop) runCycle() {
	down := DownReplicas(l.cfg, l.monitor)
	msg := FormatAlert(down)
	if msg == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.bot.Send(ctx, msg); err != nil {
		log.Printf("control: sending health alert: %v", err)
	}
}

// Report builds the full health report (healthy + unhealthy) regardless of
// whether anything is down, for the bot's on-demand status command.
func Report(cfg *config.View, mon *health.Monitor) map[string][]string {
	report := make(map[string][]string)
	for model, replicas := range cfg.Models {
		healthy := make(map[string]struct{})
		for _, u := range mon.HealthyReplicas(model) {
			healthy[u] = struct{}{}
		}
		for _, r := range replicas {
			status := "down"
			if _, ok := healthy[r.URL]; ok {
				status = "up"
			}
			report[model] = append(report[model], r.URL+": "+status)
		}
	}
	return report
}
