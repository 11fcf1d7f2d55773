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

// Package config loads a read-only snapshot of the model/replica catalogue
// and the secrets/endpoints needed by the rest of the gateway. It is loaded
// once at startup; hot-reload is out of scope.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Replica is a single upstream inference backend. Immutable after load.
type Replica struct {
	URL             string   `json:"url"`
	Weight          int      `json:"weight"`
	GPU             bool     `json:"gpu"`
	CompletionPaths []string `json:"completion_paths"`
}

// Model is the ordered list of replicas serving a given (lowercased) model
// name. Order is preserved from the config file and anchors round-robin
// rotation.
type Model []Replica

// rawFile mirrors the on-disk JSON shape: {"models": {"name": [replica,...]}}.
type rawFile struct {
	Models map[string]Model `json:"models"`
}

// View is the immutable, process-wide configuration snapshot. It is built
// once by Load and handed to every component that needs it; nothing in View
// is ever mutated after construction.
type View struct {
	Models map[string]Model

	BackendURL      string
	BackendAdmin    string
	PrivateKeyB64   string
	SettlementURL   string
	SettlementKey   string
	WalletAddress   string
	RecipientWallet string

	AlertBotToken string
	AlertChatID   string
	AlertTopic    string

	LockPath string

	RedisAddr string

	RefreshInterval time.Duration
	AlertInterval   time.Duration
}

// Load reads the models file named by the MODELS_FILE environment variable
// and the remaining secrets/endpoints from the environment, and returns an
// immutable View. It fails closed: any replica missing a url aborts startup.
func Load() (*View, error) {
	path := os.Getenv("MODELS_FILE")
	if path == "" {
		return nil, fmt.Errorf("config: MODELS_FILE is not set")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f rawFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	models := make(map[string]Model, len(f.Models))
	for name, replicas := range f.Models {
		normalized := make(Model, len(replicas))
		for i, r := range replicas {
			if strings.TrimSpace(r.URL) == "" {
				return nil, fmt.Errorf("config: model %q replica %d is missing url", name, i)
			}
			r.URL = strings.TrimRight(r.URL, "/")
			if r.Weight <= 0 {
				r.Weight = 1
			}
			normalized[i] = r
		}
		models[strings.ToLower(name)] = normalized
	}

	v := &View{
		Models:          models,
		BackendURL:      strings.TrimRight(os.Getenv("BACKEND_API_URL"), "/"),
		BackendAdmin:    os.Getenv("BACKEND_ADMIN_TOKEN"),
		PrivateKeyB64:   os.Getenv("LIBERTAI_PRIVATE_KEY"),
		SettlementURL:   strings.TrimRight(os.Getenv("SETTLEMENT_API_URL"), "/"),
		SettlementKey:   os.Getenv("SETTLEMENT_SECRET_KEY"),
		WalletAddress:   os.Getenv("X402_WALLET_ADDRESS"),
		RecipientWallet: os.Getenv("X402_RECIPIENT_ADDRESS"),
		AlertBotToken:   os.Getenv("ALERT_BOT_TOKEN"),
		AlertChatID:     os.Getenv("ALERT_CHAT_ID"),
		AlertTopic:      os.Getenv("ALERT_TOPIC"),
		LockPath:        envOr("PRIMARY_LOCK_PATH", "/tmp/gateway.primary.lock"),
		RedisAddr:       os.Getenv("SNAPSHOT_REDIS_ADDR"),
		RefreshInterval: 30 * time.Second,
		AlertInterval:   600 * time.Second,
	}
	return v, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Model returns the replica list for a lowercased model name.
func (v *View) Model(name string) (Model, bool) {
	m, ok := v.Models[strings.ToLower(name)]
	return m, ok
}

// HasReplica reports whether url is a configured replica of model.
func (v *View) HasReplica(model, url string) bool {
	m, ok := v.Model(model)
	if !ok {
		return false
	}
	for _, r := range m {
		if r.URL == url {
			return true
		}
	}
	return false
}

// ReplicaURLs returns every replica URL across every model, deduplicated.
// Used by key distribution, which targets the whole fleet rather than a
// single model.
func (v *View) ReplicaURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, m := range v.Models {
		for _, r := range m {
			if _, ok := seen[r.URL]; ok {
				continue
			}
			seen[r.URL] = struct{}{}
			urls = append(urls, r.URL)
		}
	}
	return urls
}
