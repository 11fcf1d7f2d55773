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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"gateway/internal/config"
	"gateway/internal/health"
)

// AlertBot posts a formatted health report to an external Telegram-shaped
// chat bot API. A zero-value token disables sending entirely.
type AlertBot struct {
	token  string
	chatID string
	topic  string
	client *http.Client
}

// NewAlertBot builds an AlertBot. If token or chatID is empty, Send is a
// no-op.
func NewAlertBot(token, chatID, topic string) *AlertBot {
	return &AlertBot{
		token:  token,
		chatID: chatID,
		topic:  topic,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	ParseMode       string `json:"parse_mode"`
	MessageThreadID int    `json:"message_thread_id,omitempty"`
}

// Send posts text to the configured chat, doing nothing if the bot is
// unconfigured.
func (b *AlertBot) Send(ctx context.Context, text string) error {
	if b.token == "" || b.chatID == "" {
		return nil
	}

	req := sendMessageRequest{ChatID: b.chatID, Text: text, ParseMode: "Markdown"}
	if b.topic != "" {
		fmt.Sscanf(b.topic, "%d", &req.MessageThreadID)
	}

	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}

	endpoint := "https://api.telegram.org/bot" + url.PathEscape(b.token) + "/sendMessage"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("control: sending alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: alert bot returned status %d", resp.StatusCode)
	}
	return nil
}

// DownReplicas computes the (model, url) pairs present in cfg but absent
// from the monitor's current healthy view, ordered for deterministic
// formatting.
func DownReplicas(cfg *config.View, mon *health.Monitor) map[string][]string {
	down := make(map[string][]string)
	for model, replicas := range cfg.Models {
		healthy := make(map[string]struct{})
		for _, u := range mon.HealthyReplicas(model) {
			healthy[u] = struct{}{}
		}
		var unhealthy []string
		for _, r := range replicas {
			if _, ok := healthy[r.URL]; !ok {
				unhealthy = append(unhealthy, r.URL)
			}
		}
		if len(unhealthy) > 0 {
			sort.Strings(unhealthy)
			down[model] = unhealthy
		}
	}
	return down
}

// FormatAlert renders the down-replica set as a Telegram-Markdown message,
// or "" if everything is healthy (the caller must not send in that case).
func FormatAlert(down map[string][]string) string {
	if len(down) == 0 {
		return ""
	}

	total := 0
	for _, urls := range down {
		total += len(urls)
	}

	models := make([]string, 0, len(down))
	for model := range down {
		models = append(models, model)
	}
	sort.Strings(models)

	msg := fmt.Sprintf("🚨 *Gateway Health Alert* (%s)\n\n*%d servers are DOWN*\n\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"), total)
	for _, model := range models {
		msg += fmt.Sprintf("*Model: %s*\n", model)
		for _, u := range down[model] {
			msg += fmt.Sprintf("- `%s`\n", u)
		}
		msg += "\n"
	}
	return msg
}
