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
	"encoding/json"
	"net/http"
	"net/url"
)

const affinityCookieName = "preferred_instances"

// readAffinity parses the preferred_instances cookie into a model -> replica
// URL map. A missing or malformed cookie is treated as empty, per §3: its
// contents are a hint only.
func readAffinity(r *http.Request) map[string]string {
	c, err := r.Cookie(affinityCookieName)
	if err != nil {
		return map[string]string{}
	}
	m, err := decodeAffinity(c.Value)
	if err != nil {
		return map[string]string{}
	}
	return m
}

// decodeAffinity parses a preferred_instances cookie value: the JSON map,
// query-escaped so its quotes survive as cookie bytes.
func decodeAffinity(value string) (map[string]string, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// writeAffinity sets the preferred_instances cookie to affinity, updated so
// that model now maps to servedBy — the replica that actually produced the
// response being returned.
func writeAffinity(w http.ResponseWriter, affinity map[string]string, model, servedBy string) {
	next := make(map[string]string, len(affinity)+1)
	for k, v := range affinity {
		next[k] = v
	}
	next[model] = servedBy

	encoded, err := json.Marshal(next)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     affinityCookieName,
		Value:    url.QueryEscape(string(encoded)),
		Path:     "/",
		MaxAge:   1800,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
