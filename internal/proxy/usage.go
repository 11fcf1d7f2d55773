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

// UsageEventSink receives a fire-and-forget notification whenever a bearer
// token passes the key-set check, mirroring the auth-event hook fired by
// the external usage-metrics pipeline. That pipeline is an external
// collaborator and out of scope here; NopUsageEventSink is the default so
// the engine always has somewhere to send the notification.
type UsageEventSink interface {
	AuthChecked(token string)
}

// NopUsageEventSink discards every event.
type NopUsageEventSink struct{}

// AuthChecked implements UsageEventSink.
func (NopUsageEventSink) AuthChecked(string) {}
