/*
Copyright 2025 The Forge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/resolve"
)

// BuildResponse is the envelope returned by the submit and status endpoints.
type BuildResponse struct {
	RequestHash   string     `json:"request_hash"`
	Status        string     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	Images        []string   `json:"images,omitempty"`
	Manifest      string     `json:"manifest,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	BuildDuration int        `json:"build_duration,omitempty"`
	EnqueuedAt    *time.Time `json:"enqueued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CacheHit      bool       `json:"cache_hit,omitempty"`
}

// PrepareResponse is the outcome of the resolver-only endpoint.
type PrepareResponse struct {
	Status           string                `json:"status"`
	RequestHash      string                `json:"request_hash"`
	OriginalPackages []string              `json:"original_packages"`
	ResolvedPackages []string              `json:"resolved_packages"`
	Changes          []resolve.Change      `json:"changes"`
	PreparedRequest  *request.BuildRequest `json:"prepared_request"`
	CacheAvailable   bool                  `json:"cache_available"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
