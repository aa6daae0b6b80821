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

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openwrt/forge/pkg/forge/request"
)

// PutRequest inserts a canonical request keyed by its fingerprint. Inserting
// the same fingerprint twice is a no-op, so concurrent identical submissions
// are safe.
func (s *Store) PutRequest(hash string, req *request.BuildRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", hash, err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO requests (request_hash, body, client, created_at) VALUES (?, ?, ?, ?)`,
		hash, string(body), req.Client, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", hash, err)
	}
	return nil
}

// GetRequest returns the stored request, or nil when unknown.
func (s *Store) GetRequest(hash string) (*request.BuildRequest, error) {
	var body string
	err := s.db.Get(&body, `SELECT body FROM requests WHERE request_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying request %s: %w", hash, err)
	}
	var req request.BuildRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", hash, err)
	}
	return &req, nil
}
