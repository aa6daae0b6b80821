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
)

// CachePut stores a JSON-encodable value under key with a TTL. Used by the
// build pipeline to memoize ImageBuilder probe output.
func (s *Store) CachePut(key string, value interface{}, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value for %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO meta_cache (key, value, expires_at) VALUES (?, ?, ?)`,
		key, string(body), time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("caching %s: %w", key, err)
	}
	return nil
}

// CacheGet decodes the value under key into dst. Returns false when the key
// is absent or expired; expired rows are deleted on read.
func (s *Store) CacheGet(key string, dst interface{}) (bool, error) {
	var row struct {
		Value     string    `db:"value"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err := s.db.Get(&row, `SELECT value, expires_at FROM meta_cache WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying cache key %s: %w", key, err)
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		if _, err := s.db.Exec(`DELETE FROM meta_cache WHERE key = ?`, key); err != nil {
			return false, fmt.Errorf("deleting expired cache key %s: %w", key, err)
		}
		return false, nil
	}
	if err := json.Unmarshal([]byte(row.Value), dst); err != nil {
		return false, fmt.Errorf("decoding cache value for %s: %w", key, err)
	}
	return true, nil
}
