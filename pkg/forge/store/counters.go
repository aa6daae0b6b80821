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

import "fmt"

// Well-known counter names.
const (
	CounterRequests    = "requests"
	CounterCacheHits   = "cache_hits"
	CounterCacheMisses = "cache_misses"
	CounterCompleted   = "builds_completed"
	CounterFailed      = "builds_failed"
)

// Bump increments a named counter, creating it at 1 when absent.
func (s *Store) Bump(name string) error {
	_, err := s.db.Exec(
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return fmt.Errorf("bumping counter %s: %w", name, err)
	}
	return nil
}

// Counters returns all counters as a map.
func (s *Store) Counters() (map[string]int64, error) {
	rows, err := s.db.Queryx(`SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("querying counters: %w", err)
	}
	defer rows.Close()

	counters := map[string]int64{}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		counters[name] = value
	}
	return counters, rows.Err()
}
