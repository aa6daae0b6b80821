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
	"fmt"
	"time"
)

// Statistics event types.
const (
	EventRequest   = "request"
	EventCacheHit  = "cache_hit"
	EventCompleted = "build_completed"
	EventFailed    = "build_failed"
)

// RecordEvent appends one row to the statistics table.
func (s *Store) RecordEvent(event, version, target, profile string, duration time.Duration, diffPackages bool) error {
	_, err := s.db.Exec(
		`INSERT INTO stats (timestamp, event_type, version, target, profile, duration_seconds, diff_packages)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), event, version, target, profile, int(duration.Seconds()), diffPackages)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", event, err)
	}
	return nil
}

// BuildsPerDay aggregates event counts per calendar day over the last days.
func (s *Store) BuildsPerDay(days int) (map[string]map[string]int, error) {
	return s.aggregate(
		`SELECT DATE(timestamp) AS bucket, event_type, COUNT(*)
		 FROM stats
		 WHERE timestamp >= datetime('now', '-' || ? || ' days')
		 GROUP BY bucket, event_type
		 ORDER BY bucket DESC`, days)
}

// BuildsByVersion aggregates event counts per version over the last weeks.
func (s *Store) BuildsByVersion(weeks int) (map[string]map[string]int, error) {
	return s.aggregate(
		`SELECT version AS bucket, event_type, COUNT(*)
		 FROM stats
		 WHERE timestamp >= datetime('now', '-' || ? || ' days') AND version != ''
		 GROUP BY bucket, event_type
		 ORDER BY bucket`, weeks*7)
}

func (s *Store) aggregate(query string, arg int) (map[string]map[string]int, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var bucket, event string
		var count int
		if err := rows.Scan(&bucket, &event, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		if out[bucket] == nil {
			out[bucket] = map[string]int{}
		}
		out[bucket][event] = count
	}
	return out, rows.Err()
}

// TrimStats removes statistics rows older than the retention window.
func (s *Store) TrimStats(days int) error {
	_, err := s.db.Exec(
		`DELETE FROM stats WHERE timestamp < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return fmt.Errorf("trimming stats: %w", err)
	}
	return nil
}
