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

// Result is a successful build: the produced image files (paths relative to
// the fingerprint's artifact directory) and the package manifest.
type Result struct {
	RequestHash     string    `json:"request_hash"`
	Images          []string  `json:"images"`
	Manifest        string    `json:"manifest"`
	BuiltAt         time.Time `json:"built_at"`
	DurationSeconds int       `json:"build_duration"`
}

type resultRow struct {
	RequestHash     string    `db:"request_hash"`
	Images          string    `db:"images"`
	Manifest        string    `db:"manifest"`
	BuiltAt         time.Time `db:"built_at"`
	DurationSeconds int       `db:"build_duration_seconds"`
}

// PutResult inserts the build result for a fingerprint. Only the single
// worker that owns the job writes here.
func (s *Store) PutResult(res *Result) error {
	images, err := json.Marshal(res.Images)
	if err != nil {
		return fmt.Errorf("encoding images for %s: %w", res.RequestHash, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO results (request_hash, images, manifest, built_at, build_duration_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		res.RequestHash, string(images), res.Manifest, res.BuiltAt.UTC(), res.DurationSeconds)
	if err != nil {
		return fmt.Errorf("inserting result for %s: %w", res.RequestHash, err)
	}
	return nil
}

// GetResult returns the cached result for a fingerprint, or nil when absent.
func (s *Store) GetResult(hash string) (*Result, error) {
	var row resultRow
	err := s.db.Get(&row, `SELECT * FROM results WHERE request_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying result for %s: %w", hash, err)
	}
	res := &Result{
		RequestHash:     row.RequestHash,
		Manifest:        row.Manifest,
		BuiltAt:         row.BuiltAt,
		DurationSeconds: row.DurationSeconds,
	}
	if err := json.Unmarshal([]byte(row.Images), &res.Images); err != nil {
		return nil, fmt.Errorf("decoding images for %s: %w", hash, err)
	}
	return res, nil
}

// ExpiredResults lists fingerprints whose result is older than the cutoff.
func (s *Store) ExpiredResults(cutoff time.Time) ([]string, error) {
	var hashes []string
	err := s.db.Select(&hashes,
		`SELECT request_hash FROM results WHERE built_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing expired results: %w", err)
	}
	return hashes, nil
}

// ExpireResult removes the result record. The caller deletes the artifact
// blobs on disk.
func (s *Store) ExpireResult(hash string) error {
	if _, err := s.db.Exec(`DELETE FROM results WHERE request_hash = ?`, hash); err != nil {
		return fmt.Errorf("deleting result for %s: %w", hash, err)
	}
	return nil
}
