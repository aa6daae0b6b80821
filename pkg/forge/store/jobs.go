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
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobBuilding  JobStatus = "building"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one attempt to build a fingerprint. At most one job per fingerprint
// is pending or building at any instant.
type Job struct {
	ID             int64      `db:"id" json:"id"`
	RequestHash    string     `db:"request_hash" json:"request_hash"`
	Status         JobStatus  `db:"status" json:"status"`
	SkipResolution bool       `db:"skip_resolution" json:"skip_resolution,omitempty"`
	EnqueuedAt     time.Time  `db:"enqueued_at" json:"enqueued_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	BuildCmd       string     `db:"build_cmd" json:"build_cmd,omitempty"`
	Manifest       string     `db:"manifest" json:"manifest,omitempty"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`
	WorkerID       string     `db:"worker_id" json:"worker_id,omitempty"`
}

// EnqueueOutcome reports what Enqueue found for the fingerprint.
type EnqueueOutcome string

const (
	EnqueueNew      EnqueueOutcome = "new"
	EnqueueInFlight EnqueueOutcome = "already-in-flight"
	EnqueueBuilt    EnqueueOutcome = "already-built"
	EnqueueFull     EnqueueOutcome = "queue-full"
)

const jobColumns = `id, request_hash, status, skip_resolution, enqueued_at,
	started_at, finished_at, build_cmd, manifest, error_message, worker_id`

// Enqueue creates a pending job for the fingerprint unless one is already in
// flight, a result exists, or the pending backlog has reached maxPending
// (0 means unbounded). The capacity check shares the insert's transaction,
// so concurrent admissions cannot overshoot the cap.
func (s *Store) Enqueue(hash string, skipResolution bool, maxPending int) (EnqueueOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return "", fmt.Errorf("beginning enqueue: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.Get(&n, `SELECT COUNT(*) FROM results WHERE request_hash = ?`, hash); err != nil {
		return "", fmt.Errorf("checking result for %s: %w", hash, err)
	}
	if n > 0 {
		return EnqueueBuilt, nil
	}
	if err := tx.Get(&n,
		`SELECT COUNT(*) FROM jobs WHERE request_hash = ? AND status IN (?, ?)`,
		hash, JobPending, JobBuilding); err != nil {
		return "", fmt.Errorf("checking in-flight job for %s: %w", hash, err)
	}
	if n > 0 {
		return EnqueueInFlight, nil
	}
	if maxPending > 0 {
		if err := tx.Get(&n, `SELECT COUNT(*) FROM jobs WHERE status = ?`, JobPending); err != nil {
			return "", fmt.Errorf("counting pending jobs: %w", err)
		}
		if n >= maxPending {
			return EnqueueFull, nil
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO jobs (request_hash, status, skip_resolution, enqueued_at) VALUES (?, ?, ?, ?)`,
		hash, JobPending, skipResolution, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("inserting job for %s: %w", hash, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue for %s: %w", hash, err)
	}
	return EnqueueNew, nil
}

// GetJob returns the latest job for the fingerprint, or nil when none exists.
func (s *Store) GetJob(hash string) (*Job, error) {
	var job Job
	err := s.db.Get(&job,
		`SELECT `+jobColumns+` FROM jobs WHERE request_hash = ? ORDER BY id DESC LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying job for %s: %w", hash, err)
	}
	return &job, nil
}

// QueueLength counts pending jobs.
func (s *Store) QueueLength() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM jobs WHERE status = ?`, JobPending); err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return n, nil
}

// QueuePosition returns the 1-based position among pending jobs, counting
// only jobs admitted earlier. Non-pending jobs report position 0.
func (s *Store) QueuePosition(hash string) (int, error) {
	job, err := s.GetJob(hash)
	if err != nil {
		return 0, err
	}
	if job == nil || job.Status != JobPending {
		return 0, nil
	}
	var pos int
	err = s.db.Get(&pos,
		`SELECT COUNT(*) + 1 FROM jobs WHERE status = ? AND id < ?`, JobPending, job.ID)
	if err != nil {
		return 0, fmt.Errorf("computing queue position for %s: %w", hash, err)
	}
	return pos, nil
}

// ClaimPending atomically flips the oldest pending job to building and stamps
// the worker id and start time. Returns nil when the queue is empty. The
// claim is serializable: two concurrent callers never obtain the same job.
func (s *Store) ClaimPending(workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.Get(&job,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC LIMIT 1`, JobPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pending job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, started_at = ?, worker_id = ? WHERE id = ? AND status = ?`,
		JobBuilding, now, workerID, job.ID, JobPending)
	if err != nil {
		return nil, fmt.Errorf("claiming job %d: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming job %d: %w", job.ID, err)
	}
	if affected == 0 {
		// Lost the race to another claimer.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim of job %d: %w", job.ID, err)
	}

	job.Status = JobBuilding
	job.StartedAt = &now
	job.WorkerID = workerID
	return &job, nil
}

// Complete marks the fingerprint's active job completed.
func (s *Store) Complete(hash, manifest, buildCmd string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, finished_at = ?, manifest = ?, build_cmd = ?
		 WHERE request_hash = ? AND status = ?`,
		JobCompleted, time.Now().UTC(), manifest, buildCmd, hash, JobBuilding)
	if err != nil {
		return fmt.Errorf("completing job for %s: %w", hash, err)
	}
	return nil
}

// Fail marks the fingerprint's active job failed with the given message.
func (s *Store) Fail(hash, message string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?
		 WHERE request_hash = ? AND status IN (?, ?)`,
		JobFailed, time.Now().UTC(), message, hash, JobPending, JobBuilding)
	if err != nil {
		return fmt.Errorf("failing job for %s: %w", hash, err)
	}
	return nil
}

// StaleBuilding lists jobs left in BUILDING by a previous process, for the
// startup recovery sweep.
func (s *Store) StaleBuilding() ([]Job, error) {
	var jobs []Job
	err := s.db.Select(&jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC`, JobBuilding)
	if err != nil {
		return nil, fmt.Errorf("listing stale building jobs: %w", err)
	}
	return jobs, nil
}

// Requeue flips an interrupted job back to pending. It keeps its original
// id, so it is claimed ahead of jobs admitted after it.
func (s *Store) Requeue(id int64) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, started_at = NULL, worker_id = '' WHERE id = ?`,
		JobPending, id)
	if err != nil {
		return fmt.Errorf("requeueing job %d: %w", id, err)
	}
	return nil
}

// ExpireFailedJobs deletes failed jobs older than the cutoff and returns the
// affected fingerprints so the caller can clean their artifact directories.
func (s *Store) ExpireFailedJobs(cutoff time.Time) ([]string, error) {
	var hashes []string
	err := s.db.Select(&hashes,
		`SELECT DISTINCT request_hash FROM jobs WHERE status = ? AND finished_at < ?`,
		JobFailed, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing expired failures: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	_, err = s.db.Exec(
		`DELETE FROM jobs WHERE status = ? AND finished_at < ?`, JobFailed, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("deleting expired failures: %w", err)
	}
	return hashes, nil
}
