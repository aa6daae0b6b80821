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

// Package queue admits build requests and dispatches them to a bounded pool
// of workers. The job store provides the synchronization; workers only race
// through its claim operation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openwrt/forge/pkg/forge/build"
	"github.com/openwrt/forge/pkg/forge/metrics"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/store"
)

// ErrQueueFull is the admission refusal; it maps to 429 at the API boundary.
var ErrQueueFull = errors.New("build queue is full")

// Statistics rows feed the aggregation endpoints; anything older than this
// is out of every window they serve.
const statsRetentionDays = 180

// Builder runs one claimed job to completion.
type Builder interface {
	Build(ctx context.Context, hash string, req *request.BuildRequest, skipResolution bool) (*build.Outcome, error)
	ArtifactDir(hash string) string
}

// Options bound the dispatcher's behavior.
type Options struct {
	Workers         int
	MaxPending      int
	Poll            time.Duration
	JobTimeout      time.Duration
	BuildTTL        time.Duration
	FailureTTL      time.Duration
	JanitorInterval time.Duration
}

// Dispatcher owns the worker pool and the TTL janitor.
type Dispatcher struct {
	store   *store.Store
	builder Builder
	opts    Options
	wake    chan struct{}
}

func NewDispatcher(st *store.Store, builder Builder, opts Options) *Dispatcher {
	return &Dispatcher{
		store:   st,
		builder: builder,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
}

// Admit persists the request and enqueues a job for it. The pending-backlog
// cap is enforced inside the store's enqueue transaction, so concurrent
// admissions cannot overshoot it. Admission never blocks on builds.
func (d *Dispatcher) Admit(hash string, req *request.BuildRequest, skipResolution bool) (store.EnqueueOutcome, error) {
	if err := d.store.PutRequest(hash, req); err != nil {
		return "", err
	}
	outcome, err := d.store.Enqueue(hash, skipResolution, d.opts.MaxPending)
	if err != nil {
		return "", err
	}
	if outcome == store.EnqueueFull {
		return "", ErrQueueFull
	}
	if outcome == store.EnqueueNew {
		d.updateQueueGauge()
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return outcome, nil
}

// Run recovers interrupted jobs, then serves the worker pool and janitor
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recover(); err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	d.updateQueueGauge()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.worker(ctx, uuid.NewString())
			return nil
		})
	}
	g.Go(func() error {
		d.janitor(ctx)
		return nil
	})
	return g.Wait()
}

// recover handles jobs left in BUILDING by a previous process: jobs whose
// artifact directory is still empty are requeued, anything else failed so a
// half-written directory is never published.
func (d *Dispatcher) recover() error {
	stale, err := d.store.StaleBuilding()
	if err != nil {
		return err
	}
	for _, job := range stale {
		log := logrus.WithFields(logrus.Fields{"request_hash": job.RequestHash, "job": job.ID})
		entries, err := os.ReadDir(d.builder.ArtifactDir(job.RequestHash))
		if err != nil || len(entries) == 0 {
			if err := d.store.Requeue(job.ID); err != nil {
				return err
			}
			log.Warn("interrupted job requeued")
			continue
		}
		if err := d.store.Fail(job.RequestHash, "build: interrupted by restart"); err != nil {
			return err
		}
		log.Warn("interrupted job failed")
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id string) {
	log := logrus.WithField("worker", id)
	log.Debug("worker started")
	ticker := time.NewTicker(d.opts.Poll)
	defer ticker.Stop()

	for {
		d.drain(ctx, id)
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// drain claims and processes jobs until the queue is empty.
func (d *Dispatcher) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		job, err := d.store.ClaimPending(workerID)
		if err != nil {
			logrus.WithField("worker", workerID).Errorf("claiming job: %v", err)
			return
		}
		if job == nil {
			return
		}
		d.updateQueueGauge()
		d.process(ctx, job)
	}
}

func (d *Dispatcher) process(ctx context.Context, job *store.Job) {
	log := logrus.WithFields(logrus.Fields{"request_hash": job.RequestHash, "worker": job.WorkerID})

	req, err := d.store.GetRequest(job.RequestHash)
	if err == nil && req == nil {
		err = fmt.Errorf("request %s not found", job.RequestHash)
	}
	if err != nil {
		log.Errorf("loading request: %v", err)
		d.finishFailed(job, req, fmt.Sprintf("build: %v", err))
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	defer cancel()

	outcome, err := d.builder.Build(buildCtx, job.RequestHash, req, job.SkipResolution)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a build failure: the job stays in BUILDING so
			// the startup recovery sweep can requeue it.
			log.Info("build interrupted by shutdown")
			return
		}
		log.Warnf("build failed: %v", err)
		d.finishFailed(job, req, err.Error())
		return
	}

	result := &store.Result{
		RequestHash:     job.RequestHash,
		Images:          outcome.Images,
		Manifest:        outcome.Manifest,
		BuiltAt:         time.Now().UTC(),
		DurationSeconds: int(outcome.Duration.Seconds()),
	}
	if err := d.store.PutResult(result); err != nil {
		log.Errorf("persisting result: %v", err)
		d.finishFailed(job, req, fmt.Sprintf("build: %v", err))
		return
	}
	if err := d.store.Complete(job.RequestHash, outcome.Manifest, outcome.BuildCmd); err != nil {
		log.Errorf("completing job: %v", err)
		return
	}

	d.countEvent(store.CounterCompleted, store.EventCompleted, req, outcome.Duration)
	metrics.BuildsCompletedTotal.Inc()
	metrics.BuildDuration.Observe(outcome.Duration.Seconds())
}

func (d *Dispatcher) finishFailed(job *store.Job, req *request.BuildRequest, message string) {
	if err := d.store.Fail(job.RequestHash, message); err != nil {
		logrus.Errorf("failing job %d: %v", job.ID, err)
		return
	}
	d.countEvent(store.CounterFailed, store.EventFailed, req, 0)
	metrics.BuildsFailedTotal.WithLabelValues(phaseOf(message)).Inc()
}

func (d *Dispatcher) countEvent(counter, event string, req *request.BuildRequest, duration time.Duration) {
	if err := d.store.Bump(counter); err != nil {
		logrus.Warnf("bumping counter %s: %v", counter, err)
	}
	version, target, profile, diff := "", "", "", false
	if req != nil {
		version, target, profile, diff = req.Version, req.Target, req.Profile, req.DiffPackages
	}
	if err := d.store.RecordEvent(event, version, target, profile, duration, diff); err != nil {
		logrus.Warnf("recording %s event: %v", event, err)
	}
}

// phaseOf extracts the pipeline phase from a "<phase>: <reason>" message.
func phaseOf(message string) string {
	phase, _, found := strings.Cut(message, ": ")
	if !found {
		return "unknown"
	}
	return phase
}

func (d *Dispatcher) updateQueueGauge() {
	if length, err := d.store.QueueLength(); err == nil {
		metrics.QueueLength.Set(float64(length))
	}
}

// janitor periodically expires cached results and old failures, removing
// their artifact directories.
func (d *Dispatcher) janitor(ctx context.Context) {
	ticker := time.NewTicker(d.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep runs one janitor pass.
func (d *Dispatcher) Sweep() {
	now := time.Now()

	expired, err := d.store.ExpiredResults(now.Add(-d.opts.BuildTTL))
	if err != nil {
		logrus.Errorf("listing expired results: %v", err)
	}
	for _, hash := range expired {
		if err := d.store.ExpireResult(hash); err != nil {
			logrus.Errorf("expiring result %s: %v", hash, err)
			continue
		}
		d.removeArtifacts(hash)
		logrus.WithField("request_hash", hash).Info("result expired")
	}

	failed, err := d.store.ExpireFailedJobs(now.Add(-d.opts.FailureTTL))
	if err != nil {
		logrus.Errorf("expiring failed jobs: %v", err)
	}
	for _, hash := range failed {
		d.removeArtifacts(hash)
	}

	if err := d.store.TrimStats(statsRetentionDays); err != nil {
		logrus.Errorf("trimming stats: %v", err)
	}
}

func (d *Dispatcher) removeArtifacts(hash string) {
	dir := d.builder.ArtifactDir(hash)
	if err := os.RemoveAll(dir); err != nil {
		logrus.Errorf("removing artifacts %s: %v", dir, err)
	}
}
