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
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/metrics"
	"github.com/openwrt/forge/pkg/forge/queue"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/resolve"
	"github.com/openwrt/forge/pkg/forge/store"
)

// decodeRequest parses and validates the submitted body, defaulting the
// client attribution from the User-Agent header.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*request.BuildRequest, bool) {
	var req request.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	if req.Client == "" {
		req.Client = r.UserAgent()
	}
	if err := req.Validate(s.cfg.Limits); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req.Canonicalize(), true
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	hash := req.Fingerprint()
	log := logrus.WithFields(logrus.Fields{"request_hash": hash, "client": req.Client})

	s.count(store.CounterRequests)
	metrics.RequestsTotal.WithLabelValues(clientName(req.Client)).Inc()
	if err := s.store.RecordEvent(store.EventRequest, req.Version, req.Target, req.Profile, 0, req.DiffPackages); err != nil {
		log.Warnf("recording request event: %v", err)
	}

	result, err := s.store.GetResult(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result != nil {
		s.count(store.CounterCacheHits)
		metrics.CacheHitsTotal.Inc()
		if err := s.store.RecordEvent(store.EventCacheHit, req.Version, req.Target, req.Profile, 0, req.DiffPackages); err != nil {
			log.Warnf("recording cache-hit event: %v", err)
		}
		log.Debug("cache hit")
		writeJSON(w, http.StatusOK, BuildResponse{
			RequestHash:   hash,
			Status:        string(store.JobCompleted),
			Images:        result.Images,
			Manifest:      result.Manifest,
			BuildDuration: result.DurationSeconds,
			CacheHit:      true,
		})
		return
	}
	s.count(store.CounterCacheMisses)
	metrics.CacheMissesTotal.Inc()

	job, err := s.store.GetJob(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job != nil {
		switch job.Status {
		case store.JobPending, store.JobBuilding:
			s.writeInFlight(w, hash, job)
			return
		case store.JobFailed:
			// Failures are cached until the janitor expires them.
			writeJSON(w, http.StatusInternalServerError, BuildResponse{
				RequestHash:  hash,
				Status:       string(store.JobFailed),
				ErrorMessage: job.ErrorMessage,
				FinishedAt:   job.FinishedAt,
			})
			return
		}
	}

	skipResolution, _ := strconv.ParseBool(r.URL.Query().Get("skip_package_resolution"))
	if _, err := s.admitter.Admit(hash, req, skipResolution); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, "build queue is full, try again later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("build enqueued")

	position, err := s.store.QueuePosition(hash)
	if err != nil {
		log.Warnf("queue position: %v", err)
	}
	writeJSON(w, http.StatusAccepted, BuildResponse{
		RequestHash:   hash,
		Status:        string(store.JobPending),
		QueuePosition: position,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	result, err := s.store.GetResult(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result != nil {
		writeJSON(w, http.StatusOK, BuildResponse{
			RequestHash:   hash,
			Status:        string(store.JobCompleted),
			Images:        result.Images,
			Manifest:      result.Manifest,
			BuildDuration: result.DurationSeconds,
		})
		return
	}

	job, err := s.store.GetJob(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "unknown request hash")
		return
	}
	switch job.Status {
	case store.JobFailed:
		writeJSON(w, http.StatusInternalServerError, BuildResponse{
			RequestHash:  hash,
			Status:       string(store.JobFailed),
			ErrorMessage: job.ErrorMessage,
			FinishedAt:   job.FinishedAt,
		})
	case store.JobCompleted:
		// The result was expired but the job record is still around.
		writeError(w, http.StatusNotFound, "build result expired")
	default:
		s.writeInFlight(w, hash, job)
	}
}

func (s *Server) writeInFlight(w http.ResponseWriter, hash string, job *store.Job) {
	position, err := s.store.QueuePosition(hash)
	if err != nil {
		logrus.Warnf("queue position for %s: %v", hash, err)
	}
	writeJSON(w, http.StatusAccepted, BuildResponse{
		RequestHash:   hash,
		Status:        string(job.Status),
		QueuePosition: position,
		EnqueuedAt:    &job.EnqueuedAt,
		StartedAt:     job.StartedAt,
	})
}

// handlePrepare runs only the defaults-independent resolver rules and
// reports what would change. It never touches the queue, so clients can show
// a diff before committing to a build. A diff_packages delta is passed
// through untouched; reconciliation needs the probed defaults and happens at
// build time.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	resolved, changes := resolve.Prepare(req)
	if changes == nil {
		changes = []resolve.Change{}
	}

	prepared := *req
	prepared.Packages = resolved
	prepared = *prepared.Canonicalize()
	hash := prepared.Fingerprint()

	cacheAvailable := false
	if s.store != nil {
		result, err := s.store.GetResult(hash)
		if err != nil {
			logrus.Warnf("cache probe for %s: %v", hash, err)
		}
		cacheAvailable = result != nil
	}

	writeJSON(w, http.StatusOK, PrepareResponse{
		Status:           "prepared",
		RequestHash:      hash,
		OriginalPackages: req.Packages,
		ResolvedPackages: resolved,
		Changes:          changes,
		PreparedRequest:  &prepared,
		CacheAvailable:   cacheAvailable,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	length, err := s.store.QueueLength()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counters, err := s.store.Counters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_length": length,
		"counters":     counters,
	})
}

func (s *Server) handleBuildsPerDay(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	stats, err := s.store.BuildsPerDay(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"days": days, "builds": stats})
}

func (s *Server) handleBuildsByVersion(w http.ResponseWriter, r *http.Request) {
	weeks := queryInt(r, "weeks", 4)
	stats, err := s.store.BuildsByVersion(weeks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"weeks": weeks, "builds": stats})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) count(counter string) {
	if err := s.store.Bump(counter); err != nil {
		logrus.Warnf("bumping counter %s: %v", counter, err)
	}
}

// clientName reduces a client string like "auc/0.3.2" to its name for the
// metrics label, keeping the cardinality bounded.
func clientName(client string) string {
	name, _, _ := strings.Cut(client, "/")
	if name == "" {
		return "unknown"
	}
	return name
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
