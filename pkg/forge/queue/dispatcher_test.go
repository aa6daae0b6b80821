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

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/forge/pkg/forge/build"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/store"
)

type fakeBuilder struct {
	root    string
	err     error
	builds  int
	skipped []bool
}

func (f *fakeBuilder) Build(ctx context.Context, hash string, req *request.BuildRequest, skipResolution bool) (*build.Outcome, error) {
	f.builds++
	f.skipped = append(f.skipped, skipResolution)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &build.Outcome{
		Images:   []string{"ath79/generic/sysupgrade.bin"},
		Manifest: "luci - 23.1",
		BuildCmd: "make image PROFILE=p PACKAGES=luci",
		Duration: 3 * time.Second,
	}, nil
}

func (f *fakeBuilder) ArtifactDir(hash string) string {
	return filepath.Join(f.root, hash)
}

func testDispatcher(t *testing.T, builder *fakeBuilder) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if builder.root == "" {
		builder.root = t.TempDir()
	}
	d := NewDispatcher(st, builder, Options{
		Workers:         2,
		MaxPending:      2,
		Poll:            10 * time.Millisecond,
		JobTimeout:      time.Minute,
		BuildTTL:        time.Hour,
		FailureTTL:      time.Hour,
		JanitorInterval: time.Hour,
	})
	return d, st
}

func admitRequest(t *testing.T, d *Dispatcher, hash string) {
	t.Helper()
	req := (&request.BuildRequest{
		Version:  "24.10.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"luci"},
	}).Canonicalize()
	outcome, err := d.Admit(hash, req, false)
	require.NoError(t, err)
	require.Equal(t, store.EnqueueNew, outcome)
}

func TestAdmitQueueFull(t *testing.T) {
	d, st := testDispatcher(t, &fakeBuilder{})
	admitRequest(t, d, "h1")
	admitRequest(t, d, "h2")

	req := (&request.BuildRequest{Version: "24.10.0", Target: "x86/64", Profile: "generic"}).Canonicalize()
	_, err := d.Admit("h3", req, false)

	require.ErrorIs(t, err, ErrQueueFull)
	job, err := st.GetJob("h3")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAdmitDeduplicates(t *testing.T) {
	d, st := testDispatcher(t, &fakeBuilder{})
	admitRequest(t, d, "h1")

	req := (&request.BuildRequest{Version: "24.10.0", Target: "ath79/generic", Profile: "p"}).Canonicalize()
	outcome, err := d.Admit("h1", req, false)

	require.NoError(t, err)
	assert.Equal(t, store.EnqueueInFlight, outcome)
	length, err := st.QueueLength()
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestDrainCompletesJob(t *testing.T) {
	fb := &fakeBuilder{}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")

	d.drain(context.Background(), "w1")

	assert.Equal(t, 1, fb.builds)
	job, err := st.GetJob("h1")
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)

	result, err := st.GetResult("h1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"ath79/generic/sysupgrade.bin"}, result.Images)
	assert.Equal(t, 3, result.DurationSeconds)

	counters, err := st.Counters()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[store.CounterCompleted])
}

func TestDrainFailsJob(t *testing.T) {
	fb := &fakeBuilder{err: errors.New("build: exit status 2: oops")}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")

	d.drain(context.Background(), "w1")

	job, err := st.GetJob("h1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, "build: exit status 2: oops", job.ErrorMessage)

	result, err := st.GetResult("h1")
	require.NoError(t, err)
	assert.Nil(t, result)

	counters, err := st.Counters()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[store.CounterFailed])
}

func TestDrainPassesSkipResolution(t *testing.T) {
	fb := &fakeBuilder{}
	d, _ := testDispatcher(t, fb)
	req := (&request.BuildRequest{Version: "24.10.0", Target: "ath79/generic", Profile: "p"}).Canonicalize()
	outcome, err := d.Admit("h1", req, true)
	require.NoError(t, err)
	require.Equal(t, store.EnqueueNew, outcome)

	d.drain(context.Background(), "w1")

	require.Len(t, fb.skipped, 1)
	assert.True(t, fb.skipped[0])
}

func TestRunProcessesQueue(t *testing.T) {
	fb := &fakeBuilder{}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")
	admitRequest(t, d, "h2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		length, err := st.QueueLength()
		return err == nil && length == 0 && fb.builds == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRecoverRequeuesEmptyArtifactDir(t *testing.T) {
	fb := &fakeBuilder{}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")
	_, err := st.ClaimPending("w-dead")
	require.NoError(t, err)

	require.NoError(t, d.recover())

	job, err := st.GetJob("h1")
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)
}

func TestRecoverFailsPartialBuild(t *testing.T) {
	fb := &fakeBuilder{root: t.TempDir()}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")
	_, err := st.ClaimPending("w-dead")
	require.NoError(t, err)

	dir := fb.ArtifactDir("h1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.bin"), []byte("x"), 0o644))

	require.NoError(t, d.recover())

	job, err := st.GetJob("h1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, "build: interrupted by restart", job.ErrorMessage)
}

func TestSweepExpiresResultsAndFailures(t *testing.T) {
	fb := &fakeBuilder{root: t.TempDir()}
	d, st := testDispatcher(t, fb)

	// stale result with artifacts on disk
	require.NoError(t, st.PutResult(&store.Result{
		RequestHash: "old",
		Images:      []string{"a.bin"},
		BuiltAt:     time.Now().Add(-2 * time.Hour),
	}))
	oldDir := fb.ArtifactDir("old")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))

	// fresh result stays
	require.NoError(t, st.PutResult(&store.Result{
		RequestHash: "fresh",
		Images:      []string{"b.bin"},
		BuiltAt:     time.Now(),
	}))

	d.Sweep()

	res, err := st.GetResult("old")
	require.NoError(t, err)
	assert.Nil(t, res)
	_, statErr := os.Stat(oldDir)
	assert.True(t, os.IsNotExist(statErr))

	res, err = st.GetResult("fresh")
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"build: timeout", "build"},
		{"pull: registry unreachable", "pull"},
		{"weird failure", "unknown"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, phaseOf(test.message), test.message)
	}
}

func TestAdmitDistinctHashes(t *testing.T) {
	d, st := testDispatcher(t, &fakeBuilder{})
	for i := 1; i <= 2; i++ {
		admitRequest(t, d, fmt.Sprintf("x%d", i))
	}
	length, err := st.QueueLength()
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestAdmitConcurrentRespectsCap(t *testing.T) {
	d, st := testDispatcher(t, &fakeBuilder{})
	req := (&request.BuildRequest{Version: "24.10.0", Target: "x86/64", Profile: "generic"}).Canonicalize()

	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Admit(fmt.Sprintf("c%d", i), req, false)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrQueueFull):
				rejected.Add(1)
			default:
				t.Errorf("admitting c%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(2), admitted.Load())
	assert.Equal(t, int64(6), rejected.Load())
	length, err := st.QueueLength()
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestShutdownLeavesJobBuilding(t *testing.T) {
	fb := &fakeBuilder{}
	d, st := testDispatcher(t, fb)
	admitRequest(t, d, "h1")
	job, err := st.ClaimPending("w1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.process(ctx, job)

	got, err := st.GetJob("h1")
	require.NoError(t, err)
	assert.Equal(t, store.JobBuilding, got.Status)
	assert.Empty(t, got.ErrorMessage)
}
