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

package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	images   map[string]bool
	pullErr  error
	pulled   []string
	exitCode int64
	stdout   string
	created  []*container.Config
	hostCfgs []*container.HostConfig
	removed  []string
	startErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{images: map[string]bool{}}
}

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	if f.images[imageID] {
		return types.ImageInspect{ID: imageID}, nil, nil
	}
	return types.ImageInspect{}, nil, errors.New("no such image")
}

func (f *fakeAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, refStr)
	f.images[refStr] = true
	return io.NopCloser(bytes.NewBufferString(`{"status":"Pull complete"}`)), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = append(f.created, config)
	f.hostCfgs = append(f.hostCfgs, hostConfig)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	w.Write([]byte(f.stdout))
	return io.NopCloser(&buf), nil
}

func (f *fakeAPI) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error, 1)
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestImageExists(t *testing.T) {
	api := newFakeAPI()
	api.images["reg:24.10.0-ath79-generic"] = true
	d := NewDriverWithAPI(api)

	assert.True(t, d.ImageExists(context.Background(), "reg:24.10.0-ath79-generic"))
	assert.False(t, d.ImageExists(context.Background(), "reg:missing"))
}

func TestPull(t *testing.T) {
	api := newFakeAPI()
	d := NewDriverWithAPI(api)

	require.NoError(t, d.Pull(context.Background(), "reg:24.10.0-ath79-generic"))
	assert.Equal(t, []string{"reg:24.10.0-ath79-generic"}, api.pulled)

	api.pullErr = errors.New("registry unreachable")
	err := d.Pull(context.Background(), "reg:other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	api := newFakeAPI()
	api.stdout = "Default Packages: base-files dropbear\n"
	api.exitCode = 0
	d := NewDriverWithAPI(api)

	outcome, err := d.Run(context.Background(), RunOpts{
		Image:   "reg:24.10.0-ath79-generic",
		Command: []string{"make", "info"},
		WorkDir: "/builder",
	})

	require.NoError(t, err)
	assert.Zero(t, outcome.ExitCode)
	assert.Contains(t, outcome.Output, "Default Packages: base-files dropbear")
	// container is always removed
	assert.Equal(t, []string{"c1"}, api.removed)
	require.Len(t, api.created, 1)
	assert.Equal(t, []string{"make", "info"}, []string(api.created[0].Cmd))
	assert.Equal(t, "/builder", api.created[0].WorkingDir)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	api := newFakeAPI()
	api.exitCode = 2
	d := NewDriverWithAPI(api)

	outcome, err := d.Run(context.Background(), RunOpts{Image: "img"})

	require.NoError(t, err)
	assert.Equal(t, 2, outcome.ExitCode)
}

func TestRunMounts(t *testing.T) {
	api := newFakeAPI()
	d := NewDriverWithAPI(api)

	_, err := d.Run(context.Background(), RunOpts{
		Image: "img",
		Mounts: []Mount{
			{Source: "/host/store/abc", Target: "/builder/bin"},
			{Source: "/host/store/abc/files", Target: "/builder/files", ReadOnly: true},
		},
	})

	require.NoError(t, err)
	require.Len(t, api.hostCfgs, 1)
	mounts := api.hostCfgs[0].Mounts
	require.Len(t, mounts, 2)
	assert.Equal(t, "/builder/bin", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)
	assert.True(t, mounts[1].ReadOnly)
}

func TestRunRemovesContainerOnStartFailure(t *testing.T) {
	api := newFakeAPI()
	api.startErr = errors.New("cannot start")
	d := NewDriverWithAPI(api)

	_, err := d.Run(context.Background(), RunOpts{Image: "img"})

	require.Error(t, err)
	assert.Equal(t, []string{"c1"}, api.removed)
}
