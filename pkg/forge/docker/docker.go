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

// Package docker wraps the container runtime behind the three operations the
// build pipeline needs: probe for a local image, pull it, and run a one-shot
// container to completion. Containers are never kept around; every run is
// created fresh and force-removed on exit.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/version"
)

// API is the subset of the docker client the driver uses. Tests substitute a
// fake.
type API interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOpts describes a single one-shot container execution.
type RunOpts struct {
	Image   string
	Command []string
	Env     []string
	WorkDir string
	Mounts  []Mount
}

// RunOutcome reports how the container finished.
type RunOutcome struct {
	ExitCode int
	// Output is the combined stdout and stderr stream.
	Output string
}

// Driver talks to one container runtime socket.
type Driver struct {
	api API
}

// NewDriver connects to the runtime at socketPath.
func NewDriver(socketPath string) (*Driver, error) {
	host := socketPath
	if !strings.Contains(host, "://") {
		host = "unix://" + host
	}
	api, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
		client.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime at %s: %w", socketPath, err)
	}
	return &Driver{api: api}, nil
}

// NewDriverWithAPI wires an existing client, used by tests.
func NewDriverWithAPI(api API) *Driver {
	return &Driver{api: api}
}

// ImageExists probes the local image cache.
func (d *Driver) ImageExists(ctx context.Context, tag string) bool {
	_, _, err := d.api.ImageInspectWithRaw(ctx, tag)
	return err == nil
}

// Pull fetches the image, draining the progress stream. Pulling an image that
// is already present is a no-op on the daemon side.
func (d *Driver) Pull(ctx context.Context, tag string) error {
	rc, err := d.api.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", tag, err)
	}
	defer rc.Close()

	// The pull only completes once the whole message stream is consumed;
	// errors surface as embedded JSON messages.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pulling %s: %w", tag, err)
	}
	logrus.WithField("image", tag).Debug("image pulled")
	return nil
}

// Run executes a one-shot container and waits for it to finish. The caller
// bounds the execution through ctx; on cancellation the container is removed
// and an error returned. A non-zero exit is not an error here, the caller
// interprets the exit code.
func (d *Driver) Run(ctx context.Context, opts RunOpts) (*RunOutcome, error) {
	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	created, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        opts.Env,
		WorkingDir: opts.WorkDir,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", opts.Image, err)
	}
	// Removal must survive ctx cancellation.
	defer func() {
		if err := d.api.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			logrus.WithField("container", created.ID).Warnf("removing container: %v", err)
		}
	}()

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", created.ID, err)
	}

	var output bytes.Buffer
	logsDone := make(chan error, 1)
	logs, err := d.api.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container %s: %w", created.ID, err)
	}
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(&output, &output, logs)
		logsDone <- err
	}()

	statusCh, errCh := d.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		<-logsDone
		if status.Error != nil {
			return nil, fmt.Errorf("container %s: %s", created.ID, status.Error.Message)
		}
		return &RunOutcome{ExitCode: int(status.StatusCode), Output: output.String()}, nil
	case err := <-errCh:
		return nil, fmt.Errorf("waiting for container %s: %w", created.ID, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
