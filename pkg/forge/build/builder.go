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

// Package build runs the per-job pipeline: ensure the ImageBuilder image is
// present, probe its default packages, resolve the final package set, run the
// image build inside a container and collect the produced artifacts.
package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/docker"
	"github.com/openwrt/forge/pkg/forge/request"
	"github.com/openwrt/forge/pkg/forge/resolve"
)

// Pipeline phases, used as error prefixes.
const (
	PhasePull     = "pull"
	PhaseProbe    = "info-probe"
	PhaseResolve  = "resolve"
	PhaseBuild    = "build"
	PhaseManifest = "manifest"
	PhaseDiscover = "discover"
)

// artifactExtensions lists the file types published from the artifact
// directory.
var artifactExtensions = map[string]bool{
	".bin": true,
	".img": true,
	".gz":  true,
	".trx": true,
}

// PhaseError tags a build failure with the pipeline phase it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(phase, format string, args ...interface{}) error {
	return &PhaseError{Phase: phase, Err: fmt.Errorf(format, args...)}
}

// ContainerDriver is the runtime capability the pipeline needs.
type ContainerDriver interface {
	ImageExists(ctx context.Context, tag string) bool
	Pull(ctx context.Context, tag string) error
	Run(ctx context.Context, opts docker.RunOpts) (*docker.RunOutcome, error)
}

// ProbeCache memoizes default-package probes across builds.
type ProbeCache interface {
	CacheGet(key string, dst interface{}) (bool, error)
	CachePut(key string, value interface{}, ttl time.Duration) error
}

// Config carries the static build settings.
type Config struct {
	Registry      string
	StorePath     string
	AllowDefaults bool
	ProbeTTL      time.Duration
}

// Outcome is a successful build.
type Outcome struct {
	Images   []string
	Manifest string
	BuildCmd string
	Changes  []resolve.Change
	Duration time.Duration
}

// Builder executes build jobs. Safe for concurrent use; jobs for different
// fingerprints never share an artifact directory.
type Builder struct {
	driver ContainerDriver
	cache  ProbeCache
	cfg    Config
}

func New(driver ContainerDriver, cache ProbeCache, cfg Config) *Builder {
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 6 * time.Hour
	}
	return &Builder{driver: driver, cache: cache, cfg: cfg}
}

// ImageBuilderTag renders the container image tag for a request.
func ImageBuilderTag(registry string, req *request.BuildRequest) string {
	target, subtarget := req.SplitTarget()
	return fmt.Sprintf("%s:%s-%s-%s", registry, req.Version, target, subtarget)
}

// ArtifactDir returns the per-fingerprint artifact directory on the host.
func (b *Builder) ArtifactDir(hash string) string {
	return filepath.Join(b.cfg.StorePath, hash)
}

// Build runs the whole pipeline for one claimed job. Failures carry the
// phase as a prefix; a context deadline during the image build is reported
// as "build: timeout".
func (b *Builder) Build(ctx context.Context, hash string, req *request.BuildRequest, skipResolution bool) (*Outcome, error) {
	start := time.Now()
	log := logrus.WithFields(logrus.Fields{
		"request_hash": hash,
		"version":      req.Version,
		"target":       req.Target,
		"profile":      req.Profile,
	})

	tag := ImageBuilderTag(b.cfg.Registry, req)
	if err := b.ensureImage(ctx, tag); err != nil {
		return nil, err
	}

	defaults, err := b.probeDefaults(ctx, tag, req)
	if err != nil {
		return nil, err
	}

	packages := req.Packages
	var changes []resolve.Change
	if skipResolution {
		log.Debug("package resolution skipped by request")
	} else {
		packages, changes, err = resolve.Resolve(req, defaults)
		if err != nil {
			return nil, &PhaseError{Phase: PhaseResolve, Err: err}
		}
		for _, c := range changes {
			log.WithFields(logrus.Fields{"action": c.Action, "reason": c.Reason}).
				Debug("package change applied")
		}
	}

	artifactDir := b.ArtifactDir(hash)
	mounts, err := b.prepareArtifactDir(artifactDir, req)
	if err != nil {
		return nil, err
	}

	buildCmd, output, err := b.runImageBuild(ctx, tag, req, packages, mounts)
	if err != nil {
		return nil, err
	}
	if strings.Contains(output, "is too big") {
		return nil, phaseErr(PhaseBuild, "image is too big for the device")
	}

	manifest, err := b.runManifest(ctx, tag, req)
	if err != nil {
		return nil, err
	}
	if err := verifyPins(manifest, req.PackagesVersions); err != nil {
		return nil, &PhaseError{Phase: PhaseManifest, Err: err}
	}

	images, err := discoverArtifacts(artifactDir)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	log.WithFields(logrus.Fields{"images": len(images), "duration": duration.Round(time.Second)}).
		Info("build completed")
	return &Outcome{
		Images:   images,
		Manifest: manifest,
		BuildCmd: buildCmd,
		Changes:  changes,
		Duration: duration,
	}, nil
}

// ensureImage pulls the tag when it is missing locally. Pull failures are
// usually transient, so one retry is attempted before giving up.
func (b *Builder) ensureImage(ctx context.Context, tag string) error {
	if b.driver.ImageExists(ctx, tag) {
		return nil
	}
	pull := func() error { return b.driver.Pull(ctx, tag) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 1), ctx)
	if err := backoff.Retry(pull, policy); err != nil {
		return &PhaseError{Phase: PhasePull, Err: err}
	}
	return nil
}

// prepareArtifactDir creates the per-fingerprint directory and, when a
// first-boot script is present, materializes it for the read-only files
// mount.
func (b *Builder) prepareArtifactDir(artifactDir string, req *request.BuildRequest) ([]docker.Mount, error) {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, phaseErr(PhaseBuild, "creating artifact directory: %v", err)
	}
	mounts := []docker.Mount{{Source: artifactDir, Target: "/builder/bin"}}

	if req.Defaults != "" && b.cfg.AllowDefaults {
		filesDir := filepath.Join(artifactDir, "files")
		scriptDir := filepath.Join(filesDir, "etc", "uci-defaults")
		if err := os.MkdirAll(scriptDir, 0o755); err != nil {
			return nil, phaseErr(PhaseBuild, "creating defaults directory: %v", err)
		}
		script := filepath.Join(scriptDir, "99-custom")
		if err := os.WriteFile(script, []byte(req.Defaults+"\n"), 0o755); err != nil {
			return nil, phaseErr(PhaseBuild, "writing defaults script: %v", err)
		}
		mounts = append(mounts, docker.Mount{Source: filesDir, Target: "/builder/files", ReadOnly: true})
	}
	return mounts, nil
}

func (b *Builder) runImageBuild(ctx context.Context, tag string, req *request.BuildRequest, packages []string, mounts []docker.Mount) (string, string, error) {
	command := []string{
		"make", "image",
		"PROFILE=" + req.Profile,
		"PACKAGES=" + strings.Join(packages, " "),
	}
	if req.RootfsSizeMB > 0 {
		command = append(command, "ROOTFS_PARTSIZE="+strconv.Itoa(req.RootfsSizeMB))
	}

	outcome, err := b.driver.Run(ctx, docker.RunOpts{
		Image:   tag,
		Command: command,
		WorkDir: "/builder",
		Mounts:  mounts,
	})
	buildCmd := strings.Join(command, " ")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return buildCmd, "", phaseErr(PhaseBuild, "timeout")
		}
		return buildCmd, "", &PhaseError{Phase: PhaseBuild, Err: err}
	}
	if outcome.ExitCode != 0 {
		return buildCmd, outcome.Output, phaseErr(PhaseBuild,
			"exit status %d: %s", outcome.ExitCode, tailOf(outcome.Output))
	}
	return buildCmd, outcome.Output, nil
}

func (b *Builder) runManifest(ctx context.Context, tag string, req *request.BuildRequest) (string, error) {
	outcome, err := b.driver.Run(ctx, docker.RunOpts{
		Image:   tag,
		Command: []string{"make", "manifest", "PROFILE=" + req.Profile},
		WorkDir: "/builder",
	})
	if err != nil {
		return "", &PhaseError{Phase: PhaseManifest, Err: err}
	}
	if outcome.ExitCode != 0 {
		return "", phaseErr(PhaseManifest, "exit status %d: %s", outcome.ExitCode, tailOf(outcome.Output))
	}
	if strings.TrimSpace(outcome.Output) == "" {
		return "", phaseErr(PhaseManifest, "empty manifest")
	}
	return outcome.Output, nil
}

// verifyPins cross-checks explicit version pins against the manifest the
// ImageBuilder actually selected.
func verifyPins(manifest string, pins map[string]string) error {
	if len(pins) == 0 {
		return nil
	}
	installed := parseManifest(manifest)
	for name, version := range pins {
		got, ok := installed[name]
		if !ok {
			return fmt.Errorf("impossible package selection: %s is not in the manifest", name)
		}
		if got != version {
			return fmt.Errorf("impossible package selection: %s is %s, requested %s", name, got, version)
		}
	}
	return nil
}

// parseManifest reads "name - version" lines.
func parseManifest(manifest string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(manifest, "\n") {
		name, version, found := strings.Cut(line, " - ")
		if !found {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(version)
	}
	return out
}

// discoverArtifacts walks the artifact directory for firmware files and
// returns their paths relative to it.
func discoverArtifacts(artifactDir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !artifactExtensions[filepath.Ext(path)] {
			return nil
		}
		rel, err := filepath.Rel(artifactDir, path)
		if err != nil {
			return err
		}
		images = append(images, rel)
		return nil
	})
	if err != nil {
		return nil, phaseErr(PhaseDiscover, "walking artifact directory: %v", err)
	}
	if len(images) == 0 {
		return nil, phaseErr(PhaseDiscover, "no image files produced")
	}
	return images, nil
}

// tailOf keeps the informative end of a long build log for error messages.
func tailOf(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= 400 {
		return output
	}
	return "..." + output[len(output)-400:]
}
