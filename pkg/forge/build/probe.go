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

package build

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openwrt/forge/pkg/forge/docker"
	"github.com/openwrt/forge/pkg/forge/request"
)

// probeDefaults runs `make info` in the ImageBuilder and extracts the default
// package set for the profile. The result is memoized per (version, target,
// profile) because the same ImageBuilder answers identically until its image
// is refreshed.
func (b *Builder) probeDefaults(ctx context.Context, tag string, req *request.BuildRequest) ([]string, error) {
	key := fmt.Sprintf("probe:%s:%s:%s", req.Version, req.Target, req.Profile)

	var defaults []string
	if b.cache != nil {
		hit, err := b.cache.CacheGet(key, &defaults)
		if err != nil {
			logrus.Warnf("reading probe cache: %v", err)
		} else if hit {
			return defaults, nil
		}
	}

	outcome, err := b.driver.Run(ctx, docker.RunOpts{
		Image:   tag,
		Command: []string{"make", "info"},
		WorkDir: "/builder",
	})
	if err != nil {
		return nil, &PhaseError{Phase: PhaseProbe, Err: err}
	}
	if outcome.ExitCode != 0 {
		return nil, phaseErr(PhaseProbe, "exit status %d: %s", outcome.ExitCode, tailOf(outcome.Output))
	}

	defaults = parseDefaultPackages(outcome.Output)

	if b.cache != nil {
		if err := b.cache.CachePut(key, defaults, b.cfg.ProbeTTL); err != nil {
			logrus.Warnf("writing probe cache: %v", err)
		}
	}
	return defaults, nil
}

// parseDefaultPackages extracts the "Default Packages:" line from `make info`
// output. A missing line means the profile has no defaults.
func parseDefaultPackages(output string) []string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(line, "Default Packages:"); found {
			return strings.Fields(rest)
		}
	}
	return nil
}
