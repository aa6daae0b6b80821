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

// Package request defines the canonical build request and its
// content-addressed fingerprint. The fingerprint is the primary key for
// deduplication, cache lookup and job identity, so every rule here has to be
// deterministic: two semantically equal requests must render byte-identical
// hash input.
package request

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// Versioned releases (23.05.0, 24.10.0-rc2) or snapshot forms
	// (SNAPSHOT, 24.10-SNAPSHOT).
	versionRe = regexp.MustCompile(`^(\d+\.\d+\.\d+(-rc\d+)?|\d+\.\d+-SNAPSHOT|SNAPSHOT)$`)

	// Conservative safe-token pattern shared by profile and package names.
	tokenRe = regexp.MustCompile(`^[0-9A-Za-z_.+-]+$`)
)

// BuildRequest is the declarative description of a firmware image. It is
// immutable once canonicalized; the fingerprint covers every field that
// influences the produced image.
type BuildRequest struct {
	Distro  string `json:"distro,omitempty"`
	Version string `json:"version"`
	// Target carries both hardware family and variant as "target/subtarget".
	Target  string `json:"target"`
	Profile string `json:"profile"`

	Packages         []string          `json:"packages,omitempty"`
	PackagesVersions map[string]string `json:"packages_versions,omitempty"`
	DiffPackages     bool              `json:"diff_packages,omitempty"`

	// Defaults is a first-boot script injected into the image. User content,
	// passed through verbatim apart from trailing-whitespace trimming.
	Defaults       string   `json:"defaults,omitempty"`
	RootfsSizeMB   int      `json:"rootfs_size_mb,omitempty"`
	Repositories   []string `json:"repositories,omitempty"`
	RepositoryKeys []string `json:"repository_keys,omitempty"`

	Client    string    `json:"client,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ValidationError names the request field that failed validation. It maps to
// a 400 response at the API boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Limits carries the administratively configured validation caps.
type Limits struct {
	MaxDefaultsLength int
	MaxRootfsSizeMB   int
	AllowDefaults     bool
}

// Validate checks all pattern constraints and size caps. It does not mutate
// the request; callers wanting the canonical form use Canonicalize.
func (r *BuildRequest) Validate(lim Limits) error {
	if r.Distro != "" && r.Distro != "openwrt" {
		return invalid("distro", "unsupported distribution %q", r.Distro)
	}
	if !versionRe.MatchString(r.Version) {
		return invalid("version", "%q is not a release or snapshot version", r.Version)
	}
	target, subtarget, ok := splitTarget(r.Target)
	if !ok {
		return invalid("target", "%q must be of the form target/subtarget", r.Target)
	}
	if !tokenRe.MatchString(target) || !tokenRe.MatchString(subtarget) {
		return invalid("target", "%q contains unsafe characters", r.Target)
	}
	if profile := sanitizeProfile(r.Profile); !tokenRe.MatchString(profile) {
		return invalid("profile", "%q contains unsafe characters", r.Profile)
	}
	for _, pkg := range r.Packages {
		if !tokenRe.MatchString(strings.TrimPrefix(pkg, "-")) {
			return invalid("packages", "package name %q contains unsafe characters", pkg)
		}
	}
	for name, ver := range r.PackagesVersions {
		if !tokenRe.MatchString(name) {
			return invalid("packages_versions", "package name %q contains unsafe characters", name)
		}
		if ver == "" {
			return invalid("packages_versions", "empty version pin for %q", name)
		}
	}
	if r.Defaults != "" && !lim.AllowDefaults {
		return invalid("defaults", "first-boot scripts are not enabled on this server")
	}
	if lim.MaxDefaultsLength > 0 && len(r.Defaults) > lim.MaxDefaultsLength {
		return invalid("defaults", "script exceeds maximum length of %d bytes", lim.MaxDefaultsLength)
	}
	if r.RootfsSizeMB < 0 {
		return invalid("rootfs_size_mb", "must not be negative")
	}
	if lim.MaxRootfsSizeMB > 0 && r.RootfsSizeMB > lim.MaxRootfsSizeMB {
		return invalid("rootfs_size_mb", "exceeds maximum of %d MB", lim.MaxRootfsSizeMB)
	}
	if len(r.RepositoryKeys) != len(r.Repositories) {
		return invalid("repository_keys", "got %d keys for %d repositories",
			len(r.RepositoryKeys), len(r.Repositories))
	}
	return nil
}

// SplitTarget returns the hardware family and variant of a canonical target.
func (r *BuildRequest) SplitTarget() (target, subtarget string) {
	target, subtarget, _ = splitTarget(r.Target)
	return target, subtarget
}

func splitTarget(t string) (target, subtarget string, ok bool) {
	parts := strings.Split(t, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sanitizeProfile rewrites commas to underscores; device profiles are
// occasionally submitted in the comma form used by upstream profile lists.
func sanitizeProfile(profile string) string {
	return strings.ReplaceAll(profile, ",", "_")
}
