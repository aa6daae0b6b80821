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

package request

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize returns a normalized copy of the request. Normalization makes
// semantically equal requests render identically for hashing:
//
//   - the distribution defaults to openwrt
//   - packages are sorted and de-duplicated
//   - commas in the profile become underscores
//   - trailing whitespace is trimmed from the defaults script
func (r *BuildRequest) Canonicalize() *BuildRequest {
	out := *r
	if out.Distro == "" {
		out.Distro = "openwrt"
	}
	out.Profile = sanitizeProfile(out.Profile)
	out.Defaults = strings.TrimRight(out.Defaults, " \t\r\n")

	if len(r.Packages) > 0 {
		pkgs := make([]string, 0, len(r.Packages))
		seen := make(map[string]bool, len(r.Packages))
		for _, p := range r.Packages {
			if !seen[p] {
				seen[p] = true
				pkgs = append(pkgs, p)
			}
		}
		sort.Strings(pkgs)
		out.Packages = pkgs
	}
	return &out
}

// Fingerprint renders the canonical form of the request and hashes it with
// SHA-256. The rendering is append-only: new optional fields only ever add
// trailing segments, so requests that do not use them keep their historical
// hashes. Callers must Canonicalize first.
func (r *BuildRequest) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Distro)
	b.WriteByte(':')
	b.WriteString(r.Version)
	b.WriteByte(':')
	b.WriteString(r.Target)
	b.WriteByte(':')
	b.WriteString(r.Profile)
	b.WriteByte(':')
	b.WriteString(strings.Join(r.Packages, ","))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(r.DiffPackages))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(r.RootfsSizeMB))

	if len(r.PackagesVersions) > 0 {
		names := make([]string, 0, len(r.PackagesVersions))
		for name := range r.PackagesVersions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte(':')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(r.PackagesVersions[name])
		}
	}
	for _, repo := range r.Repositories {
		b.WriteByte(':')
		b.WriteString(repo)
	}
	if r.Defaults != "" {
		b.WriteByte(':')
		b.WriteString(r.Defaults)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
