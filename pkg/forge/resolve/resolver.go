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

package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openwrt/forge/pkg/forge/request"
)

// Resolve computes the final package set for a canonicalized request given
// the default-package set probed from the ImageBuilder. It is pure: identical
// inputs yield identical outputs and running it on its own output produces no
// further changes.
//
// Renames apply first, then hardware additions, then user version pins, so
// an explicit pin always wins over a rule.
func Resolve(req *request.BuildRequest, defaults []string) ([]string, []Change, error) {
	var changes []Change

	pkgs := make([]string, len(req.Packages))
	copy(pkgs, req.Packages)

	pkgs, changes = applyRenames(req.Version, pkgs, changes)
	pkgs, changes = applyAdditions(req, pkgs, defaults, changes)

	if req.DiffPackages {
		var err error
		pkgs, err = reconcileDefaults(pkgs, defaults)
		if err != nil {
			return nil, nil, err
		}
	}

	pkgs, changes = applyPins(req, pkgs, changes)
	return pkgs, changes, nil
}

// Prepare applies the rules that need no knowledge of the ImageBuilder
// defaults: renames, hardware additions and pins. A diff_packages delta,
// including its "-name" removals, passes through untouched; reconciliation
// against the probed defaults happens at build time.
func Prepare(req *request.BuildRequest) ([]string, []Change) {
	var changes []Change

	pkgs := make([]string, len(req.Packages))
	copy(pkgs, req.Packages)

	pkgs, changes = applyRenames(req.Version, pkgs, changes)
	pkgs, changes = applyAdditions(req, pkgs, nil, changes)
	pkgs, changes = applyPins(req, pkgs, changes)
	return pkgs, changes
}

func applyRenames(version string, pkgs []string, changes []Change) ([]string, []Change) {
	present := toSet(pkgs)
	out := pkgs[:0]
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg, "-") {
			out = append(out, pkg)
			continue
		}
		to, reason, renamed := renameFor(version, pkg)
		if !renamed {
			out = append(out, pkg)
			continue
		}
		if present[to] {
			// The user already asked for the new name; drop the old one.
			changes = append(changes, Change{
				Type:        TypeMigration,
				Action:      ActionReplace,
				FromPackage: pkg,
				ToPackage:   to,
				Reason:      "duplicate collapsed",
				Automatic:   true,
			})
			continue
		}
		present[to] = true
		delete(present, pkg)
		out = append(out, to)
		changes = append(changes, Change{
			Type:        TypeMigration,
			Action:      ActionReplace,
			FromPackage: pkg,
			ToPackage:   to,
			Reason:      reason,
			Automatic:   true,
		})
	}
	return out, changes
}

func renameFor(version, pkg string) (to, reason string, ok bool) {
	for _, rule := range renameRules {
		if rule.From == pkg && versionAtLeast(version, rule.Since) {
			return rule.To, rule.Reason, true
		}
	}
	for _, rule := range prefixRules {
		if strings.HasPrefix(pkg, rule.FromPrefix) && versionAtLeast(version, rule.Since) {
			return rule.ToPrefix + strings.TrimPrefix(pkg, rule.FromPrefix), rule.Reason, true
		}
	}
	return "", "", false
}

func applyAdditions(req *request.BuildRequest, pkgs, defaults []string, changes []Change) ([]string, []Change) {
	present := toSet(pkgs)
	// Under diff semantics the defaults end up in the final set anyway, so
	// an addition already present there would be a no-op.
	if req.DiffPackages {
		for _, d := range defaults {
			present[d] = true
		}
	}
	for _, rule := range additionRules {
		if !sameBranch(req.Version, rule.Branch) || rule.Target != req.Target {
			continue
		}
		if rule.Profiles != nil && !rule.Profiles[req.Profile] {
			continue
		}
		for _, pkg := range rule.Packages {
			if present[pkg] || present["-"+pkg] {
				continue
			}
			present[pkg] = true
			pkgs = append(pkgs, pkg)
			changes = append(changes, Change{
				Type:      TypeAddition,
				Action:    ActionAdd,
				Package:   pkg,
				Reason:    rule.Reason,
				Automatic: true,
			})
		}
	}
	return pkgs, changes
}

// reconcileDefaults interprets pkgs as a delta over the default set: the
// result is the union, minus packages explicitly removed with a "-" prefix.
func reconcileDefaults(pkgs, defaults []string) ([]string, error) {
	union := make([]string, 0, len(defaults)+len(pkgs))
	present := make(map[string]bool, len(defaults)+len(pkgs))
	for _, pkg := range defaults {
		if !present[pkg] {
			present[pkg] = true
			union = append(union, pkg)
		}
	}

	var removals []string
	for _, pkg := range pkgs {
		if name, isRemoval := strings.CutPrefix(pkg, "-"); isRemoval {
			removals = append(removals, name)
			continue
		}
		if !present[pkg] {
			present[pkg] = true
			union = append(union, pkg)
		}
	}

	for _, name := range removals {
		if !present[name] {
			return nil, fmt.Errorf("cannot remove %q: not in the default or requested package set", name)
		}
		delete(present, name)
	}

	out := union[:0]
	for _, pkg := range union {
		if present[pkg] {
			out = append(out, pkg)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("package resolution produced an empty set")
	}
	return out, nil
}

// applyPins re-adds any pinned package a rule removed from the set. The pin
// itself is enforced at build time; a change is only recorded when the pin
// alters the set, keeping the resolver idempotent.
func applyPins(req *request.BuildRequest, pkgs []string, changes []Change) ([]string, []Change) {
	if len(req.PackagesVersions) == 0 {
		return pkgs, changes
	}
	present := toSet(pkgs)
	names := make([]string, 0, len(req.PackagesVersions))
	for name := range req.PackagesVersions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if present[name] {
			continue
		}
		present[name] = true
		pkgs = append(pkgs, name)
		changes = append(changes, Change{
			Type:      TypePin,
			Action:    ActionPin,
			Package:   name,
			Version:   req.PackagesVersions[name],
			Reason:    "explicitly pinned by the request",
			Automatic: false,
		})
	}
	return pkgs, changes
}

func toSet(pkgs []string) map[string]bool {
	set := make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		set[pkg] = true
	}
	return set
}
