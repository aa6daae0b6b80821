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
	"strconv"
	"strings"
)

// renameRule renames a package starting at a release branch.
type renameRule struct {
	From   string
	To     string
	Since  string // release branch, e.g. "24.10"; empty means all versions
	Reason string
}

// prefixRule collapses a family of per-language packages under a new prefix.
type prefixRule struct {
	FromPrefix string
	ToPrefix   string
	Since      string
	Reason     string
}

// additionRule injects packages for hardware the ImageBuilder defaults miss.
// Additions are keyed to an exact release branch: the branch after it ships
// the package in its defaults again. An empty Profiles set matches every
// profile of the target.
type additionRule struct {
	Branch   string
	Target   string
	Profiles map[string]bool
	Packages []string
	Reason   string
}

var renameRules = []renameRule{
	{
		From:   "auc",
		To:     "owut",
		Since:  "24.10",
		Reason: "auc was replaced by owut in 24.10",
	},
	{
		From:   "luci-ssl",
		To:     "luci-ssl-nginx",
		Reason: "luci-ssl is deprecated in favor of luci-ssl-nginx",
	},
}

var prefixRules = []prefixRule{
	{
		FromPrefix: "luci-i18n-opkg-",
		ToPrefix:   "luci-i18n-package-manager-",
		Since:      "24.10",
		Reason:     "opkg language packs were renamed in 24.10",
	},
}

var additionRules = []additionRule{
	{
		Branch:   "23.05",
		Target:   "mediatek/mt7622",
		Packages: []string{"kmod-mt7622-firmware"},
		Reason:   "wireless firmware required by profile on mediatek/mt7622",
	},
	{
		Branch: "23.05",
		Target: "ath79/generic",
		Profiles: map[string]bool{
			"buffalo_wzr-hp-g300nh-s": true,
			"dlink_dir-825-b1":        true,
			"netgear_wndr3700":        true,
			"netgear_wndr3700-v2":     true,
			"netgear_wndr3800":        true,
			"netgear_wndr3800ch":      true,
			"netgear_wndrmac-v1":      true,
			"netgear_wndrmac-v2":      true,
			"trendnet_tew-673gru":     true,
		},
		Packages: []string{"kmod-switch-rtl8366s"},
		Reason:   "switch driver required by profile",
	},
	{
		Branch: "23.05",
		Target: "ath79/generic",
		Profiles: map[string]bool{
			"buffalo_wzr-hp-g300nh-rb": true,
		},
		Packages: []string{"kmod-switch-rtl8366rb"},
		Reason:   "switch driver required by profile",
	},
	{
		Branch: "25.12",
		Target: "lantiq/xrx200",
		Packages: []string{
			"xrx200-rev1.1-phy22f-firmware",
			"xrx200-rev1.2-phy22f-firmware",
		},
		Reason: "PHY firmware required by profile on lantiq/xrx200",
	},
	{
		Branch: "25.12",
		Target: "kirkwood/generic",
		Profiles: map[string]bool{
			"checkpoint_l-50": true,
		},
		Packages: []string{"kmod-dsa-mv88e6xxx"},
		Reason:   "DSA switch driver required by profile",
	},
}

// branchOf reduces a version string to its release branch. Snapshots of a
// branch keep the branch; the main snapshot has no branch and compares newer
// than every release.
func branchOf(version string) string {
	if version == "SNAPSHOT" {
		return ""
	}
	version = strings.TrimSuffix(version, "-SNAPSHOT")
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// versionAtLeast reports whether version belongs to branch `since` or any
// later branch. The main SNAPSHOT is treated as newer than everything.
func versionAtLeast(version, since string) bool {
	if since == "" {
		return true
	}
	branch := branchOf(version)
	if branch == "" {
		return true
	}
	bMaj, bMin, err1 := splitBranch(branch)
	sMaj, sMin, err2 := splitBranch(since)
	if err1 != nil || err2 != nil {
		return false
	}
	if bMaj != sMaj {
		return bMaj > sMaj
	}
	return bMin >= sMin
}

func splitBranch(branch string) (major, minor int, err error) {
	parts := strings.SplitN(branch, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed release branch %q", branch)
	}
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

// sameBranch reports whether version belongs exactly to the given branch.
func sameBranch(version, branch string) bool {
	return branchOf(version) == branch
}
