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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/forge/pkg/forge/request"
)

func req(version, target, profile string, pkgs ...string) *request.BuildRequest {
	return &request.BuildRequest{
		Distro:   "openwrt",
		Version:  version,
		Target:   target,
		Profile:  profile,
		Packages: pkgs,
	}
}

func TestResolveNoChanges(t *testing.T) {
	pkgs, changes, err := Resolve(req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "luci", "htop"), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"luci", "htop"}, pkgs)
	assert.Empty(t, changes)
}

func TestResolveAucMigration(t *testing.T) {
	pkgs, changes, err := Resolve(req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "luci", "auc"), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"luci", "owut"}, pkgs)
	require.Len(t, changes, 1)
	assert.Equal(t, TypeMigration, changes[0].Type)
	assert.Equal(t, ActionReplace, changes[0].Action)
	assert.Equal(t, "auc", changes[0].FromPackage)
	assert.Equal(t, "owut", changes[0].ToPackage)
	assert.True(t, changes[0].Automatic)
}

func TestResolveAucKeptOnOlderVersion(t *testing.T) {
	pkgs, changes, err := Resolve(req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "auc"), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"auc"}, pkgs)
	assert.Empty(t, changes)
}

func TestResolveLanguagePackRename(t *testing.T) {
	pkgs, changes, err := Resolve(req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "luci", "luci-i18n-opkg-en"), nil)

	require.NoError(t, err)
	assert.Contains(t, pkgs, "luci-i18n-package-manager-en")
	assert.NotContains(t, pkgs, "luci-i18n-opkg-en")
	require.Len(t, changes, 1)
	assert.Equal(t, "luci-i18n-opkg-en", changes[0].FromPackage)
	assert.Equal(t, "luci-i18n-package-manager-en", changes[0].ToPackage)
}

func TestResolveDuplicateCollapsed(t *testing.T) {
	pkgs, changes, err := Resolve(req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "auc", "owut"), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"owut"}, pkgs)
	require.Len(t, changes, 1)
	assert.Equal(t, ActionReplace, changes[0].Action)
	assert.Equal(t, "duplicate collapsed", changes[0].Reason)
}

func TestResolveHardwareAdditions(t *testing.T) {
	tests := []struct {
		description string
		request     *request.BuildRequest
		expect      []string
	}{
		{
			description: "mt7622 wireless firmware on 23.05",
			request:     req("23.05.5", "mediatek/mt7622", "linksys_e8450", "luci"),
			expect:      []string{"kmod-mt7622-firmware"},
		},
		{
			description: "rtl8366s switch driver on 23.05",
			request:     req("23.05.5", "ath79/generic", "netgear_wndr3700", "luci"),
			expect:      []string{"kmod-switch-rtl8366s"},
		},
		{
			description: "rtl8366rb switch driver on 23.05",
			request:     req("23.05.5", "ath79/generic", "buffalo_wzr-hp-g300nh-rb", "luci"),
			expect:      []string{"kmod-switch-rtl8366rb"},
		},
		{
			description: "lantiq PHY firmware on 25.12",
			request:     req("25.12.0", "lantiq/xrx200", "arcadyan_arv7519rw22", "luci"),
			expect: []string{
				"xrx200-rev1.1-phy22f-firmware",
				"xrx200-rev1.2-phy22f-firmware",
			},
		},
		{
			description: "DSA switch driver on 25.12",
			request:     req("25.12.0", "kirkwood/generic", "checkpoint_l-50", "luci"),
			expect:      []string{"kmod-dsa-mv88e6xxx"},
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			pkgs, changes, err := Resolve(test.request, nil)

			require.NoError(t, err)
			require.Len(t, changes, len(test.expect))
			for i, want := range test.expect {
				assert.Contains(t, pkgs, want)
				assert.Equal(t, TypeAddition, changes[i].Type)
				assert.Equal(t, want, changes[i].Package)
				assert.Contains(t, changes[i].Reason, "required by profile")
			}
		})
	}
}

func TestResolveAdditionNotAppliedOnOtherBranch(t *testing.T) {
	pkgs, changes, err := Resolve(req("24.10.0", "mediatek/mt7622", "linksys_e8450", "luci"), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"luci"}, pkgs)
	assert.Empty(t, changes)
}

func TestResolveAdditionSkippedWhenExplicitlyRemoved(t *testing.T) {
	r := req("23.05.5", "mediatek/mt7622", "linksys_e8450", "luci", "-kmod-mt7622-firmware")
	r.DiffPackages = true

	pkgs, changes, err := Resolve(r, []string{"base-files", "kmod-mt7622-firmware"})

	require.NoError(t, err)
	assert.NotContains(t, pkgs, "kmod-mt7622-firmware")
	assert.Empty(t, changes)
}

func TestResolveDiffPackages(t *testing.T) {
	r := req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "vim", "-dnsmasq")
	r.DiffPackages = true

	pkgs, _, err := Resolve(r, []string{"base-files", "dnsmasq", "dropbear"})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"base-files", "dropbear", "vim"}, pkgs)
}

func TestResolveDiffRemovalUnknown(t *testing.T) {
	r := req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "-nonexistent")
	r.DiffPackages = true

	_, _, err := Resolve(r, []string{"base-files", "dropbear"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestResolveDiffEmptySet(t *testing.T) {
	r := req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "-base-files")
	r.DiffPackages = true

	_, _, err := Resolve(r, []string{"base-files"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestResolvePinReaddsRenamedPackage(t *testing.T) {
	r := req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "auc")
	r.PackagesVersions = map[string]string{"auc": "0.3.2"}

	pkgs, changes, err := Resolve(r, nil)

	require.NoError(t, err)
	assert.Contains(t, pkgs, "auc")
	require.Len(t, changes, 2)
	assert.Equal(t, TypePin, changes[1].Type)
	assert.Equal(t, "auc", changes[1].Package)
	assert.Equal(t, "0.3.2", changes[1].Version)
	assert.False(t, changes[1].Automatic)
}

func TestResolvePinOnPresentPackageIsSilent(t *testing.T) {
	r := req("23.05.5", "ath79/generic", "tplink_archer-c7-v5", "vim")
	r.PackagesVersions = map[string]string{"vim": "9.0-1"}

	pkgs, changes, err := Resolve(r, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"vim"}, pkgs)
	assert.Empty(t, changes)
}

func TestResolveIdempotence(t *testing.T) {
	defaults := []string{"base-files", "dropbear"}
	inputs := []*request.BuildRequest{
		req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "luci", "auc", "luci-i18n-opkg-en"),
		req("23.05.5", "mediatek/mt7622", "linksys_e8450", "luci"),
		req("25.12.0", "kirkwood/generic", "checkpoint_l-50", "luci"),
	}
	for _, in := range inputs {
		first, _, err := Resolve(in, defaults)
		require.NoError(t, err)

		again := *in
		again.Packages = first
		second, changes, err := Resolve(&again, defaults)

		require.NoError(t, err)
		assert.Empty(t, changes)
		assert.ElementsMatch(t, first, second)
	}
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		version string
		since   string
		want    bool
	}{
		{"24.10.0", "24.10", true},
		{"24.10.0-rc2", "24.10", true},
		{"25.12.0", "24.10", true},
		{"23.05.5", "24.10", false},
		{"SNAPSHOT", "24.10", true},
		{"24.10-SNAPSHOT", "24.10", true},
		{"23.05-SNAPSHOT", "24.10", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, versionAtLeast(test.version, test.since),
			"%s >= %s", test.version, test.since)
	}
}

func TestPrepareKeepsDiffDelta(t *testing.T) {
	r := req("24.10.0", "ath79/generic", "tplink_archer-c7-v5", "-ppp", "auc")
	r.DiffPackages = true

	pkgs, changes := Prepare(r)

	// The removal stays in the delta; only the rename fires.
	assert.Contains(t, pkgs, "-ppp")
	assert.Contains(t, pkgs, "owut")
	assert.NotContains(t, pkgs, "auc")
	require.Len(t, changes, 1)
	assert.Equal(t, TypeMigration, changes[0].Type)
}
