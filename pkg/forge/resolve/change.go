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

// Package resolve computes the final package set for a build request. It
// applies version migrations, hardware-specific additions and user version
// pins, and records every modification as an audit entry so clients can show
// the user what will change before a build runs.
package resolve

// Change types.
const (
	TypeMigration = "migration"
	TypeAddition  = "addition"
	TypeRemoval   = "removal"
	TypePin       = "pin"
)

// Change actions.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionReplace = "replace"
	ActionPin     = "pin"
)

// Change is a single resolver modification of the package set.
type Change struct {
	Type        string `json:"type"`
	Action      string `json:"action"`
	Package     string `json:"package,omitempty"`
	FromPackage string `json:"from_package,omitempty"`
	ToPackage   string `json:"to_package,omitempty"`
	Version     string `json:"version,omitempty"`
	Reason      string `json:"reason"`
	Automatic   bool   `json:"automatic"`
}
