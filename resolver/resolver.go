// Copyright 2020 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resolver implements TargetResolver (spec §4.3): the cross-
// repository join that confirms a Director-selected Target is
// authorized by the Image repository and maps to a known local ECU.
// Grounded on the teacher's cmd/flash_tool/impl/flash_tool.go
// verify-then-apply sequencing: everything is validated before any
// result is returned, never interleaved with a side effect.
package resolver

import (
	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
)

// CurrentInstalled reports the filename currently installed on an ECU,
// used to decide whether a Director-assigned target is already applied
// (spec §4.3 step 3).
type CurrentInstalled func(serial api.EcuSerial) (filename string, ok bool)

// Result is the outcome of Select: the approved targets, in Director
// order, plus the inventory-mismatch bookkeeping supplemented from
// original_source (SPEC_FULL "misconfigured_ecus bookkeeping").
type Result struct {
	Targets       []api.Target
	Misconfigured []api.MisconfiguredEcu
}

// Select resolves directorTargets against imageTargets and the locally
// known ECU inventory per spec §4.3:
//  1. An unknown ECU serial in a target's `ecus` field is skipped (logged),
//     not an abort, and recorded as NotRegistered.
//  2. A hardware-id mismatch on a known serial aborts the whole selection
//     with RoleMismatch (potential misdirected update) and is recorded as
//     Old in the Misconfigured list returned alongside the error.
//  3. A target whose filename is already installed on all its target ECUs
//     is omitted as already-installed.
//  4. The target must appear in imageTargets with identical length and
//     hash set, or it is rejected.
//
// Output is de-duplicated by filename, preserving Director order.
func Select(directorTargets, imageTargets []api.Target, localEcus api.EcuInventory, installed CurrentInstalled) (Result, error) {
	candidates, misconfigured, err := candidateTargets(directorTargets, localEcus, installed)
	if err != nil {
		return Result{Misconfigured: misconfigured}, err
	}

	imageByName := make(map[string]api.Target, len(imageTargets))
	for _, t := range imageTargets {
		imageByName[t.Filename] = t
	}

	var out []api.Target
	seen := make(map[string]bool, len(candidates))
	for _, dt := range candidates {
		it, ok := imageByName[dt.Filename]
		if !ok || !dt.SameContent(it) {
			glog.Warningf("resolver: target %q not authorized by image repository, rejecting", dt.Filename)
			continue
		}
		if seen[dt.Filename] {
			continue
		}
		seen[dt.Filename] = true
		out = append(out, dt)
	}
	return Result{Targets: out, Misconfigured: misconfigured}, nil
}

// HasNewWork reports whether the Director's Targets contain anything this
// device would actually try to install, reasoning only from steps 1-3 of
// spec §4.3 (known ECU, matching hardware-id, not already installed) and
// never from image-repository authorization (step 4). Grounded on
// original_source's sotauptaneclient.cc getNewTargets (lines 566-602),
// which makes exactly this decision before any Image metadata has been
// fetched. The engine uses this to decide whether an Image refresh is
// worth doing at all; Select (with step 4) still runs the real
// resolution once that refresh completes.
func HasNewWork(directorTargets []api.Target, localEcus api.EcuInventory, installed CurrentInstalled) (bool, error) {
	candidates, _, err := candidateTargets(directorTargets, localEcus, installed)
	if err != nil {
		return false, err
	}
	return len(candidates) > 0, nil
}

// candidateTargets applies spec §4.3 steps 1-3 to directorTargets,
// independent of any image-repository authorization.
func candidateTargets(directorTargets []api.Target, localEcus api.EcuInventory, installed CurrentInstalled) ([]api.Target, []api.MisconfiguredEcu, error) {
	var misconfigured []api.MisconfiguredEcu
	var out []api.Target

	for _, dt := range directorTargets {
		if len(dt.Custom.Ecus) == 0 {
			glog.Warningf("resolver: target %q names no ECUs, skipping", dt.Filename)
			continue
		}
		for serial, declaredHw := range dt.Custom.Ecus {
			localHw, known := localEcus.HwIDOf(serial)
			if !known {
				glog.Warningf("resolver: target %q assigned to unknown ECU %s, skipping", dt.Filename, serial)
				misconfigured = append(misconfigured, api.MisconfiguredEcu{Serial: serial, HwID: declaredHw, State: api.EcuStateNotRegistered})
				continue
			}
			if localHw != declaredHw {
				misconfigured = append(misconfigured, api.MisconfiguredEcu{Serial: serial, HwID: declaredHw, State: api.EcuStateOld})
				return nil, misconfigured, api.NewError(api.ErrRoleMismatch,
					"target %q declares hardware-id %s for ECU %s, but locally known hardware-id is %s (possible misdirected update)",
					dt.Filename, declaredHw, serial, localHw)
			}
		}

		knownEcus := knownSerials(dt.Custom.Ecus, localEcus)
		if len(knownEcus) == 0 {
			// Every named ECU was unknown; nothing left to install here.
			continue
		}
		if allInstalled(knownEcus, dt.Filename, installed) {
			glog.V(1).Infof("resolver: target %q already installed on all target ECUs, skipping", dt.Filename)
			continue
		}
		out = append(out, dt)
	}
	return out, misconfigured, nil
}

func knownSerials(ecus map[api.EcuSerial]api.HardwareId, localEcus api.EcuInventory) []api.EcuSerial {
	out := make([]api.EcuSerial, 0, len(ecus))
	for serial := range ecus {
		if _, ok := localEcus.HwIDOf(serial); ok {
			out = append(out, serial)
		}
	}
	return out
}

func allInstalled(serials []api.EcuSerial, filename string, installed CurrentInstalled) bool {
	if installed == nil {
		return false
	}
	for _, serial := range serials {
		cur, ok := installed(serial)
		if !ok || cur != filename {
			return false
		}
	}
	return true
}
