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

package api

import "time"

// InstallationCode enumerates the outcomes of an install/finalize attempt.
type InstallationCode int

const (
	InstallUnknown InstallationCode = iota
	InstallOk
	InstallAlreadyProcessed
	InstallNeedCompletion
	InstallFailed
	InstallValidationFailed
	InstallInProgress
)

func (c InstallationCode) String() string {
	switch c {
	case InstallOk:
		return "Ok"
	case InstallAlreadyProcessed:
		return "AlreadyProcessed"
	case InstallNeedCompletion:
		return "NeedCompletion"
	case InstallFailed:
		return "InstallFailed"
	case InstallValidationFailed:
		return "ValidationFailed"
	case InstallInProgress:
		return "InProgress"
	default:
		return "Unknown"
	}
}

// InstallationResult is reported per-ECU, per-target, and is persisted so
// it can still be included in a manifest PUT after a reboot (spec §7).
type InstallationResult struct {
	ID          string
	Code        InstallationCode
	Description string
}

func (r InstallationResult) Success() bool {
	return r.Code == InstallOk || r.Code == InstallAlreadyProcessed
}

// RawMetaPack is the set of byte blobs dispatched to a Secondary during
// metadata propagation (spec §4.4 step 3, §6).
type RawMetaPack struct {
	DirectorRoot    []byte
	DirectorTargets []byte
	ImageRoot       []byte
	ImageTimestamp  []byte
	ImageSnapshot   []byte
	ImageTargets    []byte
}

// EcuManifest is one ECU's self-report: what's installed, and the result
// of its most recent install attempt, if any.
type EcuManifest struct {
	EcuSerial       EcuSerial
	AttacksDetected string
	Installed       Target
	Result          *InstallationResult
	SignedBody      []byte    // raw canonical bytes the ECU actually signed (Secondaries only)
	Signature       Signature // the Secondary's own signature over SignedBody
}

// Manifest is the aggregate vehicle version manifest PUT to the Director
// (spec §4.4 SendDeviceData / put_manifest), built from the Primary's own
// report plus each reachable Secondary's self-report.
type Manifest struct {
	PrimaryEcuSerial EcuSerial
	GeneratedAt      time.Time
	Ecus             map[EcuSerial]EcuManifest
}

// EcuState classifies an inventory mismatch discovered while resolving
// Director-assigned targets against locally known ECUs (spec §4.3,
// supplemented from original_source's MisconfiguredEcu bookkeeping).
type EcuState int

const (
	EcuStateUnknown EcuState = iota
	EcuStateOld
	EcuStateNotRegistered
)

func (s EcuState) String() string {
	switch s {
	case EcuStateOld:
		return "Old"
	case EcuStateNotRegistered:
		return "NotRegistered"
	default:
		return "Unknown"
	}
}

// MisconfiguredEcu records one ECU whose reported state disagrees with
// the locally known inventory; persisted so operators can see it without
// re-running discovery (spec §6 persisted-state layout).
type MisconfiguredEcu struct {
	Serial EcuSerial
	HwID   HardwareId
	State  EcuState
}

// EcuInventory is the locally known set of ECUs this Primary mediates,
// loaded from Storage during Provision (spec §4.4). Index 0 is always the
// Primary itself.
type EcuInventory struct {
	Ecus []EcuInfo
}

// EcuInfo is one entry of the ECU inventory.
type EcuInfo struct {
	Serial   EcuSerial
	HwID     HardwareId
	IsPrimary bool
}

// Primary returns the first EcuInfo marked IsPrimary, falling back to
// index 0 when none is marked, or the zero value and false if empty.
func (e EcuInventory) Primary() (EcuInfo, bool) {
	for _, ecu := range e.Ecus {
		if ecu.IsPrimary {
			return ecu, true
		}
	}
	if len(e.Ecus) > 0 {
		return e.Ecus[0], true
	}
	return EcuInfo{}, false
}

// HwIDOf looks up the locally known hardware id for a serial.
func (e EcuInventory) HwIDOf(serial EcuSerial) (HardwareId, bool) {
	for _, ecu := range e.Ecus {
		if ecu.Serial == serial {
			return ecu.HwID, true
		}
	}
	return "", false
}
